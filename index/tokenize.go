package index

import (
	"strings"
	"unicode"
)

// Token is a term with its byte span in the source text.
type Token struct {
	Term  string
	Start int
	End   int
}

// Tokenize splits text into lowercased terms at every rune that is not a
// letter or digit.
func Tokenize(text string) []string {
	toks := TokenizeSpans(text)
	terms := make([]string, len(toks))
	for i, t := range toks {
		terms[i] = t.Term
	}
	return terms
}

// TokenizeSpans is Tokenize with byte offsets into text.
func TokenizeSpans(text string) []Token {
	var (
		toks  []Token
		start = -1
	)
	for i, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			toks = append(toks, Token{Term: strings.ToLower(text[start:i]), Start: start, End: i})
			start = -1
		}
	}
	if start >= 0 {
		toks = append(toks, Token{Term: strings.ToLower(text[start:]), Start: start, End: len(text)})
	}
	return toks
}
