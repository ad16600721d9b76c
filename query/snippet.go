package query

import (
	"unicode/utf8"

	"github.com/hupe1980/memvault/index"
)

// snippet is a window of frame content.
type snippet struct {
	text string
	// start and end are rune offsets of text within the content.
	start, end int
	// matches counts query-term occurrences in the whole content.
	matches int
	// whole is set when text is the entire content.
	whole bool
}

// termSet returns the distinct terms of query.
func termSet(query string) map[string]struct{} {
	terms := index.Tokenize(query)
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}

// makeSnippet cuts at most maxChars runes of content, starting a quarter
// window before the first query-term match.
func makeSnippet(content string, terms map[string]struct{}, maxChars int) snippet {
	first := -1
	matches := 0
	if len(terms) > 0 {
		for _, tok := range index.TokenizeSpans(content) {
			if _, ok := terms[tok.Term]; !ok {
				continue
			}
			if first < 0 {
				first = tok.Start
			}
			matches++
		}
	}

	total := utf8.RuneCountInString(content)
	if total <= maxChars {
		return snippet{text: content, start: 0, end: total, matches: matches, whole: true}
	}

	startRune := 0
	if first > 0 {
		startRune = max(utf8.RuneCountInString(content[:first])-maxChars/4, 0)
	}
	if startRune+maxChars > total {
		startRune = total - maxChars
	}

	lo := runeOffset(content, 0, startRune)
	hi := runeOffset(content, lo, maxChars)
	return snippet{
		text:    content[lo:hi],
		start:   startRune,
		end:     startRune + maxChars,
		matches: matches,
	}
}

// runeOffset returns the byte offset n runes after byte offset from.
func runeOffset(s string, from, n int) int {
	i := from
	for ; n > 0 && i < len(s); n-- {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return i
}

// preview returns the first n runes of s.
func preview(s string, n int) string {
	return s[:runeOffset(s, 0, n)]
}
