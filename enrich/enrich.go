// Package enrich derives tags, labels and triplets from frame content.
//
// Enrichment is best effort: failures are reported as warnings and the
// frame is stored without the derived data, unless the caller requires
// enrichment to succeed.
package enrich

import (
	"cmp"
	"context"
	"log/slog"
	"regexp"
	"slices"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/model"
)

// MaxAutoTags bounds the keyword labels added by auto tagging.
const MaxAutoTags = 5

// Options selects enrichment steps.
type Options struct {
	AutoTag         bool
	ExtractDates    bool
	ExtractTriplets bool
	// Require turns enrichment failures into errors.
	Require bool
}

// Any reports whether any step is enabled.
func (o Options) Any() bool {
	return o.AutoTag || o.ExtractDates || o.ExtractTriplets
}

// Warning is a non-fatal enrichment failure.
type Warning struct {
	Code    errcode.Code
	Message string
}

func (w Warning) String() string {
	return w.Code.String() + ": " + w.Message
}

// Enricher runs enrichment steps on frames.
type Enricher struct {
	gate      *model.Gate
	extractor model.Extractor
	logger    *slog.Logger
}

// New returns an enricher. extractor may be nil, in which case triplet
// extraction reports NERModelNotAvailable.
func New(gate *model.Gate, extractor model.Extractor, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Enricher{gate: gate, extractor: extractor, logger: logger}
}

// Apply enriches f from text.
func (e *Enricher) Apply(ctx context.Context, f *frame.Frame, text string, opts Options) ([]Warning, error) {
	var warnings []Warning
	fail := func(err error) error {
		if opts.Require {
			return err
		}
		code := errcode.Of(err)
		if code == 0 {
			code = errcode.ExtractionFailed
		}
		warnings = append(warnings, Warning{Code: code, Message: err.Error()})
		e.logger.Warn("enrichment degraded", "frame_uri", f.URI, "code", code.String(), "error", err)
		return nil
	}

	if opts.AutoTag {
		f.AddLabels(Keywords(text, MaxAutoTags)...)
	}

	if opts.ExtractDates {
		dates := ExtractDates(text)
		if len(dates) > 0 {
			if f.Tags == nil {
				f.Tags = make(map[string]string)
			}
			f.Tags["date"] = dates[0].Format(time.DateOnly)
			for _, d := range dates {
				f.AddLabels("date:" + d.Format(time.DateOnly))
			}
		}
	}

	if opts.ExtractTriplets {
		if err := e.triplets(ctx, f, text); err != nil {
			if err := fail(err); err != nil {
				return nil, err
			}
		}
	}
	return warnings, nil
}

func (e *Enricher) triplets(ctx context.Context, f *frame.Frame, text string) error {
	if e.extractor == nil || e.gate == nil {
		return errcode.New(errcode.NERModelNotAvailable, "extract triplets", "no extraction model configured")
	}
	ts, err := e.gate.Extract(ctx, e.extractor, text)
	if err != nil {
		return err
	}
	for _, t := range ts {
		if t.Subject != "" && t.Predicate != "" && t.Object != "" {
			f.Triplets = append(f.Triplets, t)
		}
	}
	return nil
}

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"about", "after", "again", "also", "because", "been", "before", "being", "between",
		"both", "could", "does", "doing", "down", "during", "each", "from", "further",
		"have", "having", "here", "into", "just", "more", "most", "only", "other", "over",
		"same", "should", "some", "such", "than", "that", "their", "them", "then", "there",
		"these", "they", "this", "those", "through", "under", "until", "very", "were",
		"what", "when", "where", "which", "while", "will", "with", "would", "your",
	} {
		stopwords[w] = struct{}{}
	}
}

// Keywords returns up to n of the most frequent terms of at least four
// letters that are not stopwords, ties broken alphabetically.
func Keywords(text string, n int) []string {
	counts := make(map[string]int)
	for _, t := range index.Tokenize(text) {
		if len([]rune(t)) < 4 {
			continue
		}
		if _, stop := stopwords[t]; stop {
			continue
		}
		counts[t]++
	}
	terms := make([]string, 0, len(counts))
	for t := range counts {
		terms = append(terms, t)
	}
	slices.SortFunc(terms, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(terms) > n {
		terms = terms[:n]
	}
	return terms
}

var (
	isoDate   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	longDate  = regexp.MustCompile(`\b(January|February|March|April|May|June|July|August|September|October|November|December) (\d{1,2}), (\d{4})\b`)
	shortDate = regexp.MustCompile(`\b(\d{1,2}) (Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec) (\d{4})\b`)
)

// ExtractDates returns the distinct calendar dates mentioned in text in
// order of first appearance.
func ExtractDates(text string) []time.Time {
	type found struct {
		pos int
		t   time.Time
	}
	var all []found
	add := func(re *regexp.Regexp, layout string, build func(m []string) string) {
		for _, loc := range re.FindAllStringSubmatchIndex(text, -1) {
			m := make([]string, len(loc)/2)
			for i := range m {
				m[i] = text[loc[2*i]:loc[2*i+1]]
			}
			if t, err := time.Parse(layout, build(m)); err == nil {
				all = append(all, found{pos: loc[0], t: t})
			}
		}
	}
	add(isoDate, time.DateOnly, func(m []string) string { return m[0] })
	add(longDate, "January 2, 2006", func(m []string) string { return m[0] })
	add(shortDate, "2 Jan 2006", func(m []string) string { return m[0] })

	slices.SortStableFunc(all, func(a, b found) int { return cmp.Compare(a.pos, b.pos) })
	var out []time.Time
	seen := make(map[time.Time]bool)
	for _, f := range all {
		if !seen[f.t] {
			seen[f.t] = true
			out = append(out, f.t)
		}
	}
	return out
}
