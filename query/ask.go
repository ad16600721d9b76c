package query

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/ticket"
)

// AskMode selects the retrieval path of an ask.
type AskMode string

const (
	AskLex    AskMode = "lex"
	AskSem    AskMode = "sem"
	AskHybrid AskMode = "hybrid"
)

// Retriever names the path that actually served an ask.
type Retriever string

const (
	RetrieverLex              Retriever = "lex"
	RetrieverSemantic         Retriever = "semantic"
	RetrieverHybrid           Retriever = "hybrid"
	RetrieverLexFallback      Retriever = "lex_fallback"
	RetrieverTimelineFallback Retriever = "timeline_fallback"
)

// FragmentKind tells whether a fragment holds the whole frame.
type FragmentKind string

const (
	FragmentFull    FragmentKind = "full"
	FragmentSummary FragmentKind = "summary"
)

// AskRequest describes one ask.
type AskRequest struct {
	Question  string
	Embedding []float32
	// Mode defaults to hybrid.
	Mode AskMode

	TopK         int
	SnippetChars int
	Cursor       string

	Filters

	// Synthesize requests an answer from the synthesizer. Without it only
	// the context is assembled.
	Synthesize bool
}

// Fragment is one bounded piece of retrieved context.
type Fragment struct {
	Rank    int
	FrameID frame.ID
	URI     string
	Title   string
	Score   float64
	Matches int
	Range   [2]int
	Text    string
	Kind    FragmentKind
}

// Citation points an answer back at a frame.
type Citation struct {
	Index   int
	FrameID frame.ID
	URI     string
	Range   [2]int
	Score   float64
}

// AskStats reports ask timings in milliseconds.
type AskStats struct {
	RetrievalMS int64
	SynthesisMS int64
	LatencyMS   int64
}

// AskResponse is the result of an ask.
type AskResponse struct {
	Question   string
	Mode       AskMode
	Retriever  Retriever
	Synthesize bool
	Retrieval  *SearchResponse
	// Answer is empty unless synthesis was requested.
	Answer    string
	Citations []Citation
	Fragments []Fragment
	Context   string
	Stats     AskStats
	// Warnings lists degraded steps, e.g. a failed rerank.
	Warnings []string
}

// Ask retrieves context for req.Question and, when requested, has the
// synthesizer answer it.
func (e *Engine) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	const op = "ask"
	start := time.Now()

	if req.Mode == "" {
		req.Mode = AskHybrid
	}
	if strings.TrimSpace(req.Question) == "" {
		return nil, invalidQuery(op, "empty question")
	}
	if req.Synthesize {
		if err := ticket.RequireAPIKey(op, e.cfg.APIKey); err != nil {
			return nil, err
		}
		if e.cfg.Synthesizer == nil {
			return nil, errcode.New(errcode.FeatureUnavailable, op, "no synthesizer configured")
		}
	}

	resp := &AskResponse{Question: req.Question, Mode: req.Mode, Synthesize: req.Synthesize}

	sreq := SearchRequest{
		Query:        req.Question,
		Embedding:    req.Embedding,
		TopK:         req.TopK,
		Cursor:       req.Cursor,
		Filters:      req.Filters,
		SnippetChars: req.SnippetChars,
	}

	var err error
	sreq.Mode, resp.Retriever, err = e.askPath(op, req.Mode, req.Embedding)
	if err != nil {
		return nil, err
	}

	if resp.Retriever == RetrieverTimelineFallback {
		resp.Retrieval, err = e.recent(sreq)
	} else {
		resp.Retrieval, err = e.Search(ctx, sreq)
	}
	if err != nil {
		return nil, err
	}

	if e.cfg.Reranker != nil && len(resp.Retrieval.Hits) > 1 {
		if w := e.rerank(ctx, req.Question, resp.Retrieval.Hits); w != "" {
			resp.Warnings = append(resp.Warnings, w)
		}
	}

	snippetChars := sreq.SnippetChars
	if snippetChars <= 0 {
		snippetChars = DefaultSnippetChars
	}
	if err := e.fragments(resp, snippetChars); err != nil {
		return nil, err
	}
	resp.Stats.RetrievalMS = time.Since(start).Milliseconds()

	if req.Synthesize {
		synthStart := time.Now()
		answer, err := e.cfg.Synthesizer.Synthesize(ctx, req.Question, resp.Fragments)
		if err != nil {
			return nil, errcode.Wrap(errcode.SynthesisFailed, op, err)
		}
		resp.Answer = answer
		resp.Stats.SynthesisMS = time.Since(synthStart).Milliseconds()
	}
	resp.Stats.LatencyMS = time.Since(start).Milliseconds()

	e.logger.Debug("ask", "mode", req.Mode, "retriever", resp.Retriever,
		"fragments", len(resp.Fragments), "latency_ms", resp.Stats.LatencyMS)
	return resp, nil
}

// askPath maps an ask mode onto a search mode, degrading hybrid asks to
// whatever the memory can serve.
func (e *Engine) askPath(op string, mode AskMode, embedding []float32) (Mode, Retriever, error) {
	ix := e.src.Indexes()
	hasLex := ix.Lex != nil
	hasVec := ix.Vec != nil && e.canEmbed(embedding)

	switch mode {
	case AskLex:
		return ModeLex, RetrieverLex, nil
	case AskSem:
		return ModeVec, RetrieverSemantic, nil
	case AskHybrid:
		switch {
		case hasLex && hasVec:
			return ModeHybrid, RetrieverHybrid, nil
		case hasLex:
			return ModeLex, RetrieverLexFallback, nil
		case hasVec:
			return ModeVec, RetrieverSemantic, nil
		default:
			return "", RetrieverTimelineFallback, nil
		}
	default:
		return "", "", errcode.Newf(errcode.InvalidQuery, op, "unknown ask mode %q", mode)
	}
}

// recent returns the most recent allowed frames, newest first.
func (e *Engine) recent(req SearchRequest) (*SearchResponse, error) {
	const op = "ask"
	start := time.Now()
	if err := req.normalize(op); err != nil {
		return nil, err
	}
	fl, err := req.Filters.compile(op)
	if err != nil {
		return nil, err
	}
	allow := fl.allowSet(e.src)

	var ranked []index.Hit
	if tl := e.src.Indexes().Time; tl != nil {
		entries := tl.Range(nil, nil)
		for i := len(entries) - 1; i >= 0; i-- {
			if allow.Contains(entries[i].ID) {
				ranked = append(ranked, index.Hit{ID: entries[i].ID})
			}
		}
	} else {
		ids := allow.IDs()
		for i := len(ids) - 1; i >= 0; i-- {
			ranked = append(ranked, index.Hit{ID: ids[i]})
		}
	}

	resp := &SearchResponse{Total: len(ranked)}
	n := min(req.TopK, len(ranked))
	hits, err := e.hits(ranked[:n], 0, "", req.SnippetChars)
	if err != nil {
		return nil, err
	}
	resp.Hits = hits
	resp.ElapsedMS = time.Since(start).Milliseconds()
	return resp, nil
}

// rerank reorders hits in place by reranker score. A failure leaves the
// order untouched and is returned as a warning.
func (e *Engine) rerank(ctx context.Context, question string, hits []Hit) string {
	passages := make([]string, len(hits))
	for i, h := range hits {
		passages[i] = h.Snippet
	}
	scores, err := e.cfg.Gate.Rerank(ctx, e.cfg.Reranker, question, passages)
	if err != nil {
		e.logger.Warn("rerank failed", "error", err)
		return fmt.Sprintf("rerank skipped: %v", err)
	}

	type scored struct {
		hit   Hit
		score float64
	}
	tmp := make([]scored, len(hits))
	for i := range hits {
		tmp[i] = scored{hits[i], scores[i]}
	}
	// Ties keep retrieval order.
	slices.SortStableFunc(tmp, func(a, b scored) int { return cmp.Compare(b.score, a.score) })
	for i := range tmp {
		hits[i] = tmp[i].hit
		hits[i].Rank = i + 1
		hits[i].Score = tmp[i].score
	}
	return ""
}

// fragments turns the retrieval hits into fragments, citations and the
// context string.
func (e *Engine) fragments(resp *AskResponse, snippetChars int) error {
	terms := termSet(resp.Question)
	var b strings.Builder
	for i, h := range resp.Retrieval.Hits {
		f, ok := e.src.Frame(h.FrameID)
		if !ok {
			return errcode.Newf(errcode.FrameNotFound, "ask", "frame %d", h.FrameID)
		}
		text, err := e.content(f)
		if err != nil {
			return err
		}
		sn := makeSnippet(text, terms, snippetChars)
		kind := FragmentSummary
		if sn.whole {
			kind = FragmentFull
		}
		rng := [2]int{sn.start, sn.end}
		resp.Fragments = append(resp.Fragments, Fragment{
			Rank:    i + 1,
			FrameID: f.ID,
			URI:     f.URI,
			Title:   f.Title,
			Score:   h.Score,
			Matches: sn.matches,
			Range:   rng,
			Text:    sn.text,
			Kind:    kind,
		})
		resp.Citations = append(resp.Citations, Citation{
			Index:   i + 1,
			FrameID: f.ID,
			URI:     f.URI,
			Range:   rng,
			Score:   h.Score,
		})
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%d] %s", i+1, sn.text)
	}
	resp.Context = b.String()
	return nil
}
