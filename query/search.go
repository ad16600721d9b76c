package query

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
)

// Mode selects the retrieval path of a search.
type Mode string

const (
	// ModeAuto picks hybrid when a query vector is available and both
	// indexes are enabled, else the single usable path.
	ModeAuto   Mode = ""
	ModeLex    Mode = "lex"
	ModeVec    Mode = "vec"
	ModeHybrid Mode = "hybrid"
)

// Search defaults and limits.
const (
	DefaultTopK         = 10
	MaxTopK             = 1000
	DefaultSnippetChars = 200
	DefaultAlpha        = 0.5
)

// SearchRequest describes one search.
type SearchRequest struct {
	Query string
	// Embedding is the query vector for vec and hybrid modes. Without it
	// the engine embeds Query through the configured embedder.
	Embedding []float32
	Mode      Mode

	// TopK bounds the page size, default 10, at most 1000.
	TopK   int
	Offset int
	// Cursor continues a previous response. It overrides Offset.
	Cursor string

	Filters

	// Alpha weighs the lexical part of hybrid scores, default 0.5.
	Alpha *float64
	// SnippetChars bounds snippets in runes, default 200.
	SnippetChars int
}

// Hit is one ranked search result.
type Hit struct {
	Rank      int
	FrameID   frame.ID
	Score     float64
	Snippet   string
	Range     [2]int
	Matches   int
	URI       string
	Title     string
	Track     string
	Tags      map[string]string
	Labels    []string
	Timestamp int64
}

// SearchResponse is a page of hits.
type SearchResponse struct {
	Hits       []Hit
	Total      int
	NextCursor string
	Engine     Mode
	ElapsedMS  int64
}

func (r *SearchRequest) normalize(op string) error {
	if r.TopK == 0 {
		r.TopK = DefaultTopK
	}
	if r.TopK < 0 || r.TopK > MaxTopK {
		return errcode.Newf(errcode.InvalidQuery, op, "top_k must be in [1, %d], got %d", MaxTopK, r.TopK)
	}
	if r.Offset < 0 {
		return invalidQuery(op, "negative offset")
	}
	if r.SnippetChars <= 0 {
		r.SnippetChars = DefaultSnippetChars
	}
	if r.Alpha == nil {
		a := DefaultAlpha
		r.Alpha = &a
	}
	if a := *r.Alpha; a < 0 || a > 1 {
		return errcode.Newf(errcode.InvalidQuery, op, "alpha must be in [0, 1], got %v", a)
	}
	switch r.Mode {
	case ModeAuto, ModeLex, ModeVec, ModeHybrid:
	default:
		return errcode.Newf(errcode.InvalidQuery, op, "unknown mode %q", r.Mode)
	}
	return nil
}

func (r *SearchRequest) fingerprint(mode Mode) uint64 {
	parts := append([]string{r.Query, string(mode), strconv.FormatFloat(*r.Alpha, 'g', -1, 64), fmt.Sprint(r.Embedding)}, r.Filters.key()...)
	return fingerprint(parts...)
}

// Search runs req and returns one page of hits.
func (e *Engine) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	const op = "search"
	start := time.Now()

	if err := req.normalize(op); err != nil {
		return nil, err
	}
	mode, err := e.resolveMode(op, req.Mode, req.Embedding)
	if err != nil {
		return nil, err
	}
	fl, err := req.Filters.compile(op)
	if err != nil {
		return nil, err
	}

	offset := req.Offset
	fp := req.fingerprint(mode)
	if req.Cursor != "" {
		c, err := decodeCursor(req.Cursor, fp)
		if err != nil {
			return nil, err
		}
		offset = int(c.offset)
	}

	ranked, err := e.rank(ctx, op, mode, req.Query, req.Embedding, *req.Alpha, fl)
	if err != nil {
		return nil, err
	}

	resp := &SearchResponse{Total: len(ranked), Engine: mode}
	if offset < len(ranked) {
		end := min(offset+req.TopK, len(ranked))
		hits, err := e.hits(ranked[offset:end], offset, req.Query, req.SnippetChars)
		if err != nil {
			return nil, err
		}
		resp.Hits = hits
		if end < len(ranked) {
			resp.NextCursor = cursor{offset: uint64(end), fingerprint: fp}.encode()
		}
	}
	resp.ElapsedMS = time.Since(start).Milliseconds()

	e.logger.Debug("search", "mode", mode, "total", resp.Total, "returned", len(resp.Hits), "elapsed_ms", resp.ElapsedMS)
	return resp, nil
}

// resolveMode validates mode against the enabled indexes and resolves
// ModeAuto.
func (e *Engine) resolveMode(op string, mode Mode, embedding []float32) (Mode, error) {
	ix := e.src.Indexes()
	hasLex, hasVec := ix.Lex != nil, ix.Vec != nil

	if mode == ModeAuto {
		switch {
		case hasLex && hasVec && e.canEmbed(embedding):
			return ModeHybrid, nil
		case hasLex:
			return ModeLex, nil
		case hasVec && e.canEmbed(embedding):
			return ModeVec, nil
		default:
			return "", errcode.Wrap(errcode.InvalidQuery, op, errcode.New(errcode.LexNotEnabled, op, "no lexical index"))
		}
	}

	if (mode == ModeVec || mode == ModeHybrid) && !hasVec {
		return "", errcode.Wrapf(errcode.InvalidQuery, op,
			errcode.New(errcode.VecNotEnabled, op, "no vector index"), "%s mode", mode)
	}
	if (mode == ModeLex || mode == ModeHybrid) && !hasLex {
		return "", errcode.Wrapf(errcode.InvalidQuery, op,
			errcode.New(errcode.LexNotEnabled, op, "no lexical index"), "%s mode", mode)
	}
	return mode, nil
}

// rank scores every allowed frame for mode and returns them in final
// order.
func (e *Engine) rank(ctx context.Context, op string, mode Mode, query string, embedding []float32, alpha float64, fl *compiled) ([]index.Hit, error) {
	ix := e.src.Indexes()
	if mode == ModeLex || mode == ModeHybrid {
		if len(index.Tokenize(query)) == 0 {
			return nil, invalidQuery(op, "empty lexical query")
		}
	}

	var qv []float32
	if mode == ModeVec || mode == ModeHybrid {
		var err error
		if qv, err = e.queryVector(ctx, op, query, embedding, ix.Vec); err != nil {
			return nil, err
		}
	}

	allow := fl.allowSet(e.src).Filter()

	switch mode {
	case ModeLex:
		return ix.Lex.Search(query, allow), nil
	case ModeVec:
		return ix.Vec.Search(qv, 0, allow)
	default:
		lex := ix.Lex.Search(query, allow)
		vec, err := ix.Vec.Search(qv, 0, allow)
		if err != nil {
			return nil, err
		}
		return fuse(lex, vec, alpha), nil
	}
}

// fuse combines lexical and vector hits as
// alpha*lex/maxLex + (1-alpha)*(cos+1)/2. A frame missing from one list
// scores zero for that part.
func fuse(lex, vec []index.Hit, alpha float64) []index.Hit {
	maxLex := 0.0
	for _, h := range lex {
		maxLex = max(maxLex, h.Score)
	}

	scores := make(map[frame.ID]float64, len(lex)+len(vec))
	if maxLex > 0 {
		for _, h := range lex {
			scores[h.ID] += alpha * h.Score / maxLex
		}
	}
	for _, h := range vec {
		scores[h.ID] += (1 - alpha) * (h.Score + 1) / 2
	}

	out := make([]index.Hit, 0, len(scores))
	for id, s := range scores {
		out = append(out, index.Hit{ID: id, Score: s})
	}
	index.SortHits(out)
	return out
}

// hits materializes ranked frames starting at rank offset+1.
func (e *Engine) hits(ranked []index.Hit, offset int, query string, snippetChars int) ([]Hit, error) {
	terms := termSet(query)
	out := make([]Hit, 0, len(ranked))
	for i, h := range ranked {
		f, ok := e.src.Frame(h.ID)
		if !ok {
			return nil, errcode.Newf(errcode.FrameNotFound, "search", "index references frame %d", h.ID)
		}
		text, err := e.content(f)
		if err != nil {
			return nil, err
		}
		sn := makeSnippet(text, terms, snippetChars)
		out = append(out, Hit{
			Rank:      offset + i + 1,
			FrameID:   f.ID,
			Score:     h.Score,
			Snippet:   sn.text,
			Range:     [2]int{sn.start, sn.end},
			Matches:   sn.matches,
			URI:       f.URI,
			Title:     f.Title,
			Track:     f.Track,
			Tags:      maps.Clone(f.Tags),
			Labels:    slices.Clone(f.Labels),
			Timestamp: f.Timestamp,
		})
	}
	return out, nil
}
