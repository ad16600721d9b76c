package query

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
)

// ImageRequest searches the CLIP index with an image embedding.
type ImageRequest struct {
	Embedding []float32
	TopK      int
	Filters
}

// SearchImage ranks frames by cosine similarity of their image embedding.
func (e *Engine) SearchImage(_ context.Context, req ImageRequest) (*SearchResponse, error) {
	const op = "search image"
	start := time.Now()

	clip := e.src.Indexes().Clip
	if clip == nil {
		return nil, errcode.New(errcode.ClipNotEnabled, op, "no clip index")
	}
	if req.TopK == 0 {
		req.TopK = DefaultTopK
	}
	if req.TopK < 0 || req.TopK > MaxTopK {
		return nil, errcode.Newf(errcode.InvalidQuery, op, "top_k must be in [1, %d], got %d", MaxTopK, req.TopK)
	}
	if len(req.Embedding) == 0 {
		return nil, invalidQuery(op, "missing image embedding")
	}
	fl, err := req.Filters.compile(op)
	if err != nil {
		return nil, err
	}

	ranked, err := clip.Search(req.Embedding, 0, fl.allowSet(e.src).Filter())
	if err != nil {
		return nil, err
	}
	resp := &SearchResponse{Total: len(ranked), Engine: "clip"}
	resp.Hits, err = e.hits(ranked[:min(req.TopK, len(ranked))], 0, "", DefaultSnippetChars)
	if err != nil {
		return nil, err
	}
	resp.ElapsedMS = time.Since(start).Milliseconds()
	return resp, nil
}

// Related returns the active-frame triplets that mention entity.
func (e *Engine) Related(entity string) ([]index.Edge, error) {
	mesh := e.src.Indexes().Mesh
	if mesh == nil {
		return nil, errcode.New(errcode.LogicMeshNotEnabled, "related", "no logic mesh")
	}
	if index.NormalizeEntity(entity) == "" {
		return nil, invalidQuery("related", "empty entity")
	}
	return mesh.Related(entity, e.active), nil
}

// Similar is one near-duplicate of a frame.
type Similar struct {
	FrameID  frame.ID
	Distance int
	URI      string
	Title    string
}

// Similar returns the active frames whose sketch is within maxDistance
// bits of the sketch of id, excluding id itself.
func (e *Engine) Similar(id frame.ID, maxDistance int) ([]Similar, error) {
	const op = "similar"
	sk := e.src.Indexes().Sketch
	if sk == nil {
		return nil, errcode.New(errcode.FeatureUnavailable, op, "no sketch track")
	}
	if maxDistance < 0 || maxDistance > 64 {
		return nil, errcode.Newf(errcode.InvalidQuery, op, "max distance must be in [0, 64], got %d", maxDistance)
	}
	f, ok := e.src.Frame(id)
	if !ok || !f.Active() {
		return nil, errcode.Newf(errcode.FrameNotFound, op, "frame %d", id)
	}
	h, ok := sk.Lookup(id)
	if !ok {
		return nil, nil
	}

	var out []Similar
	for _, hit := range sk.Near(h, maxDistance, e.active) {
		if hit.ID == id {
			continue
		}
		g, _ := e.src.Frame(hit.ID)
		out = append(out, Similar{FrameID: hit.ID, Distance: hit.Distance, URI: g.URI, Title: g.Title})
	}
	return out, nil
}

func (e *Engine) active(id frame.ID) bool {
	f, ok := e.src.Frame(id)
	return ok && f.Active()
}

// Timeline defaults.
const (
	DefaultTimelineLimit = 50
	PreviewChars         = 120
)

// TimelineQuery selects a slice of the timeline.
type TimelineQuery struct {
	// Limit defaults to 50.
	Limit int
	Since *int64
	Until *int64
	// Reverse returns newest first.
	Reverse   bool
	Track     string
	AsOfFrame *frame.ID
}

// TimelineEntry summarizes one frame on the timeline.
type TimelineEntry struct {
	FrameID   frame.ID
	Timestamp int64
	Preview   string
	URI       string
	Title     string
	Track     string
}

// Timeline lists active frames ordered by (timestamp, id). Without a time
// index the frame table is scanned.
func (e *Engine) Timeline(q TimelineQuery) ([]TimelineEntry, error) {
	const op = "timeline"
	if q.Limit == 0 {
		q.Limit = DefaultTimelineLimit
	}
	if q.Limit < 0 {
		return nil, errcode.Newf(errcode.InvalidQuery, op, "negative limit %d", q.Limit)
	}
	fl, err := Filters{Track: q.Track, Since: q.Since, Until: q.Until, AsOfFrame: q.AsOfFrame}.compile(op)
	if err != nil {
		return nil, err
	}

	var keys []index.TimeEntry
	if tl := e.src.Indexes().Time; tl != nil {
		keys = tl.Range(q.Since, q.Until)
	} else {
		for f := range e.src.Frames() {
			keys = append(keys, index.TimeEntry{Timestamp: f.Timestamp, ID: f.ID})
		}
		slices.SortFunc(keys, func(a, b index.TimeEntry) int {
			if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
				return c
			}
			return cmp.Compare(a.ID, b.ID)
		})
	}
	if q.Reverse {
		slices.Reverse(keys)
	}

	out := make([]TimelineEntry, 0, min(q.Limit, len(keys)))
	for _, k := range keys {
		if len(out) == q.Limit {
			break
		}
		f, ok := e.src.Frame(k.ID)
		if !ok || !fl.match(f) {
			continue
		}
		if (q.Since != nil && f.Timestamp < *q.Since) || (q.Until != nil && f.Timestamp > *q.Until) {
			continue
		}
		text, err := e.content(f)
		if err != nil {
			return nil, err
		}
		out = append(out, TimelineEntry{
			FrameID:   f.ID,
			Timestamp: f.Timestamp,
			Preview:   preview(text, PreviewChars),
			URI:       f.URI,
			Title:     f.Title,
			Track:     f.Track,
		})
	}
	return out, nil
}
