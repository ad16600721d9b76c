package memvault

import (
	"context"
	"time"

	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/query"
)

// Query types, re-exported so callers need only this package.
type (
	SearchRequest  = query.SearchRequest
	SearchResponse = query.SearchResponse
	Hit            = query.Hit
	Filters        = query.Filters
	AskRequest     = query.AskRequest
	AskResponse    = query.AskResponse
	ImageRequest   = query.ImageRequest
	TimelineQuery  = query.TimelineQuery
	TimelineEntry  = query.TimelineEntry
	SimilarFrame   = query.Similar
	Edge           = index.Edge
)

// Search runs req against the lexical and vector indexes.
func (m *Memory) Search(ctx context.Context, req SearchRequest) (resp *SearchResponse, err error) {
	start := time.Now()
	defer func() {
		hits, engine := 0, ""
		if resp != nil {
			hits, engine = len(resp.Hits), string(resp.Engine)
		}
		m.metrics.RecordSearch(hits, time.Since(start), err)
		m.logger.LogSearch(ctx, engine, req.TopK, hits, err)
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("search"); err != nil {
		return nil, err
	}
	return m.engine.Search(ctx, req)
}

// Ask retrieves context for a question and, when req.Synthesize is set,
// has the configured synthesizer answer it.
func (m *Memory) Ask(ctx context.Context, req AskRequest) (resp *AskResponse, err error) {
	start := time.Now()
	defer func() {
		fragments := 0
		if resp != nil {
			fragments = len(resp.Fragments)
		}
		m.metrics.RecordAsk(time.Since(start), err)
		m.logger.LogAsk(ctx, fragments, req.Synthesize, err)
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("ask"); err != nil {
		return nil, err
	}
	return m.engine.Ask(ctx, req)
}

// SearchImage ranks frames by image embedding similarity.
func (m *Memory) SearchImage(ctx context.Context, req ImageRequest) (resp *SearchResponse, err error) {
	start := time.Now()
	defer func() {
		hits := 0
		if resp != nil {
			hits = len(resp.Hits)
		}
		m.metrics.RecordSearch(hits, time.Since(start), err)
	}()

	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("search image"); err != nil {
		return nil, err
	}
	return m.engine.SearchImage(ctx, req)
}

// Timeline lists active frames by (timestamp, id).
func (m *Memory) Timeline(q TimelineQuery) ([]TimelineEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("timeline"); err != nil {
		return nil, err
	}
	return m.engine.Timeline(q)
}

// Related returns the logic mesh triplets of active frames that mention
// entity.
func (m *Memory) Related(entity string) ([]Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("related"); err != nil {
		return nil, err
	}
	return m.engine.Related(entity)
}

// Similar returns active near-duplicates of frame id whose sketches differ
// in at most maxDistance bits.
func (m *Memory) Similar(id frame.ID, maxDistance int) ([]SimilarFrame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("similar"); err != nil {
		return nil, err
	}
	return m.engine.Similar(id, maxDistance)
}
