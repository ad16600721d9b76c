package model

import (
	"context"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
)

// Embed verifies e and embeds text. dim, when positive, is the dimension
// the caller's index expects.
func (g *Gate) Embed(ctx context.Context, e Embedder, text string, dim int) ([]float32, error) {
	if err := g.Check(e, KindEmbedding, dim); err != nil {
		return nil, err
	}
	vec, err := e.Embed(ctx, text)
	if err != nil {
		return nil, errcode.Wrapf(errcode.EmbeddingFailed, "embed", err, "%s", e.Manifest())
	}
	if want := e.Manifest().Dimension; len(vec) != want {
		return nil, errcode.Newf(errcode.EmbeddingFailed, "embed", "%s returned %d values, manifest declares %d", e.Manifest(), len(vec), want)
	}
	return vec, nil
}

// Rerank verifies r and scores passages against query.
func (g *Gate) Rerank(ctx context.Context, r Reranker, query string, passages []string) ([]float64, error) {
	if err := g.Check(r, KindRerank, 0); err != nil {
		return nil, err
	}
	scores, err := r.Rerank(ctx, query, passages)
	if err != nil {
		return nil, errcode.Wrapf(errcode.RerankFailed, "rerank", err, "%s", r.Manifest())
	}
	if len(scores) != len(passages) {
		return nil, errcode.Newf(errcode.RerankFailed, "rerank", "%s returned %d scores for %d passages", r.Manifest(), len(scores), len(passages))
	}
	return scores, nil
}

// Extract verifies x and extracts triplets from text.
func (g *Gate) Extract(ctx context.Context, x Extractor, text string) ([]frame.Triplet, error) {
	if err := g.Check(x, KindExtraction, 0); err != nil {
		return nil, err
	}
	ts, err := x.Extract(ctx, text)
	if err != nil {
		return nil, errcode.Wrapf(errcode.ExtractionFailed, "extract", err, "%s", x.Manifest())
	}
	return ts, nil
}
