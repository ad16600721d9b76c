package model

import (
	"context"

	"github.com/hupe1980/memvault/frame"
)

// Embedder turns text into dense vectors.
type Embedder interface {
	Model
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Reranker rescores candidate passages for a query. It returns one score per
// passage, higher is better.
type Reranker interface {
	Model
	Rerank(ctx context.Context, query string, passages []string) ([]float64, error)
}

// Extractor extracts (subject, predicate, object) triplets from text.
type Extractor interface {
	Model
	Extract(ctx context.Context, text string) ([]frame.Triplet, error)
}
