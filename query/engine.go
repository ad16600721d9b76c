// Package query implements search and retrieval-augmented ask over the
// frames and indexes of one memory.
//
// The engine never mutates its Source. Callers serialize it against writers
// (the memvault facade holds its read lock for the duration of a query).
package query

import (
	"context"
	"iter"
	"log/slog"

	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/model"
)

// Source is the read side of a frame store.
type Source interface {
	// Frame returns the frame with id, deleted or not.
	Frame(id frame.ID) (*frame.Frame, bool)
	// Frames iterates every frame in id order.
	Frames() iter.Seq[*frame.Frame]
	// Indexes returns the enabled indexes.
	Indexes() *index.Set
}

// Synthesizer turns a question and its retrieved context into an answer.
type Synthesizer interface {
	Synthesize(ctx context.Context, question string, fragments []Fragment) (string, error)
}

// ContentFunc returns the text of a frame.
type ContentFunc func(f *frame.Frame) (string, error)

// Config configures an Engine. Every field is optional.
type Config struct {
	// Gate verifies the embedder and reranker before each call. Without
	// one, any configured model is rejected.
	Gate *model.Gate

	// Embedder embeds query text when a request carries no embedding.
	Embedder model.Embedder

	// Reranker reorders ask hits.
	Reranker model.Reranker

	// Synthesizer produces ask answers.
	Synthesizer Synthesizer

	// APIKey is the credential synthesis requires.
	APIKey string

	// Content overrides how frame text is loaded, e.g. to go through a
	// payload cache.
	Content ContentFunc

	Logger *slog.Logger
}

// Engine answers queries against a Source.
type Engine struct {
	src    Source
	cfg    Config
	logger *slog.Logger
}

// New creates an engine reading from src.
func New(src Source, cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Gate == nil {
		cfg.Gate = model.NewGate(nil, cfg.Logger)
	}
	if cfg.Content == nil {
		cfg.Content = (*frame.Frame).Content
	}
	return &Engine{src: src, cfg: cfg, logger: cfg.Logger}
}

// Source returns the source the engine reads from.
func (e *Engine) Source() Source { return e.src }

func (e *Engine) content(f *frame.Frame) (string, error) {
	return e.cfg.Content(f)
}

// canEmbed reports whether a query vector can be produced for req.
func (e *Engine) canEmbed(embedding []float32) bool {
	return len(embedding) > 0 || e.cfg.Embedder != nil
}

// queryVector returns the request embedding, or embeds text through the
// verified embedder.
func (e *Engine) queryVector(ctx context.Context, op, text string, embedding []float32, vec *index.Vector) ([]float32, error) {
	if len(embedding) > 0 {
		if err := vec.CheckDim(embedding); err != nil {
			return nil, err
		}
		return embedding, nil
	}
	if e.cfg.Embedder == nil {
		return nil, invalidQuery(op, "vector retrieval needs an embedding or a configured embedder")
	}
	if text == "" {
		return nil, invalidQuery(op, "empty query")
	}
	return e.cfg.Gate.Embed(ctx, e.cfg.Embedder, text, vec.Dim())
}
