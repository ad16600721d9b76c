package memvault

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the structured logger of a Memory. Its helpers keep field
// names identical across operations: frame_id, wal_seq, generation.
type Logger struct {
	*slog.Logger
}

func newLogger(h slog.Handler) *Logger { return &Logger{Logger: slog.New(h)} }

// NewJSONLogger logs JSON lines to stderr at level and above.
func NewJSONLogger(level slog.Level) *Logger {
	return newLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewTextLogger logs logfmt-style text to stderr at level and above.
func NewTextLogger(level slog.Level) *Logger {
	return newLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger discards everything.
func NoopLogger() *Logger { return newLogger(slog.DiscardHandler) }

// forMemory tags every record with the file it concerns.
func (l *Logger) forMemory(path, id string) *Logger {
	return &Logger{Logger: l.With(slog.Group("memory", "path", path, "id", id))}
}

// finished logs msg completed at level, or msg failed at error level.
func (l *Logger) finished(ctx context.Context, level slog.Level, msg string, err error, attrs ...any) {
	if err != nil {
		l.ErrorContext(ctx, msg+" failed", append(attrs, "error", err)...)
		return
	}
	l.Log(ctx, level, msg+" completed", attrs...)
}

func (l *Logger) LogPut(ctx context.Context, id, seq uint64, deduplicated bool, err error) {
	l.finished(ctx, slog.LevelDebug, "put", err, "frame_id", id, "wal_seq", seq, "deduplicated", deduplicated)
}

func (l *Logger) LogDelete(ctx context.Context, id, seq uint64, err error) {
	l.finished(ctx, slog.LevelDebug, "delete", err, "frame_id", id, "wal_seq", seq)
}

func (l *Logger) LogSearch(ctx context.Context, engine string, topK, hits int, err error) {
	l.finished(ctx, slog.LevelDebug, "search", err, "engine", engine, "top_k", topK, "hits", hits)
}

func (l *Logger) LogAsk(ctx context.Context, fragments int, synthesized bool, err error) {
	l.finished(ctx, slog.LevelDebug, "ask", err, "fragments", fragments, "synthesized", synthesized)
}

func (l *Logger) LogCommit(ctx context.Context, generation uint64, err error) {
	l.finished(ctx, slog.LevelDebug, "commit", err, "generation", generation)
}

func (l *Logger) LogCheckpoint(ctx context.Context, generation uint64, frames int, err error) {
	l.finished(ctx, slog.LevelInfo, "checkpoint", err, "generation", generation, "frames", frames)
}

func (l *Logger) LogDoctor(ctx context.Context, status string, actions int, err error) {
	l.finished(ctx, slog.LevelInfo, "doctor", err, "status", status, "actions", actions)
}

// LogRecovery reports WAL replay on open. Opening an older TOC generation
// is a warning.
func (l *Logger) LogRecovery(ctx context.Context, replayed int, tail string, fallback bool) {
	if fallback {
		l.WarnContext(ctx, "opened previous TOC generation", "records_replayed", replayed, "tail", tail)
		return
	}
	l.InfoContext(ctx, "WAL recovery completed", "records_replayed", replayed, "tail", tail)
}
