package cliconfig

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/hupe1980/memvault"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/resource"
	"github.com/hupe1980/memvault/signature"
)

// Logger builds the memvault logger from the log settings.
func (c *Config) Logger() (*memvault.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("parse log-level: %w", err)
	}
	if strings.EqualFold(c.LogFormat, "json") {
		return memvault.NewJSONLogger(level), nil
	}
	return memvault.NewTextLogger(level), nil
}

// IndexConfig returns the index selection for new memories.
func (c *Config) IndexConfig() memvault.IndexConfig {
	return memvault.IndexConfig{
		Lex:     c.Lex,
		Vec:     c.Vec,
		VecDim:  c.VecDim,
		Clip:    c.Clip,
		ClipDim: c.ClipDim,
		Time:    c.Time,
		Mesh:    c.Mesh,
		Sketch:  c.Sketch,
	}
}

// MemoryOptions translates the configuration into memvault options.
func (c *Config) MemoryOptions() ([]memvault.Option, error) {
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	comp, err := compress.ParseType(c.Compression)
	if err != nil {
		return nil, fmt.Errorf("parse compression: %w", err)
	}
	durability := memvault.DurabilityCommit
	if strings.EqualFold(c.Durability, "sync") {
		durability = memvault.DurabilitySync
	}

	opts := []memvault.Option{
		memvault.WithLogger(logger),
		memvault.WithIndexes(c.IndexConfig()),
		memvault.WithCompression(comp),
		memvault.WithDurability(durability),
		memvault.WithAPIKey(c.APIKey),
	}
	if c.CapacityBytes > 0 {
		opts = append(opts, memvault.WithCapacity(c.CapacityBytes))
	}
	if c.CacheBytes > 0 {
		opts = append(opts, memvault.WithCacheBytes(c.CacheBytes))
	}
	if c.Backup.RateLimit > 0 {
		opts = append(opts, memvault.WithResourceController(resource.New(resource.Limits{
			TransferBytesPerSec: c.Backup.RateLimit,
		})))
	}
	if c.TicketKey != "" {
		key, err := signature.ParsePublicKey(c.TicketKey)
		if err != nil {
			return nil, fmt.Errorf("parse ticket-key: %w", err)
		}
		opts = append(opts, memvault.WithTicketKey(key))
	}
	if c.ModelKey != "" {
		key, err := signature.ParsePublicKey(c.ModelKey)
		if err != nil {
			return nil, fmt.Errorf("parse model-key: %w", err)
		}
		opts = append(opts, memvault.WithModelKey(key))
	}
	return opts, nil
}
