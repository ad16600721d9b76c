package memvault

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hupe1980/memvault/enrich"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/cache"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/store"
	"github.com/hupe1980/memvault/model"
	"github.com/hupe1980/memvault/query"
)

// Memory is an open memory file.
//
// Memory is safe for concurrent use. Reads run in parallel; mutations and
// checkpoints are serialized.
type Memory struct {
	mu     sync.RWMutex
	store  *store.Store
	engine *query.Engine
	enrich *enrich.Enricher
	gate   *model.Gate
	cache  *cache.LRU

	opts    options
	logger  *Logger
	metrics MetricsCollector
	closed  bool
}

// Create creates a new memory file at path. It fails if the file exists.
func Create(path string, optFns ...Option) (*Memory, error) {
	o := applyOptions(optFns)
	if o.readOnly {
		return nil, errcode.New(errcode.FeatureUnavailable, "create", "cannot create a read-only memory")
	}
	s, err := store.Create(path, o.storeConfig())
	if err != nil {
		return nil, err
	}
	m := newMemory(s, o)
	m.logger.Info("memory created", "path", path, "memory_id", s.Header().MemoryID,
		"features", s.TOC().Features.String())
	return m, nil
}

// Open opens an existing memory file, replaying its WAL.
func Open(path string, optFns ...Option) (*Memory, error) {
	o := applyOptions(optFns)
	s, err := store.Open(path, o.storeConfig())
	if err != nil {
		return nil, err
	}
	m := newMemory(s, o)
	rec := s.Recovery()
	m.logger.LogRecovery(context.Background(), rec.Records, rec.Tail.Kind.String(), rec.Fallback)
	return m, nil
}

func (o options) storeConfig() store.Config {
	return store.Config{
		FS:                o.fs,
		ReadOnly:          o.readOnly,
		Indexes:           o.indexes,
		Compression:       o.compression,
		Capacity:          o.capacity,
		TicketKey:         o.ticketKey,
		Durability:        o.durability,
		CheckpointRecords: o.checkpointRecords,
		CheckpointBytes:   o.checkpointBytes,
		Logger:            o.logger.Logger,
	}
}

func newMemory(s *store.Store, o options) *Memory {
	logger := o.logger.forMemory(s.Path(), s.Header().MemoryID.String())
	m := &Memory{
		store:   s,
		opts:    o,
		logger:  logger,
		metrics: o.metricsCollector,
		gate:    model.NewGate(o.modelKey, logger.Logger),
	}
	if o.cacheBytes > 0 {
		m.cache = cache.NewLRU(o.cacheBytes, o.resources)
	}
	m.enrich = enrich.New(m.gate, o.extractor, logger.Logger)
	m.engine = query.New(s.State(), query.Config{
		Gate:        m.gate,
		Embedder:    o.embedder,
		Reranker:    o.reranker,
		Synthesizer: o.synthesizer,
		APIKey:      o.apiKey,
		Content:     m.content,
		Logger:      logger.Logger,
	})
	return m
}

// Close commits pending records and releases the file. Calling Close more
// than once is a no-op.
func (m *Memory) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.cache != nil {
		m.cache.Purge()
	}
	return m.store.Close()
}

// Path returns the file path.
func (m *Memory) Path() string { return m.store.Path() }

// MemoryID returns the identity recorded in the file header.
func (m *Memory) MemoryID() string { return m.store.Header().MemoryID.String() }

func (m *Memory) checkOpen(op string) error {
	if m.closed {
		return errcode.New(errcode.RequiresOpen, op, "memory is closed")
	}
	return nil
}

// content returns the text of f through the content cache. Frame ids are
// never reused, so entries never go stale.
func (m *Memory) content(f *frame.Frame) (string, error) {
	if m.cache == nil {
		return f.Content()
	}
	if b, ok := m.cache.Get(f.ID); ok {
		return string(b), nil
	}
	text, err := f.Content()
	if err != nil {
		return "", err
	}
	m.cache.Set(f.ID, []byte(text))
	return text, nil
}

// PutOptions carries the metadata and processing flags of a Put.
type PutOptions struct {
	URI   string
	Title string
	// Timestamp in unix seconds. Zero means now.
	Timestamp int64
	Track     string
	Kind      string
	Tags      map[string]string
	Labels    []string
	// SearchText overrides the text fed to the lexical index.
	SearchText string

	// NoRaw keeps metadata and search text only. Without SearchText the
	// payload itself becomes the search text when it is valid UTF-8.
	NoRaw bool
	// Dedup returns the oldest active frame with the same payload instead
	// of inserting.
	Dedup bool

	AutoTag         bool
	ExtractDates    bool
	ExtractTriplets bool
	// RequireEnrichment fails the put when an enrichment step fails,
	// automatic embedding included.
	RequireEnrichment bool

	// Embedding is stored in the vector index. Without it a configured
	// embedder embeds the payload.
	Embedding []float32
	// ImageEmbedding is stored in the CLIP index and needs a bound ticket.
	ImageEmbedding []float32
	Triplets       []frame.Triplet

	ParentID   *frame.ID
	ChunkIndex uint32
	ChunkCount uint32
}

// PutResult is the outcome of PutWithResult.
type PutResult struct {
	FrameID frame.ID
	// WALSeq is the sequence of the put record, zero for a deduplicated put.
	WALSeq       uint64
	Deduplicated bool
	Warnings     []enrich.Warning
}

// Put stores payload as a new frame and returns its id.
func (m *Memory) Put(ctx context.Context, payload []byte, opts PutOptions) (frame.ID, error) {
	res, err := m.PutWithResult(ctx, payload, opts)
	if err != nil {
		return 0, err
	}
	return res.FrameID, nil
}

// PutWithResult is Put reporting deduplication and enrichment warnings.
//
// The frame is durable after the next Commit.
func (m *Memory) PutWithResult(ctx context.Context, payload []byte, opts PutOptions) (res *PutResult, err error) {
	const op = "put"
	start := time.Now()
	defer func() {
		dedup := res != nil && res.Deduplicated
		m.metrics.RecordPut(time.Since(start), dedup, err)
		var id, seq uint64
		if res != nil {
			id, seq = res.FrameID, res.WALSeq
		}
		m.logger.LogPut(ctx, id, seq, dedup, err)
	}()

	contentHash := hash.Sum256(payload)
	if opts.Dedup {
		if id, ok, err := m.duplicate(op, contentHash); err != nil || ok {
			if err != nil {
				return nil, err
			}
			return &PutResult{FrameID: id, Deduplicated: true}, nil
		}
	}

	f, text, err := m.buildFrame(payload, contentHash, opts)
	if err != nil {
		return nil, err
	}

	// Enrichment may call models, so it runs before the write lock.
	warnings, err := m.enrich.Apply(ctx, f, text, enrich.Options{
		AutoTag:         opts.AutoTag,
		ExtractDates:    opts.ExtractDates,
		ExtractTriplets: opts.ExtractTriplets,
		Require:         opts.RequireEnrichment,
	})
	if err != nil {
		return nil, err
	}
	if w, err := m.autoEmbed(ctx, f, text, opts.RequireEnrichment); err != nil {
		return nil, err
	} else if w != nil {
		warnings = append(warnings, *w)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(op); err != nil {
		return nil, err
	}
	if opts.Dedup {
		if id, ok := m.store.State().Duplicate(contentHash); ok {
			return &PutResult{FrameID: id, Deduplicated: true}, nil
		}
	}
	if len(f.ImageEmbedding) > 0 {
		if err := m.store.Gatekeeper().RequireTicket(op); err != nil {
			return nil, err
		}
	}
	seq, err := m.store.Put(f)
	if err != nil {
		return nil, err
	}
	return &PutResult{FrameID: f.ID, WALSeq: seq, Warnings: warnings}, nil
}

func (m *Memory) duplicate(op string, h [32]byte) (frame.ID, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(op); err != nil {
		return 0, false, err
	}
	id, ok := m.store.State().Duplicate(h)
	return id, ok, nil
}

// buildFrame assembles the frame for payload and returns the text used for
// enrichment and embedding.
func (m *Memory) buildFrame(payload []byte, contentHash [32]byte, opts PutOptions) (*frame.Frame, string, error) {
	f := &frame.Frame{
		URI:            opts.URI,
		Title:          opts.Title,
		Timestamp:      opts.Timestamp,
		Track:          opts.Track,
		Kind:           opts.Kind,
		Tags:           opts.Tags,
		Labels:         frame.NormalizeLabels(opts.Labels),
		SearchText:     opts.SearchText,
		PayloadLength:  uint64(len(payload)),
		ContentHash:    contentHash,
		Embedding:      opts.Embedding,
		ImageEmbedding: opts.ImageEmbedding,
		Triplets:       opts.Triplets,
		ParentID:       opts.ParentID,
		ChunkIndex:     opts.ChunkIndex,
		ChunkCount:     opts.ChunkCount,
	}
	if f.Timestamp == 0 {
		f.Timestamp = time.Now().Unix()
	}

	text := opts.SearchText
	if utf8.Valid(payload) {
		if text == "" {
			text = string(payload)
		}
		if opts.NoRaw && f.SearchText == "" {
			f.SearchText = string(payload)
		}
	}

	if !opts.NoRaw {
		m.mu.RLock()
		c := m.store.TOC().Compression
		m.mu.RUnlock()
		stored, err := compress.Encode(payload, c)
		if err != nil {
			return nil, "", errcode.Wrap(errcode.Encode, "put", err)
		}
		f.Stored = stored
	}
	if err := f.Validate(); err != nil {
		return nil, "", err
	}
	return f, text, nil
}

// autoEmbed embeds text into f when the memory has a vector index, an
// embedder is configured and the caller gave no embedding.
func (m *Memory) autoEmbed(ctx context.Context, f *frame.Frame, text string, require bool) (*enrich.Warning, error) {
	if len(f.Embedding) > 0 || m.opts.embedder == nil || text == "" {
		return nil, nil
	}
	m.mu.RLock()
	vec := m.store.State().Indexes().Vec
	m.mu.RUnlock()
	if vec == nil {
		return nil, nil
	}
	emb, err := m.gate.Embed(ctx, m.opts.embedder, text, vec.Dim())
	if err != nil {
		if require {
			return nil, err
		}
		m.logger.Warn("automatic embedding failed", "frame_uri", f.URI, "error", err)
		return &enrich.Warning{Code: errcode.Of(err), Message: err.Error()}, nil
	}
	f.Embedding = emb
	return nil, nil
}

// DeleteFrame soft-deletes id and returns the WAL sequence of the delete.
// Deleting a deleted frame returns its original sequence.
func (m *Memory) DeleteFrame(ctx context.Context, id frame.ID) (seq uint64, err error) {
	start := time.Now()
	defer func() {
		m.metrics.RecordDelete(time.Since(start), err)
		m.logger.LogDelete(ctx, id, seq, err)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("delete"); err != nil {
		return 0, err
	}
	return m.store.Delete(id)
}

// Commit makes every acknowledged mutation durable and checkpoints when
// the checkpoint policy asks for it.
func (m *Memory) Commit(ctx context.Context) (err error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		m.metrics.RecordCommit(time.Since(start), err)
		m.logger.LogCommit(ctx, m.store.TOC().Generation, err)
	}()
	if err := m.checkOpen("commit"); err != nil {
		return err
	}
	return m.store.Commit()
}

// Checkpoint folds the WAL into fresh regions regardless of the policy.
func (m *Memory) Checkpoint(ctx context.Context) (err error) {
	start := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	defer func() {
		m.metrics.RecordCheckpoint(time.Since(start), err)
		m.logger.LogCheckpoint(ctx, m.store.TOC().Generation, m.store.State().Len(), err)
	}()
	if err := m.checkOpen("checkpoint"); err != nil {
		return err
	}
	return m.store.Checkpoint()
}

// Seal checkpoints and freezes the memory. A sealed memory rejects
// mutations and can be backed up.
func (m *Memory) Seal(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen("seal"); err != nil {
		return err
	}
	if err := m.store.Seal(); err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "memory sealed", "generation", m.store.TOC().Generation)
	return nil
}

// Sealed reports whether the memory is sealed.
func (m *Memory) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.store.State().Sealed()
}

// FrameByID returns a copy of frame id, deleted or not.
func (m *Memory) FrameByID(id frame.ID) (*frame.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("frame"); err != nil {
		return nil, err
	}
	f, ok := m.store.State().Frame(id)
	if !ok {
		return nil, errcode.Newf(errcode.FrameNotFound, "frame", "frame %d", id)
	}
	return f.Clone(), nil
}

// FrameByURI returns a copy of the active frame with uri or, without one,
// of the newest deleted frame that carried it.
func (m *Memory) FrameByURI(uri string) (*frame.Frame, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("frame"); err != nil {
		return nil, err
	}
	f, ok := m.store.State().FrameByURI(uri)
	if !ok {
		return nil, errcode.Newf(errcode.FrameNotFoundByURI, "frame", "uri %q", uri)
	}
	return f.Clone(), nil
}

// FrameContent returns the text of frame id: the raw payload, or the
// search text of a NoRaw frame.
func (m *Memory) FrameContent(id frame.ID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("frame content"); err != nil {
		return "", err
	}
	f, ok := m.store.State().Frame(id)
	if !ok {
		return "", errcode.Newf(errcode.FrameNotFound, "frame content", "frame %d", id)
	}
	return m.content(f)
}

// FrameContentByURI is FrameContent addressed by URI.
func (m *Memory) FrameContentByURI(uri string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen("frame content"); err != nil {
		return "", err
	}
	f, ok := m.store.State().FrameByURI(uri)
	if !ok {
		return "", errcode.Newf(errcode.FrameNotFoundByURI, "frame content", "uri %q", uri)
	}
	return m.content(f)
}
