package memvault

import (
	"crypto/ed25519"
	"log/slog"

	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/model"
	"github.com/hupe1980/memvault/query"
	"github.com/hupe1980/memvault/resource"
)

// Compression selects the payload and region block compression of a new
// memory.
type Compression = compress.Type

const (
	CompressionNone = compress.None
	CompressionLZ4  = compress.LZ4
	CompressionZstd = compress.Zstd
)

// Durability controls when WAL appends are fsynced.
type Durability = wal.Durability

const (
	// DurabilityCommit fsyncs on Commit. This is the default.
	DurabilityCommit = wal.DurabilityCommit
	// DurabilitySync fsyncs every append.
	DurabilitySync   = wal.DurabilitySync
)

// IndexConfig selects the indexes of a new memory.
type IndexConfig = index.Config

// DefaultIndexes enables the lexical and time indexes.
var DefaultIndexes = IndexConfig{Lex: true, Time: true}

// DefaultCacheBytes bounds the content cache.
const DefaultCacheBytes = 32 << 20

type options struct {
	fs                fs.FileSystem
	readOnly          bool
	indexes           IndexConfig
	compression       Compression
	capacity          uint64
	ticketKey         ed25519.PublicKey
	modelKey          ed25519.PublicKey
	durability        Durability
	checkpointRecords int
	checkpointBytes   int64
	embedder          model.Embedder
	reranker          model.Reranker
	extractor         model.Extractor
	synthesizer       query.Synthesizer
	apiKey            string
	cacheBytes        int64
	resources         *resource.Controller
	metricsCollector  MetricsCollector
	logger            *Logger
}

// Option configures Create and Open.
type Option func(*options)

// WithIndexes selects the indexes of a new memory. It is ignored by Open;
// an existing file carries its index set.
func WithIndexes(cfg IndexConfig) Option {
	return func(o *options) {
		o.indexes = cfg
	}
}

// WithCompression selects the compression of a new memory. Default lz4.
func WithCompression(c Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithCapacity sets the capacity of a new memory while no ticket is bound.
// Default 1 GiB.
func WithCapacity(bytes uint64) Option {
	return func(o *options) {
		o.capacity = bytes
	}
}

// WithTicketKey sets the public key that verifies tickets.
func WithTicketKey(key ed25519.PublicKey) Option {
	return func(o *options) {
		o.ticketKey = key
	}
}

// WithModelKey sets the public key that verifies model manifests. Without
// it every configured model is rejected.
func WithModelKey(key ed25519.PublicKey) Option {
	return func(o *options) {
		o.modelKey = key
	}
}

// WithDurability sets the WAL durability mode.
func WithDurability(d Durability) Option {
	return func(o *options) {
		o.durability = d
	}
}

// WithCheckpointPolicy sets when Commit checkpoints: once records WAL
// records are pending or the WAL reaches bytes. A negative value disables
// that trigger and zero keeps the default. A negative records value also
// keeps Close from checkpointing, leaving pending records in the WAL.
//
// The default checkpoints after 1024 records or 64 MiB of WAL, and on Close.
func WithCheckpointPolicy(records int, bytes int64) Option {
	return func(o *options) {
		o.checkpointRecords = records
		o.checkpointBytes = bytes
	}
}

// WithReadOnly opens the memory with a shared lock and rejects mutations.
func WithReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// WithEmbedder sets the model used to embed frames on Put and queries on
// Search when no embedding is given.
func WithEmbedder(e model.Embedder) Option {
	return func(o *options) {
		o.embedder = e
	}
}

// WithReranker sets the model that reorders Ask hits.
func WithReranker(r model.Reranker) Option {
	return func(o *options) {
		o.reranker = r
	}
}

// WithExtractor sets the model used by PutOptions.ExtractTriplets.
func WithExtractor(x model.Extractor) Option {
	return func(o *options) {
		o.extractor = x
	}
}

// WithSynthesizer sets the collaborator that answers Ask requests.
func WithSynthesizer(s query.Synthesizer) Option {
	return func(o *options) {
		o.synthesizer = s
	}
}

// WithAPIKey sets the credential answer synthesis requires.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithCacheBytes bounds the frame content cache. Zero disables it.
func WithCacheBytes(n int64) Option {
	return func(o *options) {
		o.cacheBytes = n
	}
}

// WithResourceController shares cache, job and transfer budgets between
// memories.
func WithResourceController(rc *resource.Controller) Option {
	return func(o *options) {
		o.resources = rc
	}
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &memvault.BasicMetricsCollector{}
//	mem, _ := memvault.Open(path, memvault.WithMetricsCollector(metrics))
//	// ... use mem ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg latency: %dns\n", stats.PutCount, stats.PutAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := memvault.NewJSONLogger(slog.LevelInfo)
//	mem, _ := memvault.Open(path, memvault.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func withFS(fsys fs.FileSystem) Option {
	return func(o *options) {
		o.fs = fsys
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		fs:               fs.Default,
		indexes:          DefaultIndexes,
		compression:      CompressionLZ4,
		cacheBytes:       DefaultCacheBytes,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
