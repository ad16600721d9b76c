package store

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/ticket"
)

// Checkpoint triggers used when Config leaves them zero.
const (
	DefaultCheckpointRecords       = 1024
	DefaultCheckpointBytes   int64 = 64 << 20
)

// Config configures Create and Open.
type Config struct {
	FS       fs.FileSystem
	ReadOnly bool

	// Indexes, Compression and Capacity apply to Create only; an existing
	// file carries them in its TOC.
	Indexes     index.Config
	Compression compress.Type
	Capacity    uint64

	TicketKey  ed25519.PublicKey
	Durability wal.Durability

	// CheckpointRecords and CheckpointBytes bound the WAL between
	// checkpoints. A negative value disables that trigger. Close also
	// checkpoints pending records unless CheckpointRecords is negative.
	CheckpointRecords int
	CheckpointBytes   int64

	// Rebuild lists index kinds derived from the frame table on open
	// instead of being read from their regions.
	Rebuild []index.Kind
	// TruncateCorruptTail drops a corrupt WAL tail on a writable open
	// instead of refusing appends.
	TruncateCorruptTail bool

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.FS == nil {
		c.FS = fs.Default
	}
	if c.CheckpointRecords == 0 {
		c.CheckpointRecords = DefaultCheckpointRecords
	}
	if c.CheckpointBytes == 0 {
		c.CheckpointBytes = DefaultCheckpointBytes
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// Recovery describes what Open found in the WAL.
type Recovery struct {
	// Records is the number of WAL records replayed.
	Records int
	Tail    wal.Tail
	// Truncated is the number of bytes dropped from the end of the file.
	Truncated int64
	// Fallback is set when the newest TOC slot failed validation and the
	// previous generation was used.
	Fallback bool
}

// Store is an open memory file.
//
// Store is not safe for concurrent use; the caller serializes access.
type Store struct {
	cfg    Config
	path   string
	f      fs.File
	logger *slog.Logger

	header   manifest.Header
	toc      *manifest.TOC
	state    *State
	gate     *ticket.Gatekeeper
	wal      *wal.Writer
	recovery Recovery
	closed   bool
}

// Create creates a new memory file at path. It fails if the file exists.
func Create(path string, cfg Config) (*Store, error) {
	const op = "create"
	cfg.defaults()
	if cfg.ReadOnly {
		return nil, errcode.New(errcode.FeatureUnavailable, op, "cannot create a read-only memory")
	}

	f, err := cfg.FS.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := lock(f, fs.LockExclusive); err != nil {
		_ = f.Close()
		return nil, err
	}

	s, err := create(f, path, cfg)
	if err != nil {
		_ = fs.Unlock(f)
		_ = f.Close()
		_ = cfg.FS.Remove(path)
		return nil, err
	}
	return s, nil
}

func create(f fs.File, path string, cfg Config) (*Store, error) {
	const op = "create"
	header := manifest.NewHeader()
	if _, err := f.WriteAt(header.Marshal(), 0); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := f.Truncate(manifest.DataStart); err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}

	capacity := cfg.Capacity
	if capacity == 0 {
		capacity = ticket.DefaultCapacity
	}
	s := &Store{
		cfg:    cfg,
		path:   path,
		f:      f,
		logger: cfg.Logger,
		header: header,
		toc: &manifest.TOC{
			Features:    Features(cfg.Indexes),
			VecDim:      uint32(max(cfg.Indexes.VecDim, 0)),
			ClipDim:     uint32(max(cfg.Indexes.ClipDim, 0)),
			Compression: cfg.Compression,
			Capacity:    capacity,
		},
		state: NewState(nil, index.NewSet(cfg.Indexes)),
	}
	s.gate = ticket.NewGatekeeper(cfg.TicketKey, header.MemoryID, capacity, ticket.Binding{})
	s.wal = wal.NewWriter(f, manifest.DataStart, manifest.DataStart, 1, s.walOptions())

	if err := s.writeImage(0); err != nil {
		return nil, err
	}
	if err := fs.SyncDir(cfg.FS, filepath.Dir(path)); err != nil {
		s.logger.Warn("failed to sync directory", "path", path, "error", err)
	}
	s.logger.Info("memory created", "path", path, "memory_id", header.MemoryID, "features", s.toc.Features)
	return s, nil
}

// Open opens an existing memory file, replaying its WAL.
func Open(path string, cfg Config) (*Store, error) {
	const op = "open"
	cfg.defaults()

	flag, mode := os.O_RDWR, fs.LockExclusive
	if cfg.ReadOnly {
		flag, mode = os.O_RDONLY, fs.LockShared
	}
	f, err := cfg.FS.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errcode.Wrap(errcode.IO, op, err)
	}
	if err := lock(f, mode); err != nil {
		_ = f.Close()
		return nil, err
	}

	s := &Store{cfg: cfg, path: path, f: f, logger: cfg.Logger}
	if err := s.load(); err != nil {
		_ = fs.Unlock(f)
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func lock(f fs.File, mode fs.LockMode) error {
	if err := fs.Lock(f, mode); err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return errcode.Wrap(errcode.Locked, "lock", err)
		}
		return errcode.Wrap(errcode.Lock, "lock", err)
	}
	return nil
}

// ReadHeader reads and validates the header of r.
func ReadHeader(r io.ReaderAt) (manifest.Header, error) {
	b := make([]byte, manifest.HeaderSize)
	if n, err := r.ReadAt(b, 0); err != nil && !(errors.Is(err, io.EOF) && n >= 40) {
		return manifest.Header{}, errcode.Wrap(errcode.InvalidHeader, "read header", err)
	}
	return manifest.UnmarshalHeader(b)
}

// SelectTOC returns the newest TOC that validates against size. fallback
// reports whether a newer slot had to be skipped, either because it failed
// validation or because it could not be decoded at all.
func SelectTOC(r io.ReaderAt, size int64) (toc *manifest.TOC, fallback bool, err error) {
	candidates, states := manifest.ReadSlots(r)
	if len(candidates) == 0 {
		return nil, false, errcode.Newf(errcode.InvalidTOC, "read toc",
			"no valid slot (A: %v, B: %v)", states[0].Err, states[1].Err)
	}
	for i, c := range candidates {
		if err = c.Validate(size); err == nil {
			return c, i > 0 || newerSlotDamaged(states, c.Generation), nil
		}
	}
	return nil, false, err
}

// newerSlotDamaged reports whether a damaged slot may have held a
// generation after gen. A slot whose head is unreadable counts as newer.
func newerSlotDamaged(states [2]manifest.SlotState, gen uint64) bool {
	for _, st := range states {
		if st.Damaged() && (st.Claimed == 0 || st.Claimed > gen) {
			return true
		}
	}
	return false
}

func (s *Store) load() error {
	header, err := ReadHeader(s.f)
	if err != nil {
		return err
	}
	s.header = header

	info, err := s.f.Stat()
	if err != nil {
		return errcode.Wrap(errcode.IO, "open", err)
	}
	size := info.Size()

	toc, fallback, err := SelectTOC(s.f, size)
	if err != nil {
		return err
	}
	if fallback {
		s.logger.Warn("newest toc slot failed validation, using previous generation",
			"generation", toc.Generation)
	}
	s.toc = toc
	s.recovery.Fallback = fallback

	img, err := LoadImage(s.f, toc, s.cfg.Rebuild)
	if err != nil {
		return err
	}
	if len(img.BadFrames) > 0 {
		return errcode.Wrapf(errcode.ChecksumMismatch, "open", img.BadFrames[0].Err,
			"%d frames failed verification", len(img.BadFrames))
	}
	for _, k := range img.Rebuilt {
		s.logger.Info("index rebuilt from frame table", "kind", k)
	}

	s.state = NewState(img.Frames, img.Indexes)
	s.state.binding = stateBinding(toc.Binding)
	s.state.sealed = toc.Sealed

	if err := s.replay(size); err != nil {
		return err
	}
	s.gate = ticket.NewGatekeeper(s.cfg.TicketKey, header.MemoryID, toc.Capacity, s.state.binding)
	return nil
}

func (s *Store) replay(size int64) error {
	start := s.toc.WALOffset()
	res, err := wal.Replay(s.f, start, size, s.toc.CheckpointSeq+1, s.state.Apply)
	if err != nil {
		if errcode.Has(err, errcode.IO) || (res.Records == 0 && errcode.Has(err, errcode.ManifestWALCorrupted)) {
			return err
		}
		// A record that verifies but cannot be applied ends the readable
		// log like a corrupt one.
		res.Tail = wal.Tail{Kind: wal.TailCorrupt, Offset: res.End, Err: err}
	}
	s.recovery.Records = res.Records
	s.recovery.Tail = res.Tail

	s.wal = wal.NewWriter(s.f, start, res.End, res.LastSeq+1, s.walOptions())
	s.wal.Rewind(res.End, res.LastSeq+1, res.Records)

	tail := res.Tail
	if res.Records > 0 || tail.Kind != wal.TailClean {
		s.logger.Info("wal replayed", "records", res.Records, "bytes", res.Bytes,
			"last_seq", res.LastSeq, "tail", tail.Kind)
	}
	if s.cfg.ReadOnly {
		if tail.Kind == wal.TailCorrupt {
			s.wal.MarkCorrupted(tail.Err)
		}
		return nil
	}

	switch {
	case tail.Kind == wal.TailCorrupt && !s.cfg.TruncateCorruptTail:
		s.logger.Warn("wal tail is corrupt, appends disabled until repaired",
			"offset", tail.Offset, "error", tail.Err)
		s.wal.MarkCorrupted(fmt.Errorf("corrupt record at offset %d: %w", tail.Offset, tail.Err))
		return nil
	case res.End < size:
		// Torn records, interrupted checkpoints and stale bytes behind a
		// terminator were never acknowledged.
		if err := s.f.Truncate(res.End); err != nil {
			return errcode.Wrap(errcode.IO, "truncate wal tail", err)
		}
		if err := s.f.Sync(); err != nil {
			return errcode.Wrap(errcode.IO, "truncate wal tail", err)
		}
		s.recovery.Truncated = size - res.End
		s.logger.Info("wal tail truncated", "offset", res.End, "bytes", size-res.End, "tail", tail.Kind)
	}
	return nil
}

func (s *Store) walOptions() wal.Options {
	return wal.Options{Durability: s.cfg.Durability, Logger: s.logger}
}

// Close commits pending records, folds them into a checkpoint unless
// automatic checkpoints are disabled, releases the lock and closes the file.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	var errs []error
	if !s.cfg.ReadOnly && s.wal.Corrupted() == nil {
		if err := s.Commit(); err != nil {
			errs = append(errs, err)
		} else if s.cfg.CheckpointRecords > 0 && s.wal.Pending() > 0 {
			if err := s.checkpoint(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	s.closed = true
	if err := fs.Unlock(s.f); err != nil {
		errs = append(errs, errcode.Wrap(errcode.Lock, "close", err))
	}
	if err := s.f.Close(); err != nil {
		errs = append(errs, errcode.Wrap(errcode.IO, "close", err))
	}
	return errors.Join(errs...)
}

// Path returns the file path.
func (s *Store) Path() string { return s.path }

// Header returns the file header.
func (s *Store) Header() manifest.Header { return s.header }

// TOC returns the committed TOC. Callers must not modify it.
func (s *Store) TOC() *manifest.TOC { return s.toc }

// State returns the in-memory state.
func (s *Store) State() *State { return s.state }

// Gatekeeper returns the ticket gatekeeper.
func (s *Store) Gatekeeper() *ticket.Gatekeeper { return s.gate }

// WAL returns the WAL writer.
func (s *Store) WAL() *wal.Writer { return s.wal }

// Recovery returns what Open found in the WAL.
func (s *Store) Recovery() Recovery { return s.recovery }

// ReadOnly reports whether the store was opened read-only.
func (s *Store) ReadOnly() bool { return s.cfg.ReadOnly }

// Closed reports whether Close was called.
func (s *Store) Closed() bool { return s.closed }

// Size returns the current file size.
func (s *Store) Size() (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return 0, errcode.Wrap(errcode.IO, "stat", err)
	}
	return info.Size(), nil
}

// File returns the underlying file for read access.
func (s *Store) File() io.ReaderAt { return s.f }
