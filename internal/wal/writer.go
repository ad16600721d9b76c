package wal

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/memvault/errcode"
)

// Durability controls when appended records are fsynced.
type Durability int

const (
	// DurabilityCommit fsyncs on Sync (commit). Appends reach the OS page
	// cache immediately.
	DurabilityCommit Durability = iota
	// DurabilitySync fsyncs after every append.
	DurabilitySync
)

// Options configures a Writer.
type Options struct {
	Durability Durability
	Logger     *slog.Logger
}

// File is the subset of the container file the WAL writes through.
type File interface {
	io.WriterAt
	Sync() error
}

// Writer appends records at the tail of the container's WAL region.
//
// Writer is not safe for concurrent use; the store serializes mutations.
type Writer struct {
	f       File
	opts    Options
	start   int64 // first byte of the WAL region
	end     int64 // next append position
	nextSeq uint64

	pending   int  // records appended since the last Reset
	unsynced  bool // bytes written since the last fsync
	corrupted error
	buf       []byte
}

// NewWriter returns a writer whose region starts at start and whose next
// record goes to end with sequence nextSeq.
func NewWriter(f File, start, end int64, nextSeq uint64, opts Options) *Writer {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Writer{
		f:       f,
		opts:    opts,
		start:   start,
		end:     end,
		nextSeq: nextSeq,
	}
}

// MarkCorrupted makes every later Append fail with WALCorruption.
func (w *Writer) MarkCorrupted(cause error) {
	w.corrupted = cause
}

// Corrupted returns the cause recorded by MarkCorrupted.
func (w *Writer) Corrupted() error { return w.corrupted }

// Append writes a record and returns its sequence number.
func (w *Writer) Append(typ RecordType, payload []byte) (uint64, error) {
	if w.corrupted != nil {
		return 0, errcode.Wrap(errcode.WALCorruption, "wal append", w.corrupted)
	}

	rec := Record{Seq: w.nextSeq, Type: typ, Payload: payload}
	var err error
	w.buf, err = rec.Append(w.buf[:0])
	if err != nil {
		return 0, errcode.Wrap(errcode.Encode, "wal append", err)
	}

	n, err := w.f.WriteAt(w.buf, w.end)
	if err != nil {
		// A partial write leaves a torn record that replay discards; the
		// next append overwrites it from the same offset.
		return 0, errcode.Wrapf(errcode.IO, "wal append", err, "wrote %d of %d bytes", n, len(w.buf))
	}
	w.unsynced = true

	if w.opts.Durability == DurabilitySync {
		if err := w.f.Sync(); err != nil {
			return 0, errcode.Wrap(errcode.IO, "wal sync", err)
		}
		w.unsynced = false
	}

	w.end += int64(n)
	w.nextSeq++
	w.pending++
	return rec.Seq, nil
}

// Sync fsyncs appended records.
func (w *Writer) Sync() error {
	if !w.unsynced {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return errcode.Wrap(errcode.IO, "wal sync", err)
	}
	w.unsynced = false
	return nil
}

// Reset starts an empty WAL region at offset after a checkpoint.
func (w *Writer) Reset(offset int64) {
	w.start = offset
	w.end = offset
	w.pending = 0
	w.unsynced = false
}

// Rewind moves the tail back to end, discarding records appended after it.
// nextSeq is the sequence the next append receives.
func (w *Writer) Rewind(end int64, nextSeq uint64, pending int) {
	w.end = end
	w.nextSeq = nextSeq
	w.pending = pending
}

// Start returns the first byte of the WAL region.
func (w *Writer) Start() int64 { return w.start }

// End returns the next append offset.
func (w *Writer) End() int64 { return w.end }

// Size returns the bytes used by the WAL region.
func (w *Writer) Size() int64 { return w.end - w.start }

// NextSeq returns the sequence the next record receives.
func (w *Writer) NextSeq() uint64 { return w.nextSeq }

// LastSeq returns the last assigned sequence number.
func (w *Writer) LastSeq() uint64 { return w.nextSeq - 1 }

// Pending returns the number of records since the last checkpoint.
func (w *Writer) Pending() int { return w.pending }

func (w *Writer) String() string {
	return fmt.Sprintf("wal[start=%d end=%d next=%d pending=%d]", w.start, w.end, w.nextSeq, w.pending)
}
