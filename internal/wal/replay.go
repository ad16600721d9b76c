package wal

import (
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/memvault/errcode"
)

// TailKind describes how a replay ended.
type TailKind int

const (
	// TailClean means the log ended at EOF or at a zero terminator.
	TailClean TailKind = iota
	// TailCheckpoint means replay stopped at an uncommitted checkpoint marker.
	TailCheckpoint
	// TailTorn means the last record was cut short by a crash.
	TailTorn
	// TailCorrupt means a complete record failed verification.
	TailCorrupt
)

func (k TailKind) String() string {
	switch k {
	case TailClean:
		return "clean"
	case TailCheckpoint:
		return "checkpoint"
	case TailTorn:
		return "torn"
	case TailCorrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("tail(%d)", int(k))
	}
}

// Tail reports where and why replay stopped.
type Tail struct {
	Kind   TailKind
	Offset int64 // offset of the first byte not replayed
	Err    error // set for TailCorrupt
}

// Truncatable reports whether bytes from Offset onwards can be discarded
// without losing committed data.
func (t Tail) Truncatable() bool {
	return t.Kind == TailTorn || t.Kind == TailCheckpoint
}

// Result summarizes a replay.
type Result struct {
	Records int
	Bytes   int64
	LastSeq uint64
	End     int64 // offset after the last replayed record
	Tail    Tail
}

// Replay reads records from r in [start, end) and calls fn for each valid
// record in order. firstSeq is the sequence the first record must carry.
//
// A record is torn only when its header verifies, carries the expected
// sequence and its payload runs past end; that and an uncommitted
// checkpoint marker stop the replay without error. Any other checksum,
// type or sequence failure stops replay and is reported as TailCorrupt. A
// first record that does not continue the checkpointed sequence returns
// ManifestWALCorrupted, as the TOC and the log disagree.
func Replay(r io.ReaderAt, start, end int64, firstSeq uint64, fn func(Record) error) (Result, error) {
	res := Result{End: start, LastSeq: firstSeq - 1}
	off := start
	hdr := make([]byte, HeaderSize)
	expect := firstSeq

	for {
		if off >= end {
			res.Tail = Tail{Kind: TailClean, Offset: off}
			return res, nil
		}
		if end-off < HeaderSize {
			res.Tail = Tail{Kind: TailTorn, Offset: off}
			return res, nil
		}
		if _, err := r.ReadAt(hdr, off); err != nil && !errors.Is(err, io.EOF) {
			return res, errcode.Wrap(errcode.IO, "wal replay", err)
		}

		h, err := parseHeader(hdr)
		switch {
		case errors.Is(err, ErrEndOfLog):
			res.Tail = Tail{Kind: TailClean, Offset: off}
			return res, nil
		case err != nil:
			res.Tail = Tail{Kind: TailCorrupt, Offset: off, Err: err}
			return res, nil
		}

		if h.seq != expect {
			if res.Records == 0 {
				return res, errcode.Newf(errcode.ManifestWALCorrupted, "wal replay",
					"first record has sequence %d, expected %d", h.seq, expect)
			}
			res.Tail = Tail{Kind: TailCorrupt, Offset: off,
				Err: fmt.Errorf("sequence gap: got %d, expected %d", h.seq, expect)}
			return res, nil
		}

		n := int64(HeaderSize) + int64(h.length)
		if off+n > end {
			res.Tail = Tail{Kind: TailTorn, Offset: off}
			return res, nil
		}

		buf := make([]byte, n)
		if _, err := r.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			return res, errcode.Wrap(errcode.IO, "wal replay", err)
		}

		rec, _, err := Decode(buf)
		if err != nil {
			res.Tail = Tail{Kind: TailCorrupt, Offset: off, Err: err}
			return res, nil
		}

		if rec.Type == RecordCheckpoint {
			res.Tail = Tail{Kind: TailCheckpoint, Offset: off}
			return res, nil
		}

		if fn != nil {
			if err := fn(rec); err != nil {
				return res, err
			}
		}

		res.Records++
		res.Bytes += n
		res.LastSeq = rec.Seq
		off += n
		res.End = off
		expect++
	}
}
