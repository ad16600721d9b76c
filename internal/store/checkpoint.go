package store

import (
	"fmt"
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/internal/wal"
)

// Checkpoint folds pending WAL records into fresh regions. It is a no-op
// when nothing is pending.
func (s *Store) Checkpoint() error {
	if err := s.usable("checkpoint"); err != nil {
		return err
	}
	if s.wal.Pending() == 0 {
		return nil
	}
	return s.checkpoint()
}

// Compact rewrites the image even when nothing is pending, dropping dead
// space and persisting rebuilt indexes.
func (s *Store) Compact() error {
	if err := s.usable("compact"); err != nil {
		return err
	}
	return s.checkpoint()
}

func (s *Store) checkpoint() error {
	const op = "checkpoint"
	if s.cfg.ReadOnly {
		return errcode.New(errcode.FeatureUnavailable, op, "memory is opened read-only")
	}
	start := time.Now()
	markerAt, nextSeq, pending := s.wal.End(), s.wal.NextSeq(), s.wal.Pending()

	seq, err := s.wal.Append(wal.RecordCheckpoint, nil)
	if err != nil {
		return errcode.Wrap(errcode.CheckpointFailed, op, err)
	}
	if err := s.wal.Sync(); err != nil {
		s.rollback(markerAt, nextSeq, pending)
		return errcode.Wrap(errcode.CheckpointFailed, op, err)
	}
	if err := s.writeImage(seq); err != nil {
		s.rollback(markerAt, nextSeq, pending)
		return errcode.Wrap(errcode.CheckpointFailed, op, err)
	}

	s.logger.Info("checkpoint completed",
		"generation", s.toc.Generation,
		"checkpoint_seq", seq,
		"records", pending,
		"frames", s.state.Len(),
		"duration", time.Since(start))
	return nil
}

// rollback drops the marker and any partial image written after it.
func (s *Store) rollback(markerAt int64, nextSeq uint64, pending int) {
	s.wal.Rewind(markerAt, nextSeq, pending)
	if err := s.f.Truncate(markerAt); err != nil {
		s.logger.Error("checkpoint rollback failed", "offset", markerAt, "error", err)
		s.wal.MarkCorrupted(fmt.Errorf("checkpoint rollback: %w", err))
		return
	}
	if err := s.f.Sync(); err != nil {
		s.logger.Warn("checkpoint rollback sync failed", "error", err)
	}
}

// writeImage writes the current state as a new generation whose WAL
// continues after checkpointSeq, then switches the TOC to it.
func (s *Store) writeImage(checkpointSeq uint64) error {
	regions, err := encodeImage(s.state, s.toc.Compression)
	if err != nil {
		return err
	}
	var total int64
	for _, r := range regions {
		total += int64(len(r.Data))
	}

	pos := s.wal.End()
	inPlace := len(s.toc.Entries) > 0 &&
		manifest.DataStart+total+wal.HeaderSize <= s.toc.MinRegionOffset()
	if inPlace {
		pos = manifest.DataStart
	}

	next := s.toc.Clone()
	next.Generation++
	next.CheckpointSeq = checkpointSeq
	next.NextFrameID = uint64(s.state.Len())
	next.Sealed = s.state.sealed
	next.Binding = tocBinding(s.state.binding)
	if v := s.state.indexes.Vec; v != nil {
		next.VecDim = uint32(v.Dim())
	}
	if v := s.state.indexes.Clip; v != nil {
		next.ClipDim = uint32(v.Dim())
	}
	next.Entries = next.Entries[:0]

	for _, r := range regions {
		if _, err := s.f.WriteAt(r.Data, pos); err != nil {
			return errcode.Wrapf(errcode.IO, "write region", err, "%s", r.Kind)
		}
		next.Entries = append(next.Entries, r.Place(pos))
		pos += int64(len(r.Data))
	}
	if inPlace {
		// The old WAL may still hold records behind the new image.
		if _, err := s.f.WriteAt(make([]byte, wal.HeaderSize), pos); err != nil {
			return errcode.Wrap(errcode.IO, "write wal terminator", err)
		}
	}
	next.Entries = append(next.Entries, manifest.Entry{Kind: manifest.KindWAL, Offset: pos})
	if err := s.f.Sync(); err != nil {
		return errcode.Wrap(errcode.IO, "sync image", err)
	}

	if err := s.installTOC(next); err != nil {
		return err
	}
	s.toc = next
	s.wal.Reset(pos)

	if err := s.f.Truncate(pos); err != nil {
		s.logger.Warn("failed to truncate after checkpoint", "offset", pos, "error", err)
		return nil
	}
	if err := s.f.Sync(); err != nil {
		s.logger.Warn("failed to sync after checkpoint truncate", "error", err)
	}
	return nil
}

// installTOC writes next into its slot. This write is the commit point of a
// checkpoint.
func (s *Store) installTOC(next *manifest.TOC) error {
	slot, err := next.MarshalSlot()
	if err != nil {
		return err
	}
	off := manifest.SlotOffset(next.Generation)
	_, err = s.f.WriteAt(slot, off)
	if err == nil {
		err = s.f.Sync()
	}
	if err == nil {
		return nil
	}

	// The slot may or may not have reached the disk. Clear it so the
	// previous generation stays authoritative.
	if _, zerr := s.f.WriteAt(make([]byte, manifest.SlotSize), off); zerr == nil {
		zerr = s.f.Sync()
		if zerr == nil {
			return errcode.Wrap(errcode.IO, "write toc", err)
		}
		err = fmt.Errorf("%w (clearing slot: %v)", err, zerr)
	} else {
		err = fmt.Errorf("%w (clearing slot: %v)", err, zerr)
	}
	s.logger.Error("toc slot state unknown, appends disabled", "generation", next.Generation, "error", err)
	s.wal.MarkCorrupted(fmt.Errorf("toc generation %d: %w", next.Generation, err))
	return errcode.Wrap(errcode.IO, "write toc", err)
}
