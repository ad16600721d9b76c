package store

import (
	"time"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/ticket"
)

func (s *Store) usable(op string) error {
	if s.closed {
		return errcode.New(errcode.RequiresOpen, op, "memory is closed")
	}
	return nil
}

func (s *Store) writable(op string) error {
	if err := s.usable(op); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return errcode.New(errcode.FeatureUnavailable, op, "memory is opened read-only")
	}
	if s.state.sealed {
		return errcode.New(errcode.RequiresOpen, op, "memory is sealed")
	}
	return nil
}

// CheckPut runs every precondition of Put without side effects.
func (s *Store) CheckPut(f *frame.Frame) error {
	const op = "put"
	if err := s.writable(op); err != nil {
		return err
	}
	if err := f.Validate(); err != nil {
		return err
	}
	if f.URI != "" && s.state.ActiveURI(f.URI) {
		return errcode.Newf(errcode.InvalidFrame, op, "uri %q is already in use", f.URI)
	}
	if err := s.state.indexes.Check(f); err != nil {
		return err
	}
	return s.gate.CheckCapacity(s.state.logical, f.LogicalBytes())
}

// Put assigns the next frame id to f, logs it and applies it. It returns
// the WAL sequence of the put record.
func (s *Store) Put(f *frame.Frame) (uint64, error) {
	if err := s.CheckPut(f); err != nil {
		return 0, err
	}

	f.ID = s.state.NextID()
	f.Deleted, f.DeletedSeq = false, 0
	payload, err := frame.Encode(f)
	if err != nil {
		return 0, err
	}
	seq, err := s.wal.Append(wal.RecordPut, payload)
	if err != nil {
		return 0, err
	}
	if err := s.state.applyPut(f); err != nil {
		s.wal.MarkCorrupted(err)
		return 0, errcode.Ensure(err, errcode.WALCorruption, "put")
	}
	return seq, nil
}

// Delete soft-deletes id and returns the WAL sequence of its delete
// record. Deleting a deleted frame returns the original sequence.
func (s *Store) Delete(id frame.ID) (uint64, error) {
	const op = "delete"
	if err := s.usable(op); err != nil {
		return 0, err
	}
	f, ok := s.state.Frame(id)
	if !ok {
		return 0, errcode.Newf(errcode.FrameNotFound, op, "frame %d", id)
	}
	if f.Deleted {
		return f.DeletedSeq, nil
	}
	if err := s.writable(op); err != nil {
		return 0, err
	}

	seq, err := s.wal.Append(wal.RecordDelete, wal.EncodeDelete(id, time.Now().Unix()))
	if err != nil {
		return 0, err
	}
	if _, err := s.state.applyDelete(id, seq); err != nil {
		s.wal.MarkCorrupted(err)
		return 0, errcode.Ensure(err, errcode.WALCorruption, op)
	}
	return seq, nil
}

// Bind validates t and records the binding it produces.
func (s *Store) Bind(t ticket.Ticket) (ticket.Binding, error) {
	const op = "bind ticket"
	if err := s.writable(op); err != nil {
		return ticket.Binding{}, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	b, err := s.gate.Validate(t, now)
	if err != nil {
		return ticket.Binding{}, err
	}
	payload, err := encodeBinding(t, now.Unix())
	if err != nil {
		return ticket.Binding{}, err
	}
	if _, err := s.wal.Append(wal.RecordBind, payload); err != nil {
		return ticket.Binding{}, err
	}
	s.gate.Apply(b)
	s.state.binding = b
	s.logger.Info("ticket bound", "tier", b.Tier, "seq", b.Seq, "capacity", b.Capacity, "issuer", b.Issuer)
	return b, nil
}

// Seal records a seal and checkpoints. A sealed memory rejects mutations.
func (s *Store) Seal() error {
	const op = "seal"
	if err := s.writable(op); err != nil {
		return err
	}
	if _, err := s.wal.Append(wal.RecordSeal, nil); err != nil {
		return err
	}
	s.state.sealed = true
	if err := s.wal.Sync(); err != nil {
		return err
	}
	return s.checkpoint()
}

// Commit fsyncs the WAL and runs a checkpoint when the policy asks for one.
func (s *Store) Commit() error {
	const op = "commit"
	if err := s.usable(op); err != nil {
		return err
	}
	if s.cfg.ReadOnly {
		return nil
	}
	if err := s.wal.Sync(); err != nil {
		return err
	}
	if s.checkpointDue() {
		return s.checkpoint()
	}
	return nil
}

func (s *Store) checkpointDue() bool {
	if s.wal.Pending() == 0 {
		return false
	}
	if n := s.cfg.CheckpointRecords; n > 0 && s.wal.Pending() >= n {
		return true
	}
	if n := s.cfg.CheckpointBytes; n > 0 && s.wal.Size() >= n {
		return true
	}
	return false
}
