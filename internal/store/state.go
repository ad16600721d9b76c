package store

import (
	"iter"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/internal/wire"
	"github.com/hupe1980/memvault/ticket"
)

// State is the in-memory image of a memory: the dense frame table, the
// lookup maps derived from it and the enabled indexes.
//
// State is not safe for concurrent use.
type State struct {
	frames  []*frame.Frame
	byURI   map[string]frame.ID
	byHash  map[[32]byte][]frame.ID
	indexes *index.Set

	binding ticket.Binding
	sealed  bool

	active  int
	logical uint64
	payload uint64
	raw     uint64
}

// NewState builds a state over frames. Nil entries are not allowed.
// The indexes are taken as they are; call RebuildIndexes to derive them.
func NewState(frames []*frame.Frame, indexes *index.Set) *State {
	s := &State{
		frames:  frames,
		byURI:   make(map[string]frame.ID),
		byHash:  make(map[[32]byte][]frame.ID),
		indexes: indexes,
	}
	for _, f := range frames {
		if f.Active() {
			s.track(f)
		}
	}
	return s
}

func (s *State) track(f *frame.Frame) {
	s.active++
	s.logical += f.LogicalBytes()
	s.payload += f.PayloadLength
	s.raw += f.RawBytes()
	if f.URI != "" {
		s.byURI[f.URI] = f.ID
	}
	s.byHash[f.ContentHash] = append(s.byHash[f.ContentHash], f.ID)
}

func (s *State) untrack(f *frame.Frame) {
	s.active--
	s.logical -= f.LogicalBytes()
	s.payload -= f.PayloadLength
	s.raw -= f.RawBytes()
	if id, ok := s.byURI[f.URI]; ok && id == f.ID {
		delete(s.byURI, f.URI)
	}
	ids := s.byHash[f.ContentHash]
	for i, id := range ids {
		if id == f.ID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(s.byHash, f.ContentHash)
	} else {
		s.byHash[f.ContentHash] = ids
	}
}

// Len returns the number of frames, deleted ones included.
func (s *State) Len() int { return len(s.frames) }

// NextID returns the id the next put receives.
func (s *State) NextID() frame.ID { return frame.ID(len(s.frames)) }

// ActiveCount returns the number of frames that are not deleted.
func (s *State) ActiveCount() int { return s.active }

// LogicalBytes returns the stored bytes of all active frames.
func (s *State) LogicalBytes() uint64 { return s.logical }

// PayloadBytes returns the uncompressed payload bytes of all active frames.
func (s *State) PayloadBytes() uint64 { return s.payload }

// RawBytes returns the uncompressed payload and search text bytes of all
// active frames.
func (s *State) RawBytes() uint64 { return s.raw }

// Indexes returns the enabled indexes.
func (s *State) Indexes() *index.Set { return s.indexes }

// Binding returns the ticket binding recorded in the state.
func (s *State) Binding() ticket.Binding { return s.binding }

// Sealed reports whether a seal record was applied.
func (s *State) Sealed() bool { return s.sealed }

// Frame returns the frame with id, deleted or not.
func (s *State) Frame(id frame.ID) (*frame.Frame, bool) {
	if id >= uint64(len(s.frames)) {
		return nil, false
	}
	return s.frames[id], true
}

// FrameByURI returns the active frame with uri, or the newest deleted one
// when no active frame carries it.
func (s *State) FrameByURI(uri string) (*frame.Frame, bool) {
	if id, ok := s.byURI[uri]; ok {
		return s.frames[id], true
	}
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].URI == uri {
			return s.frames[i], true
		}
	}
	return nil, false
}

// ActiveURI reports whether an active frame carries uri.
func (s *State) ActiveURI(uri string) bool {
	_, ok := s.byURI[uri]
	return ok
}

// Duplicate returns the oldest active frame whose content hash is h.
func (s *State) Duplicate(h [32]byte) (frame.ID, bool) {
	ids := s.byHash[h]
	if len(ids) == 0 {
		return 0, false
	}
	return ids[0], true
}

// Frames iterates all frames in id order.
func (s *State) Frames() iter.Seq[*frame.Frame] {
	return func(yield func(*frame.Frame) bool) {
		for _, f := range s.frames {
			if !yield(f) {
				return
			}
		}
	}
}

// Table returns the frame table. Callers must not modify it.
func (s *State) Table() []*frame.Frame { return s.frames }

// RebuildIndexes replaces every enabled index with a rebuild from the
// frame table.
func (s *State) RebuildIndexes() error {
	for _, ix := range s.indexes.All() {
		ix.Reset()
	}
	return s.indexes.Rebuild(s.Frames())
}

// Apply folds one WAL record into the state.
func (s *State) Apply(rec wal.Record) error {
	switch rec.Type {
	case wal.RecordPut:
		f, err := frame.Decode(rec.Payload)
		if err != nil {
			return err
		}
		return s.applyPut(f)
	case wal.RecordDelete:
		id, _, err := wal.DecodeDelete(rec.Payload)
		if err != nil {
			return errcode.Wrap(errcode.Decode, "apply delete", err)
		}
		_, err = s.applyDelete(id, rec.Seq)
		return err
	case wal.RecordBind:
		b, err := decodeBinding(rec.Payload)
		if err != nil {
			return err
		}
		s.binding = b
		return nil
	case wal.RecordSeal:
		s.sealed = true
		return nil
	case wal.RecordCheckpoint:
		return nil
	default:
		return errcode.Newf(errcode.Decode, "apply", "unexpected %s record", rec.Type)
	}
}

func (s *State) applyPut(f *frame.Frame) error {
	if f.ID != s.NextID() {
		return errcode.Newf(errcode.ManifestWALCorrupted, "apply put",
			"put record carries frame %d, expected %d", f.ID, s.NextID())
	}
	if f.Active() {
		if err := s.indexes.Check(f); err != nil {
			return err
		}
		if err := s.indexes.Add(f); err != nil {
			return err
		}
	}
	s.frames = append(s.frames, f)
	if f.Active() {
		s.track(f)
	}
	return nil
}

// applyDelete marks id deleted at seq. It reports whether the frame was
// active before.
func (s *State) applyDelete(id frame.ID, seq uint64) (bool, error) {
	f, ok := s.Frame(id)
	if !ok {
		return false, errcode.Newf(errcode.FrameNotFound, "delete", "frame %d", id)
	}
	if f.Deleted {
		return false, nil
	}
	s.untrack(f)
	s.indexes.Remove(id)
	f.Deleted = true
	f.DeletedSeq = seq
	if err := f.Seal(); err != nil {
		return false, err
	}
	return true, nil
}

func encodeBinding(t ticket.Ticket, boundAt int64) ([]byte, error) {
	tb, err := t.MarshalBinary()
	if err != nil {
		return nil, err
	}
	w := wire.NewWriter(nil)
	w.ByteSlice(tb)
	w.Int64(boundAt)
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "encode binding", err)
	}
	return w.Bytes(), nil
}

func decodeBinding(p []byte) (ticket.Binding, error) {
	r := wire.NewReader(p)
	tb := r.ByteSlice()
	boundAt := r.Int64()
	if err := r.Done(); err != nil {
		return ticket.Binding{}, errcode.Wrap(errcode.Decode, "decode binding", err)
	}
	var t ticket.Ticket
	if err := t.UnmarshalBinary(tb); err != nil {
		return ticket.Binding{}, err
	}
	return bindingOf(t, boundAt), nil
}

func bindingOf(t ticket.Ticket, boundAt int64) ticket.Binding {
	return ticket.Binding{
		Bound:    true,
		Tier:     t.Tier,
		Capacity: t.EffectiveCapacity(),
		Seq:      t.Seq,
		Issuer:   t.Issuer,
		BoundAt:  unixTime(boundAt),
	}
}
