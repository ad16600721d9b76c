package index

import (
	"cmp"
	"slices"
	"sync"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wire"
)

const timelineVersion = 1

// TimeEntry is one timeline key.
type TimeEntry struct {
	Timestamp int64
	ID        frame.ID
}

func compareTimeEntry(a, b TimeEntry) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Timeline orders frames by (timestamp, id).
type Timeline struct {
	mu      sync.RWMutex
	entries []TimeEntry
	byID    map[frame.ID]int64
}

var _ Index = (*Timeline)(nil)

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{byID: make(map[frame.ID]int64)}
}

func (t *Timeline) Kind() Kind { return KindTime }

func (t *Timeline) Add(f *frame.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byID[f.ID]; ok {
		t.removeLocked(f.ID)
	}
	e := TimeEntry{Timestamp: f.Timestamp, ID: f.ID}
	i, _ := slices.BinarySearchFunc(t.entries, e, compareTimeEntry)
	t.entries = slices.Insert(t.entries, i, e)
	t.byID[f.ID] = f.Timestamp
	return nil
}

func (t *Timeline) Remove(id frame.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(id)
}

func (t *Timeline) removeLocked(id frame.ID) {
	ts, ok := t.byID[id]
	if !ok {
		return
	}
	if i, found := slices.BinarySearchFunc(t.entries, TimeEntry{ts, id}, compareTimeEntry); found {
		t.entries = slices.Delete(t.entries, i, i+1)
	}
	delete(t.byID, id)
}

func (t *Timeline) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Timeline) SizeBytes() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return int64(len(t.entries)) * 32
}

func (t *Timeline) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = nil
	t.byID = make(map[frame.ID]int64)
}

// Range returns the entries with since <= timestamp <= until in
// (timestamp, id) order. Nil bounds are open.
func (t *Timeline) Range(since, until *int64) []TimeEntry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	lo, hi := 0, len(t.entries)
	if since != nil {
		lo, _ = slices.BinarySearchFunc(t.entries, *since, func(e TimeEntry, ts int64) int {
			return cmp.Compare(e.Timestamp, ts)
		})
	}
	if until != nil {
		hi, _ = slices.BinarySearchFunc(t.entries, *until, func(e TimeEntry, ts int64) int {
			if e.Timestamp <= ts {
				return -1
			}
			return 1
		})
	}
	if lo >= hi {
		return nil
	}
	return slices.Clone(t.entries[lo:hi])
}

// RangeSet returns the ids of Range as a FrameSet.
func (t *Timeline) RangeSet(since, until *int64) *FrameSet {
	s := NewFrameSet()
	for _, e := range t.Range(since, until) {
		s.Add(e.ID)
	}
	return s
}

func (t *Timeline) MarshalBinary() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := wire.NewWriter(make([]byte, 0, 8+len(t.entries)*16))
	w.Uint8(timelineVersion)
	w.Len32(len(t.entries))
	for _, e := range t.entries {
		w.Int64(e.Timestamp)
		w.Uint64(e.ID)
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal time index", err)
	}
	return w.Bytes(), nil
}

func (t *Timeline) UnmarshalBinary(data []byte) error {
	const op = "unmarshal time index"
	r := wire.NewReader(data)
	if v := r.Uint8(); v != timelineVersion {
		return errcode.Newf(errcode.InvalidTimeIndex, op, "unsupported version %d", v)
	}
	n := r.Len32(16)
	entries := make([]TimeEntry, n)
	byID := make(map[frame.ID]int64, n)
	for i := range entries {
		entries[i] = TimeEntry{Timestamp: r.Int64(), ID: r.Uint64()}
		if r.Err() != nil {
			break
		}
		if i > 0 && compareTimeEntry(entries[i-1], entries[i]) >= 0 {
			return errcode.Newf(errcode.InvalidTimeIndex, op, "entry %d out of order", i)
		}
		if _, dup := byID[entries[i].ID]; dup {
			return errcode.Newf(errcode.InvalidTimeIndex, op, "frame %d listed twice", entries[i].ID)
		}
		byID[entries[i].ID] = entries[i].Timestamp
	}
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.InvalidTimeIndex, op, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = entries
	t.byID = byID
	return nil
}
