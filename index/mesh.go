package index

import (
	"slices"
	"strings"
	"sync"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wire"
)

const meshVersion = 1

// Edge is a triplet together with the frame it was extracted from.
type Edge struct {
	FrameID frame.ID
	frame.Triplet
}

// Mesh is the logic mesh: it maps entities to the frames whose triplets
// mention them.
type Mesh struct {
	mu       sync.RWMutex
	entities map[string]*FrameSet
	triplets map[frame.ID][]frame.Triplet
}

var _ Index = (*Mesh)(nil)

// NewMesh returns an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{
		entities: make(map[string]*FrameSet),
		triplets: make(map[frame.ID][]frame.Triplet),
	}
}

// NormalizeEntity folds an entity name for lookup.
func NormalizeEntity(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func (m *Mesh) Kind() Kind { return KindMesh }

func (m *Mesh) Add(f *frame.Frame) error {
	if len(f.Triplets) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triplets[f.ID]; ok {
		m.removeLocked(f.ID)
	}
	m.addLocked(f.ID, slices.Clone(f.Triplets))
	return nil
}

func (m *Mesh) addLocked(id frame.ID, ts []frame.Triplet) {
	m.triplets[id] = ts
	for _, t := range ts {
		for _, e := range []string{NormalizeEntity(t.Subject), NormalizeEntity(t.Object)} {
			set, ok := m.entities[e]
			if !ok {
				set = NewFrameSet()
				m.entities[e] = set
			}
			set.Add(id)
		}
	}
}

func (m *Mesh) Remove(id frame.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(id)
}

func (m *Mesh) removeLocked(id frame.ID) {
	for _, t := range m.triplets[id] {
		for _, e := range []string{NormalizeEntity(t.Subject), NormalizeEntity(t.Object)} {
			if set, ok := m.entities[e]; ok {
				set.Remove(id)
				if set.IsEmpty() {
					delete(m.entities, e)
				}
			}
		}
	}
	delete(m.triplets, id)
}

func (m *Mesh) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.triplets)
}

// Entities returns the number of distinct entities.
func (m *Mesh) Entities() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entities)
}

func (m *Mesh) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for e, s := range m.entities {
		n += int64(len(e)) + s.SizeBytes()
	}
	for _, ts := range m.triplets {
		for _, t := range ts {
			n += int64(len(t.Subject) + len(t.Predicate) + len(t.Object))
		}
	}
	return n
}

func (m *Mesh) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = make(map[string]*FrameSet)
	m.triplets = make(map[frame.ID][]frame.Triplet)
}

// Frames returns the frames mentioning entity.
func (m *Mesh) Frames(entity string) *FrameSet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.entities[NormalizeEntity(entity)]; ok {
		return s.Clone()
	}
	return NewFrameSet()
}

// Related returns the edges touching entity, by frame id and then in
// extraction order. Only allowed frames are returned.
func (m *Mesh) Related(entity string, filter Filter) []Edge {
	key := NormalizeEntity(entity)
	m.mu.RLock()
	defer m.mu.RUnlock()

	set, ok := m.entities[key]
	if !ok {
		return nil
	}
	var edges []Edge
	for id := range set.All() {
		if !filter.allows(id) {
			continue
		}
		for _, t := range m.triplets[id] {
			if NormalizeEntity(t.Subject) == key || NormalizeEntity(t.Object) == key {
				edges = append(edges, Edge{FrameID: id, Triplet: t})
			}
		}
	}
	return edges
}

func (m *Mesh) MarshalBinary() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w := wire.NewWriter(nil)
	w.Uint8(meshVersion)
	ids := sortedKeys(m.triplets)
	w.Len32(len(ids))
	for _, id := range ids {
		ts := m.triplets[id]
		w.Uint64(id)
		w.Len32(len(ts))
		for _, t := range ts {
			w.Str(t.Subject)
			w.Str(t.Predicate)
			w.Str(t.Object)
		}
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal logic mesh", err)
	}
	return w.Bytes(), nil
}

func (m *Mesh) UnmarshalBinary(data []byte) error {
	const op = "unmarshal logic mesh"
	r := wire.NewReader(data)
	if v := r.Uint8(); v != meshVersion {
		return errcode.Newf(errcode.InvalidLogicMesh, op, "unsupported version %d", v)
	}

	fresh := NewMesh()
	n := r.Len32(12)
	var prev frame.ID
	for i := 0; i < n && r.Err() == nil; i++ {
		id := r.Uint64()
		if i > 0 && id <= prev {
			return errcode.Newf(errcode.InvalidLogicMesh, op, "frame %d out of order", id)
		}
		prev = id
		nt := r.Len32(12)
		if nt == 0 && r.Err() == nil {
			return errcode.Newf(errcode.InvalidLogicMesh, op, "frame %d has no triplets", id)
		}
		ts := make([]frame.Triplet, nt)
		for j := range ts {
			ts[j] = frame.Triplet{Subject: r.Str(), Predicate: r.Str(), Object: r.Str()}
		}
		fresh.addLocked(id, ts)
	}
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.InvalidLogicMesh, op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities = fresh.entities
	m.triplets = fresh.triplets
	return nil
}
