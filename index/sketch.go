package index

import (
	"cmp"
	"hash/fnv"
	"math/bits"
	"slices"
	"sync"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wire"
)

const sketchVersion = 1

// SimHash returns the 64-bit simhash of text, weighting each term by its
// frequency. Empty text hashes to 0.
func SimHash(text string) uint64 {
	var acc [64]int
	terms := Tokenize(text)
	if len(terms) == 0 {
		return 0
	}
	h := fnv.New64a()
	for _, t := range terms {
		h.Reset()
		_, _ = h.Write([]byte(t))
		v := h.Sum64()
		for i := 0; i < 64; i++ {
			if v&(1<<i) != 0 {
				acc[i]++
			} else {
				acc[i]--
			}
		}
	}
	var out uint64
	for i, a := range acc {
		if a > 0 {
			out |= 1 << i
		}
	}
	return out
}

// Hamming returns the number of differing bits.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// SketchHit is a frame within a hamming distance of a query sketch.
type SketchHit struct {
	ID       frame.ID
	Distance int
}

// Sketch keeps one simhash per frame.
type Sketch struct {
	mu       sync.RWMutex
	sketches map[frame.ID]uint64
}

var _ Index = (*Sketch)(nil)

// NewSketch returns an empty sketch track.
func NewSketch() *Sketch {
	return &Sketch{sketches: make(map[frame.ID]uint64)}
}

func (s *Sketch) Kind() Kind { return KindSketch }

func (s *Sketch) Add(f *frame.Frame) error {
	text, err := f.IndexText()
	if err != nil {
		return err
	}
	if text == "" {
		return nil
	}
	h := SimHash(text)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sketches[f.ID] = h
	return nil
}

func (s *Sketch) Remove(id frame.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sketches, id)
}

func (s *Sketch) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sketches)
}

func (s *Sketch) SizeBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.sketches)) * 16
}

func (s *Sketch) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sketches = make(map[frame.ID]uint64)
}

// Lookup returns the sketch of a frame.
func (s *Sketch) Lookup(id frame.ID) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.sketches[id]
	return h, ok
}

// Near returns the allowed frames within maxDistance of sketch, by
// ascending distance then id.
func (s *Sketch) Near(sketch uint64, maxDistance int, filter Filter) []SketchHit {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var hits []SketchHit
	for id, h := range s.sketches {
		if !filter.allows(id) {
			continue
		}
		if d := Hamming(sketch, h); d <= maxDistance {
			hits = append(hits, SketchHit{ID: id, Distance: d})
		}
	}
	slices.SortFunc(hits, func(a, b SketchHit) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return hits
}

func (s *Sketch) MarshalBinary() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := sortedKeys(s.sketches)
	w := wire.NewWriter(make([]byte, 0, 8+len(ids)*16))
	w.Uint8(sketchVersion)
	w.Len32(len(ids))
	for _, id := range ids {
		w.Uint64(id)
		w.Uint64(s.sketches[id])
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal sketch track", err)
	}
	return w.Bytes(), nil
}

func (s *Sketch) UnmarshalBinary(data []byte) error {
	const op = "unmarshal sketch track"
	r := wire.NewReader(data)
	if v := r.Uint8(); v != sketchVersion {
		return errcode.Newf(errcode.InvalidSketchTrack, op, "unsupported version %d", v)
	}
	n := r.Len32(16)
	sketches := make(map[frame.ID]uint64, n)
	var prev frame.ID
	for i := 0; i < n && r.Err() == nil; i++ {
		id := r.Uint64()
		if i > 0 && id <= prev {
			return errcode.Newf(errcode.InvalidSketchTrack, op, "frame %d out of order", id)
		}
		prev = id
		sketches[id] = r.Uint64()
	}
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.InvalidSketchTrack, op, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sketches = sketches
	return nil
}
