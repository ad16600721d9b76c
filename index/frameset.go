package index

import (
	"iter"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/memvault/frame"
)

// FrameSet is a compressed set of frame ids.
type FrameSet struct {
	rb *roaring64.Bitmap
}

// NewFrameSet returns a set holding ids.
func NewFrameSet(ids ...frame.ID) *FrameSet {
	return &FrameSet{rb: roaring64.BitmapOf(ids...)}
}

func (s *FrameSet) Add(id frame.ID) { s.rb.Add(id) }

// AddRange adds [lo, hi).
func (s *FrameSet) AddRange(lo, hi frame.ID) { s.rb.AddRange(lo, hi) }

func (s *FrameSet) Remove(id frame.ID) { s.rb.Remove(id) }

func (s *FrameSet) Contains(id frame.ID) bool { return s.rb.Contains(id) }

func (s *FrameSet) IsEmpty() bool { return s.rb.IsEmpty() }

func (s *FrameSet) Len() int { return int(s.rb.GetCardinality()) }

func (s *FrameSet) Clone() *FrameSet { return &FrameSet{rb: s.rb.Clone()} }

// And keeps only ids also in other.
func (s *FrameSet) And(other *FrameSet) { s.rb.And(other.rb) }

// Or adds every id of other.
func (s *FrameSet) Or(other *FrameSet) { s.rb.Or(other.rb) }

// AndNot removes every id of other.
func (s *FrameSet) AndNot(other *FrameSet) { s.rb.AndNot(other.rb) }

// IDs returns the ids in ascending order.
func (s *FrameSet) IDs() []frame.ID { return s.rb.ToArray() }

// All iterates the ids in ascending order.
func (s *FrameSet) All() iter.Seq[frame.ID] {
	return func(yield func(frame.ID) bool) {
		it := s.rb.Iterator()
		for it.HasNext() {
			if !yield(it.Next()) {
				return
			}
		}
	}
}

// Filter returns a Filter admitting the ids of s.
func (s *FrameSet) Filter() Filter {
	return s.Contains
}

// SizeBytes returns the serialized size of the set.
func (s *FrameSet) SizeBytes() int64 { return int64(s.rb.GetSizeInBytes()) }
