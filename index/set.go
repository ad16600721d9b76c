package index

import (
	"iter"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
)

// Config selects the enabled indexes of a Set.
type Config struct {
	Lex     bool
	Vec     bool
	VecDim  int
	Clip    bool
	ClipDim int
	Time    bool
	Mesh    bool
	Sketch  bool
}

// Set is the collection of enabled indexes of one memory.
type Set struct {
	Lex    *Lexical
	Vec    *Vector
	Clip   *Vector
	Time   *Timeline
	Mesh   *Mesh
	Sketch *Sketch
}

// NewSet creates the indexes enabled in cfg.
func NewSet(cfg Config) *Set {
	s := &Set{}
	if cfg.Lex {
		s.Lex = NewLexical()
	}
	if cfg.Vec {
		s.Vec = NewVector(cfg.VecDim)
	}
	if cfg.Clip {
		s.Clip = NewClip(cfg.ClipDim)
	}
	if cfg.Time {
		s.Time = NewTimeline()
	}
	if cfg.Mesh {
		s.Mesh = NewMesh()
	}
	if cfg.Sketch {
		s.Sketch = NewSketch()
	}
	return s
}

// Get returns the index of kind k, or nil if disabled.
func (s *Set) Get(k Kind) Index {
	switch k {
	case KindLex:
		if s.Lex != nil {
			return s.Lex
		}
	case KindVec:
		if s.Vec != nil {
			return s.Vec
		}
	case KindClip:
		if s.Clip != nil {
			return s.Clip
		}
	case KindTime:
		if s.Time != nil {
			return s.Time
		}
	case KindMesh:
		if s.Mesh != nil {
			return s.Mesh
		}
	case KindSketch:
		if s.Sketch != nil {
			return s.Sketch
		}
	}
	return nil
}

// Enabled reports whether kind k is enabled.
func (s *Set) Enabled(k Kind) bool { return s.Get(k) != nil }

// All returns the enabled indexes in file order.
func (s *Set) All() []Index {
	var out []Index
	for _, k := range Kinds {
		if ix := s.Get(k); ix != nil {
			out = append(out, ix)
		}
	}
	return out
}

// Check validates f against every enabled index without modifying them.
func (s *Set) Check(f *frame.Frame) error {
	if s.Vec != nil && len(f.Embedding) > 0 {
		if err := s.Vec.CheckDim(f.Embedding); err != nil {
			return err
		}
	}
	if len(f.ImageEmbedding) > 0 {
		if s.Clip == nil {
			return errcode.New(errcode.ClipNotEnabled, "put", "image embedding given but clip index is disabled")
		}
		if err := s.Clip.CheckDim(f.ImageEmbedding); err != nil {
			return err
		}
	}
	return nil
}

// Add indexes an active frame in every enabled index.
func (s *Set) Add(f *frame.Frame) error {
	if !f.Active() {
		return nil
	}
	for _, ix := range s.All() {
		if err := ix.Add(f); err != nil {
			return err
		}
	}
	return nil
}

// Remove drops a frame from every enabled index.
func (s *Set) Remove(id frame.ID) {
	for _, ix := range s.All() {
		ix.Remove(id)
	}
}

// Rebuild rebuilds every enabled index from frames.
func (s *Set) Rebuild(frames iter.Seq[*frame.Frame]) error {
	for _, ix := range s.All() {
		if err := Rebuild(ix, frames); err != nil {
			return err
		}
	}
	return nil
}

// Fresh returns an empty index of the same kind and dimension as ix.
func Fresh(ix Index) Index {
	switch v := ix.(type) {
	case *Lexical:
		return NewLexical()
	case *Vector:
		if v.Kind() == KindClip {
			return NewClip(v.Dim())
		}
		return NewVector(v.Dim())
	case *Timeline:
		return NewTimeline()
	case *Mesh:
		return NewMesh()
	case *Sketch:
		return NewSketch()
	default:
		return nil
	}
}

// SizeBytes sums the footprint of every enabled index.
func (s *Set) SizeBytes() int64 {
	var n int64
	for _, ix := range s.All() {
		n += ix.SizeBytes()
	}
	return n
}
