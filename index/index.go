package index

import (
	"fmt"
	"iter"

	"github.com/hupe1980/memvault/frame"
)

// Kind identifies an index. Values match the region kinds of the file
// format.
type Kind uint8

const (
	KindLex    Kind = 2
	KindVec    Kind = 3
	KindClip   Kind = 4
	KindTime   Kind = 5
	KindMesh   Kind = 6
	KindSketch Kind = 7
)

// Kinds lists every index kind in file order.
var Kinds = []Kind{KindLex, KindVec, KindClip, KindTime, KindMesh, KindSketch}

func (k Kind) String() string {
	switch k {
	case KindLex:
		return "lex"
	case KindVec:
		return "vec"
	case KindClip:
		return "clip"
	case KindTime:
		return "time"
	case KindMesh:
		return "mesh"
	case KindSketch:
		return "sketch"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind parses an index kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds {
		if k.String() == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown index kind %q", s)
}

// Index is implemented by every index kind.
type Index interface {
	Kind() Kind
	// Add indexes an active frame. Frames without the data an index needs
	// (no embedding, no triplets) are ignored.
	Add(f *frame.Frame) error
	// Remove drops a frame; unknown ids are ignored.
	Remove(id frame.ID)
	// Len returns the number of indexed frames.
	Len() int
	// SizeBytes estimates the in-memory footprint.
	SizeBytes() int64
	Reset()
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// Rebuild resets ix and adds every active frame of frames in order.
func Rebuild(ix Index, frames iter.Seq[*frame.Frame]) error {
	ix.Reset()
	for f := range frames {
		if f == nil || !f.Active() {
			continue
		}
		if err := ix.Add(f); err != nil {
			return err
		}
	}
	return nil
}

// Hit is a scored frame.
type Hit struct {
	ID    frame.ID
	Score float64
}

// Filter restricts a search to allowed frames. A nil Filter allows all.
type Filter func(id frame.ID) bool

func (fn Filter) allows(id frame.ID) bool {
	return fn == nil || fn(id)
}
