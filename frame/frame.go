// Package frame defines the unit of storage in a memory file and its
// checksummed binary codec.
package frame

import (
	"maps"
	"math"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/compress"
)

// ID identifies a frame. IDs start at 0 and are never reused.
type ID = uint64

// MaxURILength bounds a frame URI.
const MaxURILength = 4096

// Triplet is a (subject, predicate, object) fact extracted from content.
type Triplet struct {
	Subject   string
	Predicate string
	Object    string
}

// Frame is one stored unit of content with its metadata.
type Frame struct {
	ID         ID
	URI        string
	Title      string
	Timestamp  int64 // unix seconds
	Track      string
	Kind       string
	Tags       map[string]string
	Labels     []string // sorted, unique
	SearchText string

	// Stored is the compressed payload block, nil when the raw payload was
	// not kept.
	Stored        []byte
	PayloadLength uint64
	ContentHash   [32]byte

	Embedding      []float32
	ImageEmbedding []float32
	Triplets       []Triplet

	ParentID   *ID
	ChunkIndex uint32
	ChunkCount uint32

	Deleted    bool
	DeletedSeq uint64

	Checksum uint32
}

// Active reports whether the frame is visible to search.
func (f *Frame) Active() bool { return !f.Deleted }

// HasRaw reports whether the raw payload was stored.
func (f *Frame) HasRaw() bool { return f.Stored != nil }

// Payload returns the decompressed raw payload, or nil if not stored.
func (f *Frame) Payload() ([]byte, error) {
	if f.Stored == nil {
		return nil, nil
	}
	b, err := compress.Decode(f.Stored)
	if err != nil {
		return nil, errcode.Wrapf(errcode.Decode, "frame payload", err, "frame %d", f.ID)
	}
	return b, nil
}

// Content returns the text of the frame: the raw payload when stored and
// valid UTF-8, otherwise the search text.
func (f *Frame) Content() (string, error) {
	p, err := f.Payload()
	if err != nil {
		return "", err
	}
	if p != nil && utf8.Valid(p) {
		return string(p), nil
	}
	return f.SearchText, nil
}

// IndexText returns the text fed to the lexical index: the title followed by
// the search text override or, without one, the content.
func (f *Frame) IndexText() (string, error) {
	body := f.SearchText
	if body == "" {
		var err error
		if body, err = f.Content(); err != nil {
			return "", err
		}
	}
	if f.Title == "" {
		return body, nil
	}
	return f.Title + "\n" + body, nil
}

// LogicalBytes returns the bytes the frame occupies after compression.
func (f *Frame) LogicalBytes() uint64 {
	return uint64(len(f.Stored)) + uint64(len(f.SearchText))
}

// RawBytes returns the uncompressed size of payload and search text.
func (f *Frame) RawBytes() uint64 {
	return f.PayloadLength + uint64(len(f.SearchText))
}

// HasLabel reports whether l is in the label set.
func (f *Frame) HasLabel(l string) bool {
	_, ok := slices.BinarySearch(f.Labels, l)
	return ok
}

// AddLabels merges ls into the label set.
func (f *Frame) AddLabels(ls ...string) {
	f.Labels = NormalizeLabels(append(f.Labels, ls...))
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	c := *f
	c.Tags = maps.Clone(f.Tags)
	c.Labels = slices.Clone(f.Labels)
	c.Stored = slices.Clone(f.Stored)
	c.Embedding = slices.Clone(f.Embedding)
	c.ImageEmbedding = slices.Clone(f.ImageEmbedding)
	c.Triplets = slices.Clone(f.Triplets)
	if f.ParentID != nil {
		p := *f.ParentID
		c.ParentID = &p
	}
	return &c
}

// NormalizeLabels trims, drops empty entries, sorts and deduplicates.
func NormalizeLabels(ls []string) []string {
	out := ls[:0:0]
	for _, l := range ls {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate checks caller-supplied fields.
func (f *Frame) Validate() error {
	const op = "validate frame"
	if len(f.URI) > MaxURILength {
		return errcode.Newf(errcode.InvalidFrame, op, "uri exceeds %d bytes", MaxURILength)
	}
	for k := range f.Tags {
		if k == "" {
			return errcode.New(errcode.InvalidFrame, op, "empty tag key")
		}
	}
	if f.ChunkCount > 0 && f.ChunkIndex >= f.ChunkCount {
		return errcode.Newf(errcode.InvalidFrame, op, "chunk index %d out of range [0,%d)", f.ChunkIndex, f.ChunkCount)
	}
	if !finite(f.Embedding) {
		return errcode.New(errcode.InvalidFrame, op, "embedding contains NaN or Inf")
	}
	if !finite(f.ImageEmbedding) {
		return errcode.New(errcode.InvalidFrame, op, "image embedding contains NaN or Inf")
	}
	for _, t := range f.Triplets {
		if t.Subject == "" || t.Predicate == "" || t.Object == "" {
			return errcode.New(errcode.InvalidFrame, op, "incomplete triplet")
		}
	}
	return nil
}

func finite(v []float32) bool {
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return false
		}
	}
	return true
}
