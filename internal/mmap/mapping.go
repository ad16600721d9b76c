package mmap

import (
	"errors"
	"io"
	"os"
	"sync/atomic"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mmap: mapping is closed")
	// ErrOutOfBounds is returned for a range outside the file.
	ErrOutOfBounds = errors.New("mmap: range out of bounds")
)

// Mapping is a read-only shared mapping of a whole file as it was when it
// was mapped. Writes through other handles stay visible; growth does not.
type Mapping struct {
	data   []byte
	closed atomic.Bool
	unmap  func([]byte) error
}

// Open maps the file at path.
func Open(path string) (*Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Map(f)
}

// Map maps an open file. The mapping outlives f.
func Map(f *os.File) (*Mapping, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return &Mapping{}, nil
	}
	if int64(int(size)) != size {
		return nil, ErrOutOfBounds
	}
	data, unmap, err := osMap(f, int(size))
	if err != nil {
		return nil, err
	}
	return &Mapping{data: data, unmap: unmap}, nil
}

// Close releases the mapping. Slices returned earlier become invalid.
func (m *Mapping) Close() error {
	if m.closed.Swap(true) || m.unmap == nil {
		return nil
	}
	return m.unmap(m.data)
}

// Size returns the mapped length.
func (m *Mapping) Size() int64 { return int64(len(m.data)) }

// Bytes returns the whole mapping, or nil after Close.
func (m *Mapping) Bytes() []byte {
	if m.closed.Load() {
		return nil
	}
	return m.data
}

// Slice returns the n bytes at off without copying.
func (m *Mapping) Slice(off, n int64) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if off < 0 || n < 0 || off > m.Size()-n {
		return nil, ErrOutOfBounds
	}
	return m.data[off : off+n], nil
}

// IsZero reports whether the n bytes at off are all zero, which is how
// preallocated but never written space reads back. Ranges past the end
// count as zero.
func (m *Mapping) IsZero(off, n int64) bool {
	b, err := m.Slice(off, max(min(n, m.Size()-off), 0))
	if err != nil {
		return true
	}
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// ReadAt implements io.ReaderAt.
func (m *Mapping) ReadAt(p []byte, off int64) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, ErrOutOfBounds
	}
	if off >= m.Size() {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
