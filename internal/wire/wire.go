// Package wire provides the little-endian payload buffers shared by every
// on-disk structure in a memory file.
//
// Writers and readers carry a sticky error: after the first failure every
// later call is a no-op, so encoders check Err once at the end.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"
)

// MaxStringLen bounds a length-prefixed string or byte slice.
const MaxStringLen = math.MaxUint32

var ErrInvalidLength = errors.New("invalid length prefix")

// Writer appends encoded values to a byte slice.
type Writer struct {
	buf []byte
	err error
}

// NewWriter returns a writer appending to buf.
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the encoded payload.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the encoded length.
func (w *Writer) Len() int { return len(w.buf) }

// Err returns the first encoding error.
func (w *Writer) Err() error { return w.err }

func (w *Writer) Uint8(v uint8) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, v)
}

func (w *Writer) Bool(v bool) {
	if v {
		w.Uint8(1)
		return
	}
	w.Uint8(0)
}

func (w *Writer) Uint16(v uint16) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) Uint32(v uint32) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

func (w *Writer) Uint64(v uint64) {
	if w.err != nil {
		return
	}
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

func (w *Writer) Int64(v int64) { w.Uint64(uint64(v)) }

func (w *Writer) Float32(v float32) { w.Uint32(math.Float32bits(v)) }

func (w *Writer) Float64(v float64) { w.Uint64(math.Float64bits(v)) }

// Len32 writes a length prefix, failing for lengths that do not fit.
func (w *Writer) Len32(n int) {
	if w.err != nil {
		return
	}
	if n < 0 || uint64(n) > MaxStringLen {
		w.err = fmt.Errorf("length out of range: %d", n)
		return
	}
	w.Uint32(uint32(n))
}

func (w *Writer) Str(s string) {
	w.Len32(len(s))
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, s...)
}

func (w *Writer) ByteSlice(b []byte) {
	w.Len32(len(b))
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) {
	if w.err != nil {
		return
	}
	w.buf = append(w.buf, b...)
}

func (w *Writer) Float32s(v []float32) {
	w.Len32(len(v))
	for _, f := range v {
		w.Float32(f)
	}
}

func (w *Writer) Strings(v []string) {
	w.Len32(len(v))
	for _, s := range v {
		w.Str(s)
	}
}

// StringMap writes m with keys in sorted order so equal maps encode to
// equal bytes.
func (w *Writer) StringMap(m map[string]string) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	w.Len32(len(keys))
	for _, k := range keys {
		w.Str(k)
		w.Str(m[k])
	}
}

// Reader decodes values from a byte slice.
type Reader struct {
	buf []byte
	pos int
	err error
}

// NewReader returns a reader over buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Err returns the first decoding error.
func (r *Reader) Err() error { return r.err }

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Pos returns the read offset.
func (r *Reader) Pos() int { return r.pos }

// Done returns the sticky error, or an error if unread bytes remain.
func (r *Reader) Done() error {
	if r.err != nil {
		return r.err
	}
	if r.pos != len(r.buf) {
		return fmt.Errorf("%d trailing bytes", len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.pos+n > len(r.buf) {
		r.err = io.ErrUnexpectedEOF
		return nil
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *Reader) Uint8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *Reader) Bool() bool { return r.Uint8() != 0 }

func (r *Reader) Uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *Reader) Uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *Reader) Uint64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *Reader) Int64() int64 { return int64(r.Uint64()) }

func (r *Reader) Float32() float32 { return math.Float32frombits(r.Uint32()) }

func (r *Reader) Float64() float64 { return math.Float64frombits(r.Uint64()) }

// Len32 reads a length prefix and checks that at least n*elemSize bytes
// remain, so corrupt input cannot force huge allocations.
func (r *Reader) Len32(elemSize int) int {
	n := int(r.Uint32())
	if r.err != nil {
		return 0
	}
	if elemSize > 0 && n > r.Remaining()/elemSize {
		r.err = ErrInvalidLength
		return 0
	}
	return n
}

func (r *Reader) Str() string {
	n := r.Len32(1)
	return string(r.take(n))
}

// ByteSlice returns a copy of a length-prefixed byte slice.
func (r *Reader) ByteSlice() []byte {
	n := r.Len32(1)
	b := r.take(n)
	if b == nil {
		return nil
	}
	return slices.Clone(b)
}

// Raw returns the next n bytes without copying.
func (r *Reader) Raw(n int) []byte { return r.take(n) }

func (r *Reader) Float32s() []float32 {
	n := r.Len32(4)
	if n == 0 {
		return nil
	}
	v := make([]float32, n)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func (r *Reader) Strings() []string {
	n := r.Len32(4)
	if n == 0 {
		return nil
	}
	v := make([]string, n)
	for i := range v {
		v[i] = r.Str()
	}
	return v
}

func (r *Reader) StringMap() map[string]string {
	n := r.Len32(8)
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n; i++ {
		k := r.Str()
		m[k] = r.Str()
	}
	return m
}
