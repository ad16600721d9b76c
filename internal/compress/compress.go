// Package compress implements the self-describing block format used for frame
// payloads and container regions.
//
// Block layout:
//
//	[Type uint8][UncompressedSize uint32][StoredSize uint32][Data...]
//
// Type records the algorithm actually applied. Blocks that do not compress
// well (ratio > 0.9) are stored raw with Type None.
package compress

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type defines the compression algorithm used.
type Type uint8

const (
	// None stores data uncompressed.
	None Type = 0
	// LZ4 is fast block compression.
	LZ4 Type = 1
	// Zstd is slower with a better ratio.
	Zstd Type = 2
)

// HeaderSize is the size of the block header.
const HeaderSize = 9

// maxBlockSize bounds a single block.
const maxBlockSize = 1 << 31

var (
	// ErrShortBlock is returned when a block is smaller than its header claims.
	ErrShortBlock = errors.New("compress: short block")
	// ErrUnknownType is returned for an unrecognized algorithm byte.
	ErrUnknownType = errors.New("compress: unknown type")
	// ErrSizeMismatch is returned when decoded bytes differ from the header.
	ErrSizeMismatch = errors.New("compress: size mismatch")
)

// String returns the algorithm name.
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType parses an algorithm name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd", "zstandard":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
}

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) {
	zstdEncoderPool.Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}

// Encode compresses data with t and returns a framed block.
func Encode(data []byte, t Type) ([]byte, error) {
	if len(data) >= maxBlockSize {
		return nil, fmt.Errorf("compress: block of %d bytes too large", len(data))
	}

	var (
		compressed []byte
		err        error
	)
	switch t {
	case None:
	case LZ4:
		compressed, err = compressLZ4(data)
	case Zstd:
		compressed = compressZstd(data)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if err != nil {
		return nil, err
	}

	if t == None || len(compressed) == 0 || float64(len(compressed)) > float64(len(data))*0.9 {
		return frame(None, data, data), nil
	}
	return frame(t, data, compressed), nil
}

func frame(t Type, raw, stored []byte) []byte {
	out := make([]byte, HeaderSize+len(stored))
	out[0] = byte(t)
	binary.LittleEndian.PutUint32(out[1:], uint32(len(raw)))
	binary.LittleEndian.PutUint32(out[5:], uint32(len(stored)))
	copy(out[HeaderSize:], stored)
	return out
}

func compressLZ4(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	buf := make([]byte, lz4.CompressBlockBound(len(data)))
	n, err := lz4.CompressBlock(data, buf, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil // incompressible
	}
	return buf[:n], nil
}

func compressZstd(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}
	enc := getZstdEncoder()
	defer putZstdEncoder(enc)
	return enc.EncodeAll(data, nil)
}

// Header describes a framed block.
type Header struct {
	Type             Type
	UncompressedSize uint32
	StoredSize       uint32
}

// ReadHeader parses the block header without decoding the body.
func ReadHeader(block []byte) (Header, error) {
	if len(block) < HeaderSize {
		return Header{}, ErrShortBlock
	}
	h := Header{
		Type:             Type(block[0]),
		UncompressedSize: binary.LittleEndian.Uint32(block[1:]),
		StoredSize:       binary.LittleEndian.Uint32(block[5:]),
	}
	if uint64(len(block)) < uint64(HeaderSize)+uint64(h.StoredSize) {
		return Header{}, ErrShortBlock
	}
	return h, nil
}

// Decode returns the uncompressed contents of a framed block.
func Decode(block []byte) ([]byte, error) {
	h, err := ReadHeader(block)
	if err != nil {
		return nil, err
	}
	body := block[HeaderSize : HeaderSize+int(h.StoredSize)]

	switch h.Type {
	case None:
		if h.StoredSize != h.UncompressedSize {
			return nil, ErrSizeMismatch
		}
		out := make([]byte, len(body))
		copy(out, body)
		return out, nil
	case LZ4:
		out := make([]byte, h.UncompressedSize)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("compress: lz4: %w", err)
		}
		if n != int(h.UncompressedSize) {
			return nil, ErrSizeMismatch
		}
		return out, nil
	case Zstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, h.UncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("compress: zstd: %w", err)
		}
		if len(out) != int(h.UncompressedSize) {
			return nil, ErrSizeMismatch
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, h.Type)
	}
}
