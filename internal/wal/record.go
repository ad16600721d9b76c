package wal

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/memvault/internal/hash"
)

// RecordType identifies the operation carried by a WAL record.
type RecordType uint8

const (
	// RecordPut carries an encoded frame.
	RecordPut RecordType = 1
	// RecordDelete carries a frame id and deletion time.
	RecordDelete RecordType = 2
	// RecordCheckpoint marks the start of a checkpoint. Records after it
	// belong to a checkpoint that never committed its TOC.
	RecordCheckpoint RecordType = 3
	// RecordBind carries an encoded ticket binding.
	RecordBind RecordType = 4
	// RecordSeal seals the memory against further mutation.
	RecordSeal RecordType = 5
)

func (t RecordType) String() string {
	switch t {
	case RecordPut:
		return "put"
	case RecordDelete:
		return "delete"
	case RecordCheckpoint:
		return "checkpoint"
	case RecordBind:
		return "bind"
	case RecordSeal:
		return "seal"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

func (t RecordType) valid() bool {
	return t >= RecordPut && t <= RecordSeal
}

// HeaderSize is the encoded size of a record header:
// [CRC32C:4][HeaderCRC32C:4][Type:1][Seq:8][Len:4].
//
// CRC32C covers everything after itself up to the end of the payload.
// HeaderCRC32C covers Type, Seq and Len, so a length can be trusted before
// the payload it describes has been read.
const HeaderSize = 21

// MaxRecordSize bounds a single record payload.
const MaxRecordSize = 256 << 20

var (
	ErrInvalidCRC       = errors.New("invalid WAL record checksum")
	ErrInvalidHeaderCRC = errors.New("invalid WAL record header checksum")
	ErrInvalidType      = errors.New("invalid WAL record type")
	ErrShortRead        = errors.New("short read in WAL record")
	ErrRecordTooLarge   = errors.New("WAL record too large")
	// ErrEndOfLog is returned for an all-zero header, which terminates the log.
	ErrEndOfLog = errors.New("end of WAL")
)

// Record is a single sequenced mutation.
type Record struct {
	Seq     uint64
	Type    RecordType
	Payload []byte
}

// Size returns the encoded size of the record.
func (r Record) Size() int {
	return HeaderSize + len(r.Payload)
}

// Append encodes r and appends it to dst.
func (r Record) Append(dst []byte) ([]byte, error) {
	if len(r.Payload) > MaxRecordSize {
		return dst, ErrRecordTooLarge
	}
	if !r.Type.valid() {
		return dst, ErrInvalidType
	}

	start := len(dst)
	dst = append(dst, 0, 0, 0, 0, 0, 0, 0, 0, byte(r.Type))
	dst = binary.LittleEndian.AppendUint64(dst, r.Seq)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(r.Payload)))
	hash.PutCRC32C(dst[start+4:], dst[start+8:start+HeaderSize])
	dst = append(dst, r.Payload...)

	hash.PutCRC32C(dst[start:], dst[start+4:])
	return dst, nil
}

// header is a parsed record header. Its fields are covered by the header
// checksum; the payload is not yet verified.
type header struct {
	crc    uint32
	typ    RecordType
	seq    uint64
	length uint32
}

func parseHeader(b []byte) (header, error) {
	if len(b) < HeaderSize {
		return header{}, ErrShortRead
	}
	b = b[:HeaderSize]
	if isZero(b) {
		return header{}, ErrEndOfLog
	}
	if !hash.CheckCRC32C(b[4:8], b[8:]) {
		return header{}, ErrInvalidHeaderCRC
	}
	h := header{
		crc:    binary.LittleEndian.Uint32(b[0:]),
		typ:    RecordType(b[8]),
		seq:    binary.LittleEndian.Uint64(b[9:]),
		length: binary.LittleEndian.Uint32(b[17:]),
	}
	if !h.typ.valid() {
		return h, ErrInvalidType
	}
	if h.length > MaxRecordSize {
		return h, ErrRecordTooLarge
	}
	return h, nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

// Decode parses one record from the front of buf and returns it with the
// number of bytes consumed.
func Decode(buf []byte) (Record, int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return Record{}, 0, err
	}
	n := HeaderSize + int(h.length)
	if len(buf) < n {
		return Record{}, 0, ErrShortRead
	}
	if hash.CRC32C(buf[4:n]) != h.crc {
		return Record{}, n, ErrInvalidCRC
	}
	payload := make([]byte, h.length)
	copy(payload, buf[HeaderSize:n])
	return Record{Seq: h.seq, Type: h.typ, Payload: payload}, n, nil
}

// EncodeDelete builds a delete payload.
func EncodeDelete(frameID uint64, deletedAt int64) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, frameID)
	binary.LittleEndian.PutUint64(b[8:], uint64(deletedAt))
	return b
}

// DecodeDelete parses a delete payload.
func DecodeDelete(p []byte) (frameID uint64, deletedAt int64, err error) {
	if len(p) != 16 {
		return 0, 0, ErrShortRead
	}
	return binary.LittleEndian.Uint64(p), int64(binary.LittleEndian.Uint64(p[8:])), nil
}
