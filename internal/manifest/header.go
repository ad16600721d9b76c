package manifest

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/hash"
)

const (
	// HeaderSize is the fixed size of the file header.
	HeaderSize = 4096
	// SlotSize is the fixed size of one TOC slot.
	SlotSize = 64 << 10
	// SlotA and SlotB are the file offsets of the two TOC slots.
	SlotA = HeaderSize
	SlotB = HeaderSize + SlotSize
	// DataStart is the first byte available to regions.
	DataStart = HeaderSize + 2*SlotSize

	// FormatVersion is the current container format.
	FormatVersion = 1
)

var headerMagic = []byte("MEMVAULT")

// Header flags.
const (
	FlagEncrypted uint16 = 1 << 0
)

// Header is the immutable file header.
type Header struct {
	Version   uint16
	Flags     uint16
	MemoryID  uuid.UUID
	CreatedAt time.Time
}

// NewHeader returns a header for a new file with a fresh memory id.
func NewHeader() Header {
	return Header{
		Version:   FormatVersion,
		MemoryID:  uuid.New(),
		CreatedAt: time.Now(),
	}
}

// Marshal encodes the header into a HeaderSize block.
//
//	Magic (8) Version (2) Flags (2) MemoryID (16) CreatedAt (8) CRC32C (4)
func (h Header) Marshal() []byte {
	b := make([]byte, HeaderSize)
	copy(b, headerMagic)
	binary.LittleEndian.PutUint16(b[8:], h.Version)
	binary.LittleEndian.PutUint16(b[10:], h.Flags)
	copy(b[12:28], h.MemoryID[:])
	binary.LittleEndian.PutUint64(b[28:], uint64(h.CreatedAt.Unix()))
	hash.PutCRC32C(b[36:], b[:36])
	return b
}

// UnmarshalHeader decodes and validates a header block.
func UnmarshalHeader(b []byte) (Header, error) {
	const op = "read header"
	if len(b) < 40 {
		return Header{}, errcode.New(errcode.InvalidHeader, op, "short header")
	}
	if !bytes.Equal(b[:8], headerMagic) {
		return Header{}, errcode.Wrap(errcode.InvalidHeader, op, ErrBadMagic)
	}
	if !hash.CheckCRC32C(b[36:], b[:36]) {
		return Header{}, errcode.Wrap(errcode.InvalidHeader, op, ErrChecksum)
	}

	var h Header
	h.Version = binary.LittleEndian.Uint16(b[8:])
	h.Flags = binary.LittleEndian.Uint16(b[10:])
	copy(h.MemoryID[:], b[12:28])
	h.CreatedAt = time.Unix(int64(binary.LittleEndian.Uint64(b[28:])), 0)

	if h.Version == 0 || h.Version > FormatVersion {
		return Header{}, errcode.Wrapf(errcode.InvalidHeader, op, ErrIncompatibleVersion, "version %d", h.Version)
	}
	if h.Flags&FlagEncrypted != 0 {
		return Header{}, errcode.New(errcode.EncryptedFile, op, "file is encrypted")
	}
	return h, nil
}
