package manifest

import (
	"errors"
	"io"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/hash"
)

// Region is an encoded region ready to be placed in the file.
type Region struct {
	Kind  Kind
	Count uint64
	Data  []byte // compressed block
}

// EncodeRegion compresses raw into a region block.
func EncodeRegion(kind Kind, raw []byte, count uint64, c compress.Type) (Region, error) {
	block, err := compress.Encode(raw, c)
	if err != nil {
		return Region{}, errcode.Wrapf(errcode.Encode, "encode region", err, "%s", kind)
	}
	return Region{Kind: kind, Count: count, Data: block}, nil
}

// Place returns the TOC entry for r written at offset.
func (r Region) Place(offset int64) Entry {
	return Entry{
		Kind:     r.Kind,
		Offset:   offset,
		Length:   int64(len(r.Data)),
		Checksum: hash.CRC32C(r.Data),
		Count:    r.Count,
	}
}

// ReadRegion reads the stored bytes of e and verifies their checksum.
func ReadRegion(r io.ReaderAt, e Entry) ([]byte, error) {
	buf := make([]byte, e.Length)
	if _, err := r.ReadAt(buf, e.Offset); err != nil && !(errors.Is(err, io.EOF) && e.Length == 0) {
		return nil, errcode.Wrapf(errcode.IO, "read region", err, "%s", e.Kind)
	}
	if err := VerifyRegion(buf, e); err != nil {
		return nil, err
	}
	return buf, nil
}

// VerifyRegion checks stored region bytes against the entry checksum.
func VerifyRegion(stored []byte, e Entry) error {
	if hash.CRC32C(stored) != e.Checksum {
		return errcode.Newf(errcode.ChecksumMismatch, "verify region", "%s region at offset %d", e.Kind, e.Offset)
	}
	return nil
}

// DecodeRegion decompresses verified region bytes.
func DecodeRegion(stored []byte, e Entry) ([]byte, error) {
	raw, err := compress.Decode(stored)
	if err != nil {
		return nil, errcode.Wrapf(errcode.Decode, "decode region", err, "%s", e.Kind)
	}
	return raw, nil
}
