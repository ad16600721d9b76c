package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/wire"
)

const codecVersion = 1

// encodeBody writes every field except the checksum.
func (f *Frame) encodeBody() ([]byte, error) {
	w := wire.NewWriter(make([]byte, 0, 128+len(f.Stored)+len(f.SearchText)+4*len(f.Embedding)))
	w.Uint8(codecVersion)
	w.Uint64(f.ID)
	w.Str(f.URI)
	w.Str(f.Title)
	w.Int64(f.Timestamp)
	w.Str(f.Track)
	w.Str(f.Kind)
	w.StringMap(f.Tags)
	w.Strings(f.Labels)
	w.Str(f.SearchText)

	w.Bool(f.Stored != nil)
	w.ByteSlice(f.Stored)
	w.Uint64(f.PayloadLength)
	w.Raw(f.ContentHash[:])

	w.Float32s(f.Embedding)
	w.Float32s(f.ImageEmbedding)
	w.Len32(len(f.Triplets))
	for _, t := range f.Triplets {
		w.Str(t.Subject)
		w.Str(t.Predicate)
		w.Str(t.Object)
	}

	w.Bool(f.ParentID != nil)
	if f.ParentID != nil {
		w.Uint64(*f.ParentID)
	}
	w.Uint32(f.ChunkIndex)
	w.Uint32(f.ChunkCount)

	w.Bool(f.Deleted)
	w.Uint64(f.DeletedSeq)

	if err := w.Err(); err != nil {
		return nil, errcode.Wrapf(errcode.Encode, "encode frame", err, "frame %d", f.ID)
	}
	return w.Bytes(), nil
}

// ComputeChecksum returns the CRC32C over the canonical encoding of every
// field except Checksum.
func (f *Frame) ComputeChecksum() (uint32, error) {
	body, err := f.encodeBody()
	if err != nil {
		return 0, err
	}
	return hash.CRC32C(body), nil
}

// Seal recomputes and stores the checksum.
func (f *Frame) Seal() error {
	sum, err := f.ComputeChecksum()
	if err != nil {
		return err
	}
	f.Checksum = sum
	return nil
}

// Verify reports ChecksumMismatch if the stored checksum is stale.
func (f *Frame) Verify() error {
	sum, err := f.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != f.Checksum {
		return errcode.Newf(errcode.ChecksumMismatch, "verify frame", "frame %d: stored %08x, computed %08x", f.ID, f.Checksum, sum)
	}
	return nil
}

// Encode returns the binary form of f with its checksum appended. The
// checksum is recomputed, so Encode always produces a verifiable record.
func Encode(f *Frame) ([]byte, error) {
	body, err := f.encodeBody()
	if err != nil {
		return nil, err
	}
	f.Checksum = hash.CRC32C(body)
	return binary.LittleEndian.AppendUint32(body, f.Checksum), nil
}

// Decode parses an encoded frame and verifies its checksum.
func Decode(b []byte) (*Frame, error) {
	const op = "decode frame"
	if len(b) < 5 {
		return nil, errcode.New(errcode.Decode, op, "short frame")
	}
	body := b[:len(b)-4]
	sum := binary.LittleEndian.Uint32(b[len(b)-4:])
	if hash.CRC32C(body) != sum {
		return nil, errcode.New(errcode.ChecksumMismatch, op, "frame checksum mismatch")
	}

	r := wire.NewReader(body)
	if v := r.Uint8(); v != codecVersion {
		return nil, errcode.Newf(errcode.Decode, op, "unsupported frame version %d", v)
	}
	f := &Frame{}
	f.ID = r.Uint64()
	f.URI = r.Str()
	f.Title = r.Str()
	f.Timestamp = r.Int64()
	f.Track = r.Str()
	f.Kind = r.Str()
	f.Tags = r.StringMap()
	f.Labels = r.Strings()
	f.SearchText = r.Str()

	hasRaw := r.Bool()
	stored := r.ByteSlice()
	if hasRaw {
		if stored == nil {
			stored = []byte{}
		}
		f.Stored = stored
	}
	f.PayloadLength = r.Uint64()
	copy(f.ContentHash[:], r.Raw(32))

	f.Embedding = r.Float32s()
	f.ImageEmbedding = r.Float32s()
	if n := r.Len32(12); n > 0 {
		f.Triplets = make([]Triplet, n)
		for i := range f.Triplets {
			f.Triplets[i] = Triplet{Subject: r.Str(), Predicate: r.Str(), Object: r.Str()}
		}
	}

	if r.Bool() {
		p := r.Uint64()
		f.ParentID = &p
	}
	f.ChunkIndex = r.Uint32()
	f.ChunkCount = r.Uint32()

	f.Deleted = r.Bool()
	f.DeletedSeq = r.Uint64()

	if err := r.Done(); err != nil {
		return nil, errcode.Wrapf(errcode.Decode, op, err, "frame %d", f.ID)
	}
	f.Checksum = sum
	return f, nil
}

// BadFrame reports a frame-table entry that failed to decode.
type BadFrame struct {
	ID  ID
	Err error
}

func (b BadFrame) String() string {
	return fmt.Sprintf("frame %d: %v", b.ID, b.Err)
}

// EncodeTable encodes a dense frame table.
func EncodeTable(frames []*Frame) ([]byte, error) {
	w := wire.NewWriter(nil)
	w.Uint64(uint64(len(frames)))
	for _, f := range frames {
		b, err := Encode(f)
		if err != nil {
			return nil, err
		}
		w.Uint64(f.ID)
		w.ByteSlice(b)
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "encode frame table", err)
	}
	return w.Bytes(), nil
}

// DecodeTable decodes a frame table. Entries that fail to decode are
// returned as nil slots with a BadFrame describing them, so callers can
// decide whether they are recoverable. A structurally broken table returns
// an error.
func DecodeTable(b []byte) ([]*Frame, []BadFrame, error) {
	const op = "decode frame table"
	r := wire.NewReader(b)
	n := r.Uint64()
	if r.Err() != nil || n > uint64(r.Remaining()/12) {
		return nil, nil, errcode.New(errcode.Decode, op, "invalid frame count")
	}

	frames := make([]*Frame, n)
	var bad []BadFrame
	for i := range frames {
		id := r.Uint64()
		raw := r.ByteSlice()
		if r.Err() != nil {
			return nil, nil, errcode.Wrap(errcode.Decode, op, r.Err())
		}
		if id != uint64(i) {
			return nil, nil, errcode.Newf(errcode.Decode, op, "entry %d carries id %d", i, id)
		}
		f, err := Decode(raw)
		if err == nil && f.ID != id {
			err = errcode.Newf(errcode.ChecksumMismatch, op, "entry %d decodes to frame %d", id, f.ID)
		}
		if err != nil {
			bad = append(bad, BadFrame{ID: id, Err: err})
			continue
		}
		frames[i] = f
	}
	if err := r.Done(); err != nil {
		return nil, nil, errcode.Wrap(errcode.Decode, op, err)
	}
	return frames, bad, nil
}
