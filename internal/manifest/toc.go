package manifest

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/wire"
)

const (
	tocMagic     = 0x434F544D // "MTOC"
	tocVersion   = 1
	slotHeadSize = 24
	maxPayload   = SlotSize - slotHeadSize
)

// Features is the bitmask of indexes enabled for a file.
type Features uint32

const (
	FeatureLex    Features = 1 << 0
	FeatureVec    Features = 1 << 1
	FeatureClip   Features = 1 << 2
	FeatureTime   Features = 1 << 3
	FeatureMesh   Features = 1 << 4
	FeatureSketch Features = 1 << 5
)

// Has reports whether all bits of f2 are set.
func (f Features) Has(f2 Features) bool { return f&f2 == f2 }

func (f Features) String() string {
	var parts []string
	for _, k := range IndexKinds {
		if f.Has(k.Feature()) {
			parts = append(parts, k.String())
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Kind identifies a region.
type Kind uint8

const (
	KindFrames Kind = 1
	KindLex    Kind = 2
	KindVec    Kind = 3
	KindClip   Kind = 4
	KindTime   Kind = 5
	KindMesh   Kind = 6
	KindSketch Kind = 7
	KindWAL    Kind = 8
)

// IndexKinds lists the index region kinds in file order.
var IndexKinds = []Kind{KindLex, KindVec, KindClip, KindTime, KindMesh, KindSketch}

func (k Kind) String() string {
	switch k {
	case KindFrames:
		return "frames"
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
	case KindWAL:
		return "wal"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Feature returns the feature bit of an index kind, or 0.
func (k Kind) Feature() Features {
	switch k {
	case KindLex:
		return FeatureLex
	case KindVec:
		return FeatureVec
	case KindClip:
		return FeatureClip
	case KindTime:
		return FeatureTime
	case KindMesh:
		return FeatureMesh
	case KindSketch:
		return FeatureSketch
	default:
		return 0
	}
}

// Entry locates one region in the file.
type Entry struct {
	Kind     Kind
	Offset   int64
	Length   int64
	Checksum uint32 // CRC32C of the stored bytes
	Count    uint64
}

// End returns the offset after the region.
func (e Entry) End() int64 { return e.Offset + e.Length }

// Binding is the durable ticket binding of a file.
type Binding struct {
	Bound    bool
	Tier     string
	Capacity uint64
	Seq      uint64
	Issuer   string
	BoundAt  int64
}

// TOC is one committed generation of the table of contents.
type TOC struct {
	Generation    uint64
	Features      Features
	VecDim        uint32
	ClipDim       uint32
	CheckpointSeq uint64 // last WAL sequence folded into the regions
	NextFrameID   uint64
	Sealed        bool
	Compression   compress.Type
	Capacity      uint64 // capacity while unbound
	Binding       Binding
	Entries       []Entry
}

// Entry returns the entry of kind k.
func (t *TOC) Entry(k Kind) (Entry, bool) {
	for _, e := range t.Entries {
		if e.Kind == k {
			return e, true
		}
	}
	return Entry{}, false
}

// WALOffset returns the start of the WAL region.
func (t *TOC) WALOffset() int64 {
	if e, ok := t.Entry(KindWAL); ok {
		return e.Offset
	}
	return DataStart
}

// MinRegionOffset returns the lowest region offset, used to decide whether
// a new image fits in front of the live one.
func (t *TOC) MinRegionOffset() int64 {
	lo := t.WALOffset()
	for _, e := range t.Entries {
		if e.Length > 0 && e.Offset < lo {
			lo = e.Offset
		}
	}
	return lo
}

// SlotOffset returns the slot a generation is written to.
func SlotOffset(generation uint64) int64 {
	if generation%2 == 0 {
		return SlotA
	}
	return SlotB
}

func (t *TOC) marshalPayload() ([]byte, error) {
	w := wire.NewWriter(make([]byte, 0, 256+len(t.Entries)*32))
	w.Uint32(uint32(t.Features))
	w.Uint32(t.VecDim)
	w.Uint32(t.ClipDim)
	w.Uint64(t.CheckpointSeq)
	w.Uint64(t.NextFrameID)
	w.Bool(t.Sealed)
	w.Uint8(uint8(t.Compression))
	w.Uint64(t.Capacity)

	w.Bool(t.Binding.Bound)
	w.Str(t.Binding.Tier)
	w.Uint64(t.Binding.Capacity)
	w.Uint64(t.Binding.Seq)
	w.Str(t.Binding.Issuer)
	w.Int64(t.Binding.BoundAt)

	w.Len32(len(t.Entries))
	for _, e := range t.Entries {
		w.Uint8(uint8(e.Kind))
		w.Int64(e.Offset)
		w.Int64(e.Length)
		w.Uint32(e.Checksum)
		w.Uint64(e.Count)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func unmarshalPayload(b []byte) (*TOC, error) {
	r := wire.NewReader(b)
	t := &TOC{}
	t.Features = Features(r.Uint32())
	t.VecDim = r.Uint32()
	t.ClipDim = r.Uint32()
	t.CheckpointSeq = r.Uint64()
	t.NextFrameID = r.Uint64()
	t.Sealed = r.Bool()
	t.Compression = compress.Type(r.Uint8())
	t.Capacity = r.Uint64()

	t.Binding.Bound = r.Bool()
	t.Binding.Tier = r.Str()
	t.Binding.Capacity = r.Uint64()
	t.Binding.Seq = r.Uint64()
	t.Binding.Issuer = r.Str()
	t.Binding.BoundAt = r.Int64()

	n := r.Len32(29)
	t.Entries = make([]Entry, n)
	for i := range t.Entries {
		t.Entries[i] = Entry{
			Kind:     Kind(r.Uint8()),
			Offset:   r.Int64(),
			Length:   r.Int64(),
			Checksum: r.Uint32(),
			Count:    r.Uint64(),
		}
	}
	if err := r.Done(); err != nil {
		return nil, err
	}
	return t, nil
}

// MarshalSlot encodes t into a full SlotSize block.
func (t *TOC) MarshalSlot() ([]byte, error) {
	payload, err := t.marshalPayload()
	if err != nil {
		return nil, errcode.Wrap(errcode.Encode, "write toc", err)
	}
	if len(payload) > maxPayload {
		return nil, errcode.Wrapf(errcode.Encode, "write toc", ErrPayloadTooLarge, "%d bytes", len(payload))
	}

	b := make([]byte, SlotSize)
	binary.LittleEndian.PutUint32(b[0:], tocMagic)
	binary.LittleEndian.PutUint16(b[4:], tocVersion)
	binary.LittleEndian.PutUint64(b[8:], t.Generation)
	binary.LittleEndian.PutUint32(b[16:], uint32(len(payload)))
	binary.LittleEndian.PutUint32(b[20:], hash.CRC32C(payload))
	copy(b[slotHeadSize:], payload)
	return b, nil
}

// UnmarshalSlot decodes a slot block.
func UnmarshalSlot(b []byte) (*TOC, error) {
	if len(b) < slotHeadSize {
		return nil, io.ErrUnexpectedEOF
	}
	magic := binary.LittleEndian.Uint32(b[0:])
	if magic == 0 {
		return nil, ErrEmptySlot
	}
	if magic != tocMagic {
		return nil, ErrBadMagic
	}
	if v := binary.LittleEndian.Uint16(b[4:]); v != tocVersion {
		return nil, fmt.Errorf("%w: %d", ErrIncompatibleVersion, v)
	}
	gen := binary.LittleEndian.Uint64(b[8:])
	length := int(binary.LittleEndian.Uint32(b[16:]))
	checksum := binary.LittleEndian.Uint32(b[20:])
	if length > maxPayload || slotHeadSize+length > len(b) {
		return nil, ErrPayloadTooLarge
	}
	payload := b[slotHeadSize : slotHeadSize+length]
	if hash.CRC32C(payload) != checksum {
		return nil, ErrChecksum
	}

	t, err := unmarshalPayload(payload)
	if err != nil {
		return nil, err
	}
	t.Generation = gen
	return t, nil
}

// SlotState describes one slot as found on disk.
type SlotState struct {
	Offset     int64
	Generation uint64
	// Claimed is the generation named by the slot head when the slot
	// failed but its magic is intact. It is not covered by a checksum.
	Claimed uint64
	Err     error
}

// Damaged reports whether the slot was written but does not hold a valid
// TOC.
func (s SlotState) Damaged() bool {
	return s.Err != nil && !errors.Is(s.Err, ErrEmptySlot)
}

// ReadSlots reads both slots and returns every valid TOC, newest first,
// along with the state of each slot.
func ReadSlots(r io.ReaderAt) ([]*TOC, [2]SlotState) {
	var (
		states [2]SlotState
		found  []*TOC
	)
	buf := make([]byte, SlotSize)
	for i, off := range []int64{SlotA, SlotB} {
		states[i].Offset = off
		if _, err := r.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
			states[i].Err = err
			continue
		}
		t, err := UnmarshalSlot(buf)
		if err != nil {
			states[i].Err = err
			if binary.LittleEndian.Uint32(buf) == tocMagic {
				states[i].Claimed = binary.LittleEndian.Uint64(buf[8:])
			}
			continue
		}
		if SlotOffset(t.Generation) != off {
			states[i].Err = fmt.Errorf("generation %d in wrong slot", t.Generation)
			states[i].Claimed = t.Generation
			continue
		}
		states[i].Generation = t.Generation
		found = append(found, t)
	}
	slices.SortFunc(found, func(a, b *TOC) int {
		return cmp.Compare(b.Generation, a.Generation)
	})
	return found, states
}

// ReadTOC returns the newest valid TOC along with the state of each slot.
func ReadTOC(r io.ReaderAt) (*TOC, [2]SlotState, error) {
	found, states := ReadSlots(r)
	if len(found) == 0 {
		return nil, states, errcode.Newf(errcode.InvalidTOC, "read toc",
			"no valid slot (A: %v, B: %v)", states[0].Err, states[1].Err)
	}
	return found[0], states, nil
}

// Clone returns a copy of t that shares nothing with it.
func (t *TOC) Clone() *TOC {
	c := *t
	c.Entries = slices.Clone(t.Entries)
	return &c
}

// Validate checks the structural invariants of t against the file size.
func (t *TOC) Validate(fileSize int64) error {
	const op = "validate toc"
	fail := func(format string, args ...any) error {
		return errcode.Newf(errcode.InvalidTOC, op, format, args...)
	}

	if len(t.Entries) == 0 {
		return fail("no entries")
	}
	if last := t.Entries[len(t.Entries)-1]; last.Kind != KindWAL {
		return fail("last entry is %s, want wal", last.Kind)
	}

	seen := make(map[Kind]bool, len(t.Entries))
	for _, e := range t.Entries {
		if e.Kind < KindFrames || e.Kind > KindWAL {
			return fail("unknown region kind %d", uint8(e.Kind))
		}
		if seen[e.Kind] {
			return fail("duplicate %s entry", e.Kind)
		}
		seen[e.Kind] = true
		if e.Offset < DataStart || e.Length < 0 || e.End() > fileSize {
			return fail("%s region [%d,%d) outside file of %d bytes", e.Kind, e.Offset, e.End(), fileSize)
		}
		if f := e.Kind.Feature(); f != 0 && !t.Features.Has(f) {
			return fail("%s region present but feature disabled", e.Kind)
		}
	}
	if !seen[KindFrames] {
		return fail("missing frames entry")
	}
	for _, k := range IndexKinds {
		if t.Features.Has(k.Feature()) && !seen[k] {
			return fail("missing %s entry", k)
		}
	}

	regions := slices.Clone(t.Entries)
	slices.SortFunc(regions, func(a, b Entry) int {
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		default:
			return int(a.Kind) - int(b.Kind)
		}
	})
	for i := 1; i < len(regions); i++ {
		if regions[i].Offset < regions[i-1].End() {
			return fail("%s region overlaps %s", regions[i].Kind, regions[i-1].Kind)
		}
	}
	if regions[len(regions)-1].Kind != KindWAL {
		return fail("wal region is not at the end of the file")
	}
	return nil
}
