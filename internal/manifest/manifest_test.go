package manifest

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/compress"
)

type bufFile struct{ data []byte }

func (b *bufFile) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, b.data[off:])
	return n, nil
}

func (b *bufFile) write(off int64, p []byte) {
	if need := int(off) + len(p); need > len(b.data) {
		b.data = append(b.data, make([]byte, need-len(b.data))...)
	}
	copy(b.data[off:], p)
}

func sampleTOC(gen uint64) *TOC {
	return &TOC{
		Generation:    gen,
		Features:      FeatureLex | FeatureTime,
		CheckpointSeq: 9,
		NextFrameID:   4,
		Compression:   compress.Zstd,
		Capacity:      1 << 30,
		Binding:       Binding{Bound: true, Tier: "dev", Capacity: 2 << 30, Seq: 3, Issuer: "acme", BoundAt: 1700000000},
		Entries: []Entry{
			{Kind: KindFrames, Offset: DataStart, Length: 100, Checksum: 1, Count: 4},
			{Kind: KindLex, Offset: DataStart + 100, Length: 50, Checksum: 2, Count: 4},
			{Kind: KindTime, Offset: DataStart + 150, Length: 20, Checksum: 3, Count: 4},
			{Kind: KindWAL, Offset: DataStart + 170},
		},
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader()
	b := h.Marshal()
	require.Len(t, b, HeaderSize)

	got, err := UnmarshalHeader(b)
	require.NoError(t, err)
	assert.Equal(t, h.MemoryID, got.MemoryID)
	assert.Equal(t, h.CreatedAt.Unix(), got.CreatedAt.Unix())
}

func TestHeaderErrors(t *testing.T) {
	b := NewHeader().Marshal()

	bad := bytes.Clone(b)
	bad[0] = 'X'
	_, err := UnmarshalHeader(bad)
	assert.ErrorIs(t, err, errcode.InvalidHeader)

	bad = bytes.Clone(b)
	bad[20] ^= 1
	_, err = UnmarshalHeader(bad)
	assert.ErrorIs(t, err, errcode.InvalidHeader)

	h := NewHeader()
	h.Flags |= FlagEncrypted
	_, err = UnmarshalHeader(h.Marshal())
	assert.ErrorIs(t, err, errcode.EncryptedFile)
}

func TestSlotRoundTrip(t *testing.T) {
	toc := sampleTOC(3)
	b, err := toc.MarshalSlot()
	require.NoError(t, err)
	require.Len(t, b, SlotSize)

	got, err := UnmarshalSlot(b)
	require.NoError(t, err)
	assert.Equal(t, toc, got)
}

func TestReadTOCPicksNewest(t *testing.T) {
	f := &bufFile{}
	for _, gen := range []uint64{4, 5} {
		b, err := sampleTOC(gen).MarshalSlot()
		require.NoError(t, err)
		f.write(SlotOffset(gen), b)
	}

	toc, states, err := ReadTOC(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), toc.Generation)
	assert.NoError(t, states[0].Err)
	assert.NoError(t, states[1].Err)
}

func TestReadTOCTornSlotFallsBack(t *testing.T) {
	f := &bufFile{}
	for _, gen := range []uint64{4, 5} {
		b, err := sampleTOC(gen).MarshalSlot()
		require.NoError(t, err)
		f.write(SlotOffset(gen), b)
	}
	// tear the payload of the newer generation
	f.data[SlotOffset(5)+slotHeadSize+3] ^= 0xFF

	toc, states, err := ReadTOC(f)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), toc.Generation)
	assert.ErrorIs(t, states[1].Err, ErrChecksum)
	assert.True(t, states[1].Damaged())
	assert.Equal(t, uint64(5), states[1].Claimed)
	assert.False(t, states[0].Damaged())
}

func TestReadTOCNoValidSlot(t *testing.T) {
	f := &bufFile{data: make([]byte, DataStart)}
	_, states, err := ReadTOC(f)
	assert.ErrorIs(t, err, errcode.InvalidTOC)
	for _, st := range states {
		assert.ErrorIs(t, st.Err, ErrEmptySlot)
		assert.False(t, st.Damaged(), "never written")
	}
}

func TestValidate(t *testing.T) {
	size := int64(DataStart + 170)

	tests := []struct {
		name   string
		mutate func(*TOC)
		ok     bool
	}{
		{"valid", func(*TOC) {}, true},
		{"missing frames", func(t *TOC) { t.Entries = t.Entries[1:] }, false},
		{"wal not last", func(t *TOC) {
			t.Entries[2], t.Entries[3] = t.Entries[3], t.Entries[2]
		}, false},
		{"overlap", func(t *TOC) { t.Entries[1].Offset = DataStart + 90 }, false},
		{"beyond eof", func(t *TOC) { t.Entries[2].Length = 1000 }, false},
		{"inside prefix", func(t *TOC) { t.Entries[0].Offset = 10 }, false},
		{"missing enabled index", func(t *TOC) { t.Features |= FeatureVec }, false},
		{"disabled index present", func(t *TOC) { t.Features &^= FeatureTime }, false},
		{"duplicate", func(t *TOC) { t.Entries[2].Kind = KindLex }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toc := sampleTOC(1)
			tt.mutate(toc)
			err := toc.Validate(size)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, errcode.InvalidTOC)
			}
		})
	}
}

func TestRegionChecksum(t *testing.T) {
	raw := bytes.Repeat([]byte("region data "), 100)
	r, err := EncodeRegion(KindLex, raw, 7, compress.LZ4)
	require.NoError(t, err)

	f := &bufFile{}
	f.write(DataStart, r.Data)
	e := r.Place(DataStart)
	assert.Equal(t, uint64(7), e.Count)

	stored, err := ReadRegion(f, e)
	require.NoError(t, err)
	got, err := DecodeRegion(stored, e)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	f.data[DataStart+5] ^= 0xFF
	_, err = ReadRegion(f, e)
	assert.ErrorIs(t, err, errcode.ChecksumMismatch)
}

func TestFeaturesString(t *testing.T) {
	assert.Equal(t, "lex|time", (FeatureLex | FeatureTime).String())
	assert.Equal(t, "none", Features(0).String())
}
