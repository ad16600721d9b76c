package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/hash"
)

func newFrame(t *testing.T, id ID, payload string) *Frame {
	t.Helper()
	stored, err := compress.Encode([]byte(payload), compress.Zstd)
	require.NoError(t, err)
	parent := ID(0)
	return &Frame{
		ID:             id,
		URI:            "mv://doc/1",
		Title:          "Doc",
		Timestamp:      1700000000,
		Track:          "notes",
		Kind:           "text/plain",
		Tags:           map[string]string{"lang": "en"},
		Labels:         []string{"a", "b"},
		Stored:         stored,
		PayloadLength:  uint64(len(payload)),
		ContentHash:    hash.Sum256([]byte(payload)),
		Embedding:      []float32{0.1, 0.2, 0.3},
		ImageEmbedding: []float32{1, 0},
		Triplets:       []Triplet{{"alice", "knows", "bob"}},
		ParentID:       &parent,
		ChunkIndex:     1,
		ChunkCount:     3,
	}
}

func TestEncodeDecode(t *testing.T) {
	f := newFrame(t, 3, "hello world")
	b, err := Encode(f)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, f, got)
	require.NoError(t, got.Verify())

	content, err := got.Content()
	require.NoError(t, err)
	assert.Equal(t, "hello world", content)
}

func TestDecodeChecksumMismatch(t *testing.T) {
	b, err := Encode(newFrame(t, 0, "payload"))
	require.NoError(t, err)

	b[10] ^= 0xFF
	_, err = Decode(b)
	assert.ErrorIs(t, err, errcode.ChecksumMismatch)
}

func TestVerifyDetectsMutation(t *testing.T) {
	f := newFrame(t, 0, "payload")
	require.NoError(t, f.Seal())
	require.NoError(t, f.Verify())

	f.Title = "changed"
	assert.ErrorIs(t, f.Verify(), errcode.ChecksumMismatch)
}

func TestContentFallsBackToSearchText(t *testing.T) {
	f := &Frame{SearchText: "extracted text", PayloadLength: 10}
	assert.False(t, f.HasRaw())
	content, err := f.Content()
	require.NoError(t, err)
	assert.Equal(t, "extracted text", content)
	assert.Equal(t, uint64(len("extracted text")), f.LogicalBytes())
	assert.Equal(t, uint64(10+len("extracted text")), f.RawBytes())
}

func TestIndexText(t *testing.T) {
	f := newFrame(t, 0, "body text")
	text, err := f.IndexText()
	require.NoError(t, err)
	assert.Equal(t, "Doc\nbody text", text)

	f.SearchText = "override"
	text, err = f.IndexText()
	require.NoError(t, err)
	assert.Equal(t, "Doc\noverride", text)
}

func TestNormalizeLabels(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, NormalizeLabels([]string{" b", "a", "", "b"}))
	assert.Nil(t, NormalizeLabels([]string{"  "}))

	f := &Frame{Labels: []string{"x"}}
	f.AddLabels("a", "x")
	assert.Equal(t, []string{"a", "x"}, f.Labels)
	assert.True(t, f.HasLabel("a"))
	assert.False(t, f.HasLabel("b"))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
	}{
		{"empty tag key", Frame{Tags: map[string]string{"": "x"}}},
		{"chunk index", Frame{ChunkIndex: 3, ChunkCount: 3}},
		{"nan embedding", Frame{Embedding: []float32{float32(math.NaN())}}},
		{"incomplete triplet", Frame{Triplets: []Triplet{{Subject: "a"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.frame.Validate(), errcode.InvalidFrame)
		})
	}
	assert.NoError(t, newFrame(t, 0, "ok").Validate())
}

func TestCloneIsDeep(t *testing.T) {
	f := newFrame(t, 0, "x")
	c := f.Clone()
	c.Tags["lang"] = "de"
	c.Labels[0] = "z"
	*c.ParentID = 9
	assert.Equal(t, "en", f.Tags["lang"])
	assert.Equal(t, "a", f.Labels[0])
	assert.Equal(t, ID(0), *f.ParentID)
}

func TestTableRoundTrip(t *testing.T) {
	frames := []*Frame{newFrame(t, 0, "one"), newFrame(t, 1, "two")}
	frames[1].Deleted = true
	frames[1].DeletedSeq = 7

	b, err := EncodeTable(frames)
	require.NoError(t, err)

	got, bad, err := DecodeTable(b)
	require.NoError(t, err)
	assert.Empty(t, bad)
	require.Len(t, got, 2)
	assert.True(t, got[1].Deleted)
	assert.Equal(t, uint64(7), got[1].DeletedSeq)
}

func TestTableReportsBadFrame(t *testing.T) {
	frames := []*Frame{newFrame(t, 0, "one"), newFrame(t, 1, "two")}
	b, err := EncodeTable(frames)
	require.NoError(t, err)

	// flip a byte inside the second encoded frame
	b[len(b)-10] ^= 0xFF

	got, bad, err := DecodeTable(b)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, ID(1), bad[0].ID)
	assert.ErrorIs(t, bad[0].Err, errcode.ChecksumMismatch)
	assert.NotNil(t, got[0])
	assert.Nil(t, got[1])
}
