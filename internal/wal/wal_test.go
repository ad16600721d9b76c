package wal

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/errcode"
)

type memFile struct {
	mu    sync.Mutex
	data  []byte
	syncs int
	fail  error
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return 0, m.fail
	}
	if need := int(off) + len(p); need > len(m.data) {
		m.data = append(m.data, make([]byte, need-len(m.data))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, errors.New("eof")
	}
	return copy(p, m.data[off:]), nil
}

func (m *memFile) Sync() error {
	m.syncs++
	return nil
}

func (m *memFile) size() int64 { return int64(len(m.data)) }

func collect(t *testing.T, f *memFile, start int64, firstSeq uint64) ([]Record, Result) {
	t.Helper()
	var recs []Record
	res, err := Replay(f, start, f.size(), firstSeq, func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs, res
}

func TestRecordRoundTrip(t *testing.T) {
	rec := Record{Seq: 42, Type: RecordPut, Payload: []byte("hello")}
	buf, err := rec.Append(nil)
	require.NoError(t, err)
	assert.Len(t, buf, HeaderSize+5)

	got, n, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(buf), n)
	assert.Equal(t, rec, got)
}

func TestDecodeErrors(t *testing.T) {
	rec := Record{Seq: 1, Type: RecordDelete, Payload: EncodeDelete(7, 100)}
	buf, err := rec.Append(nil)
	require.NoError(t, err)

	t.Run("short", func(t *testing.T) {
		_, _, err := Decode(buf[:HeaderSize-1])
		assert.ErrorIs(t, err, ErrShortRead)
		_, _, err = Decode(buf[:len(buf)-1])
		assert.ErrorIs(t, err, ErrShortRead)
	})

	t.Run("crc", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[len(bad)-1] ^= 0xFF
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidCRC)
	})

	t.Run("header crc", func(t *testing.T) {
		bad := append([]byte(nil), buf...)
		bad[HeaderSize-3] ^= 0x01 // second length byte
		_, _, err := Decode(bad)
		assert.ErrorIs(t, err, ErrInvalidHeaderCRC)
	})

	t.Run("zero header", func(t *testing.T) {
		_, _, err := Decode(make([]byte, HeaderSize))
		assert.ErrorIs(t, err, ErrEndOfLog)
	})

	t.Run("invalid type", func(t *testing.T) {
		_, err := Record{Type: 9}.Append(nil)
		assert.ErrorIs(t, err, ErrInvalidType)
	})
}

func TestDeletePayload(t *testing.T) {
	id, at, err := DecodeDelete(EncodeDelete(12, -5))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), id)
	assert.Equal(t, int64(-5), at)

	_, _, err = DecodeDelete([]byte{1})
	assert.Error(t, err)
}

func TestWriterAppendAndReplay(t *testing.T) {
	f := &memFile{data: make([]byte, 100)}
	w := NewWriter(f, 100, 100, 5, Options{})

	for i := 0; i < 3; i++ {
		seq, err := w.Append(RecordPut, []byte{byte(i)})
		require.NoError(t, err)
		assert.Equal(t, uint64(5+i), seq)
	}
	require.NoError(t, w.Sync())
	assert.Equal(t, 1, f.syncs)
	assert.Equal(t, 3, w.Pending())
	assert.Equal(t, uint64(7), w.LastSeq())
	assert.Equal(t, int64(3*(HeaderSize+1)), w.Size())

	recs, res := collect(t, f, 100, 5)
	require.Len(t, recs, 3)
	assert.Equal(t, TailClean, res.Tail.Kind)
	assert.Equal(t, uint64(7), res.LastSeq)
	assert.Equal(t, w.End(), res.End)
	assert.Equal(t, []byte{2}, recs[2].Payload)
}

func TestWriterSyncDurability(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{Durability: DurabilitySync})
	_, err := w.Append(RecordPut, nil)
	require.NoError(t, err)
	_, err = w.Append(RecordPut, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.syncs)

	require.NoError(t, w.Sync())
	assert.Equal(t, 2, f.syncs, "nothing unsynced")
}

func TestWriterCorrupted(t *testing.T) {
	w := NewWriter(&memFile{}, 0, 0, 1, Options{})
	w.MarkCorrupted(ErrInvalidCRC)
	_, err := w.Append(RecordPut, nil)
	assert.ErrorIs(t, err, errcode.WALCorruption)
	assert.ErrorIs(t, err, ErrInvalidCRC)
}

func TestWriterIOError(t *testing.T) {
	f := &memFile{fail: errors.New("disk gone")}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("x"))
	assert.ErrorIs(t, err, errcode.IO)
	assert.Equal(t, uint64(1), w.NextSeq(), "failed append must not consume a sequence")
}

func TestReplayTornTail(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("one"))
	require.NoError(t, err)
	good := w.End()
	_, err = w.Append(RecordPut, []byte("two"))
	require.NoError(t, err)

	f.data = f.data[:len(f.data)-2]

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailTorn, res.Tail.Kind)
	assert.Equal(t, good, res.Tail.Offset)
	assert.True(t, res.Tail.Truncatable())
}

func TestReplayCorruptRecord(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("one"))
	require.NoError(t, err)
	_, err = w.Append(RecordPut, []byte("two"))
	require.NoError(t, err)

	f.data[len(f.data)-1] ^= 0xFF

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailCorrupt, res.Tail.Kind)
	assert.ErrorIs(t, res.Tail.Err, ErrInvalidCRC)
	assert.False(t, res.Tail.Truncatable())
}

func TestReplayDamagedLengthIsCorrupt(t *testing.T) {
	for _, tc := range []struct {
		name   string
		record int
		byteAt int // offset of the flipped byte within the length field
	}{
		{"middle record low byte", 1, 0},
		{"middle record second byte", 1, 1},
		{"last record second byte", 2, 1},
		{"last record third byte", 2, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := &memFile{}
			w := NewWriter(f, 0, 0, 1, Options{})
			var starts []int64
			for _, p := range []string{"one", "two", "three"} {
				starts = append(starts, w.End())
				_, err := w.Append(RecordPut, []byte(p))
				require.NoError(t, err)
			}

			f.data[starts[tc.record]+HeaderSize-4+int64(tc.byteAt)] ^= 0xFF

			recs, res := collect(t, f, 0, 1)
			assert.Len(t, recs, tc.record)
			assert.Equal(t, TailCorrupt, res.Tail.Kind)
			assert.Equal(t, starts[tc.record], res.Tail.Offset)
			assert.ErrorIs(t, res.Tail.Err, ErrInvalidHeaderCRC)
			assert.False(t, res.Tail.Truncatable())
		})
	}
}

func TestReplayTornPayloadNeedsExpectedSequence(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("one"))
	require.NoError(t, err)
	w.Rewind(w.End(), 9, w.Pending())
	_, err = w.Append(RecordPut, []byte("cut short"))
	require.NoError(t, err)
	f.data = f.data[:len(f.data)-3]

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailCorrupt, res.Tail.Kind)
}

func TestReplayCheckpointMarker(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("a"))
	require.NoError(t, err)
	marker := w.End()
	_, err = w.Append(RecordCheckpoint, nil)
	require.NoError(t, err)
	_, err = w.Append(RecordPut, []byte("b"))
	require.NoError(t, err)

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailCheckpoint, res.Tail.Kind)
	assert.Equal(t, marker, res.Tail.Offset)
}

func TestReplayZeroTerminator(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, []byte("a"))
	require.NoError(t, err)
	end := w.End()

	// stale bytes after a terminator are never read
	_, err = f.WriteAt(make([]byte, HeaderSize), end)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("garbage garbage garbage"), end+HeaderSize)
	require.NoError(t, err)

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailClean, res.Tail.Kind)
	assert.Equal(t, end, res.Tail.Offset)
}

func TestReplaySequenceMismatch(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 10, Options{})
	_, err := w.Append(RecordPut, nil)
	require.NoError(t, err)

	_, err = Replay(f, 0, f.size(), 3, nil)
	assert.ErrorIs(t, err, errcode.ManifestWALCorrupted)
}

func TestReplaySequenceGap(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, nil)
	require.NoError(t, err)
	w.Rewind(w.End(), 5, w.Pending())
	_, err = w.Append(RecordPut, nil)
	require.NoError(t, err)

	recs, res := collect(t, f, 0, 1)
	assert.Len(t, recs, 1)
	assert.Equal(t, TailCorrupt, res.Tail.Kind)
}

func TestReplayCallbackError(t *testing.T) {
	f := &memFile{}
	w := NewWriter(f, 0, 0, 1, Options{})
	_, err := w.Append(RecordPut, nil)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = Replay(f, 0, f.size(), 1, func(Record) error { return boom })
	assert.ErrorIs(t, err, boom)
}
