package store

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/index"
	"github.com/hupe1980/memvault/internal/compress"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/internal/wal"
	"github.com/hupe1980/memvault/ticket"
)

func testConfig() Config {
	return Config{
		Indexes: index.Config{Lex: true, Vec: true, VecDim: 3, Time: true, Mesh: true, Sketch: true},
	}
}

func createStore(t *testing.T, cfg Config) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.mv")
	s, err := Create(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func openStore(t *testing.T, path string, cfg Config) *Store {
	t.Helper()
	s, err := Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newFrame(t *testing.T, uri, text string) *frame.Frame {
	t.Helper()
	stored, err := compress.Encode([]byte(text), compress.None)
	require.NoError(t, err)
	return &frame.Frame{
		URI:           uri,
		Title:         uri,
		Timestamp:     1700000000,
		Track:         "notes",
		Stored:        stored,
		PayloadLength: uint64(len(text)),
		ContentHash:   hash.Sum256([]byte(text)),
		Embedding:     []float32{1, 0, 0},
		Triplets:      []frame.Triplet{{Subject: "memvault", Predicate: "stores", Object: uri}},
	}
}

func put(t *testing.T, s *Store, uri, text string) frame.ID {
	t.Helper()
	f := newFrame(t, uri, text)
	_, err := s.Put(f)
	require.NoError(t, err)
	return f.ID
}

func flipByte(t *testing.T, path string, off int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.Size()
}

func TestCreateOpenRoundTrip(t *testing.T) {
	s, path := createStore(t, testConfig())
	assert.Equal(t, uint64(1), s.TOC().Generation)

	put(t, s, "mv://a", "alpha document")
	id := put(t, s, "mv://b", "beta document")
	put(t, s, "mv://c", "gamma document")
	seq, err := s.Delete(id)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2 := openStore(t, path, testConfig())
	st := s2.State()
	assert.Equal(t, 3, st.Len())
	assert.Equal(t, 2, st.ActiveCount())
	assert.Equal(t, s.Header().MemoryID, s2.Header().MemoryID)

	f, ok := st.Frame(id)
	require.True(t, ok)
	assert.True(t, f.Deleted)
	assert.Equal(t, seq, f.DeletedSeq)
	require.NoError(t, f.Verify())

	assert.Equal(t, 2, st.Indexes().Lex.Len())
	assert.Equal(t, 2, st.Indexes().Vec.Len())
	assert.Equal(t, 3, st.Indexes().Vec.Dim())
	assert.Zero(t, s2.Recovery().Records)

	byURI, ok := st.FrameByURI("mv://c")
	require.True(t, ok)
	assert.Equal(t, frame.ID(2), byURI.ID)
}

func TestReplayWithoutCheckpoint(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)

	put(t, s, "mv://a", "first")
	put(t, s, "mv://b", "second")
	require.NoError(t, s.Commit())
	assert.Equal(t, 2, s.WAL().Pending())
	require.NoError(t, s.Close())

	s2 := openStore(t, path, cfg)
	assert.Equal(t, 2, s2.Recovery().Records)
	assert.Equal(t, wal.TailClean, s2.Recovery().Tail.Kind)
	assert.Equal(t, uint64(1), s2.TOC().Generation)
	assert.Equal(t, 2, s2.State().ActiveCount())
	assert.Equal(t, 2, s2.WAL().Pending())
	assert.Equal(t, uint64(3), s2.WAL().NextSeq())

	require.NoError(t, s2.Checkpoint())
	assert.Equal(t, uint64(2), s2.TOC().Generation)
	assert.Equal(t, uint64(3), s2.TOC().CheckpointSeq)
}

func TestCreateExistingFails(t *testing.T) {
	_, path := createStore(t, testConfig())
	_, err := Create(path, testConfig())
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.IO))
}

func TestLocking(t *testing.T) {
	s, path := createStore(t, testConfig())

	_, err := Open(path, testConfig())
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.Locked))

	require.NoError(t, s.Close())

	cfg := testConfig()
	cfg.ReadOnly = true
	r1 := openStore(t, path, cfg)
	r2 := openStore(t, path, cfg)
	assert.True(t, r1.ReadOnly())
	assert.True(t, r2.ReadOnly())

	_, err = Open(path, testConfig())
	assert.True(t, errcode.Has(err, errcode.Locked))

	_, err = r1.Put(newFrame(t, "mv://x", "x"))
	assert.True(t, errcode.Has(err, errcode.FeatureUnavailable))
}

func TestPutRejectsDuplicateActiveURI(t *testing.T) {
	s, _ := createStore(t, testConfig())
	id := put(t, s, "mv://doc", "one")

	_, err := s.Put(newFrame(t, "mv://doc", "two"))
	assert.True(t, errcode.Has(err, errcode.InvalidFrame))

	_, err = s.Delete(id)
	require.NoError(t, err)
	put(t, s, "mv://doc", "two")
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, _ := createStore(t, testConfig())
	id := put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")

	seq1, err := s.Delete(id)
	require.NoError(t, err)
	seq2, err := s.Delete(id)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)
	assert.Equal(t, 1, s.State().ActiveCount())
	assert.Equal(t, 2, s.State().Len())

	_, err = s.Delete(99)
	assert.True(t, errcode.Has(err, errcode.FrameNotFound))
}

func TestCapacityExceededLeavesStateUnchanged(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 100
	s, _ := createStore(t, cfg)

	text := "0123456789012345678901234567890123456789012345678"
	put(t, s, "mv://a", text)
	before := s.State().LogicalBytes()
	pending := s.WAL().Pending()

	_, err := s.Put(newFrame(t, "mv://b", text))
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.CapacityExceeded))
	assert.Equal(t, before, s.State().LogicalBytes())
	assert.Equal(t, pending, s.WAL().Pending())
	assert.Equal(t, 1, s.State().Len())
	assert.LessOrEqual(t, s.State().LogicalBytes(), uint64(100))
}

func TestVectorDimensionMismatch(t *testing.T) {
	s, _ := createStore(t, testConfig())
	f := newFrame(t, "mv://a", "a")
	f.Embedding = []float32{1, 2}
	_, err := s.Put(f)
	assert.True(t, errcode.Has(err, errcode.VecDimensionMismatch))
	assert.Zero(t, s.WAL().Pending())
}

func TestTornTailIsTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)
	put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")
	require.NoError(t, s.Close())
	size := fileSize(t, path)

	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3, 4, 5})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s2 := openStore(t, path, cfg)
	rec := s2.Recovery()
	assert.Equal(t, wal.TailTorn, rec.Tail.Kind)
	assert.Equal(t, int64(5), rec.Truncated)
	assert.Equal(t, 2, rec.Records)
	assert.Equal(t, size, fileSize(t, path))

	put(t, s2, "mv://c", "c")
	require.NoError(t, s2.Close())

	s3 := openStore(t, path, cfg)
	assert.Equal(t, 3, s3.State().Len())
}

func TestCorruptTailDisablesAppends(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)
	put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")
	require.NoError(t, s.Close())

	flipByte(t, path, fileSize(t, path)-1)

	s2, err := Open(path, cfg)
	require.NoError(t, err)
	assert.Equal(t, wal.TailCorrupt, s2.Recovery().Tail.Kind)
	assert.Equal(t, 1, s2.State().Len())

	_, err = s2.Put(newFrame(t, "mv://c", "c"))
	assert.True(t, errcode.Has(err, errcode.WALCorruption))
	require.NoError(t, s2.Close())

	cfg.TruncateCorruptTail = true
	s3 := openStore(t, path, cfg)
	assert.Equal(t, 1, s3.State().Len())
	put(t, s3, "mv://c", "c")
}

func TestDamagedRecordLengthIsNotTruncated(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)
	put(t, s, "mv://a", "first committed frame")
	put(t, s, "mv://b", "second committed frame")
	put(t, s, "mv://c", "third committed frame")
	require.NoError(t, s.Commit())
	walStart := s.TOC().WALOffset()
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, n, err := wal.Decode(data[walStart:])
	require.NoError(t, err)
	middle := walStart + int64(n)
	flipByte(t, path, middle+wal.HeaderSize-3)
	size := fileSize(t, path)

	s2, err := Open(path, cfg)
	require.NoError(t, err)
	rec := s2.Recovery()
	assert.Equal(t, wal.TailCorrupt, rec.Tail.Kind)
	assert.Equal(t, middle, rec.Tail.Offset)
	assert.ErrorIs(t, rec.Tail.Err, wal.ErrInvalidHeaderCRC)
	assert.Zero(t, rec.Truncated)
	assert.Equal(t, 1, rec.Records)
	assert.Equal(t, size, fileSize(t, path))

	_, err = s2.Put(newFrame(t, "mv://d", "d"))
	assert.True(t, errcode.Has(err, errcode.WALCorruption))
	require.NoError(t, s2.Close())
	assert.Equal(t, size, fileSize(t, path), "close leaves the damaged log in place")
}

func TestInterruptedCheckpointKeepsPreviousState(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	cfg := testConfig()
	cfg.FS = faulty
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)

	put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")
	require.NoError(t, s.Commit())
	end := s.WAL().End()

	faulty.AddRule(filepath.Base(path), fs.Fault{FailAfterBytes: wal.HeaderSize + 10, TornWrite: true})
	err := s.Checkpoint()
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.CheckpointFailed))
	faulty.ClearRules()

	assert.Equal(t, uint64(1), s.TOC().Generation)
	assert.Equal(t, end, s.WAL().End())
	assert.Equal(t, end, fileSize(t, path))
	assert.Equal(t, 2, s.WAL().Pending())

	require.NoError(t, s.Checkpoint())
	assert.Equal(t, uint64(2), s.TOC().Generation)
	require.NoError(t, s.Close())

	s2 := openStore(t, path, testConfig())
	assert.Equal(t, 2, s2.State().Len())
	assert.Equal(t, uint64(2), s2.TOC().Generation)
}

func TestTornTOCSlotFallsBackToPreviousGeneration(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	cfg := testConfig()
	cfg.FS = faulty
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)

	put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")
	require.NoError(t, s.Commit())

	regions, err := encodeImage(s.State(), s.TOC().Compression)
	require.NoError(t, err)
	var image int64
	for _, r := range regions {
		image += int64(len(r.Data))
	}

	// Let the marker and the image through, then tear the slot write.
	faulty.AddRule(filepath.Base(path), fs.Fault{FailAfterBytes: wal.HeaderSize + image + 100, TornWrite: true})
	err = s.Checkpoint()
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.CheckpointFailed))
	faulty.ClearRules()

	// Crash: drop the handle without committing.
	require.NoError(t, fs.Unlock(s.f))
	require.NoError(t, s.f.Close())
	s.closed = true

	_, states := manifest.ReadSlots(mustOpen(t, path))
	assert.Error(t, states[0].Err)

	s2 := openStore(t, path, testConfig())
	assert.Equal(t, uint64(1), s2.TOC().Generation)
	assert.True(t, s2.Recovery().Fallback)
	assert.Equal(t, 2, s2.Recovery().Records)
	assert.Equal(t, 2, s2.State().Len())
}

func TestDamagedNewestSlotFallsBack(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)
	put(t, s, "mv://a", "a")
	require.NoError(t, s.Checkpoint())
	assert.Equal(t, uint64(2), s.TOC().Generation)
	require.NoError(t, s.Close())

	s2 := openStore(t, path, cfg)
	assert.False(t, s2.Recovery().Fallback, "an older valid slot is not a fallback")
	require.NoError(t, s2.Close())

	flipByte(t, path, manifest.SlotOffset(2)+40)

	s3 := openStore(t, path, cfg)
	rec := s3.Recovery()
	assert.True(t, rec.Fallback)
	assert.Equal(t, uint64(1), s3.TOC().Generation)
	assert.Equal(t, 1, rec.Records)
	assert.Equal(t, wal.TailCheckpoint, rec.Tail.Kind)
	assert.Equal(t, 1, s3.State().Len())

	toc, fallback, err := SelectTOC(mustOpen(t, path), fileSize(t, path))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), toc.Generation)
	assert.True(t, fallback)
}

func TestFreshFileIsNotFallback(t *testing.T) {
	s, path := createStore(t, testConfig())
	require.NoError(t, s.Close())
	s2 := openStore(t, path, testConfig())
	assert.False(t, s2.Recovery().Fallback)
}

func mustOpen(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestCommitCheckpointPolicy(t *testing.T) {
	s, path := createStore(t, testConfig())
	put(t, s, "mv://a", "a")
	put(t, s, "mv://b", "b")
	require.NoError(t, s.Commit())
	assert.Equal(t, uint64(1), s.TOC().Generation)
	assert.Equal(t, 2, s.WAL().Pending())
	require.NoError(t, s.Close())

	s2 := openStore(t, path, testConfig())
	assert.Equal(t, uint64(2), s2.TOC().Generation, "close checkpoints pending records")
	assert.Zero(t, s2.Recovery().Records)

	cfg := testConfig()
	cfg.CheckpointRecords = 2
	require.NoError(t, s2.Close())
	s3 := openStore(t, path, cfg)
	put(t, s3, "mv://c", "c")
	require.NoError(t, s3.Commit())
	assert.Equal(t, uint64(2), s3.TOC().Generation)
	put(t, s3, "mv://d", "d")
	require.NoError(t, s3.Commit())
	assert.Equal(t, uint64(3), s3.TOC().Generation)
	assert.Zero(t, s3.WAL().Pending())

	cfg.CheckpointRecords = -1
	cfg.CheckpointBytes = 1
	put(t, s3, "mv://e", "e")
	require.NoError(t, s3.Close())
	s4 := openStore(t, path, cfg)
	put(t, s4, "mv://f", "f")
	require.NoError(t, s4.Commit())
	assert.Equal(t, uint64(5), s4.TOC().Generation, "byte trigger")
	assert.Equal(t, 6, s4.State().Len())
}

func TestCheckpointReusesFrontOfFile(t *testing.T) {
	cfg := testConfig()
	cfg.CheckpointRecords = 1
	s, path := createStore(t, cfg)
	sawFront := false
	for i := range 6 {
		put(t, s, fmt.Sprintf("mv://doc/%d", i), fmt.Sprintf("document number %d", i))
		require.NoError(t, s.Commit())
		if s.TOC().MinRegionOffset() == manifest.DataStart && s.TOC().Generation > 1 {
			sawFront = true
		}

		require.NoError(t, s.Close())
		s = openStore(t, path, cfg)
		assert.Equal(t, i+1, s.State().Len())
		assert.Zero(t, s.Recovery().Records)
		assert.Equal(t, s.TOC().WALOffset(), fileSize(t, path))
	}
	assert.True(t, sawFront)
}

func TestSealRejectsMutations(t *testing.T) {
	s, path := createStore(t, testConfig())
	id := put(t, s, "mv://a", "a")
	require.NoError(t, s.Seal())

	_, err := s.Put(newFrame(t, "mv://b", "b"))
	assert.True(t, errcode.Has(err, errcode.RequiresOpen))
	_, err = s.Delete(id)
	assert.True(t, errcode.Has(err, errcode.RequiresOpen))
	require.NoError(t, s.Close())

	s2 := openStore(t, path, testConfig())
	assert.True(t, s2.State().Sealed())
	assert.True(t, s2.TOC().Sealed)
}

func TestBindPersistsAndRejectsReplay(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	cfg := testConfig()
	cfg.TicketKey = pub
	cfg.CheckpointRecords = -1
	s, path := createStore(t, cfg)

	tk := ticket.Ticket{Tier: ticket.TierDev, Seq: 1, Issuer: "acme"}
	tk.Sign(priv)
	b, err := s.Bind(tk)
	require.NoError(t, err)
	assert.Equal(t, ticket.TierDev.DefaultCapacity(), b.Capacity)
	require.NoError(t, s.Close())

	s2 := openStore(t, path, cfg)
	got := s2.Gatekeeper().Binding()
	assert.True(t, got.Bound)
	assert.Equal(t, ticket.TierDev, got.Tier)
	assert.Equal(t, uint64(1), got.Seq)
	assert.Equal(t, b.BoundAt, got.BoundAt)

	_, err = s2.Bind(tk)
	assert.True(t, errcode.Has(err, errcode.TicketSequence))

	require.NoError(t, s2.Checkpoint())
	require.NoError(t, s2.Close())
	s3 := openStore(t, path, cfg)
	assert.Equal(t, "acme", s3.TOC().Binding.Issuer)
	assert.Equal(t, ticket.TierDev, s3.Gatekeeper().Tier())
}

func TestRebuildCorruptIndexOnOpen(t *testing.T) {
	s, path := createStore(t, testConfig())
	put(t, s, "mv://a", "the quick brown fox")
	put(t, s, "mv://b", "jumps over the lazy dog")
	require.NoError(t, s.Close())
	want, err := s.State().Indexes().Lex.MarshalBinary()
	require.NoError(t, err)

	e, ok := s.TOC().Entry(manifest.KindLex)
	require.True(t, ok)
	flipByte(t, path, e.Offset+e.Length/2)

	_, err = Open(path, testConfig())
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.ChecksumMismatch))

	cfg := testConfig()
	cfg.Rebuild = []index.Kind{index.KindLex}
	s2 := openStore(t, path, cfg)
	got, err := s2.State().Indexes().Lex.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, s2.Compact())
	require.NoError(t, s2.Close())
	openStore(t, path, testConfig())
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s, _ := createStore(t, testConfig())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Put(newFrame(t, "mv://a", "a"))
	assert.True(t, errcode.Has(err, errcode.RequiresOpen))
	assert.True(t, errcode.Has(s.Commit(), errcode.RequiresOpen))
}
