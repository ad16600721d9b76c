package memvault

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/blobstore"
	"github.com/hupe1980/memvault/doctor"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/fs"
	"github.com/hupe1980/memvault/internal/manifest"
	"github.com/hupe1980/memvault/internal/store"
	"github.com/hupe1980/memvault/query"
	"github.com/hupe1980/memvault/ticket"
)

func allIndexes() IndexConfig {
	return IndexConfig{Lex: true, Vec: true, VecDim: 3, Time: true, Mesh: true, Sketch: true}
}

func create(t *testing.T, opts ...Option) (*Memory, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.mv")
	m, err := Create(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, path
}

func reopen(t *testing.T, path string, opts ...Option) *Memory {
	t.Helper()
	m, err := Open(path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func put(t *testing.T, m *Memory, text string, opts PutOptions) frame.ID {
	t.Helper()
	id, err := m.Put(context.Background(), []byte(text), opts)
	require.NoError(t, err)
	return id
}

func activeIDs(t *testing.T, m *Memory) []frame.ID {
	t.Helper()
	var ids []frame.ID
	for f := range m.store.State().Frames() {
		if f.Active() {
			ids = append(ids, f.ID)
		}
	}
	return ids
}

func TestDurabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	m, path := create(t, WithIndexes(allIndexes()), WithCompression(CompressionZstd))

	for i := range 5 {
		put(t, m, fmt.Sprintf("note number %d about foxes", i), PutOptions{
			URI:       fmt.Sprintf("mv://notes/%d", i),
			Track:     "notes",
			Embedding: []float32{1, float32(i), 0},
		})
	}
	_, err := m.DeleteFrame(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx))

	before, err := m.Stats()
	require.NoError(t, err)
	wantActive := activeIDs(t, m)
	require.NoError(t, m.Close())

	m = reopen(t, path)
	after, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.FrameCount, after.FrameCount)
	assert.Equal(t, before.ActiveFrameCount, after.ActiveFrameCount)
	assert.Equal(t, before.LogicalBytes, after.LogicalBytes)
	assert.Equal(t, wantActive, activeIDs(t, m))

	content, err := m.FrameContentByURI("mv://notes/3")
	require.NoError(t, err)
	assert.Equal(t, "note number 3 about foxes", content)

	deleted, err := m.FrameByID(2)
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)
}

func TestUncommittedPutsSurviveReopen(t *testing.T) {
	m, path := create(t, WithCheckpointPolicy(-1, 0))
	put(t, m, "pending", PutOptions{URI: "mv://pending"})
	require.NoError(t, m.Close())

	m = reopen(t, path)
	f, err := m.FrameByURI("mv://pending")
	require.NoError(t, err)
	assert.Equal(t, frame.ID(0), f.ID)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t)
	id := put(t, m, "short lived", PutOptions{})
	put(t, m, "long lived", PutOptions{})

	seq1, err := m.DeleteFrame(ctx, id)
	require.NoError(t, err)
	seq2, err := m.DeleteFrame(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, seq1, seq2)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.FrameCount)
	assert.Equal(t, 1, st.ActiveFrameCount)

	_, err = m.DeleteFrame(ctx, 99)
	assert.ErrorIs(t, err, ErrFrameNotFound)
}

func TestFrameLookupErrors(t *testing.T) {
	m, _ := create(t)
	_, err := m.FrameByID(0)
	assert.ErrorIs(t, err, ErrFrameNotFound)
	_, err = m.FrameByURI("mv://missing")
	assert.ErrorIs(t, err, ErrFrameNotFoundByURI)
	_, err = m.FrameContent(7)
	assert.ErrorIs(t, err, ErrFrameNotFound)
}

func TestDuplicateActiveURI(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t)
	id := put(t, m, "first", PutOptions{URI: "mv://same"})
	_, err := m.Put(ctx, []byte("second"), PutOptions{URI: "mv://same"})
	assert.ErrorIs(t, err, ErrInvalidFrame)

	_, err = m.DeleteFrame(ctx, id)
	require.NoError(t, err)
	put(t, m, "second", PutOptions{URI: "mv://same"})
}

func newIssuer(t *testing.T) (ed25519.PublicKey, func(tier ticket.Tier, seq uint64) ticket.Ticket) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, func(tier ticket.Tier, seq uint64) ticket.Ticket {
		tk := ticket.Ticket{Tier: tier, Seq: seq, Issuer: "acme", IssuedAt: 1700000000}
		tk.Sign(priv)
		return tk
	}
}

func TestTicketAntiRollback(t *testing.T) {
	ctx := context.Background()
	pub, issue := newIssuer(t)
	m, path := create(t, WithTicketKey(pub))

	b, err := m.BindTicket(ctx, issue(ticket.TierDev, 5))
	require.NoError(t, err)
	assert.True(t, b.Bound)

	_, err = m.BindTicket(ctx, issue(ticket.TierDev, 5))
	assert.True(t, errcode.Has(err, errcode.TicketSequence))
	_, err = m.BindTicket(ctx, issue(ticket.TierDev, 4))
	assert.True(t, errcode.Has(err, errcode.TicketSequence))

	_, err = m.BindTicket(ctx, issue(ticket.TierDev, 6))
	require.NoError(t, err)
	require.NoError(t, m.Close())

	m = reopen(t, path, WithTicketKey(pub))
	assert.Equal(t, uint64(6), m.Binding().Seq)
	_, err = m.BindTicket(ctx, issue(ticket.TierDev, 6))
	assert.True(t, errcode.Has(err, errcode.TicketSequence))
}

func TestCapacityBound(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t, WithCapacity(100), WithCompression(CompressionNone))
	payload := make([]byte, 40)

	var err error
	for i := 0; err == nil && i < 10; i++ {
		payload[0] = byte(i)
		_, err = m.Put(ctx, payload, PutOptions{})
		st, serr := m.Stats()
		require.NoError(t, serr)
		assert.LessOrEqual(t, st.LogicalBytes, st.CapacityBytes)
	}
	require.ErrorIs(t, err, ErrCapacityExceeded)

	before, err := m.Stats()
	require.NoError(t, err)
	_, err = m.Put(ctx, payload, PutOptions{})
	require.ErrorIs(t, err, ErrCapacityExceeded)
	after, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, before.LogicalBytes, after.LogicalBytes)
	assert.Equal(t, before.FrameCount, after.FrameCount)
}

func TestDedup(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t)

	first, err := m.PutWithResult(ctx, []byte("same payload"), PutOptions{Dedup: true})
	require.NoError(t, err)
	second, err := m.PutWithResult(ctx, []byte("same payload"), PutOptions{Dedup: true})
	require.NoError(t, err)

	assert.Equal(t, first.FrameID, second.FrameID)
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FrameCount)

	// Without dedup the same payload is stored again.
	put(t, m, "same payload", PutOptions{})
	st, err = m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.FrameCount)
}

func TestTimelineScenario(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t)
	for i, track := range []string{"alpha", "beta", "gamma"} {
		put(t, m, "entry "+track, PutOptions{Track: track, Timestamp: 1700000000 + int64(i)})
	}
	require.NoError(t, m.Commit(ctx))

	entries, err := m.Timeline(TimelineQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, []string{entries[0].Track, entries[1].Track, entries[2].Track})

	rev, err := m.Timeline(TimelineQuery{Limit: 10, Reverse: true})
	require.NoError(t, err)
	require.Len(t, rev, 3)
	assert.Equal(t, []frame.ID{2, 1, 0}, []frame.ID{rev[0].FrameID, rev[1].FrameID, rev[2].FrameID})
}

func TestHybridSearchIsDeterministic(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t, WithIndexes(allIndexes()))
	put(t, m, "red apples and green apples", PutOptions{Embedding: []float32{1, 0, 0}})
	put(t, m, "a twin note about apples", PutOptions{Embedding: []float32{0, 1, 0}})
	put(t, m, "a twin note about apples", PutOptions{Embedding: []float32{0, 1, 0}})
	put(t, m, "nothing relevant", PutOptions{Embedding: []float32{0, 0, 1}})

	req := SearchRequest{Query: "apples", Embedding: []float32{0.5, 0.5, 0}, Mode: query.ModeHybrid}
	first, err := m.Search(ctx, req)
	require.NoError(t, err)
	second, err := m.Search(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.Hits, second.Hits)
	assert.Equal(t, query.ModeHybrid, first.Engine)

	pos := map[frame.ID]int{}
	for i, h := range first.Hits {
		pos[h.FrameID] = i
	}
	require.Contains(t, pos, frame.ID(1))
	require.Contains(t, pos, frame.ID(2))
	assert.Equal(t, pos[1]+1, pos[2], "equal scores are ordered by frame id")
}

func TestSearchWithoutVectorIndex(t *testing.T) {
	m, _ := create(t)
	put(t, m, "plain text", PutOptions{})

	_, err := m.Search(context.Background(), SearchRequest{Query: "plain", Embedding: []float32{1, 0, 0}, Mode: query.ModeVec})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidQuery)
	assert.ErrorIs(t, err, ErrVecNotEnabled)

	resp, err := m.Search(context.Background(), SearchRequest{Query: "plain"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
}

func TestAskContextOnly(t *testing.T) {
	m, _ := create(t)
	put(t, m, "the fox jumps over the dog", PutOptions{URI: "mv://fox", Title: "Fox"})

	resp, err := m.Ask(context.Background(), AskRequest{Question: "what does the fox do"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Fragments)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, "mv://fox", resp.Fragments[0].URI)

	_, err = m.Ask(context.Background(), AskRequest{Question: "fox", Synthesize: true})
	assert.ErrorIs(t, err, ErrAPIKeyRequired)
}

func TestPutNoRawAndEnrichment(t *testing.T) {
	ctx := context.Background()
	m, _ := create(t, WithIndexes(allIndexes()))

	res, err := m.PutWithResult(ctx, []byte("Meeting with Ada on 2024-03-15 about compilers and compilers"), PutOptions{
		NoRaw:           true,
		AutoTag:         true,
		ExtractDates:    true,
		ExtractTriplets: true,
	})
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, errcode.NERModelNotAvailable, res.Warnings[0].Code)

	f, err := m.FrameByID(res.FrameID)
	require.NoError(t, err)
	assert.False(t, f.HasRaw())
	assert.Equal(t, "2024-03-15", f.Tags["date"])
	assert.True(t, f.HasLabel("compilers"))

	content, err := m.FrameContent(res.FrameID)
	require.NoError(t, err)
	assert.Contains(t, content, "Meeting with Ada")

	_, err = m.Put(ctx, []byte("strict"), PutOptions{ExtractTriplets: true, RequireEnrichment: true})
	assert.True(t, errcode.Has(err, errcode.NERModelNotAvailable))
}

func TestImageEmbeddingNeedsTicket(t *testing.T) {
	ctx := context.Background()
	pub, issue := newIssuer(t)
	cfg := allIndexes()
	cfg.Clip, cfg.ClipDim = true, 2
	m, _ := create(t, WithIndexes(cfg), WithTicketKey(pub))

	_, err := m.Put(ctx, []byte("photo"), PutOptions{ImageEmbedding: []float32{1, 0}})
	assert.ErrorIs(t, err, ErrTicketRequired)

	_, err = m.BindTicket(ctx, issue(ticket.TierDev, 1))
	require.NoError(t, err)
	id := put(t, m, "photo", PutOptions{ImageEmbedding: []float32{1, 0}})

	resp, err := m.SearchImage(ctx, ImageRequest{Embedding: []float32{1, 0}})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, id, resp.Hits[0].FrameID)
}

func TestRelatedAndSimilar(t *testing.T) {
	m, _ := create(t, WithIndexes(allIndexes()))
	a := put(t, m, "the quick brown fox jumps over the lazy dog", PutOptions{
		Triplets: []frame.Triplet{{Subject: "fox", Predicate: "jumps over", Object: "dog"}},
	})
	b := put(t, m, "the quick brown fox jumps over the lazy dog!", PutOptions{})

	edges, err := m.Related("Fox")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, a, edges[0].FrameID)

	sim, err := m.Similar(a, 16)
	require.NoError(t, err)
	require.NotEmpty(t, sim)
	assert.Equal(t, b, sim[0].FrameID)
}

// corruptRegion flips one byte in the middle of the region of kind k.
func corruptRegion(t *testing.T, path string, k manifest.Kind) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	defer f.Close()
	info, err := f.Stat()
	require.NoError(t, err)
	toc, _, err := store.SelectTOC(f, info.Size())
	require.NoError(t, err)
	e, ok := toc.Entry(k)
	require.True(t, ok)

	off := e.Offset + e.Length/2
	b := make([]byte, 1)
	_, err = f.ReadAt(b, off)
	require.NoError(t, err)
	b[0] ^= 0xFF
	_, err = f.WriteAt(b, off)
	require.NoError(t, err)
}

func TestVerifyAndDoctor(t *testing.T) {
	ctx := context.Background()
	m, path := create(t, WithIndexes(allIndexes()))
	put(t, m, "alpha beta gamma", PutOptions{URI: "mv://1", Embedding: []float32{1, 0, 0}})
	put(t, m, "delta epsilon", PutOptions{URI: "mv://2", Embedding: []float32{0, 1, 0}})
	require.NoError(t, m.Commit(ctx))

	_, err := Verify(ctx, path, true)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, m.Close())

	rep, err := Verify(ctx, path, true)
	require.NoError(t, err)
	assert.Equal(t, doctor.StatusPassed, rep.Status)
	assert.Empty(t, rep.Fatal())

	corruptRegion(t, path, manifest.KindLex)
	rep, err = Verify(ctx, path, true)
	require.NoError(t, err)
	assert.Equal(t, doctor.StatusDegraded, rep.Status)
	require.NotEmpty(t, rep.Findings)
	for _, f := range rep.Findings {
		assert.Equal(t, doctor.Repairable, f.Severity, f.String())
		assert.Equal(t, "lex", f.Region, f.String())
	}

	dr, err := Doctor(ctx, path, DoctorOptions{})
	require.NoError(t, err)
	assert.Equal(t, doctor.DoctorHealed, dr.Status)

	m = reopen(t, path)
	resp, err := m.Search(ctx, SearchRequest{Query: "epsilon"})
	require.NoError(t, err)
	require.Len(t, resp.Hits, 1)
	assert.Equal(t, frame.ID(1), resp.Hits[0].FrameID)
}

func TestLockedByWriter(t *testing.T) {
	_, path := create(t)
	_, err := Open(path)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestReadOnlyRejectsMutations(t *testing.T) {
	m, path := create(t)
	put(t, m, "kept", PutOptions{})
	require.NoError(t, m.Close())

	ro := reopen(t, path, WithReadOnly())
	_, err := ro.Put(context.Background(), []byte("nope"), PutOptions{})
	assert.ErrorIs(t, err, ErrFeatureUnavailable)

	// Shared locks coexist.
	ro2 := reopen(t, path, WithReadOnly())
	content, err := ro2.FrameContent(0)
	require.NoError(t, err)
	assert.Equal(t, "kept", content)
}

func TestSealAndBackupRestore(t *testing.T) {
	ctx := context.Background()
	pub, issue := newIssuer(t)
	m, _ := create(t, WithTicketKey(pub), WithIndexes(allIndexes()))
	put(t, m, "remember the alamo", PutOptions{URI: "mv://alamo"})

	bs := blobstore.NewMemoryStore()
	_, err := m.Backup(ctx, bs, "nightly")
	assert.ErrorIs(t, err, ErrTicketRequired)

	_, err = m.BindTicket(ctx, issue(ticket.TierEnterprise, 1))
	require.NoError(t, err)
	_, err = m.Backup(ctx, bs, "nightly")
	assert.ErrorIs(t, err, ErrRequiresSealed)

	require.NoError(t, m.Seal(ctx))
	assert.True(t, m.Sealed())
	_, err = m.Put(ctx, []byte("late"), PutOptions{})
	assert.ErrorIs(t, err, ErrRequiresOpen)

	d, err := m.Backup(ctx, bs, "nightly")
	require.NoError(t, err)
	assert.Equal(t, m.MemoryID(), d.MemoryID)
	assert.Equal(t, 1, d.Frames)

	target := filepath.Join(t.TempDir(), "restored.mv")
	_, err = Restore(ctx, bs, "", target)
	require.NoError(t, err)

	restored := reopen(t, target, WithReadOnly())
	content, err := restored.FrameContentByURI("mv://alamo")
	require.NoError(t, err)
	assert.Equal(t, "remember the alamo", content)
	assert.Equal(t, m.MemoryID(), restored.MemoryID())

	_, err = Restore(ctx, bs, "", target)
	assert.True(t, errors.Is(err, os.ErrExist))
}

func TestClosedMemory(t *testing.T) {
	m, _ := create(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Put(context.Background(), []byte("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrRequiresOpen)
	_, err = m.Stats()
	assert.ErrorIs(t, err, ErrRequiresOpen)
	_, err = m.Search(context.Background(), SearchRequest{Query: "x"})
	assert.ErrorIs(t, err, ErrRequiresOpen)
}

func TestMetricsAndStats(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	m, _ := create(t, WithMetricsCollector(metrics), WithIndexes(allIndexes()), WithCapacity(1<<20))

	put(t, m, "counted once", PutOptions{Dedup: true, Embedding: []float32{1, 1, 1}})
	put(t, m, "counted once", PutOptions{Dedup: true})
	_, err := m.Search(ctx, SearchRequest{Query: "counted"})
	require.NoError(t, err)
	require.NoError(t, m.Commit(ctx))

	ms := metrics.GetStats()
	assert.Equal(t, int64(2), ms.PutCount)
	assert.Equal(t, int64(1), ms.PutDeduplicated)
	assert.Equal(t, int64(1), ms.SearchCount)
	assert.Equal(t, int64(1), ms.CommitCount)

	st, err := m.Stats()
	require.NoError(t, err)
	assert.Equal(t, 1, st.FrameCount)
	assert.Equal(t, 1, st.VectorCount)
	assert.True(t, st.HasLexIndex && st.HasVecIndex && st.HasTimeIndex && st.HasMesh && st.HasSketch)
	assert.False(t, st.HasClipIndex)
	assert.Equal(t, uint64(1<<20), st.CapacityBytes)
	assert.Equal(t, st.CapacityBytes-st.LogicalBytes, st.RemainingCapacityBytes)
	assert.Equal(t, ticket.TierFree, st.Tier)
	assert.Equal(t, 1, st.WALRecordsPending, "commit alone does not checkpoint")
	assert.Positive(t, st.Generation)
	assert.True(t, st.Features.Has(FeatureLex|FeatureVec))
}

func TestVersion(t *testing.T) {
	v := Version()
	assert.Equal(t, LibraryVersion, v.Library)
	assert.Equal(t, uint16(manifest.FormatVersion), v.FormatVersion)
}

func TestCheckpointSyncFailureKeepsFrames(t *testing.T) {
	faulty := fs.NewFaultyFS(nil)
	m, path := create(t, withFS(faulty), WithIndexes(IndexConfig{Lex: true, Time: true}))
	ctx := context.Background()

	id := put(t, m, "release notes for the spring launch", PutOptions{URI: "mv://notes/spring"})

	faulty.AddRule(filepath.Base(path), fs.Fault{FailAfterBytes: -1, FailOnSync: true})
	err := m.Checkpoint(ctx)
	require.Error(t, err)
	assert.Equal(t, errcode.CheckpointFailed, Code(err))

	faulty.ClearRules()
	require.NoError(t, m.Checkpoint(ctx))
	require.NoError(t, m.Close())

	m = reopen(t, path)
	f, err := m.FrameByID(id)
	require.NoError(t, err)
	assert.Equal(t, "mv://notes/spring", f.URI)
}
