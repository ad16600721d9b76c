package backup

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/blobstore"
	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/resource"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func writeBackup(t *testing.T, store blobstore.Store, name string, data []byte, gen uint64) *Descriptor {
	t.Helper()
	d, err := Write(context.Background(), store, name, bytes.NewReader(data), int64(len(data)),
		Descriptor{MemoryID: "mem-1", Generation: gen, Frames: 3}, Options{})
	require.NoError(t, err)
	return d
}

func TestWriteAndLoad(t *testing.T) {
	store := blobstore.NewMemoryStore()
	data := payload(4096)

	d := writeBackup(t, store, "nightly", data, 7)
	assert.Equal(t, "nightly.mv", d.Data)
	assert.Equal(t, int64(len(data)), d.Size)
	assert.Contains(t, d.Digest, "blake2b256:")

	got, err := Load(context.Background(), store, "")
	require.NoError(t, err)
	assert.Equal(t, *d, *got)

	raw, err := blobstore.ReadAll(context.Background(), store, "nightly.mv")
	require.NoError(t, err)
	assert.Equal(t, data, raw)
}

func TestCurrentFollowsLatest(t *testing.T) {
	store := blobstore.NewMemoryStore()
	writeBackup(t, store, "a", payload(10), 1)
	writeBackup(t, store, "b", payload(20), 2)

	cur, err := Load(context.Background(), store, "")
	require.NoError(t, err)
	assert.Equal(t, "b", cur.Name)

	a, err := Load(context.Background(), store, "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), a.Generation)

	all, err := List(context.Background(), store)
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestLoadMissing(t *testing.T) {
	store := blobstore.NewMemoryStore()
	_, err := Load(context.Background(), store, "")
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.IO))
	assert.True(t, errors.Is(err, blobstore.ErrNotFound))
}

func TestInvalidNames(t *testing.T) {
	store := blobstore.NewMemoryStore()
	for _, name := range []string{"", CurrentName, "../x", "/abs", "a\\b"} {
		_, err := Write(context.Background(), store, name, bytes.NewReader(nil), 0, Descriptor{}, Options{})
		assert.True(t, errcode.Has(err, errcode.InvalidQuery), name)
	}
}

func TestRestore(t *testing.T) {
	for name, store := range map[string]blobstore.Store{
		"memory": blobstore.NewMemoryStore(),
		"local":  blobstore.NewLocalStore(t.TempDir()),
	} {
		t.Run(name, func(t *testing.T) {
			data := payload(1 << 16)
			writeBackup(t, store, "snap", data, 3)

			path := filepath.Join(t.TempDir(), "restored.mv")
			verified := ""
			d, err := Restore(context.Background(), store, "", path, Options{
				Resources: resource.New(resource.Limits{}),
				Verify: func(_ context.Context, p string) error {
					verified = p
					return nil
				},
			})
			require.NoError(t, err)
			assert.Equal(t, "snap", d.Name)
			assert.NotEmpty(t, verified)
			assert.NotEqual(t, path, verified)

			got, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			entries, err := os.ReadDir(filepath.Dir(path))
			require.NoError(t, err)
			assert.Len(t, entries, 1)
		})
	}
}

func TestRestoreRefusesExistingFile(t *testing.T) {
	store := blobstore.NewMemoryStore()
	writeBackup(t, store, "snap", payload(100), 1)

	path := filepath.Join(t.TempDir(), "memory.mv")
	require.NoError(t, os.WriteFile(path, []byte("keep"), 0o644))

	_, err := Restore(context.Background(), store, "snap", path, Options{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrExist))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "keep", string(got))
}

func TestRestoreDetectsCorruption(t *testing.T) {
	store := blobstore.NewMemoryStore()
	writeBackup(t, store, "snap", payload(1000), 1)
	require.True(t, store.Corrupt("snap.mv", 500))

	path := filepath.Join(t.TempDir(), "memory.mv")
	_, err := Restore(context.Background(), store, "snap", path, Options{})
	require.Error(t, err)
	assert.True(t, errcode.Has(err, errcode.ChecksumMismatch))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreVerifyFailureLeavesNothing(t *testing.T) {
	store := blobstore.NewMemoryStore()
	writeBackup(t, store, "snap", payload(100), 1)

	dir := t.TempDir()
	path := filepath.Join(dir, "memory.mv")
	_, err := Restore(context.Background(), store, "snap", path, Options{
		Verify: func(context.Context, string) error {
			return errcode.New(errcode.Doctor, "verify", "bad")
		},
	})
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
