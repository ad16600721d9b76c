package mmap

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTemp(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.mv")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path
}

func TestReadAt(t *testing.T) {
	m, err := Open(writeTemp(t, []byte("MEMVAULT header")))
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, int64(15), m.Size())

	buf := make([]byte, 6)
	n, err := m.ReadAt(buf, 9)
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, "header", string(buf))

	n, err = m.ReadAt(make([]byte, 10), 9)
	assert.Equal(t, 6, n)
	assert.Equal(t, io.EOF, err)

	_, err = m.ReadAt(buf, 100)
	assert.Equal(t, io.EOF, err)
	_, err = m.ReadAt(buf, -1)
	assert.ErrorIs(t, err, ErrOutOfBounds)
}

func TestSlice(t *testing.T) {
	f, err := os.Open(writeTemp(t, []byte("hdrTOCframes")))
	require.NoError(t, err)
	m, err := Map(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	b, err := m.Slice(3, 3)
	require.NoError(t, err)
	assert.Equal(t, "TOC", string(b))

	b, err = m.Slice(12, 0)
	require.NoError(t, err)
	assert.Empty(t, b)

	for _, tc := range [][2]int64{{10, 3}, {-1, 2}, {0, -1}, {13, 0}} {
		_, err = m.Slice(tc[0], tc[1])
		assert.ErrorIs(t, err, ErrOutOfBounds, "slice(%d, %d)", tc[0], tc[1])
	}

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
	assert.Nil(t, m.Bytes())
	_, err = m.Slice(0, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = m.ReadAt(make([]byte, 1), 0)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestIsZero(t *testing.T) {
	data := make([]byte, 64)
	data[40] = 1
	m, err := Open(writeTemp(t, data))
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.IsZero(0, 40))
	assert.False(t, m.IsZero(0, 41))
	assert.True(t, m.IsZero(41, 100), "clamped to the end of the file")
	assert.True(t, m.IsZero(200, 8))
}

func TestEmptyFile(t *testing.T) {
	m, err := Open(writeTemp(t, nil))
	require.NoError(t, err)
	defer m.Close()
	assert.Zero(t, m.Size())
	assert.True(t, m.IsZero(0, 10))
	require.NoError(t, m.Close())
}

func TestOpenMissing(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.mv"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
