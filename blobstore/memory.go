package blobstore

import (
	"bytes"
	"context"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// MemoryStore keeps blobs in process memory. Stored bytes are never
// modified in place, so an open Blob keeps reading what it was opened on
// after the name is replaced or deleted.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) get(name string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.blobs[name]
	return data, ok
}

func (m *MemoryStore) publish(name string, data []byte) {
	m.mu.Lock()
	m.blobs[name] = data
	m.mu.Unlock()
}

func (m *MemoryStore) Open(_ context.Context, name string) (Blob, error) {
	data, ok := m.get(name)
	if !ok {
		return nil, ErrNotFound
	}
	return memoryBlob{bytes.NewReader(data), data}, nil
}

// Create buffers writes until Close publishes them under name.
func (m *MemoryStore) Create(_ context.Context, name string) (WritableBlob, error) {
	return &memoryWriter{store: m, name: name}, nil
}

func (m *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	m.publish(name, bytes.Clone(data))
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	delete(m.blobs, name)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(func(yield func(string) bool) {
		for name := range maps.Keys(m.blobs) {
			if strings.HasPrefix(name, prefix) && !yield(name) {
				return
			}
		}
	}), nil
}

// Corrupt replaces blob name with a copy whose byte at off is inverted,
// simulating bit rot in a stored backup. It reports whether off was in range.
func (m *MemoryStore) Corrupt(name string, off int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.blobs[name]
	if !ok || off < 0 || off >= len(data) {
		return false
	}
	data = bytes.Clone(data)
	data[off] = ^data[off]
	m.blobs[name] = data
	return true
}

type memoryBlob struct {
	r    *bytes.Reader
	data []byte
}

func (b memoryBlob) ReadAt(_ context.Context, p []byte, off int64) (int, error) {
	return b.r.ReadAt(p, off)
}

func (b memoryBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(b.r, off, max(length, 0))), nil
}

func (b memoryBlob) Size() int64 { return int64(len(b.data)) }

func (b memoryBlob) Bytes() ([]byte, error) { return b.data, nil }

func (memoryBlob) Close() error { return nil }

type memoryWriter struct {
	store  *MemoryStore
	name   string
	buf    bytes.Buffer
	closed bool
}

func (w *memoryWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	return w.buf.Write(p)
}

func (w *memoryWriter) Sync() error { return nil }

func (w *memoryWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.store.publish(w.name, bytes.Clone(w.buf.Bytes()))
	return nil
}

// Abort drops the buffered bytes without publishing them.
func (w *memoryWriter) Abort() error {
	w.closed = true
	w.buf.Reset()
	return nil
}
