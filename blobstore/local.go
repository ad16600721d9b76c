package blobstore

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"

	"github.com/hupe1980/memvault/internal/mmap"
)

// LocalStore implements Store using a local directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates a new LocalStore rooted at the given directory.
func NewLocalStore(root string) *LocalStore {
	return &LocalStore{root: root}
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading. Local blobs are memory-mapped.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmap.Open(s.path(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &localBlob{m: m}, nil
}

// Create writes to a temporary file that is renamed into place on Close.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	final := s.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(final), ".blob-*")
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f, final: final}, nil
}

// Put writes a blob atomically.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.(*localWritableBlob).abort()
		return err
	}
	return w.Close()
}

// Delete removes a blob.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns all blob names with the given prefix, using forward slashes.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) && p == s.root {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		if name := filepath.ToSlash(rel); strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(_ context.Context, p []byte, off int64) (n int, err error) {
	if len(p) == 0 {
		return 0, nil
	}
	return b.m.ReadAt(p, off)
}

func (b *localBlob) ReadRange(_ context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(io.NewSectionReader(b.m, off, length)), nil
}

func (b *localBlob) Close() error {
	return b.m.Close()
}

func (b *localBlob) Size() int64 {
	return b.m.Size()
}

func (b *localBlob) Bytes() ([]byte, error) {
	return b.m.Bytes(), nil
}

type localWritableBlob struct {
	f      *os.File
	final  string
	closed atomic.Bool
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	if w.closed.Load() {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error {
	return w.f.Sync()
}

func (w *localWritableBlob) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return os.ErrClosed
	}
	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	if err := os.Rename(w.f.Name(), w.final); err != nil {
		_ = os.Remove(w.f.Name())
		return err
	}
	return syncDir(filepath.Dir(w.final))
}

func (w *localWritableBlob) abort() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.f.Close()
	return os.Remove(w.f.Name())
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
