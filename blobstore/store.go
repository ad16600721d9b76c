package blobstore

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations should return an error that satisfies `errors.Is(err, ErrNotFound)`.
// The default maps to `os.ErrNotExist`.
var ErrNotFound = os.ErrNotExist

// Store is an abstraction over the places memory backups are kept.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)
	// Create creates a blob for streaming writes. The blob becomes visible
	// when the writer is closed.
	Create(ctx context.Context, name string) (WritableBlob, error)
	// Put writes a small blob in one call, replacing any existing one.
	Put(ctx context.Context, name string, data []byte) error
	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error
	// List returns the sorted names of blobs starting with prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to a data blob.
type Blob interface {
	io.Closer
	// ReadAt reads len(p) bytes at off.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)
	// ReadRange returns a reader over [off, off+length).
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)
	// Size returns the size of the blob in bytes.
	Size() int64
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	Sync() error
}

// Mappable is an optional interface for Blobs that support memory mapping.
type Mappable interface {
	// Bytes returns the underlying byte slice.
	// The slice is valid until the Blob is closed.
	Bytes() ([]byte, error)
}

// ReadAll reads the whole blob called name.
func ReadAll(ctx context.Context, s Store, name string) ([]byte, error) {
	b, err := s.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	if m, ok := b.(Mappable); ok {
		data, err := m.Bytes()
		if err != nil {
			return nil, err
		}
		return append([]byte(nil), data...), nil
	}

	r, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
