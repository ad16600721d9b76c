package fs

import (
	"io"
	"os"
)

// File is an open memory file. All I/O is positional.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	// Fd is used for advisory locking.
	Fd() uintptr
}

// FileSystem opens memory files and removes the auxiliary files the
// doctor finds beside them.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
}

type osFS struct{}

func (osFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		// Avoid a non-nil File holding a nil *os.File.
		return nil, err
	}
	return f, nil
}

func (osFS) Remove(name string) error { return os.Remove(name) }

func (osFS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }

// Default is backed by the os package.
var Default FileSystem = osFS{}

// SyncDir fsyncs dir so that a file created in it survives a crash.
func SyncDir(fsys FileSystem, dir string) error {
	d, err := fsys.OpenFile(dir, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	err = d.Sync()
	if cerr := d.Close(); err == nil {
		err = cerr
	}
	return err
}
