package fs

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the default error returned by injected faults.
var ErrInjected = errors.New("injected fault error")

// Fault defines specific failure behavior.
//
// Rules are evaluated on every write, so a fault can be armed after a file has
// been opened.
type Fault struct {
	// FailAfterBytes fails writes once this many bytes have been written to
	// the file since the rule was added. -1 disables the limit.
	FailAfterBytes int64
	// TornWrite writes the bytes that still fit under FailAfterBytes before
	// failing, simulating a partial sector write.
	TornWrite      bool
	FailOnSync     bool
	FailOnTruncate bool
	Err            error
}

type rule struct {
	fault   Fault
	written int64
}

// FaultyFS is a FileSystem wrapper that can inject errors.
type FaultyFS struct {
	FS    FileSystem
	mu    sync.Mutex
	rules map[string]*rule // filename pattern -> rule
}

// NewFaultyFS creates a new FaultyFS wrapping the provided FS (or Default if nil).
func NewFaultyFS(fsys FileSystem) *FaultyFS {
	if fsys == nil {
		fsys = Default
	}
	return &FaultyFS{
		FS:    fsys,
		rules: make(map[string]*rule),
	}
}

// AddRule adds a fault injection rule for files whose name contains pattern.
func (f *FaultyFS) AddRule(pattern string, fault Fault) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[pattern] = &rule{fault: fault}
}

// ClearRules removes all fault rules.
func (f *FaultyFS) ClearRules() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = make(map[string]*rule)
}

func (f *FaultyFS) match(name string) *rule {
	var best *rule
	bestLen := -1
	for pattern, r := range f.rules {
		if strings.Contains(name, pattern) && len(pattern) > bestLen {
			best, bestLen = r, len(pattern)
		}
	}
	return best
}

func (f *FaultyFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	file, err := f.FS.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return &faultyFile{File: file, fs: f, name: name}, nil
}

func (f *FaultyFS) Remove(name string) error              { return f.FS.Remove(name) }
func (f *FaultyFS) Stat(name string) (os.FileInfo, error) { return f.FS.Stat(name) }

type faultyFile struct {
	File
	fs   *FaultyFS
	name string
}

func faultErr(fault Fault) error {
	if fault.Err != nil {
		return fault.Err
	}
	return ErrInjected
}

// allow reports how many of n bytes may be written and the error to return
// for the remainder.
func (ff *faultyFile) allow(n int) (int, error) {
	ff.fs.mu.Lock()
	defer ff.fs.mu.Unlock()

	r := ff.fs.match(ff.name)
	if r == nil || r.fault.FailAfterBytes < 0 {
		return n, nil
	}
	remaining := r.fault.FailAfterBytes - r.written
	if int64(n) <= remaining {
		r.written += int64(n)
		return n, nil
	}
	if !r.fault.TornWrite || remaining <= 0 {
		return 0, faultErr(r.fault)
	}
	r.written += remaining
	return int(remaining), faultErr(r.fault)
}

func (ff *faultyFile) WriteAt(p []byte, off int64) (int, error) {
	n, ferr := ff.allow(len(p))
	if n == 0 && ferr != nil {
		return 0, ferr
	}
	written, err := ff.File.WriteAt(p[:n], off)
	if err != nil {
		return written, err
	}
	return written, ferr
}

func (ff *faultyFile) Sync() error {
	ff.fs.mu.Lock()
	r := ff.fs.match(ff.name)
	ff.fs.mu.Unlock()
	if r != nil && r.fault.FailOnSync {
		return faultErr(r.fault)
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Truncate(size int64) error {
	ff.fs.mu.Lock()
	r := ff.fs.match(ff.name)
	ff.fs.mu.Unlock()
	if r != nil && r.fault.FailOnTruncate {
		return faultErr(r.fault)
	}
	return ff.File.Truncate(size)
}
