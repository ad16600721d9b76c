//go:build !unix

package fs

import "errors"

// ErrWouldBlock is returned when another process holds a conflicting lock.
var ErrWouldBlock = errors.New("fs: file is locked by another process")

// LockMode selects a shared or exclusive advisory lock.
type LockMode int

const (
	LockShared LockMode = iota
	LockExclusive
)

// Lock is a no-op where flock(2) is unavailable; a second writer is then
// not detected.
func Lock(File, LockMode) error { return nil }

// Unlock is a no-op where flock(2) is unavailable.
func Unlock(File) error { return nil }
