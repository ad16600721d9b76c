//go:build unix

package fs

import (
	"errors"

	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned when another process holds a conflicting lock.
var ErrWouldBlock = errors.New("fs: file is locked by another process")

// LockMode selects a shared or exclusive advisory lock.
type LockMode int

const (
	// LockShared allows concurrent readers.
	LockShared LockMode = iota
	// LockExclusive admits a single writer.
	LockExclusive
)

// Lock takes a non-blocking advisory flock(2) on f.
func Lock(f File, mode LockMode) error {
	how := unix.LOCK_SH
	if mode == LockExclusive {
		how = unix.LOCK_EX
	}
	err := unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
		return ErrWouldBlock
	}
	return err
}

// Unlock releases a lock taken with Lock.
func Unlock(f File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
