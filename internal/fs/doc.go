// Package fs is the file layer under a memory file.
//
// [Default] is backed by the os package; [FaultyFS] wraps any
// [FileSystem] and injects write, torn-write, sync and truncate failures
// per file name pattern so crash recovery can be tested.
//
// [Lock] takes a non-blocking flock(2). A writer holds an exclusive lock,
// read-only handles and Verify hold a shared one. A conflicting holder
// yields [ErrWouldBlock]; callers never wait.
package fs
