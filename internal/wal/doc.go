// Package wal implements the write-ahead log embedded at the tail of a
// memory file.
//
// Each record is framed as
//
//	[CRC32C:4][Type:1][Seq:8][Len:4][Payload:Len]
//
// with the checksum covering everything after it. Sequence numbers are
// gapless across checkpoints. An all-zero header terminates the log, which
// lets a checkpoint rewrite the file in place without leaving stale records
// reachable.
package wal
