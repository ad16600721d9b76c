// Package doctor verifies memory files and repairs the damage that can be
// repaired without losing committed frames.
//
// Verify is read-only. A shallow pass checks the header, both TOC slots,
// region checksums and the files that must not exist beside a memory. A
// deep pass also replays the WAL, decodes every frame and compares each
// index with a rebuild from the frame table.
//
// Doctor turns the repairable findings of a deep verification into a plan
// and applies it by reopening the memory with the damaged indexes rebuilt
// and a fresh generation written.
package doctor
