// Package store implements the frame store engine of a memory file: the
// in-memory frame table and indexes, WAL replay on open, the mutation paths
// and checkpointing.
//
// File layout:
//
//	[header][TOC slot A][TOC slot B][frames][lex][vec][clip][time][mesh][sketch][WAL -> EOF]
//
// A checkpoint writes a new image either in front of the live one, when it
// fits, or behind the WAL, then switches the TOC by writing the inactive
// slot. The slot write is the commit point: until it is durable the
// previous generation and its WAL remain authoritative.
package store
