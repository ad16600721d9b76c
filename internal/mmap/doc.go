// Package mmap maps memory files read-only.
//
// Verify maps the file once under a shared lock and decodes the header,
// TOC slots, regions and WAL from the mapping, so it never writes to the
// file. Local backup blobs are served from a mapping as well.
//
//	m, err := mmap.Map(f)
//	if err != nil { ... }
//	defer m.Close()
//
//	lex, err := m.Slice(entry.Offset, entry.Length)
package mmap
