// Package manifest reads and writes the fixed prefix of a memory file: the
// file header and the two table-of-contents (TOC) slots.
//
// # Layout
//
//	[header 4 KiB][TOC slot A 64 KiB][TOC slot B 64 KiB][regions...][WAL → EOF]
//
// The header never changes after creation. A TOC with generation g lives in
// slot g%2, so committing generation g+1 overwrites only the older slot. On
// open the newest slot that passes its checksum wins: a torn slot write
// falls back to the previous generation.
//
// # TOC slot
//
//	Magic      (4 bytes) - "MTOC"
//	Version    (2 bytes)
//	Reserved   (2 bytes)
//	Generation (8 bytes)
//	Length     (4 bytes) - payload length
//	Checksum   (4 bytes) - CRC32C of payload
//	Payload:
//	  Features, dimensions, checkpoint sequence, next frame id, sealed flag,
//	  compression, ticket binding and the region entries.
//
// All integers are little-endian.
package manifest
