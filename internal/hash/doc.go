// Package hash provides the checksums and digests used by the container.
//
// # CRC32-Castagnoli (CRC32C)
//
// Every persisted structure (header, TOC slots, regions, WAL records, frame
// records) is protected with CRC32C, which is hardware accelerated on x86
// (SSE4.2) and ARM (CRC extension):
//
//	checksum := hash.CRC32C(data)
//
// CRC32C detects accidental corruption only.
//
// # BLAKE2b-256
//
// Content equality (dedup) and model artifact digests use BLAKE2b-256 from
// golang.org/x/crypto:
//
//	sum := hash.Sum256(payload)
//	digest, err := hash.Digest(r) // "blake2b256:<hex>"
package hash
