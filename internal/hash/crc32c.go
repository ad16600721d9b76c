package hash

import (
	"encoding/base64"
	"encoding/binary"
	"hash/crc32"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// CRC32C returns the Castagnoli checksum of the concatenation of parts.
func CRC32C(parts ...[]byte) uint32 {
	var sum uint32
	for _, p := range parts {
		sum = crc32.Update(sum, castagnoli, p)
	}
	return sum
}

// PutCRC32C stores the checksum of data little-endian in the first four
// bytes of dst, the layout of every checksummed block in a memory file.
func PutCRC32C(dst, data []byte) {
	binary.LittleEndian.PutUint32(dst, CRC32C(data))
}

// CheckCRC32C reports whether the first four bytes of stored hold the
// checksum of data as written by PutCRC32C.
func CheckCRC32C(stored, data []byte) bool {
	return len(stored) >= 4 && binary.LittleEndian.Uint32(stored) == CRC32C(data)
}

// CRC32CBase64 encodes the checksum of data the way S3 expects it in the
// x-amz-checksum-crc32c header: big-endian, base64.
func CRC32CBase64(data []byte) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], CRC32C(data))
	return base64.StdEncoding.EncodeToString(b[:])
}
