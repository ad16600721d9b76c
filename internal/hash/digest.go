package hash

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DigestPrefix tags digests produced by Digest.
const DigestPrefix = "blake2b256:"

// Sum256 returns the BLAKE2b-256 sum of data.
func Sum256(data []byte) [32]byte {
	return blake2b.Sum256(data)
}

// Digest streams r through BLAKE2b-256 and returns "blake2b256:<hex>".
func Digest(r io.Reader) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return DigestPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// ParseDigest validates a digest string and returns the raw sum.
func ParseDigest(s string) ([]byte, error) {
	if !strings.HasPrefix(s, DigestPrefix) {
		return nil, fmt.Errorf("digest: missing %q prefix", DigestPrefix)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(s, DigestPrefix))
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	if len(raw) != blake2b.Size256 {
		return nil, fmt.Errorf("digest: expected %d bytes, got %d", blake2b.Size256, len(raw))
	}
	return raw, nil
}
