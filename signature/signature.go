// Package signature verifies detached ed25519 signatures over canonical
// payloads. It holds no state and performs no I/O.
package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("signature: invalid signature")
	// ErrInvalidKey is returned for a malformed public key.
	ErrInvalidKey = errors.New("signature: invalid public key")
)

// Verify checks sig over payload under key.
func Verify(payload, sig []byte, key ed25519.PublicKey) error {
	if len(key) != ed25519.PublicKeySize {
		return ErrInvalidKey
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: length %d", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(key, payload, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Sign signs payload with key. Issuers use it to mint tickets and model
// manifests.
func Sign(payload []byte, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, payload)
}

// ParsePublicKey accepts a hex or standard base64 encoded ed25519 key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := decode(s)
	if err != nil || len(b) != ed25519.PublicKeySize {
		return nil, ErrInvalidKey
	}
	return ed25519.PublicKey(b), nil
}

// ParseSignature accepts a hex or standard base64 encoded signature.
func ParseSignature(s string) ([]byte, error) {
	b, err := decode(s)
	if err != nil || len(b) != ed25519.SignatureSize {
		return nil, ErrInvalidSignature
	}
	return b, nil
}

func decode(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
