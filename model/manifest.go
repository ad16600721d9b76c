package model

import (
	"fmt"
	"io"

	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/internal/wire"
)

// Kind is the role of a model.
type Kind string

const (
	KindEmbedding  Kind = "embedding"
	KindRerank     Kind = "rerank"
	KindExtraction Kind = "extraction"
)

func (k Kind) valid() bool {
	return k == KindEmbedding || k == KindRerank || k == KindExtraction
}

// Manifest describes a model artifact.
type Manifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`
	// Digest is "blake2b256:<hex>" of the artifact bytes.
	Digest string `json:"digest"`
	// Dimension is the output dimension of an embedding model.
	Dimension int    `json:"dimension,omitempty"`
	Signature []byte `json:"signature"`
}

// Payload returns the canonical bytes covered by the signature.
func (m Manifest) Payload() []byte {
	w := wire.NewWriter(nil)
	w.Raw([]byte("MVMODEL1"))
	w.Str(m.Name)
	w.Str(m.Version)
	w.Str(string(m.Kind))
	w.Str(m.Digest)
	w.Uint32(uint32(m.Dimension))
	return w.Bytes()
}

func (m Manifest) key() string {
	return m.Name + "@" + m.Version + "#" + m.Digest
}

func (m Manifest) String() string {
	return fmt.Sprintf("%s@%s (%s)", m.Name, m.Version, m.Kind)
}

// Model is a verifiable model.
type Model interface {
	Manifest() Manifest
	// Artifact opens the model bytes for digest verification.
	Artifact() (io.ReadCloser, error)
}

// DigestOf computes the manifest digest string for artifact bytes.
func DigestOf(r io.Reader) (string, error) {
	return hash.Digest(r)
}
