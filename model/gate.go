package model

import (
	"crypto/ed25519"
	"log/slog"
	"sync"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/internal/hash"
	"github.com/hupe1980/memvault/signature"
)

// Gate verifies models against a trusted key.
type Gate struct {
	key    ed25519.PublicKey
	logger *slog.Logger

	mu       sync.Mutex
	verified map[string]struct{}
}

// NewGate returns a gate trusting key. A nil key rejects every model.
func NewGate(key ed25519.PublicKey, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Gate{key: key, logger: logger, verified: make(map[string]struct{})}
}

// Check verifies m for use as kind. dim, when positive, must match the
// manifest dimension.
func (g *Gate) Check(m Model, kind Kind, dim int) error {
	const op = "verify model"
	man := m.Manifest()

	if man.Name == "" || man.Version == "" || !man.Kind.valid() {
		return errcode.Newf(errcode.ModelManifestInvalid, op, "incomplete manifest %q", man.Name)
	}
	if man.Kind != kind {
		return errcode.Newf(errcode.ModelManifestInvalid, op, "%s is a %s model, need %s", man, man.Kind, kind)
	}
	if _, err := hash.ParseDigest(man.Digest); err != nil {
		return errcode.Wrapf(errcode.ModelManifestInvalid, op, err, "%s", man)
	}
	if kind == KindEmbedding && man.Dimension <= 0 {
		return errcode.Newf(errcode.ModelManifestInvalid, op, "%s declares no dimension", man)
	}

	g.mu.Lock()
	_, ok := g.verified[man.key()]
	g.mu.Unlock()
	if ok {
		return checkDim(man, dim)
	}

	if len(g.key) == 0 {
		return errcode.New(errcode.ModelSignatureInvalid, op, "no trusted model key configured")
	}
	if err := signature.Verify(man.Payload(), man.Signature, g.key); err != nil {
		return errcode.Wrapf(errcode.ModelSignatureInvalid, op, err, "%s", man)
	}

	rc, err := m.Artifact()
	if err != nil {
		return errcode.Wrapf(errcode.ModelIntegrity, op, err, "open artifact of %s", man)
	}
	digest, err := hash.Digest(rc)
	_ = rc.Close()
	if err != nil {
		return errcode.Wrapf(errcode.ModelIntegrity, op, err, "hash artifact of %s", man)
	}
	if digest != man.Digest {
		return errcode.Newf(errcode.ModelIntegrity, op, "%s: artifact digest %s does not match manifest", man, digest)
	}
	if err := checkDim(man, dim); err != nil {
		return err
	}

	g.mu.Lock()
	g.verified[man.key()] = struct{}{}
	g.mu.Unlock()
	g.logger.Debug("model verified", "name", man.Name, "version", man.Version, "kind", string(man.Kind))
	return nil
}

func checkDim(man Manifest, dim int) error {
	if dim > 0 && man.Dimension != dim {
		return errcode.Newf(errcode.ModelIntegrity, "verify model", "%s has dimension %d, index expects %d", man, man.Dimension, dim)
	}
	return nil
}
