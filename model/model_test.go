package model

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/signature"
)

type fakeModel struct {
	man      Manifest
	artifact []byte
	opens    int
	err      error
}

func (f *fakeModel) Manifest() Manifest { return f.man }

func (f *fakeModel) Artifact() (io.ReadCloser, error) {
	f.opens++
	return io.NopCloser(bytes.NewReader(f.artifact)), nil
}

func (f *fakeModel) Embed(_ context.Context, text string) ([]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1, 0}, nil
}

func (f *fakeModel) Rerank(_ context.Context, _ string, passages []string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = float64(len(p))
	}
	return out, nil
}

func (f *fakeModel) Extract(_ context.Context, _ string) ([]frame.Triplet, error) {
	return []frame.Triplet{{Subject: "a", Predicate: "b", Object: "c"}}, f.err
}

func signedModel(t *testing.T, priv ed25519.PrivateKey, kind Kind, dim int) *fakeModel {
	t.Helper()
	artifact := []byte("weights for " + string(kind))
	digest, err := DigestOf(bytes.NewReader(artifact))
	require.NoError(t, err)
	m := &fakeModel{
		man:      Manifest{Name: "mini", Version: "1.0", Kind: kind, Digest: digest, Dimension: dim},
		artifact: artifact,
	}
	m.man.Signature = signature.Sign(m.man.Payload(), priv)
	return m
}

func TestGateAcceptsAndCaches(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	g := NewGate(pub, nil)

	m := signedModel(t, priv, KindEmbedding, 3)
	require.NoError(t, g.Check(m, KindEmbedding, 3))
	require.NoError(t, g.Check(m, KindEmbedding, 0))
	assert.Equal(t, 1, m.opens, "successful checks are cached")
}

func TestGateRejections(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	tests := []struct {
		name   string
		gate   *Gate
		mutate func(*fakeModel)
		kind   Kind
		dim    int
		code   errcode.Code
	}{
		{"wrong kind", NewGate(pub, nil), func(*fakeModel) {}, KindRerank, 0, errcode.ModelManifestInvalid},
		{"missing name", NewGate(pub, nil), func(m *fakeModel) { m.man.Name = "" }, KindEmbedding, 0, errcode.ModelManifestInvalid},
		{"bad digest format", NewGate(pub, nil), func(m *fakeModel) { m.man.Digest = "sha1:abc" }, KindEmbedding, 0, errcode.ModelManifestInvalid},
		{"no key", NewGate(nil, nil), func(*fakeModel) {}, KindEmbedding, 0, errcode.ModelSignatureInvalid},
		{"tampered manifest", NewGate(pub, nil), func(m *fakeModel) { m.man.Version = "2.0" }, KindEmbedding, 0, errcode.ModelSignatureInvalid},
		{"tampered artifact", NewGate(pub, nil), func(m *fakeModel) { m.artifact = []byte("evil") }, KindEmbedding, 0, errcode.ModelIntegrity},
		{"dimension", NewGate(pub, nil), func(*fakeModel) {}, KindEmbedding, 8, errcode.ModelIntegrity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := signedModel(t, priv, KindEmbedding, 3)
			tt.mutate(m)
			assert.ErrorIs(t, tt.gate.Check(m, tt.kind, tt.dim), tt.code)
		})
	}
}

func TestGateCollaboratorCalls(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	g := NewGate(pub, nil)
	ctx := context.Background()

	e := signedModel(t, priv, KindEmbedding, 3)
	vec, err := g.Embed(ctx, e, "hello", 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 1, 0}, vec)

	e.err = errors.New("gpu on fire")
	_, err = g.Embed(ctx, e, "hello", 3)
	assert.ErrorIs(t, err, errcode.EmbeddingFailed)

	r := signedModel(t, priv, KindRerank, 0)
	scores, err := g.Rerank(ctx, r, "q", []string{"a", "bbb"})
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 3}, scores)

	x := signedModel(t, priv, KindExtraction, 0)
	ts, err := g.Extract(ctx, x, "text")
	require.NoError(t, err)
	assert.Len(t, ts, 1)

	x.err = errors.New("nope")
	_, err = g.Extract(ctx, x, "text")
	assert.ErrorIs(t, err, errcode.ExtractionFailed)

	// an unverified embedder never runs
	_, err = NewGate(nil, nil).Embed(ctx, e, "x", 3)
	assert.ErrorIs(t, err, errcode.ModelSignatureInvalid)
}
