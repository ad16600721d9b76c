// Package model verifies externally supplied models before they are used
// and defines the collaborator interfaces that run them.
//
// A model ships a Manifest signed by a trusted key together with its
// artifact. The Gate checks the manifest, its signature and the artifact
// digest once per (name, version, digest) and caches the result. Embedding,
// rerank and extraction calls fail when the gate rejects a model; there is
// no silent fallback to an unverified one.
package model
