// Package index implements the secondary indexes of a memory file.
//
// Every index is derived from the frame table and can be rebuilt from it at
// any time. The set of kinds is fixed:
//
//   - Lexical: BM25 full-text over title and index text.
//   - Vector: exact cosine similarity over frame embeddings.
//   - Clip: a Vector over image embeddings with its own dimension.
//   - Timeline: frames ordered by (timestamp, id).
//   - Mesh: the logic mesh, entity → frames via extracted triplets.
//   - Sketch: 64-bit simhash sketches for near-duplicate lookup.
//
// Only active frames are indexed. Marshalled forms are canonical, so an
// index maintained incrementally and one rebuilt from the same active frames
// encode to identical bytes.
//
// Indexes are safe for concurrent use.
package index
