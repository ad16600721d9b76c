package index

import (
	"math"
	"slices"
	"sync"

	"github.com/viterin/vek/vek32"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wire"
)

const vectorVersion = 1

// Vector is an exact cosine-similarity index with a fixed dimension.
//
// A dimension of 0 is adopted from the first vector added.
type Vector struct {
	mu      sync.RWMutex
	kind    Kind
	dim     int
	source  func(*frame.Frame) []float32
	vectors map[frame.ID][]float32
}

var _ Index = (*Vector)(nil)

// NewVector returns an index over frame embeddings.
func NewVector(dim int) *Vector {
	return &Vector{
		kind:    KindVec,
		dim:     dim,
		source:  func(f *frame.Frame) []float32 { return f.Embedding },
		vectors: make(map[frame.ID][]float32),
	}
}

// NewClip returns an index over frame image embeddings.
func NewClip(dim int) *Vector {
	v := NewVector(dim)
	v.kind = KindClip
	v.source = func(f *frame.Frame) []float32 { return f.ImageEmbedding }
	return v
}

func (v *Vector) Kind() Kind { return v.kind }

// Dim returns the index dimension, 0 if not yet known.
func (v *Vector) Dim() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dim
}

// CheckDim fails with VecDimensionMismatch if vec cannot be indexed.
func (v *Vector) CheckDim(vec []float32) error {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.checkDimLocked(vec)
}

func (v *Vector) checkDimLocked(vec []float32) error {
	if v.dim != 0 && len(vec) != v.dim {
		return errcode.Newf(errcode.VecDimensionMismatch, v.kind.String()+" index",
			"expected dimension %d, got %d", v.dim, len(vec))
	}
	return nil
}

func (v *Vector) Add(f *frame.Frame) error {
	vec := v.source(f)
	if len(vec) == 0 {
		return nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.checkDimLocked(vec); err != nil {
		return err
	}
	if v.dim == 0 {
		v.dim = len(vec)
	}
	v.vectors[f.ID] = slices.Clone(vec)
	return nil
}

func (v *Vector) Remove(id frame.ID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.vectors, id)
}

func (v *Vector) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.vectors)
}

func (v *Vector) SizeBytes() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return int64(len(v.vectors)) * int64(8+4*v.dim)
}

// Reset drops all vectors but keeps the dimension.
func (v *Vector) Reset() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.vectors = make(map[frame.ID][]float32)
}

// Cosine returns the cosine similarity of a and b, 0 for zero vectors.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	c := vek32.CosineSimilarity(a, b)
	if math.IsNaN(float64(c)) {
		return 0
	}
	return float64(c)
}

// Similarity returns the cosine similarity of q to the vector of id.
func (v *Vector) Similarity(q []float32, id frame.ID) (float64, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	vec, ok := v.vectors[id]
	if !ok {
		return 0, false
	}
	return Cosine(q, vec), true
}

// Search returns every allowed vector scored by cosine similarity to q,
// ordered by descending score, then ascending id. k <= 0 returns all.
func (v *Vector) Search(q []float32, k int, filter Filter) ([]Hit, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.checkDimLocked(q); err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(v.vectors))
	for id, vec := range v.vectors {
		if !filter.allows(id) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: Cosine(q, vec)})
	}
	SortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (v *Vector) MarshalBinary() ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	ids := sortedKeys(v.vectors)
	w := wire.NewWriter(make([]byte, 0, 16+len(ids)*(8+4*v.dim)))
	w.Uint8(vectorVersion)
	w.Uint32(uint32(v.dim))
	w.Len32(len(ids))
	for _, id := range ids {
		w.Uint64(id)
		for _, x := range v.vectors[id] {
			w.Float32(x)
		}
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal vector index", err)
	}
	return w.Bytes(), nil
}

func (v *Vector) UnmarshalBinary(data []byte) error {
	const op = "unmarshal vector index"
	r := wire.NewReader(data)
	if ver := r.Uint8(); ver != vectorVersion {
		return errcode.Newf(errcode.Decode, op, "unsupported version %d", ver)
	}
	dim := int(r.Uint32())
	n := r.Len32(8 + 4*dim)

	vectors := make(map[frame.ID][]float32, n)
	for i := 0; i < n && r.Err() == nil; i++ {
		id := r.Uint64()
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = r.Float32()
		}
		vectors[id] = vec
	}
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.Decode, op, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dim != 0 && dim != 0 && dim != v.dim {
		return errcode.Newf(errcode.VecDimensionMismatch, op, "region has dimension %d, file declares %d", dim, v.dim)
	}
	if dim != 0 {
		v.dim = dim
	}
	v.vectors = vectors
	return nil
}
