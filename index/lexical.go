package index

import (
	"cmp"
	"math"
	"slices"
	"sync"

	"github.com/hupe1980/memvault/errcode"
	"github.com/hupe1980/memvault/frame"
	"github.com/hupe1980/memvault/internal/wire"
)

const (
	k1 = 1.2
	b  = 0.75

	lexicalVersion = 1
)

type posting struct {
	id frame.ID
	tf uint32
}

// Lexical is an in-memory BM25 index.
type Lexical struct {
	mu          sync.RWMutex
	inverted    map[string][]posting // sorted by id
	docLengths  map[frame.ID]uint32
	docTerms    map[frame.ID][]string
	totalLength int64
}

var _ Index = (*Lexical)(nil)

// NewLexical returns an empty lexical index.
func NewLexical() *Lexical {
	l := &Lexical{}
	l.Reset()
	return l
}

func (l *Lexical) Kind() Kind { return KindLex }

func (l *Lexical) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inverted = make(map[string][]posting)
	l.docLengths = make(map[frame.ID]uint32)
	l.docTerms = make(map[frame.ID][]string)
	l.totalLength = 0
}

func (l *Lexical) Add(f *frame.Frame) error {
	text, err := f.IndexText()
	if err != nil {
		return err
	}

	tokens := Tokenize(text)
	tf := make(map[string]uint32, len(tokens))
	for _, t := range tokens {
		tf[t]++
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.docLengths[f.ID]; ok {
		l.removeLocked(f.ID)
	}

	terms := make([]string, 0, len(tf))
	for t, n := range tf {
		l.insertPosting(t, posting{id: f.ID, tf: n})
		terms = append(terms, t)
	}
	l.docLengths[f.ID] = uint32(len(tokens))
	l.docTerms[f.ID] = terms
	l.totalLength += int64(len(tokens))
	return nil
}

func (l *Lexical) insertPosting(term string, p posting) {
	ps := l.inverted[term]
	i, _ := slices.BinarySearchFunc(ps, p.id, func(e posting, id frame.ID) int { return cmp.Compare(e.id, id) })
	l.inverted[term] = slices.Insert(ps, i, p)
}

func (l *Lexical) Remove(id frame.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.removeLocked(id)
}

func (l *Lexical) removeLocked(id frame.ID) {
	length, ok := l.docLengths[id]
	if !ok {
		return
	}
	for _, t := range l.docTerms[id] {
		ps := l.inverted[t]
		i, found := slices.BinarySearchFunc(ps, id, func(e posting, id frame.ID) int { return cmp.Compare(e.id, id) })
		if !found {
			continue
		}
		ps = slices.Delete(ps, i, i+1)
		if len(ps) == 0 {
			delete(l.inverted, t)
		} else {
			l.inverted[t] = ps
		}
	}
	delete(l.docLengths, id)
	delete(l.docTerms, id)
	l.totalLength -= int64(length)
}

func (l *Lexical) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.docLengths)
}

// Terms returns the number of distinct terms.
func (l *Lexical) Terms() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.inverted)
}

func (l *Lexical) SizeBytes() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var n int64
	for t, ps := range l.inverted {
		n += int64(len(t)) + int64(len(ps))*16
	}
	return n + int64(len(l.docLengths))*32
}

// Search scores every allowed frame matching at least one query term and
// returns hits by descending score, then ascending id.
func (l *Lexical) Search(query string, filter Filter) []Hit {
	terms := Tokenize(query)
	slices.Sort(terms)
	terms = slices.Compact(terms)

	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.docLengths)
	if n == 0 || len(terms) == 0 {
		return nil
	}
	avgDL := float64(l.totalLength) / float64(n)
	if avgDL == 0 {
		avgDL = 1
	}

	scores := make(map[frame.ID]float64)
	for _, t := range terms {
		ps := l.inverted[t]
		if len(ps) == 0 {
			continue
		}
		idf := computeIDF(n, len(ps))
		for _, p := range ps {
			if !filter.allows(p.id) {
				continue
			}
			tf := float64(p.tf)
			docLen := float64(l.docLengths[p.id])
			num := tf * (k1 + 1)
			denom := tf + k1*(1-b+b*(docLen/avgDL))
			scores[p.id] += idf * (num / denom)
		}
	}

	hits := make([]Hit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, Hit{ID: id, Score: s})
	}
	SortHits(hits)
	return hits
}

// computeIDF returns log(1 + (N - n + 0.5) / (n + 0.5)).
func computeIDF(docs, df int) float64 {
	N := float64(docs)
	n := float64(df)
	return math.Log(1 + (N-n+0.5)/(n+0.5))
}

// SortHits orders hits by descending score, then ascending id.
func SortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func (l *Lexical) MarshalBinary() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	w := wire.NewWriter(nil)
	w.Uint8(lexicalVersion)

	ids := sortedKeys(l.docLengths)
	w.Len32(len(ids))
	for _, id := range ids {
		w.Uint64(id)
		w.Uint32(l.docLengths[id])
	}

	terms := sortedKeys(l.inverted)
	w.Len32(len(terms))
	for _, t := range terms {
		ps := l.inverted[t]
		w.Str(t)
		w.Len32(len(ps))
		for _, p := range ps {
			w.Uint64(p.id)
			w.Uint32(p.tf)
		}
	}
	if err := w.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Encode, "marshal lexical index", err)
	}
	return w.Bytes(), nil
}

func (l *Lexical) UnmarshalBinary(data []byte) error {
	const op = "unmarshal lexical index"
	r := wire.NewReader(data)
	if v := r.Uint8(); v != lexicalVersion {
		return errcode.Newf(errcode.Decode, op, "unsupported version %d", v)
	}

	docLengths := make(map[frame.ID]uint32)
	docTerms := make(map[frame.ID][]string)
	var total int64
	nd := r.Len32(12)
	for i := 0; i < nd; i++ {
		id := r.Uint64()
		n := r.Uint32()
		docLengths[id] = n
		total += int64(n)
	}

	inverted := make(map[string][]posting)
	nt := r.Len32(8)
	for i := 0; i < nt && r.Err() == nil; i++ {
		t := r.Str()
		np := r.Len32(12)
		ps := make([]posting, np)
		for j := range ps {
			ps[j] = posting{id: r.Uint64(), tf: r.Uint32()}
			if _, ok := docLengths[ps[j].id]; !ok && r.Err() == nil {
				return errcode.Newf(errcode.Decode, op, "term %q references unknown frame %d", t, ps[j].id)
			}
			if j > 0 && ps[j].id <= ps[j-1].id {
				return errcode.Newf(errcode.Decode, op, "postings of %q out of order", t)
			}
			docTerms[ps[j].id] = append(docTerms[ps[j].id], t)
		}
		inverted[t] = ps
	}
	if err := r.Done(); err != nil {
		return errcode.Wrap(errcode.Decode, op, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.inverted = inverted
	l.docLengths = docLengths
	l.docTerms = docTerms
	l.totalLength = total
	return nil
}

func sortedKeys[K cmp.Ordered, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
