// Package embeddingstest provides a deterministic in-process embedder.
package embeddingstest

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"sync"
	"unicode"
)

// Fake hashes words into a fixed number of buckets and normalises the
// result, so texts sharing words score higher under cosine similarity.
type Fake struct {
	Dim int

	mu      sync.Mutex
	err     error
	queries []string
	docs    []string
}

// New returns a Fake producing dim-sized vectors.
func New(dim int) *Fake { return &Fake{Dim: dim} }

// FailWith makes subsequent calls return err. Pass nil to recover.
func (f *Fake) FailWith(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Vector returns the embedding for text.
func (f *Fake) Vector(text string) []float32 {
	vec := make([]float32, f.Dim)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(w))
		vec[int(h.Sum32()%uint32(f.Dim))]++
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v * v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec
}

func (f *Fake) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	err := f.err
	f.docs = append(f.docs, texts...)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.Vector(t)
	}
	return out, nil
}

func (f *Fake) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	err := f.err
	f.queries = append(f.queries, text)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.Vector(text), nil
}

func (f *Fake) Dimension() int { return f.Dim }

func (f *Fake) Close() error { return nil }

// Documents returns every text passed to EmbedDocuments.
func (f *Fake) Documents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.docs...)
}

// Queries returns every text passed to EmbedQuery.
func (f *Fake) Queries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.queries...)
}
