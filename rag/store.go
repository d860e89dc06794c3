package rag

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
)

// Hit is one search result from the vector store.
type Hit struct {
	ID    string            `json:"id"`
	Score float64           `json:"score"`
	Meta  map[string]string `json:"meta"`
}

// VectorStore stores chunk vectors and retrieves them by similarity.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error
	Search(ctx context.Context, vec []float32, topK int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// MemoryStore is an in-memory vector store using cosine similarity over
// normalized vectors.
type MemoryStore struct {
	vectors  map[string][]float32
	metadata map[string]map[string]string
	mu       sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		vectors:  make(map[string][]float32),
		metadata: make(map[string]map[string]string),
	}
}

// Upsert stores or updates a vector with metadata.
func (m *MemoryStore) Upsert(ctx context.Context, id string, vec []float32, meta map[string]string) error {
	if len(vec) == 0 {
		return fmt.Errorf("empty vector for id %s", id)
	}

	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalize(normalized)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors[id] = normalized
	m.metadata[id] = make(map[string]string, len(meta))
	for k, v := range meta {
		m.metadata[id][k] = v
	}
	return nil
}

// Search ranks all stored vectors by cosine similarity descending and
// returns the top K.
func (m *MemoryStore) Search(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	queryVec := make([]float32, len(vec))
	copy(queryVec, vec)
	normalize(queryVec)

	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.vectors))
	for id, stored := range m.vectors {
		meta := make(map[string]string, len(m.metadata[id]))
		for k, v := range m.metadata[id] {
			meta[k] = v
		}
		hits = append(hits, Hit{
			ID:    id,
			Score: dot(queryVec, stored),
			Meta:  meta,
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})

	if topK > 0 && topK < len(hits) {
		hits = hits[:topK]
	}
	return hits, nil
}

// Count returns the number of stored vectors.
func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.vectors), nil
}

// Clear removes all vectors.
func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vectors = make(map[string][]float32)
	m.metadata = make(map[string]map[string]string)
	return nil
}

func normalize(vec []float32) {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
}

func dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
