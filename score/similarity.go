package score

import (
	"context"
	"fmt"
	"math"

	"github.com/promptlab/promptlab/core"
)

const cosineEpsilon = 1e-10

// CosineSimilarity returns the normalized dot product of two vectors.
// A small epsilon in the denominator guards against zero-length vectors.
func CosineSimilarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}

	var dot, normA, normB float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(normA)*math.Sqrt(normB) + cosineEpsilon)
}

// Similarity embeds the expected and actual outputs and returns their
// cosine similarity.
func Similarity(ctx context.Context, embedder core.Embedder, expected, actual, model string) (*float64, error) {
	vectors, err := embedder.Embed(ctx, []string{expected, actual}, model)
	if err != nil {
		return nil, fmt.Errorf("similarity embedding failed: %w", err)
	}
	if len(vectors) != 2 {
		return nil, fmt.Errorf("expected 2 vectors, got %d", len(vectors))
	}
	sim := CosineSimilarity(vectors[0], vectors[1])
	return &sim, nil
}
