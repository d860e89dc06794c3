package score

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/promptlab/promptlab/llm/mock"
)

func TestCosineSimilarityIdentical(t *testing.T) {
	v := []float32{0.3, 0.7, 0.1, 0.9}
	if sim := CosineSimilarity(v, v); math.Abs(sim-1.0) > 1e-6 {
		t.Errorf("expected ~1.0 for identical vectors, got %f", sim)
	}
}

func TestCosineSimilaritySymmetric(t *testing.T) {
	a := []float32{1, 2, 3}
	b := []float32{4, 5, 6}
	if CosineSimilarity(a, b) != CosineSimilarity(b, a) {
		t.Error("cosine similarity must be symmetric")
	}
}

func TestCosineSimilarityZeroVector(t *testing.T) {
	a := []float32{0, 0, 0}
	b := []float32{1, 2, 3}
	if sim := CosineSimilarity(a, b); sim != 0 {
		t.Errorf("expected 0 for a zero vector, got %f", sim)
	}
}

func TestCosineSimilarityOrthogonal(t *testing.T) {
	a := []float32{1, 0}
	b := []float32{0, 1}
	if sim := CosineSimilarity(a, b); math.Abs(sim) > 1e-6 {
		t.Errorf("expected ~0 for orthogonal vectors, got %f", sim)
	}
}

func TestSimilarity(t *testing.T) {
	embedder := mock.NewEmbedder(8)

	sim, err := Similarity(context.Background(), embedder, "same text", "same text", "embed-model")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sim == nil || math.Abs(*sim-1.0) > 1e-6 {
		t.Errorf("identical texts should embed identically, got %v", sim)
	}
}

func TestSimilarityEmbedFailure(t *testing.T) {
	embedder := mock.NewEmbedder(8)
	embedder.Err = errors.New("provider down")

	sim, err := Similarity(context.Background(), embedder, "a", "b", "embed-model")
	if err == nil {
		t.Error("expected error")
	}
	if sim != nil {
		t.Error("similarity must be nil on failure")
	}
}
