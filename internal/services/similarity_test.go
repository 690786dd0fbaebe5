package services

import (
	"math"
	"testing"
)

func TestCosineSimilarity_Basics(t *testing.T) {
	got, err := CosineSimilarity([]float64{1, 0}, []float64{1, 0})
	if err != nil { t.Fatalf("unexpected error: %v", err) }
	if math.Abs(got-1) > 1e-9 { t.Fatalf("identical vectors: want 1, got %v", got) }

	got, err = CosineSimilarity([]float64{1, 0}, []float64{0, 1})
	if err != nil { t.Fatalf("unexpected error: %v", err) }
	if math.Abs(got) > 1e-9 { t.Fatalf("orthogonal vectors: want 0, got %v", got) }

	got, err = CosineSimilarity([]float64{1, 0}, []float64{-1, 0})
	if err != nil { t.Fatalf("unexpected error: %v", err) }
	if math.Abs(got+1) > 1e-9 { t.Fatalf("opposite vectors: want -1, got %v", got) }
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float64{1, 2}, []float64{1, 2, 3}); err == nil {
		t.Fatalf("expected error for mismatched dimensions")
	}
}

func TestCosineSimilarity_ZeroVector(t *testing.T) {
	got, err := CosineSimilarity([]float64{0, 0}, []float64{1, 1})
	if err != nil { t.Fatalf("unexpected error: %v", err) }
	if got != 0 { t.Fatalf("zero vector: want 0, got %v", got) }
}
