package services

import (
	"fmt"
	"math"
)

// CosineSimilarity returns the cosine of the angle between two vectors,
// in [-1, 1]. Vectors of different lengths are an error. A zero-norm vector
// is treated as similar to nothing and yields 0.
func CosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("cosine: dimension mismatch %d != %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 { return 0, nil }
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}
