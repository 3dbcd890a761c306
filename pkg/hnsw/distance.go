package hnsw

import (
	"math"

	"github.com/viterin/vek/vek32"
)

// cosineDistance returns 1 - cosine_similarity(a, b), smaller meaning more
// similar. Since the store enforces unit-norm vectors on ingest, this
// reduces to 1 - dot(a, b) in the common case, but the norms are still
// computed defensively (e.g. a query vector may not be perfectly unit due
// to embedder floating-point drift).
func cosineDistance(a, b []float32) float32 {
	dot := vek32.Dot(a, b)
	normA := float32(math.Sqrt(float64(vek32.Dot(a, a))))
	normB := float32(math.Sqrt(float64(vek32.Dot(b, b))))
	if normA == 0 || normB == 0 {
		return 1
	}
	sim := dot / (normA * normB)
	return 1 - sim
}

// cosineSimilarity returns 1 - cosineDistance(a, b), the similarity form
// of a distance. Query reports scores in this form but computes them inline
// from each candidate's distance rather than calling this function.
func cosineSimilarity(a, b []float32) float32 {
	return 1 - cosineDistance(a, b)
}
