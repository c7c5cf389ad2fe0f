package faceindex

import "math"

// Normalize returns a unit-length copy of v, or nil for an empty or zero vector.
func Normalize(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// dot is the cosine similarity of two already normalized vectors,
// clamped to [-1, 1] to absorb floating point error.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	if sum > 1 {
		return 1
	}
	if sum < -1 {
		return -1
	}
	return sum
}

// CosineSimilarity computes the cosine similarity of two arbitrary vectors.
// Returns 0 for mismatched lengths or zero vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := Normalize(a), Normalize(b)
	if na == nil || nb == nil {
		return 0
	}
	return dot(na, nb)
}
