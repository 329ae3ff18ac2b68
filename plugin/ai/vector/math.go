// Package vector provides the vector math used by similarity search and clustering.
// All functions are pure; vectors of different lengths are rejected with ErrDimensionMismatch.
package vector

import (
	"math"

	"github.com/pkg/errors"
)

// ErrDimensionMismatch is returned when two vectors of different lengths are compared.
// It indicates vectors produced by different models were mixed.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

func checkDims(a, b []float32) error {
	if len(a) != len(b) {
		return errors.Wrapf(ErrDimensionMismatch, "%d != %d", len(a), len(b))
	}
	return nil
}

// Cosine returns the cosine similarity of a and b in [-1, 1].
// It returns 0 when either vector has zero magnitude.
func Cosine(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}

	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}

	sim := dot / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp rounding noise.
	if sim > 1 {
		sim = 1
	} else if sim < -1 {
		sim = -1
	}
	return sim, nil
}

// Norm returns the Euclidean (L2) norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

// Normalize returns a unit-length copy of v. The zero vector maps to a zero vector.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := Norm(v)
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Centroid returns the normalized mean of vectors.
// An empty input yields a nil vector.
func Centroid(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, nil
	}

	dim := len(vectors[0])
	sum := make([]float64, dim)
	for _, v := range vectors {
		if len(v) != dim {
			return nil, errors.Wrapf(ErrDimensionMismatch, "%d != %d", len(v), dim)
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}

	mean := make([]float32, dim)
	n := float64(len(vectors))
	for i, s := range sum {
		mean[i] = float32(s / n)
	}
	return Normalize(mean), nil
}

// Euclidean returns the Euclidean distance between a and b.
func Euclidean(a, b []float32) (float64, error) {
	if err := checkDims(a, b); err != nil {
		return 0, err
	}

	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum), nil
}
