package vector

import (
	"fmt"
	"math"

	"github.com/hyperjump/kao/internal/models"
)

// Epsilon is the smallest L2 norm accepted by Normalize.
const Epsilon = 1e-6

// normTolerance is how far from 1 a norm may drift and still count as unit length.
const normTolerance = 1e-5

// Dot returns the inner product of a and b, accumulated in float64.
// For unit vectors this is the cosine similarity. Mismatched lengths yield 0.
func Dot(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

// L2Norm returns the L2 norm of a vector.
func L2Norm(x []float32) float64 {
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// IsNormalized reports whether x has unit length within tolerance.
func IsNormalized(x []float32) bool {
	return len(x) > 0 && math.Abs(L2Norm(x)-1) <= normTolerance
}

// Normalize returns a unit-length copy of v. Vectors whose norm is below Epsilon,
// or that contain NaN or Inf, are rejected with ErrDegenerateVector. A vector that is
// already unit length within tolerance is copied unchanged, so Normalize is idempotent.
func Normalize(v []float32) ([]float32, error) {
	if len(v) == 0 {
		return nil, models.Validationf("empty vector")
	}
	norm := L2Norm(v)
	if math.IsNaN(norm) || math.IsInf(norm, 0) {
		return nil, fmt.Errorf("%w: vector contains NaN or Inf", models.ErrDegenerateVector)
	}
	if norm < Epsilon {
		return nil, fmt.Errorf("%w: norm %g below %g", models.ErrDegenerateVector, norm, Epsilon)
	}
	out := make([]float32, len(v))
	if math.Abs(norm-1) <= normTolerance {
		copy(out, v)
		return out, nil
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out, nil
}

// cosineSimilarity returns the cosine similarity of two arbitrary (not necessarily
// normalized) vectors, clamped to [-1, 1]. Zero vectors yield 0.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	na, nb := L2Norm(a), L2Norm(b)
	if na < Epsilon || nb < Epsilon {
		return 0
	}
	return clamp(Dot(a, b) / (na * nb))
}

// similarity is the score the index reports for two unit vectors.
func similarity(a, b []float32) float64 {
	return clamp(Dot(a, b))
}

// chordDistance is the Euclidean distance between two unit vectors with the given
// cosine similarity. It is a metric and decreases as similarity increases.
func chordDistance(sim float64) float64 {
	return math.Sqrt(math.Max(0, 2-2*sim))
}

func clamp(s float64) float64 {
	if s > 1 {
		return 1
	}
	if s < -1 {
		return -1
	}
	return s
}
