package emotion

import (
	"errors"
	"fmt"
	"math"

	"github.com/pgvector/pgvector-go"
)

// ErrInvalidInput marks malformed vector input: mismatched dimensions or a
// zero-magnitude vector whose direction is undefined.
var ErrInvalidInput = errors.New("invalid emotion vector input")

// Categories is the fixed axis order of every emotion vector.
var Categories = []string{
	"lonely",
	"happy",
	"excited",
	"sad",
	"anxious",
	"calm",
	"romantic",
	"playful",
}

// Dim is the default vector dimensionality (one axis per category).
const Dim = 8

// Vector is a fixed-dimension numeric encoding of the inferred emotional
// content of a voice clip.
type Vector []float64

// Labels maps category names to their scored intensity.
type Labels map[string]float64

func (v Vector) Clone() Vector {
	if v == nil {
		return nil
	}
	out := make(Vector, len(v))
	copy(out, v)
	return out
}

func (v Vector) magnitude() float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

// Validate checks that the vector has the expected dimensionality and only
// finite components. dim <= 0 accepts any non-empty length.
func (v Vector) Validate(dim int) error {
	if len(v) == 0 {
		return fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	if dim > 0 && len(v) != dim {
		return fmt.Errorf("%w: dimension %d, want %d", ErrInvalidInput, len(v), dim)
	}
	for i, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return fmt.Errorf("%w: non-finite component at index %d", ErrInvalidInput, i)
		}
	}
	return nil
}

// Similarity computes the cosine similarity between two vectors: dot product
// divided by the product of magnitudes. It is symmetric and deterministic.
func Similarity(a, b Vector) (float64, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("%w: empty vector", ErrInvalidInput)
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: dimension mismatch %d vs %d", ErrInvalidInput, len(a), len(b))
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	magA := a.magnitude()
	magB := b.magnitude()
	if magA == 0 || magB == 0 {
		return 0, fmt.Errorf("%w: zero magnitude", ErrInvalidInput)
	}
	return dot / (magA * magB), nil
}

// ToPgvector converts to the pgvector wire type for storage.
func (v Vector) ToPgvector() pgvector.Vector {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return pgvector.NewVector(out)
}

// FromPgvector converts a stored pgvector value back into a Vector.
func FromPgvector(pv pgvector.Vector) Vector {
	s := pv.Slice()
	if s == nil {
		return nil
	}
	out := make(Vector, len(s))
	for i, x := range s {
		out[i] = float64(x)
	}
	return out
}
