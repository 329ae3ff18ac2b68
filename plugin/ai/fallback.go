package ai

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
)

// FallbackModel is the model tag carried by vectors produced by FallbackEmbedder.
const FallbackModel = "fallback-v1"

// FallbackEmbedder derives a deterministic pseudo-random unit vector from text.
// It keeps the pipeline available when the real model is not; the vectors carry
// no semantic meaning and are tagged with FallbackModel.
type FallbackEmbedder struct {
	dimensions int
}

// NewFallbackEmbedder creates a FallbackEmbedder producing vectors of the given dimension.
func NewFallbackEmbedder(dimensions int) *FallbackEmbedder {
	if dimensions <= 0 {
		dimensions = DefaultDimensions
	}
	return &FallbackEmbedder{dimensions: dimensions}
}

// Vector returns the fallback vector for text. Identical text yields a bit-identical vector.
func (f *FallbackEmbedder) Vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	state := h.Sum64()

	raw := make([]float64, f.dimensions)
	var norm float64
	for i := range raw {
		// Top 53 bits -> [0,1) -> [-1,1].
		x := float64(splitmix64(&state)>>11)/(1<<53)*2 - 1
		raw[i] = x
		norm += x * x
	}

	vector := make([]float32, f.dimensions)
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vector
	}
	for i, x := range raw {
		vector[i] = float32(x / norm)
	}
	return vector
}

func splitmix64(state *uint64) uint64 {
	*state += 0x9e3779b97f4a7c15
	z := *state
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func (f *FallbackEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return f.Vector(text), nil
}

func (f *FallbackEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New("no texts provided for embedding")
	}
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = f.Vector(text)
	}
	return vectors, nil
}

func (f *FallbackEmbedder) Dimensions() int {
	return f.dimensions
}

// Model returns FallbackModel.
func (f *FallbackEmbedder) Model() string {
	return FallbackModel
}
