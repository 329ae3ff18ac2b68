package ai

import (
	"context"
	"fmt"
	"math"
	"testing"
)

func TestFallbackEmbedder_Deterministic(t *testing.T) {
	f := NewFallbackEmbedder(384)

	a := f.Vector("the same text")
	b := NewFallbackEmbedder(384).Vector("the same text")

	if len(a) != 384 {
		t.Fatalf("len = %d, want 384", len(a))
	}
	for i := range a {
		if math.Float32bits(a[i]) != math.Float32bits(b[i]) {
			t.Fatalf("component %d differs: %v != %v", i, a[i], b[i])
		}
	}
}

func TestFallbackEmbedder_DifferentTexts(t *testing.T) {
	f := NewFallbackEmbedder(64)
	texts := []string{"", "a", "b", "ab", "ba", "hello world", "hello world!", "今天完成了项目评审"}

	seen := make(map[string]string)
	for _, text := range texts {
		key := fmt.Sprint(f.Vector(text))
		if prev, ok := seen[key]; ok {
			t.Errorf("texts %q and %q produced identical vectors", prev, text)
		}
		seen[key] = text
	}
}

func TestFallbackEmbedder_UnitLengthAndRange(t *testing.T) {
	f := NewFallbackEmbedder(256)
	for _, text := range []string{"", "note", "a much longer note about embeddings"} {
		v := f.Vector(text)
		var norm float64
		for _, x := range v {
			if x < -1 || x > 1 {
				t.Fatalf("component %v out of range", x)
			}
			norm += float64(x) * float64(x)
		}
		if math.Abs(math.Sqrt(norm)-1) > 1e-5 {
			t.Errorf("norm = %v, want 1", math.Sqrt(norm))
		}
	}
}

func TestFallbackEmbedder_EmbeddingService(t *testing.T) {
	var svc EmbeddingService = NewFallbackEmbedder(0)
	if svc.Dimensions() != DefaultDimensions {
		t.Errorf("Dimensions() = %d, want %d", svc.Dimensions(), DefaultDimensions)
	}

	vectors, err := svc.EmbedBatch(context.Background(), []string{"x", "y"})
	if err != nil {
		t.Fatalf("EmbedBatch() error = %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("EmbedBatch() returned %d vectors, want 2", len(vectors))
	}

	single, _ := svc.Embed(context.Background(), "x")
	for i := range single {
		if single[i] != vectors[0][i] {
			t.Fatal("Embed and EmbedBatch disagree")
		}
	}

	if NewFallbackEmbedder(8).Model() != FallbackModel {
		t.Errorf("Model() = %s, want %s", NewFallbackEmbedder(8).Model(), FallbackModel)
	}
}
