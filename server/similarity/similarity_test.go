package similarity

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/ai"
	"github.com/hrygo/memosense/plugin/ai/cluster"
	"github.com/hrygo/memosense/plugin/ai/vector"
	"github.com/hrygo/memosense/plugin/ai/worker"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/cache"
	"github.com/hrygo/memosense/store/db/memory"
)

type mockEmbedder struct {
	vector   []float32
	fallback bool
	calls    atomic.Int32
}

func (m *mockEmbedder) EmbedQuery(_ context.Context, _ string) (worker.Embedding, error) {
	m.calls.Add(1)
	model := "test-model"
	if m.fallback {
		model = ai.FallbackModel
	}
	return worker.Embedding{Vector: m.vector, Model: model, Fallback: m.fallback}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(memory.NewDB(), &profile.Profile{Driver: "memory"})
}

func put(t *testing.T, st *store.Store, sourceID string, vectors ...[]float32) {
	t.Helper()
	records := make([]*store.EmbeddingRecord, len(vectors))
	for i, v := range vectors {
		records[i] = &store.EmbeddingRecord{
			SourceID: sourceID,
			ChunkID:  store.ChunkID(sourceID, i),
			Vector:   v,
			Model:    "test-model",
			Metadata: store.EmbeddingMetadata{TextChunk: fmt.Sprintf("%s chunk %d", sourceID, i)},
		}
	}
	require.NoError(t, st.ReplaceEmbeddings(context.Background(), sourceID, records))
}

// unit returns a 2-d unit vector whose cosine with [1, 0] is s.
func unit(s float64) []float32 {
	return []float32{float32(s), float32(math.Sqrt(1 - s*s))}
}

func TestFindSimilarToSource_ThresholdExcludes(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})
	put(t, st, "b", unit(0.5))

	engine := NewEngine(st, &mockEmbedder{}, nil)
	results, err := engine.FindSimilarToSource(ctx, "a", 0.9, 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = engine.FindSimilarToSource(ctx, "a", 0.45, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "b", results[0].SourceID)
	assert.InDelta(t, 0.5, results[0].Similarity, 1e-6)
}

func TestFindSimilarToSource_MeanOfQualifyingPairs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "x", []float32{1, 0}, []float32{0, 1})
	put(t, st, "y", []float32{1, 0})

	engine := NewEngine(st, &mockEmbedder{}, nil)

	tests := []struct {
		name        string
		threshold   float64
		wantScore   float64
		wantMatches int
	}{
		{name: "all pairs qualify", threshold: 0, wantScore: 0.5, wantMatches: 2},
		{name: "only the aligned pair qualifies", threshold: 0.5, wantScore: 1, wantMatches: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := engine.FindSimilarToSource(ctx, "x", tt.threshold, 10)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.InDelta(t, tt.wantScore, results[0].Similarity, 1e-6)
			assert.Equal(t, tt.wantMatches, results[0].Matches)
		})
	}
}

func TestFindSimilarToSource_UnknownSource(t *testing.T) {
	engine := NewEngine(newTestStore(t), &mockEmbedder{}, nil)
	results, err := engine.FindSimilarToSource(context.Background(), "missing", 0, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSemanticSearch_BestChunkPerSource(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	// Stored out of order; each source also has a weak chunk.
	for _, s := range []struct {
		id   string
		best float64
	}{{"s3", 0.7}, {"s1", 0.9}, {"s5", 0.5}, {"s2", 0.8}, {"s4", 0.6}} {
		put(t, st, s.id, []float32{0, 1}, unit(s.best))
	}

	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, nil)
	results, err := engine.SemanticSearch(ctx, "foo", 0.0, 3)
	require.NoError(t, err)
	require.Len(t, results, 3)

	want := []struct {
		id    string
		score float64
	}{{"s1", 0.9}, {"s2", 0.8}, {"s3", 0.7}}
	for i, w := range want {
		assert.Equal(t, w.id, results[i].SourceID)
		assert.InDelta(t, w.score, results[i].Similarity, 1e-6)
		assert.Equal(t, store.ChunkID(w.id, 1), results[i].ChunkID)
		assert.Equal(t, w.id+" chunk 1", results[i].Text)
	}
}

func TestSemanticSearch_TiesKeepScanOrder(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "b", unit(0.8))
	put(t, st, "a", unit(0.8))
	put(t, st, "c", unit(0.8))

	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, nil)
	results, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	ids := []string{}
	for _, r := range results {
		ids = append(ids, r.SourceID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
}

func TestSemanticSearch_ThresholdBoundaryIncluded(t *testing.T) {
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})
	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, nil)

	results, err := engine.SemanticSearch(context.Background(), "foo", 1.0, 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestSemanticSearch_DefaultLimit(t *testing.T) {
	st := newTestStore(t)
	for i := 0; i < 12; i++ {
		put(t, st, fmt.Sprintf("s%02d", i), unit(0.5))
	}
	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, nil)

	results, err := engine.SemanticSearch(context.Background(), "foo", 0, 0)
	require.NoError(t, err)
	assert.Len(t, results, DefaultLimit)
}

func TestDimensionMismatchFailsLoudly(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})
	put(t, st, "b", []float32{1, 0, 0})

	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, nil)

	_, err := engine.SemanticSearch(ctx, "foo", 0, 10)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)

	_, err = engine.FindSimilarToSource(ctx, "a", 0, 10)
	assert.ErrorIs(t, err, vector.ErrDimensionMismatch)
}

func TestResultsAreCached(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})
	put(t, st, "b", unit(0.8))

	c := cache.New(cache.Config{CleanupInterval: -1})
	defer c.Close()
	embedder := &mockEmbedder{vector: []float32{1, 0}}
	engine := NewEngine(st, embedder, c)

	first, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	second, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), embedder.calls.Load())

	// Different parameters miss.
	_, err = engine.SemanticSearch(ctx, "foo", 0.5, 1)
	require.NoError(t, err)
	assert.Equal(t, int32(2), embedder.calls.Load())

	engine.InvalidateCache(ctx)
	_, err = engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, int32(3), embedder.calls.Load())

	_, err = engine.FindSimilarToSource(ctx, "a", 0.5, 10)
	require.NoError(t, err)
	assert.True(t, c.Has(ctx, NamespaceSimilar, cacheKey("similar", "a", 0.5, 10)))
}

func TestCachedResultsAreIsolatedFromCallers(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})
	put(t, st, "b", unit(0.8))

	c := cache.New(cache.Config{CleanupInterval: -1})
	defer c.Close()
	engine := NewEngine(st, &mockEmbedder{vector: []float32{1, 0}}, c)

	first, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	require.NotEmpty(t, first)
	want := first[0].SourceID
	first[0].SourceID = "changed"

	second, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, want, second[0].SourceID)
	second[0].Similarity = -1

	third, err := engine.SemanticSearch(ctx, "foo", 0.5, 10)
	require.NoError(t, err)
	assert.Equal(t, want, third[0].SourceID)
	assert.Greater(t, third[0].Similarity, 0.5)
}

func TestFallbackQueryResultsNotCached(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "a", []float32{1, 0})

	c := cache.New(cache.Config{CleanupInterval: -1})
	defer c.Close()
	embedder := &mockEmbedder{vector: []float32{1, 0}, fallback: true}
	engine := NewEngine(st, embedder, c)

	for i := 0; i < 2; i++ {
		_, err := engine.SemanticSearch(ctx, "foo", 0, 10)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), embedder.calls.Load())
}

func TestClusterSources(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	put(t, st, "n1", []float32{1, 0, 0}, []float32{0.9, 0.1, 0})
	put(t, st, "n2", []float32{0.95, 0.05, 0})
	put(t, st, "n3", []float32{0, 0, 1})
	put(t, st, "n4", []float32{0, 0.1, 0.9})
	put(t, st, "n5", []float32{0.05, 0, 0.95})
	put(t, st, "n6", []float32{1, 0.02, 0})

	engine := NewEngine(st, &mockEmbedder{}, nil)
	clusters, err := engine.ClusterSources(ctx, 10, cluster.WithRand(rand.New(rand.NewSource(7))))
	require.NoError(t, err)

	members := []string{}
	for _, c := range clusters {
		assert.NotEmpty(t, c.MemberIDs)
		assert.InDelta(t, 1.0, vector.Norm(c.Centroid), 1e-5)
		members = append(members, c.MemberIDs...)
	}
	sort.Strings(members)
	assert.Equal(t, []string{"n1", "n2", "n3", "n4", "n5", "n6"}, members)
}
