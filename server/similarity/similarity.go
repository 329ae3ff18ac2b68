package similarity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/vector"
	"github.com/hrygo/memosense/plugin/ai/worker"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/cache"
)

const (
	// DefaultLimit 默认返回条数
	DefaultLimit = 10

	NamespaceSimilar = "similar"
	NamespaceSearch  = "search"
)

// EmbeddingLister 读取已存储的向量
type EmbeddingLister interface {
	ListEmbeddings(ctx context.Context, find *store.FindEmbedding) ([]*store.EmbeddingRecord, error)
}

// QueryEmbedder 查询文本向量化（失败时由实现方回退）
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) (worker.Embedding, error)
}

// RankedResult 排序后的结果，每个来源一条
type RankedResult struct {
	SourceID   string           `json:"source_id"`
	SourceType store.SourceType `json:"source_type"`
	Similarity float64          `json:"similarity"`
	// ChunkID and Text identify the best chunk of a search hit.
	ChunkID string `json:"chunk_id,omitempty"`
	Text    string `json:"text,omitempty"`
	// Matches is the number of chunk pairs averaged into Similarity.
	Matches int `json:"matches,omitempty"`
}

// Engine 语义相似度引擎
// 来源之间按合格分块对的均值聚合；查询按最佳单个分块排序
type Engine struct {
	store    EmbeddingLister
	embedder QueryEmbedder
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewEngine 创建相似度引擎。c 为 nil 时不缓存结果
func NewEngine(st EmbeddingLister, embedder QueryEmbedder, c *cache.Cache) *Engine {
	return &Engine{
		store:    st,
		embedder: embedder,
		cache:    c,
		cacheTTL: cache.DefaultTTL,
	}
}

// FindSimilarToSource 查找与指定来源相似的其他来源
// Every pair (source chunk, other chunk) is scored; for each other source the
// scores at or above threshold are averaged. Sources with no such pair are dropped.
func (e *Engine) FindSimilarToSource(ctx context.Context, sourceID string, threshold float64, limit int) ([]*RankedResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	key := cacheKey("similar", sourceID, threshold, limit)
	if results, ok := e.cached(ctx, NamespaceSimilar, key); ok {
		return results, nil
	}

	own, err := e.store.ListEmbeddings(ctx, &store.FindEmbedding{SourceID: &sourceID})
	if err != nil {
		return nil, err
	}
	if len(own) == 0 {
		return []*RankedResult{}, nil
	}
	others, err := e.store.ListEmbeddings(ctx, &store.FindEmbedding{ExcludeSourceID: &sourceID})
	if err != nil {
		return nil, err
	}

	type aggregate struct {
		result *RankedResult
		sum    float64
	}
	bySource := map[string]*aggregate{}
	order := []*aggregate{}
	for _, target := range others {
		agg, ok := bySource[target.SourceID]
		if !ok {
			agg = &aggregate{result: &RankedResult{SourceID: target.SourceID, SourceType: target.SourceType}}
			bySource[target.SourceID] = agg
			order = append(order, agg)
		}
		for _, chunk := range own {
			score, err := vector.Cosine(chunk.Vector, target.Vector)
			if err != nil {
				return nil, errors.Wrapf(err, "compare %s with %s", chunk.ChunkID, target.ChunkID)
			}
			if score >= threshold {
				agg.sum += score
				agg.result.Matches++
			}
		}
	}

	results := []*RankedResult{}
	for _, agg := range order {
		if agg.result.Matches == 0 {
			continue
		}
		agg.result.Similarity = agg.sum / float64(agg.result.Matches)
		results = append(results, agg.result)
	}
	results = rank(results, limit)

	e.remember(ctx, NamespaceSimilar, key, results)
	return results, nil
}

// SemanticSearch 语义搜索
// Every stored chunk is scored against the query; the best chunk of each source wins.
func (e *Engine) SemanticSearch(ctx context.Context, query string, threshold float64, limit int) ([]*RankedResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	key := cacheKey("search", query, threshold, limit)
	if results, ok := e.cached(ctx, NamespaceSearch, key); ok {
		return results, nil
	}

	embedding, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to embed query")
	}
	records, err := e.store.ListEmbeddings(ctx, &store.FindEmbedding{})
	if err != nil {
		return nil, err
	}

	hits := make([]*RankedResult, 0, len(records))
	for _, record := range records {
		score, err := vector.Cosine(embedding.Vector, record.Vector)
		if err != nil {
			return nil, errors.Wrapf(err, "compare query with %s", record.ChunkID)
		}
		if score < threshold {
			continue
		}
		hits = append(hits, &RankedResult{
			SourceID:   record.SourceID,
			SourceType: record.SourceType,
			Similarity: score,
			ChunkID:    record.ChunkID,
			Text:       record.Metadata.TextChunk,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})

	results := []*RankedResult{}
	seen := map[string]bool{}
	for _, hit := range hits {
		if seen[hit.SourceID] {
			continue
		}
		seen[hit.SourceID] = true
		results = append(results, hit)
		if len(results) == limit {
			break
		}
	}

	// Results for a fallback query vector are not cached.
	if !embedding.Fallback {
		e.remember(ctx, NamespaceSearch, key, results)
	}
	slog.DebugContext(ctx, "semantic search",
		"chunks", len(records),
		"hits", len(hits),
		"results", len(results),
		"fallback", embedding.Fallback,
	)
	return results, nil
}

// InvalidateCache 清除所有结果缓存，任何来源重新向量化后调用
func (e *Engine) InvalidateCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	e.cache.ClearNamespace(ctx, NamespaceSimilar)
	e.cache.ClearNamespace(ctx, NamespaceSearch)
}

func (e *Engine) cached(ctx context.Context, namespace, key string) ([]*RankedResult, bool) {
	if e.cache == nil {
		return nil, false
	}
	results, ok, err := cache.Load[[]*RankedResult](ctx, e.cache, namespace, key)
	if err != nil {
		slog.WarnContext(ctx, "failed to decode cached results", "namespace", namespace, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return cloneResults(results), true
}

func (e *Engine) remember(ctx context.Context, namespace, key string, results []*RankedResult) {
	if e.cache == nil {
		return
	}
	e.cache.Set(ctx, namespace, key, cloneResults(results), cache.WithTTL(e.cacheTTL), cache.WithPersist())
}

// cloneResults copies results so cached entries never share structs with callers.
func cloneResults(results []*RankedResult) []*RankedResult {
	out := make([]*RankedResult, len(results))
	for i, r := range results {
		c := *r
		out[i] = &c
	}
	return out
}

// rank sorts by similarity, keeping scan order for ties, and truncates to limit.
func rank(results []*RankedResult, limit int) []*RankedResult {
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func cacheKey(kind, subject string, threshold float64, limit int) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%g|%d", kind, subject, threshold, limit)))
	return hex.EncodeToString(h[:16])
}
