// Package semantic is the composition root of the semantic similarity subsystem.
// It wires the model worker, the embedding store, the result cache, the similarity
// engine and the embedding runner behind one explicit lifecycle.
package semantic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/internal/profile"
	"github.com/hrygo/memosense/plugin/ai"
	"github.com/hrygo/memosense/plugin/ai/chunk"
	"github.com/hrygo/memosense/plugin/ai/cluster"
	"github.com/hrygo/memosense/plugin/ai/worker"
	aierrors "github.com/hrygo/memosense/server/internal/errors"
	"github.com/hrygo/memosense/server/internal/observability"
	"github.com/hrygo/memosense/server/runner/embedding"
	"github.com/hrygo/memosense/server/similarity"
	"github.com/hrygo/memosense/store"
	"github.com/hrygo/memosense/store/cache"
)

// Operation names used for metrics and request logging.
const (
	OpEmbed   = "embed"
	OpSearch  = "search"
	OpSimilar = "similar"
	OpCluster = "cluster"
)

// Status describes the subsystem for health endpoints.
type Status struct {
	Model         string                         `json:"model"`
	Initialized   bool                           `json:"initialized"`
	UsingFallback bool                           `json:"using_fallback"`
	FallbackMode  bool                           `json:"fallback_mode"`
	Failures      int64                          `json:"embedding_failures"`
	Cache         cache.Stats                    `json:"cache"`
	Metrics       *observability.MetricsSnapshot `json:"metrics"`
}

// Service is the outbound interface of the semantic subsystem.
type Service struct {
	profile  *profile.Profile
	model    string
	store    *store.Store
	channel  *worker.Channel
	embedder *worker.Embedder
	cache    *cache.Cache
	engine   *similarity.Engine
	runner   *embedding.Runner
	metrics  *observability.Metrics

	closeOnce sync.Once
	closeErr  error
}

type options struct {
	factory    worker.TransportFactory
	noWorker   bool
	cacheClock func() time.Time
	stale      embedding.StaleSourceLister
}

// Option configures a Service.
type Option func(*options)

// WithTransportFactory replaces the transport derived from the profile's worker mode.
func WithTransportFactory(factory worker.TransportFactory) Option {
	return func(o *options) { o.factory = factory }
}

// WithoutWorker runs on fallback vectors only.
func WithoutWorker() Option {
	return func(o *options) { o.noWorker = true }
}

// WithCacheClock injects the clock of the result cache.
func WithCacheClock(now func() time.Time) Option {
	return func(o *options) { o.cacheClock = now }
}

// WithStaleSourceLister sets what the background runner re-embeds.
func WithStaleSourceLister(lister embedding.StaleSourceLister) Option {
	return func(o *options) { o.stale = lister }
}

// NewService creates the subsystem. Nothing is loaded until Initialize.
func NewService(p *profile.Profile, st *store.Store, content store.ContentProvider, opts ...Option) *Service {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	aiConfig := ai.NewConfigFromProfile(p)
	fallback := ai.NewFallbackEmbedder(aiConfig.Embedding.Dimensions)

	factory := o.factory
	if factory == nil && !o.noWorker && p.IsAIEnabled() {
		factory = transportFactory(p, aiConfig.Embedding)
	}
	var channel *worker.Channel
	if factory != nil {
		channel = worker.NewChannel(factory, worker.Config{
			InitTimeout:        p.InitTimeout,
			EmbedTimeout:       p.EmbedTimeout,
			BatchTimeout:       p.BatchTimeout,
			ChangeModelTimeout: p.ChangeModelTimeout,
		})
	}
	embedder := worker.NewEmbedder(channel, fallback)

	resultCache := cache.New(cache.Config{
		DefaultTTL:      p.CacheTTL,
		CleanupInterval: p.CacheCleanupInterval,
		MaxBytes:        p.CacheMaxBytes,
		PersistLimit:    int64(p.CachePersistLimit),
		Durable:         st,
		Now:             o.cacheClock,
	})
	engine := similarity.NewEngine(st, embedder, resultCache)

	runnerOpts := []embedding.RunnerOption{
		embedding.WithInterval(p.EmbeddingInterval),
		embedding.WithOnChange(func(ctx context.Context, _ string) { engine.InvalidateCache(ctx) }),
	}
	if o.stale != nil {
		runnerOpts = append(runnerOpts, embedding.WithStaleSourceLister(o.stale))
	}
	runner := embedding.NewRunner(st, content, embedder, chunk.NewChunker(p.ChunkMaxLength, p.ChunkOverlap), runnerOpts...)

	return &Service{
		profile:  p,
		model:    aiConfig.Embedding.Model,
		store:    st,
		channel:  channel,
		embedder: embedder,
		cache:    resultCache,
		engine:   engine,
		runner:   runner,
		metrics:  observability.NewMetrics(1000),
	}
}

func transportFactory(p *profile.Profile, cfg ai.EmbeddingConfig) worker.TransportFactory {
	if p.WorkerMode == "process" {
		return worker.ProcessTransportFactory(p.WorkerBinary, "worker")
	}
	return worker.LocalTransportFactory(func() *worker.Host {
		return worker.NewHost(worker.NewOpenAILoader(cfg), worker.WithRateLimit(p.AIRateLimit, int(p.AIRateLimit)))
	})
}

// Initialize loads model (the configured model when empty) in the worker.
// A load failure is reported once; afterwards the service keeps serving fallback vectors
// and Initialize returns false without an error.
func (s *Service) Initialize(ctx context.Context, model string, onProgress worker.ProgressFunc) (bool, error) {
	if s.channel == nil || s.channel.InFallbackMode() {
		return false, nil
	}
	if model == "" {
		model = s.model
	}
	ok, err := s.channel.Initialize(ctx, model, onProgress)
	if err != nil {
		slog.Warn("embedding model unavailable, using fallback embeddings",
			slog.String("model", model),
			slog.Any("error", err),
		)
		return false, aierrors.Wrap(err, aierrors.ErrCodeModelLoadFailure, "failed to load embedding model")
	}
	if ok {
		s.model = model
	}
	return ok, nil
}

// EmbedSource regenerates every embedding of sourceID.
func (s *Service) EmbedSource(ctx context.Context, sourceID string, onProgress embedding.ProgressFunc) (*embedding.SourceResult, error) {
	if sourceID == "" {
		return nil, aierrors.InvalidArgument("source id is required")
	}
	var result *embedding.SourceResult
	err := s.observe(ctx, OpEmbed, func(ctx context.Context) error {
		var err error
		result, err = s.runner.EmbedSource(ctx, sourceID, onProgress)
		if err == nil {
			s.metrics.RecordChunks(result.Chunks, result.FallbackChunks)
		}
		return err
	})
	return result, err
}

// EmbedSources embeds sources sequentially; failing sources are counted and skipped.
func (s *Service) EmbedSources(ctx context.Context, sourceIDs []string, onProgress func(sourceID string, processed, total int)) (*embedding.BatchResult, error) {
	var result *embedding.BatchResult
	err := s.observe(ctx, OpEmbed, func(ctx context.Context) error {
		var err error
		result, err = s.runner.EmbedSources(ctx, sourceIDs, onProgress)
		if result != nil {
			s.metrics.RecordChunks(result.Chunks, result.FallbackChunks)
		}
		return err
	})
	return result, err
}

// FindSimilarToSource ranks the other sources by similarity to sourceID.
func (s *Service) FindSimilarToSource(ctx context.Context, sourceID string, threshold float64, limit int) ([]*similarity.RankedResult, error) {
	if sourceID == "" {
		return nil, aierrors.InvalidArgument("source id is required")
	}
	var results []*similarity.RankedResult
	err := s.observe(ctx, OpSimilar, func(ctx context.Context) error {
		var err error
		results, err = s.engine.FindSimilarToSource(ctx, sourceID, threshold, limit)
		return err
	})
	return results, err
}

// SemanticSearch ranks sources by their best chunk against query.
func (s *Service) SemanticSearch(ctx context.Context, query string, threshold float64, limit int) ([]*similarity.RankedResult, error) {
	if query == "" {
		return nil, aierrors.InvalidArgument("query is required")
	}
	var results []*similarity.RankedResult
	err := s.observe(ctx, OpSearch, func(ctx context.Context) error {
		var err error
		results, err = s.engine.SemanticSearch(ctx, query, threshold, limit)
		return err
	})
	return results, err
}

// ClusterAll groups every embedded source. maxK <= 0 uses cluster.DefaultMaxK.
func (s *Service) ClusterAll(ctx context.Context, maxK int, opts ...cluster.Option) ([]cluster.Cluster, error) {
	if maxK <= 0 {
		maxK = cluster.DefaultMaxK
	}
	var clusters []cluster.Cluster
	err := s.observe(ctx, OpCluster, func(ctx context.Context) error {
		var err error
		clusters, err = s.engine.ClusterSources(ctx, maxK, opts...)
		return err
	})
	return clusters, err
}

// CacheGet reads a cached value.
func (s *Service) CacheGet(ctx context.Context, namespace, key string) (any, bool) {
	return s.cache.Get(ctx, namespace, key)
}

// CacheSet stores a value in the result cache.
func (s *Service) CacheSet(ctx context.Context, namespace, key string, value any, opts ...cache.SetOption) {
	s.cache.Set(ctx, namespace, key, value, opts...)
}

// CacheClear clears namespace, or the whole cache when namespace is empty.
func (s *Service) CacheClear(ctx context.Context, namespace string) {
	if namespace == "" {
		s.cache.Clear(ctx)
		return
	}
	s.cache.ClearNamespace(ctx, namespace)
}

// IsUsingFallback reports whether embeddings currently come from the fallback embedder.
func (s *Service) IsUsingFallback() bool {
	return s.embedder.IsUsingFallback()
}

// Status returns a snapshot of the subsystem state.
func (s *Service) Status() *Status {
	status := &Status{
		Model:         s.model,
		UsingFallback: s.IsUsingFallback(),
		FallbackMode:  true,
		Failures:      s.runner.Failures(),
		Cache:         s.cache.Stats(),
		Metrics:       s.metrics.Snapshot(),
	}
	if s.channel != nil {
		status.Initialized = s.channel.IsInitialized()
		status.FallbackMode = s.channel.InFallbackMode()
		if model := s.channel.Model(); model != "" {
			status.Model = model
		}
	}
	return status
}

// Run re-embeds stale sources in the background until ctx is done.
func (s *Service) Run(ctx context.Context) {
	s.runner.Run(ctx)
}

// Close terminates the worker, stops cache housekeeping and closes the store.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		if s.channel != nil {
			s.channel.Terminate()
		}
		if err := s.cache.Close(); err != nil {
			s.closeErr = errors.Wrap(err, "failed to close cache")
		}
		if err := s.store.Close(); err != nil && s.closeErr == nil {
			s.closeErr = errors.Wrap(err, "failed to close store")
		}
	})
	return s.closeErr
}

func (s *Service) observe(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	reqCtx, ok := observability.FromContext(ctx)
	if !ok {
		reqCtx = observability.NewRequestContext(slog.Default(), operation)
		ctx = observability.WithRequestContext(ctx, reqCtx)
	}

	start := time.Now()
	s.metrics.RecordRequest(operation)
	err := fn(ctx)
	s.metrics.RecordDuration(operation, time.Since(start))
	fallback := slog.Bool(observability.LogFieldFallback, s.IsUsingFallback())
	if err != nil {
		s.metrics.RecordFailure(operation)
		reqCtx.Finish(ctx, string(aierrors.Classify(err)), err, fallback)
		return aierrors.FromError(err)
	}
	reqCtx.Finish(ctx, "", nil, fallback)
	return nil
}
