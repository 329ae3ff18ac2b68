package embedding

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/hrygo/memosense/plugin/ai/chunk"
	"github.com/hrygo/memosense/plugin/ai/worker"
	"github.com/hrygo/memosense/store"
)

// ChunkEmbedder embeds one chunk. It substitutes fallback vectors itself and
// returns an error only when ctx is done.
type ChunkEmbedder interface {
	Embed(ctx context.Context, text string) (worker.Embedding, error)
}

// StaleSourceLister reports sources whose embeddings are out of date.
type StaleSourceLister interface {
	ListStaleSources(ctx context.Context) ([]string, error)
}

// ProgressFunc receives processed/total after each chunk.
type ProgressFunc func(processed, total int)

// SourceResult describes one embedded source.
type SourceResult struct {
	SourceID       string `json:"source_id"`
	Chunks         int    `json:"chunks"`
	FallbackChunks int    `json:"fallback_chunks"`
}

// BatchResult accounts for a run over several sources.
type BatchResult struct {
	Processed      int      `json:"processed"`
	Failed         int      `json:"failed"`
	Chunks         int      `json:"chunks"`
	FallbackChunks int      `json:"fallback_chunks"`
	FailedSources  []string `json:"failed_sources,omitempty"`
}

type Runner struct {
	store     *store.Store
	content   store.ContentProvider
	embedder  ChunkEmbedder
	chunker   *chunk.Chunker
	stale     StaleSourceLister
	onChange  func(ctx context.Context, sourceID string)
	interval  time.Duration
	batchSize int

	failures atomic.Int64
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithInterval sets the background re-embedding period.
func WithInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.interval = interval
		}
	}
}

// WithStaleSourceLister replaces the default "sources without embeddings" lookup.
func WithStaleSourceLister(lister StaleSourceLister) RunnerOption {
	return func(r *Runner) { r.stale = lister }
}

// WithOnChange registers a hook called after a source's embeddings were replaced.
func WithOnChange(fn func(ctx context.Context, sourceID string)) RunnerOption {
	return func(r *Runner) { r.onChange = fn }
}

// NewRunner creates an embedding runner.
func NewRunner(st *store.Store, content store.ContentProvider, embedder ChunkEmbedder, chunker *chunk.Chunker, opts ...RunnerOption) *Runner {
	if chunker == nil {
		chunker = chunk.NewChunker(chunk.DefaultMaxLength, chunk.DefaultOverlap)
	}
	r := &Runner{
		store:     st,
		content:   content,
		embedder:  embedder,
		chunker:   chunker,
		interval:  2 * time.Minute,
		batchSize: 8,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Failures returns how many sources failed to embed since the runner was created.
func (r *Runner) Failures() int64 {
	return r.failures.Load()
}

// EmbedSource regenerates every embedding of sourceID.
// A chunk the model cannot embed gets a fallback vector and the source continues.
// The new records replace the old ones atomically once all chunks are embedded.
func (r *Runner) EmbedSource(ctx context.Context, sourceID string, onProgress ProgressFunc) (*SourceResult, error) {
	text, err := r.content.GetText(ctx, sourceID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get text of %s", sourceID)
	}
	sourceType := store.ResolveSourceType(ctx, r.content, sourceID)

	chunks := r.chunker.Split(text)
	result := &SourceResult{SourceID: sourceID, Chunks: len(chunks)}
	records := make([]*store.EmbeddingRecord, 0, len(chunks))
	for i, c := range chunks {
		embedding, err := r.embedder.Embed(ctx, c.Text)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to embed chunk %d of %s", i, sourceID)
		}
		if embedding.Fallback {
			result.FallbackChunks++
		}
		records = append(records, &store.EmbeddingRecord{
			SourceID:   sourceID,
			SourceType: sourceType,
			ChunkID:    store.ChunkID(sourceID, i),
			Vector:     embedding.Vector,
			Model:      embedding.Model,
			Metadata: store.EmbeddingMetadata{
				TextChunk:   c.Text,
				StartOffset: c.Start,
				EndOffset:   c.End,
			},
		})
		if onProgress != nil {
			onProgress(i+1, len(chunks))
		}
	}

	if len(records) == 0 {
		err = r.store.DeleteEmbeddingsFor(ctx, sourceID)
	} else {
		err = r.store.ReplaceEmbeddings(ctx, sourceID, records)
	}
	if err != nil {
		return nil, err
	}
	if r.onChange != nil {
		r.onChange(ctx, sourceID)
	}

	slog.Debug("source embedded",
		"source_id", sourceID,
		"chunks", result.Chunks,
		"fallback_chunks", result.FallbackChunks,
	)
	return result, nil
}

// EmbedSources embeds sources one after another. A failing source is counted and skipped.
// onProgress reports processed/total chunks of the source being embedded.
func (r *Runner) EmbedSources(ctx context.Context, sourceIDs []string, onProgress func(sourceID string, processed, total int)) (*BatchResult, error) {
	result := &BatchResult{}
	for _, sourceID := range sourceIDs {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		var progress ProgressFunc
		if onProgress != nil {
			id := sourceID
			progress = func(processed, total int) { onProgress(id, processed, total) }
		}
		sourceResult, err := r.EmbedSource(ctx, sourceID, progress)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			r.failures.Add(1)
			result.Failed++
			result.FailedSources = append(result.FailedSources, sourceID)
			slog.Error("failed to embed source", "source_id", sourceID, "error", err)
			continue
		}
		result.Processed++
		result.Chunks += sourceResult.Chunks
		result.FallbackChunks += sourceResult.FallbackChunks
	}
	return result, nil
}

// Run starts the background task.
func (r *Runner) Run(ctx context.Context) {
	// Process once on startup
	r.processStaleSources(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.processStaleSources(ctx)
		case <-ctx.Done():
			slog.Info("embedding runner stopped")
			return
		}
	}
}

// RunOnce processes stale sources once (for manual trigger).
func (r *Runner) RunOnce(ctx context.Context) {
	r.processStaleSources(ctx)
}

func (r *Runner) processStaleSources(ctx context.Context) {
	sourceIDs, err := r.findStaleSources(ctx)
	if err != nil {
		slog.Error("failed to find stale sources", "error", err)
		return
	}
	if len(sourceIDs) == 0 {
		return
	}

	slog.Info("processing sources for embedding", "count", len(sourceIDs))

	for i := 0; i < len(sourceIDs); i += r.batchSize {
		end := i + r.batchSize
		if end > len(sourceIDs) {
			end = len(sourceIDs)
		}
		result, err := r.EmbedSources(ctx, sourceIDs[i:end], nil)
		if err != nil {
			slog.Info("embedding processing cancelled", "processed", i+result.Processed, "total", len(sourceIDs))
			return
		}
		slog.Info("batch processed",
			"count", end-i,
			"failed", result.Failed,
			"fallback_chunks", result.FallbackChunks,
			"progress", fmt.Sprintf("%d/%d", end, len(sourceIDs)),
		)
	}
}

// findStaleSources defaults to the provider's sources that have no embeddings yet.
func (r *Runner) findStaleSources(ctx context.Context) ([]string, error) {
	if r.stale != nil {
		return r.stale.ListStaleSources(ctx)
	}
	lister, ok := r.content.(store.SourceLister)
	if !ok {
		return nil, nil
	}
	sourceIDs, err := lister.ListSources(ctx)
	if err != nil {
		return nil, err
	}
	records, err := r.store.GetAllEmbeddings(ctx)
	if err != nil {
		return nil, err
	}
	embedded := make(map[string]bool, len(records))
	for _, record := range records {
		embedded[record.SourceID] = true
	}
	missing := []string{}
	for _, id := range sourceIDs {
		if !embedded[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}
