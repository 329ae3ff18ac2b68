package worker

import (
	"context"

	"github.com/hrygo/memosense/plugin/ai"
)

// Embedding is a vector together with the model that produced it.
type Embedding struct {
	Vector   []float32
	Model    string
	Fallback bool
}

// Embedder produces embeddings through the channel and substitutes fallback
// vectors for any call that fails or times out.
type Embedder struct {
	channel  *Channel
	fallback *ai.FallbackEmbedder
}

// NewEmbedder creates an embedder. channel may be nil, in which case every vector is a fallback.
func NewEmbedder(channel *Channel, fallback *ai.FallbackEmbedder) *Embedder {
	if fallback == nil {
		fallback = ai.NewFallbackEmbedder(ai.DefaultDimensions)
	}
	return &Embedder{channel: channel, fallback: fallback}
}

// Embed embeds a single text. The error is non-nil only when ctx is done.
func (e *Embedder) Embed(ctx context.Context, text string) (Embedding, error) {
	if !e.channelUsable() {
		return e.fallbackEmbedding(text), nil
	}

	vector, used, err := WithFallback(ctx, e.channel.cfg.EmbedTimeout,
		func(ctx context.Context) ([]float32, error) { return e.channel.EmbedOne(ctx, text) },
		func() []float32 { return e.fallback.Vector(text) },
	)
	if err != nil {
		return Embedding{}, err
	}
	if used {
		e.channel.markFallback()
		return Embedding{Vector: vector, Model: ai.FallbackModel, Fallback: true}, nil
	}
	return Embedding{Vector: vector, Model: e.channel.Model()}, nil
}

// EmbedQuery embeds search text with the same policy as Embed.
func (e *Embedder) EmbedQuery(ctx context.Context, query string) (Embedding, error) {
	return e.Embed(ctx, query)
}

// EmbedBatch embeds texts in one round trip. Items the worker could not embed,
// or the whole batch on timeout, get fallback vectors.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([]Embedding, error) {
	embeddings := make([]Embedding, len(texts))
	if len(texts) == 0 {
		return embeddings, nil
	}
	if !e.channelUsable() {
		for i, text := range texts {
			embeddings[i] = e.fallbackEmbedding(text)
		}
		return embeddings, nil
	}

	outcomes, used, err := WithFallback(ctx, e.channel.cfg.BatchTimeout,
		func(ctx context.Context) ([]EmbeddingOutcome, error) { return e.channel.EmbedBatch(ctx, texts, nil) },
		func() []EmbeddingOutcome { return nil },
	)
	if err != nil {
		return nil, err
	}

	model := e.channel.Model()
	anyFallback := used
	for i, text := range texts {
		if !used && i < len(outcomes) && outcomes[i].Success {
			embeddings[i] = Embedding{Vector: outcomes[i].Embedding, Model: model}
			continue
		}
		embeddings[i] = e.fallbackEmbedding(text)
		anyFallback = true
	}
	if anyFallback {
		e.channel.markFallback()
	}
	return embeddings, nil
}

// Dimensions returns the dimension of fallback vectors.
func (e *Embedder) Dimensions() int {
	return e.fallback.Dimensions()
}

// IsUsingFallback reports whether recent vectors came from the fallback embedder.
// That is always the case while the channel is missing or not yet initialized.
func (e *Embedder) IsUsingFallback() bool {
	return !e.channelUsable() || e.channel.IsUsingFallback()
}

func (e *Embedder) channelUsable() bool {
	return e.channel != nil && !e.channel.InFallbackMode() && e.channel.IsInitialized()
}

func (e *Embedder) fallbackEmbedding(text string) Embedding {
	return Embedding{Vector: e.fallback.Vector(text), Model: ai.FallbackModel, Fallback: true}
}
