package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/hrygo/memosense/plugin/ai/timeout"
)

// Default per-call budgets.
const (
	DefaultInitTimeout        = timeout.ModelInitTimeout
	DefaultEmbedTimeout       = timeout.EmbedTimeout
	DefaultBatchTimeout       = timeout.BatchEmbedTimeout
	DefaultChangeModelTimeout = timeout.ChangeModelTimeout
)

// Config holds the per-call timeouts of a Channel.
type Config struct {
	InitTimeout        time.Duration
	EmbedTimeout       time.Duration
	BatchTimeout       time.Duration
	ChangeModelTimeout time.Duration
}

// DefaultConfig returns the default timeouts.
func DefaultConfig() Config {
	return Config{
		InitTimeout:        DefaultInitTimeout,
		EmbedTimeout:       DefaultEmbedTimeout,
		BatchTimeout:       DefaultBatchTimeout,
		ChangeModelTimeout: DefaultChangeModelTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InitTimeout <= 0 {
		c.InitTimeout = d.InitTimeout
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = d.EmbedTimeout
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = d.BatchTimeout
	}
	if c.ChangeModelTimeout <= 0 {
		c.ChangeModelTimeout = d.ChangeModelTimeout
	}
	return c
}

// Channel is the client side of the model worker.
// It owns one transport, correlates responses to requests and forwards
// progress notifications to the current observer.
type Channel struct {
	factory TransportFactory
	cfg     Config
	group   singleflight.Group

	mu          sync.Mutex
	transport   Transport
	pending     map[string]chan *Response
	model       string
	initialized bool
	terminated  bool
	observer    ProgressFunc

	// fallbackMode is permanent; usingFallback tracks the most recent call.
	fallbackMode  atomic.Bool
	usingFallback atomic.Bool
}

// NewChannel creates a channel. No transport is created until Initialize.
func NewChannel(factory TransportFactory, cfg Config) *Channel {
	return &Channel{
		factory: factory,
		cfg:     cfg.withDefaults(),
		pending: make(map[string]chan *Response),
	}
}

// Config returns the effective timeouts.
func (c *Channel) Config() Config {
	return c.cfg
}

// Initialize loads model in the worker. Concurrent callers share one in-flight initialization
// and each returns as soon as its own ctx is done. A worker that cannot start, a load error
// or a load exceeding InitTimeout switches the channel to fallback mode for good.
func (c *Channel) Initialize(ctx context.Context, model string, onProgress ProgressFunc) (bool, error) {
	if c.fallbackMode.Load() {
		return false, ErrFallbackMode
	}

	c.mu.Lock()
	if onProgress != nil {
		c.observer = onProgress
	}
	initialized, current := c.initialized, c.model
	c.mu.Unlock()

	if initialized {
		if current == model {
			return true, nil
		}
		return c.ChangeModel(ctx, model)
	}

	// The shared load is bounded by InitTimeout only, so one caller giving up
	// neither cancels it for the others nor counts as a load failure.
	results := c.group.DoChan("init", func() (any, error) {
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.InitTimeout)
		defer cancel()
		return c.initialize(initCtx, model)
	})
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case res := <-results:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	}
}

func (c *Channel) initialize(ctx context.Context, model string) (bool, error) {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return false, ErrChannelTerminated
	}
	if c.initialized && c.model == model {
		c.mu.Unlock()
		return true, nil
	}
	t := c.transport
	c.mu.Unlock()

	if t == nil {
		var err error
		t, err = c.factory(ctx)
		if err != nil {
			c.enterFallbackMode(err)
			return false, errors.Wrapf(ErrModelLoadFailure, "failed to start model worker: %v", err)
		}
		c.mu.Lock()
		c.transport = t
		c.mu.Unlock()
		go c.readLoop(t)
	}

	if _, err := c.call(ctx, RequestInit, InitData{Model: model}, c.cfg.InitTimeout); err != nil {
		c.enterFallbackMode(err)
		return false, errors.Wrapf(ErrModelLoadFailure, "failed to initialize %s: %v", model, err)
	}

	c.mu.Lock()
	c.initialized = true
	c.model = model
	c.mu.Unlock()
	c.usingFallback.Store(false)
	slog.Info("model worker initialized", slog.String("model", model))
	return true, nil
}

// EmbedOne embeds a single text.
func (c *Channel) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.call(ctx, RequestGenerateEmbedding, EmbedData{Text: text}, c.cfg.EmbedTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, errors.New("worker returned an empty embedding")
	}
	return resp.Embedding, nil
}

// EmbedBatch embeds texts in one round trip. ids are optional and echoed back in the outcomes.
func (c *Channel) EmbedBatch(ctx context.Context, texts []string, ids []string) ([]EmbeddingOutcome, error) {
	if len(ids) > 0 && len(ids) != len(texts) {
		return nil, errors.Errorf("got %d ids for %d texts", len(ids), len(texts))
	}
	if len(texts) == 0 {
		return []EmbeddingOutcome{}, nil
	}

	resp, err := c.call(ctx, RequestBatchGenerate, BatchData{Texts: texts, IDs: ids}, c.cfg.BatchTimeout)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(texts) {
		return nil, errors.Errorf("worker returned %d results for %d texts", len(resp.Results), len(texts))
	}

	outcomes := make([]EmbeddingOutcome, len(texts))
	for i, r := range resp.Results {
		idx := r.Index
		if idx < 0 || idx >= len(outcomes) {
			idx = i
		}
		if r.ID == "" && len(ids) > 0 {
			r.ID = ids[idx]
		}
		r.Index = idx
		outcomes[idx] = r
	}
	return outcomes, nil
}

// ChangeModel switches the worker to model. Asking for the current model is a no-op.
func (c *Channel) ChangeModel(ctx context.Context, model string) (bool, error) {
	if c.fallbackMode.Load() {
		return false, ErrFallbackMode
	}

	c.mu.Lock()
	initialized, current := c.initialized, c.model
	c.mu.Unlock()

	if !initialized {
		return c.Initialize(ctx, model, nil)
	}
	if current == model {
		return true, nil
	}

	if _, err := c.call(ctx, RequestChangeModel, InitData{Model: model}, c.cfg.ChangeModelTimeout); err != nil {
		return false, err
	}

	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
	slog.Info("model worker changed model", slog.String("from", current), slog.String("to", model))
	return true, nil
}

// Terminate stops the worker and rejects every pending request with ErrChannelTerminated.
func (c *Channel) Terminate() {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return
	}
	c.terminated = true
	c.rejectPendingLocked()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout.TerminateTimeout)
	defer cancel()
	if req, err := NewRequest(uuid.NewString(), RequestTerminate, nil); err == nil {
		_ = t.Send(ctx, req)
	}
	if err := t.Close(); err != nil {
		slog.Warn("failed to close model worker transport", slog.Any("error", err))
	}
}

// IsUsingFallback reports whether callers should currently expect fallback vectors.
func (c *Channel) IsUsingFallback() bool {
	return c.fallbackMode.Load() || c.usingFallback.Load()
}

// InFallbackMode reports whether the channel gave up on the worker for good.
func (c *Channel) InFallbackMode() bool {
	return c.fallbackMode.Load()
}

// Model returns the currently loaded model name.
func (c *Channel) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// IsInitialized reports whether a model is loaded.
func (c *Channel) IsInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Channel) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Channel) markFallback() {
	c.usingFallback.Store(true)
}

func (c *Channel) call(ctx context.Context, typ RequestType, data any, budget time.Duration) (*Response, error) {
	if c.fallbackMode.Load() {
		return nil, ErrFallbackMode
	}

	req, err := NewRequest(uuid.NewString(), typ, data)
	if err != nil {
		return nil, err
	}
	done := make(chan *Response, 1)

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil, ErrChannelTerminated
	}
	t := c.transport
	if t == nil {
		c.mu.Unlock()
		return nil, ErrNotInitialized
	}
	c.pending[req.ID] = done
	c.mu.Unlock()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, budget)
	err = t.Send(sendCtx, req)
	cancel()
	if err != nil {
		c.forget(req.ID)
		return nil, errors.Wrapf(err, "failed to send %s request", typ)
	}

	select {
	case resp, ok := <-done:
		if !ok {
			if c.fallbackMode.Load() {
				return nil, ErrFallbackMode
			}
			return nil, ErrChannelTerminated
		}
		if resp.Type == ResponseError {
			return nil, errors.Errorf("worker %s failed: %s", typ, resp.Error)
		}
		c.usingFallback.Store(false)
		return resp, nil
	case <-timer.C:
		c.forget(req.ID)
		c.usingFallback.Store(true)
		return nil, errors.Wrapf(ErrRequestTimeout, "%s after %s", typ, budget)
	case <-ctx.Done():
		c.forget(req.ID)
		return nil, ctx.Err()
	}
}

func (c *Channel) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Channel) readLoop(t Transport) {
	for resp := range t.Responses() {
		if resp.Type == ResponseProgress {
			c.mu.Lock()
			observer := c.observer
			c.mu.Unlock()
			if observer != nil && resp.Status != nil {
				observer(*resp.Status)
			}
			continue
		}

		c.mu.Lock()
		done, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			slog.Debug("dropping response for unknown request", slog.String("id", resp.ID), slog.String("type", string(resp.Type)))
			continue
		}
		done <- resp
	}

	c.mu.Lock()
	terminated := c.terminated
	c.mu.Unlock()
	if !terminated {
		c.enterFallbackMode(errors.New("model worker exited"))
	}
}

// enterFallbackMode switches the channel to fallback mode once and releases the transport.
func (c *Channel) enterFallbackMode(cause error) {
	if !c.fallbackMode.CompareAndSwap(false, true) {
		return
	}
	slog.Warn("model worker unavailable, switching to fallback embeddings", slog.Any("error", cause))

	c.mu.Lock()
	c.rejectPendingLocked()
	t := c.transport
	c.transport = nil
	c.mu.Unlock()

	if t != nil {
		go func() {
			if err := t.Close(); err != nil {
				slog.Debug("failed to close model worker transport", slog.Any("error", err))
			}
		}()
	}
}

func (c *Channel) rejectPendingLocked() {
	for id, done := range c.pending {
		close(done)
		delete(c.pending, id)
	}
}
