package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/hrygo/memosense/plugin/ai"
)

// Loader resolves a model name into a ready embedding service.
type Loader func(ctx context.Context, model string) (ai.EmbeddingService, error)

// warmUpText is embedded once after loading so the first real request does not pay the cold start.
const warmUpText = "warm up"

// NewOpenAILoader builds models through the OpenAI compatible embedding API.
// The model name from the request replaces cfg.Model.
func NewOpenAILoader(cfg ai.EmbeddingConfig) Loader {
	return func(ctx context.Context, model string) (ai.EmbeddingService, error) {
		c := cfg
		if model != "" {
			c.Model = model
		}
		svc, err := ai.NewEmbeddingService(&c)
		if err != nil {
			return nil, err
		}
		if _, err := svc.Embed(ctx, warmUpText); err != nil {
			return nil, errors.Wrapf(err, "warm-up embedding with %s failed", c.Model)
		}
		return svc, nil
	}
}

// Host serves the protocol around a single loaded model.
// Requests are handled one at a time in arrival order.
type Host struct {
	loader    Loader
	limiter   *rate.Limiter
	model     ai.EmbeddingService
	modelName string
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithRateLimit bounds upstream model calls to rps per second with the given burst.
func WithRateLimit(rps float64, burst int) HostOption {
	return func(h *Host) {
		if rps <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// NewHost creates a host that loads models through loader.
func NewHost(loader Loader, opts ...HostOption) *Host {
	h := &Host{
		loader:  loader,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve handles requests from in until ctx is done, in is closed, or a terminate request arrives.
func (h *Host) Serve(ctx context.Context, in <-chan *Request, out chan<- *Response) error {
	emit := func(resp *Response) {
		select {
		case out <- resp:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-in:
			if !ok {
				return nil
			}
			if req.Type == RequestTerminate {
				slog.Debug("model host terminating")
				return nil
			}
			h.handle(ctx, req, emit)
		}
	}
}

// ServeIO serves newline-delimited JSON requests from r and writes responses to w.
// It is the entry point of a worker subprocess.
func (h *Host) ServeIO(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan *Request)
	out := make(chan *Response, transportBuffer)

	go func() {
		defer close(in)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			req := &Request{}
			if err := json.Unmarshal(line, req); err != nil {
				slog.Warn("dropping malformed request", slog.Any("error", err))
				continue
			}
			select {
			case in <- req:
			case <-ctx.Done():
				return
			}
		}
	}()

	writerDone := make(chan error, 1)
	go func() {
		enc := json.NewEncoder(w)
		var werr error
		for resp := range out {
			if werr != nil {
				continue
			}
			if err := enc.Encode(resp); err != nil {
				werr = errors.Wrap(err, "failed to write response")
				cancel()
			}
		}
		writerDone <- werr
	}()

	err := h.Serve(ctx, in, out)
	close(out)
	if werr := <-writerDone; werr != nil {
		return werr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Host) handle(ctx context.Context, req *Request, emit func(*Response)) {
	switch req.Type {
	case RequestInit:
		h.handleLoad(ctx, req, ResponseInitComplete, emit)
	case RequestChangeModel:
		h.handleLoad(ctx, req, ResponseModelChanged, emit)
	case RequestGenerateEmbedding:
		emit(h.handleEmbed(ctx, req))
	case RequestBatchGenerate:
		emit(h.handleBatch(ctx, req))
	default:
		emit(errorResponse(req.ID, errors.Errorf("unknown request type %q", req.Type)))
	}
}

func (h *Host) handleLoad(ctx context.Context, req *Request, done ResponseType, emit func(*Response)) {
	var data InitData
	if err := req.Decode(&data); err != nil {
		emit(errorResponse(req.ID, err))
		return
	}

	if h.model != nil && data.Model == h.modelName {
		emit(&Response{ID: req.ID, Type: done, Success: true})
		return
	}

	emit(&Response{Type: ResponseProgress, Status: &Status{Stage: StageLoading, Model: data.Model, Progress: 0}})
	model, err := h.loader(ctx, data.Model)
	if err != nil {
		// A failed change keeps the previous model serving.
		slog.Warn("failed to load embedding model", slog.String("model", data.Model), slog.Any("error", err))
		emit(errorResponse(req.ID, errors.Wrapf(err, "failed to load model %s", data.Model)))
		return
	}
	h.model = model
	h.modelName = data.Model
	emit(&Response{Type: ResponseProgress, Status: &Status{Stage: StageReady, Model: data.Model, Progress: 100}})
	slog.Info("embedding model loaded", slog.String("model", data.Model), slog.Int("dimensions", model.Dimensions()))

	emit(&Response{ID: req.ID, Type: done, Success: true})
}

func (h *Host) handleEmbed(ctx context.Context, req *Request) *Response {
	if h.model == nil {
		return errorResponse(req.ID, ErrNotInitialized)
	}
	var data EmbedData
	if err := req.Decode(&data); err != nil {
		return errorResponse(req.ID, err)
	}
	if strings.TrimSpace(data.Text) == "" {
		return errorResponse(req.ID, errors.New("text is empty"))
	}
	if err := h.limiter.Wait(ctx); err != nil {
		return errorResponse(req.ID, err)
	}

	vector, err := h.model.Embed(ctx, data.Text)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return &Response{ID: req.ID, Type: ResponseEmbeddingComplete, Success: true, Embedding: vector}
}

func (h *Host) handleBatch(ctx context.Context, req *Request) *Response {
	if h.model == nil {
		return errorResponse(req.ID, ErrNotInitialized)
	}
	var data BatchData
	if err := req.Decode(&data); err != nil {
		return errorResponse(req.ID, err)
	}

	results := make([]EmbeddingOutcome, len(data.Texts))
	var texts []string
	var positions []int
	for i, text := range data.Texts {
		results[i] = EmbeddingOutcome{Index: i}
		if i < len(data.IDs) {
			results[i].ID = data.IDs[i]
		}
		if strings.TrimSpace(text) == "" {
			results[i].Error = "text is empty"
			continue
		}
		texts = append(texts, text)
		positions = append(positions, i)
	}

	if len(texts) > 0 {
		if err := h.limiter.Wait(ctx); err != nil {
			return errorResponse(req.ID, err)
		}
		vectors, err := h.model.EmbedBatch(ctx, texts)
		if err != nil {
			// Retry item by item so one bad text cannot sink the batch.
			slog.Warn("batch embedding failed, retrying per item", slog.Int("count", len(texts)), slog.Any("error", err))
			for j, text := range texts {
				vector, err := h.model.Embed(ctx, text)
				if err != nil {
					results[positions[j]].Error = err.Error()
					continue
				}
				results[positions[j]].Success = true
				results[positions[j]].Embedding = vector
			}
		} else {
			for j, vector := range vectors {
				results[positions[j]].Success = true
				results[positions[j]].Embedding = vector
			}
		}
	}

	return &Response{ID: req.ID, Type: ResponseBatchComplete, Success: true, Results: results}
}
