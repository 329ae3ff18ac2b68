package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Log field names shared by the semantic subsystem.
const (
	LogFieldRequestID = "request_id"
	LogFieldOperation = "operation"
	LogFieldSourceID  = "source_id"
	LogFieldDuration  = "duration_ms"
	LogFieldErrorCode = "error_code"
	LogFieldFallback  = "fallback"
)

// RequestContext carries the request id and operation name of one semantic call
// so every log line it emits can be correlated.
type RequestContext struct {
	RequestID string
	Operation string
	StartTime time.Time
	Logger    *slog.Logger
}

// NewRequestContext starts a request with a fresh id.
func NewRequestContext(logger *slog.Logger, operation string) *RequestContext {
	return NewRequestContextWithID(logger, "", operation)
}

// NewRequestContextWithID starts a request with a caller supplied id, e.g. an
// X-Request-ID header. An empty id gets a generated one.
func NewRequestContextWithID(logger *slog.Logger, requestID, operation string) *RequestContext {
	if logger == nil {
		logger = slog.Default()
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return &RequestContext{
		RequestID: requestID,
		Operation: operation,
		StartTime: time.Now(),
		Logger:    logger,
	}
}

// Elapsed returns the time since the request started.
func (r *RequestContext) Elapsed() time.Duration {
	return time.Since(r.StartTime)
}

// With returns a logger that tags every record with the request id and operation.
func (r *RequestContext) With(attrs ...slog.Attr) *slog.Logger {
	args := make([]any, 0, len(attrs)+2)
	for _, attr := range r.attrs(attrs) {
		args = append(args, attr)
	}
	return r.Logger.With(args...)
}

// Finish logs the outcome of the request. Failures are logged at warn level
// with their error code, successes at debug level.
func (r *RequestContext) Finish(ctx context.Context, code string, err error, attrs ...slog.Attr) {
	attrs = append(attrs, slog.Int64(LogFieldDuration, r.Elapsed().Milliseconds()))
	if err != nil {
		attrs = append(attrs, slog.String(LogFieldErrorCode, code), slog.String("error", err.Error()))
		r.Logger.LogAttrs(ctx, slog.LevelWarn, "semantic operation failed", r.attrs(attrs)...)
		return
	}
	r.Logger.LogAttrs(ctx, slog.LevelDebug, "semantic operation completed", r.attrs(attrs)...)
}

func (r *RequestContext) attrs(extra []slog.Attr) []slog.Attr {
	base := []slog.Attr{
		slog.String(LogFieldRequestID, r.RequestID),
		slog.String(LogFieldOperation, r.Operation),
	}
	return append(base, extra...)
}

type ctxKey struct{}

// WithRequestContext stores reqCtx in ctx.
func WithRequestContext(ctx context.Context, reqCtx *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, reqCtx)
}

// FromContext returns the request context stored in ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	reqCtx, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return reqCtx, ok
}

// LoggerFrom returns the request logger carried by ctx, or the default logger.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if reqCtx, ok := FromContext(ctx); ok {
		return reqCtx.With()
	}
	return slog.Default()
}
