package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/hrygo/memosense/plugin/ai/vector"
	"github.com/hrygo/memosense/plugin/ai/worker"
	"github.com/hrygo/memosense/store"
)

// ErrorCode represents a specific error type for semantic operations.
type ErrorCode string

const (
	// ErrCodeModelLoadFailure indicates the model host could not start or load the model.
	ErrCodeModelLoadFailure ErrorCode = "MODEL_LOAD_FAILURE"
	// ErrCodeRequestTimeout indicates a single model request exceeded its budget.
	ErrCodeRequestTimeout ErrorCode = "REQUEST_TIMEOUT"
	// ErrCodeDimensionMismatch indicates vectors from different models were compared.
	ErrCodeDimensionMismatch ErrorCode = "DIMENSION_MISMATCH"
	// ErrCodeStorageUnavailable indicates the embedding store failed.
	ErrCodeStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"
	// ErrCodeChannelTerminated indicates the model channel was shut down.
	ErrCodeChannelTerminated ErrorCode = "CHANNEL_TERMINATED"
	// ErrCodeInvalidArgument indicates invalid input parameters.
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	// ErrCodeNotFound indicates the requested source does not exist.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrCodeContextCanceled indicates the operation was canceled.
	ErrCodeContextCanceled ErrorCode = "CONTEXT_CANCELED"
	// ErrCodeInternal is used for anything not classified above.
	ErrCodeInternal ErrorCode = "INTERNAL"
)

// AIError represents a structured error for semantic operations.
type AIError struct {
	Code    ErrorCode
	Message string
	Cause   error
	Context map[string]any
}

// Error implements the error interface.
func (e *AIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *AIError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error.
func (e *AIError) WithContext(key string, value any) *AIError {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// GetCode returns the error code.
func (e *AIError) GetCode() ErrorCode {
	return e.Code
}

// InvalidArgument creates an invalid argument error.
func InvalidArgument(msg string) *AIError {
	return &AIError{Code: ErrCodeInvalidArgument, Message: msg}
}

// NotFound creates a not found error.
func NotFound(msg string) *AIError {
	return &AIError{Code: ErrCodeNotFound, Message: msg}
}

// Wrap wraps an existing error with additional context.
func Wrap(cause error, code ErrorCode, msg string) *AIError {
	return &AIError{Code: code, Message: msg, Cause: cause}
}

// Classify maps err onto an error code by matching the sentinels of the lower layers.
func Classify(err error) ErrorCode {
	var aiErr *AIError
	switch {
	case err == nil:
		return ""
	case stderrors.As(err, &aiErr):
		return aiErr.Code
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, context.DeadlineExceeded):
		return ErrCodeContextCanceled
	case stderrors.Is(err, vector.ErrDimensionMismatch):
		return ErrCodeDimensionMismatch
	case stderrors.Is(err, store.ErrStorageUnavailable):
		return ErrCodeStorageUnavailable
	case stderrors.Is(err, store.ErrSourceNotFound):
		return ErrCodeNotFound
	case stderrors.Is(err, worker.ErrModelLoadFailure), stderrors.Is(err, worker.ErrFallbackMode):
		return ErrCodeModelLoadFailure
	case stderrors.Is(err, worker.ErrRequestTimeout):
		return ErrCodeRequestTimeout
	case stderrors.Is(err, worker.ErrChannelTerminated):
		return ErrCodeChannelTerminated
	default:
		return ErrCodeInternal
	}
}

// FromError returns err as an *AIError, classifying it when needed.
func FromError(err error) *AIError {
	if err == nil {
		return nil
	}
	var aiErr *AIError
	if stderrors.As(err, &aiErr) {
		return aiErr
	}
	return &AIError{Code: Classify(err), Message: err.Error(), Cause: err}
}

// IsCode checks if an error is of a specific code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && Classify(err) == code
}

// HTTPStatus returns the HTTP status code for an error code.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeRequestTimeout:
		return http.StatusGatewayTimeout
	case ErrCodeContextCanceled:
		return http.StatusRequestTimeout
	case ErrCodeDimensionMismatch:
		return http.StatusConflict
	case ErrCodeStorageUnavailable, ErrCodeModelLoadFailure, ErrCodeChannelTerminated:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
