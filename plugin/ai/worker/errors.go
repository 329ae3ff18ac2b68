package worker

import "github.com/pkg/errors"

var (
	// ErrModelLoadFailure means the model host could not be started or the model could not load.
	// The channel switches to fallback mode for the rest of its life.
	ErrModelLoadFailure = errors.New("model load failure")

	// ErrRequestTimeout means a single request exceeded its budget.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrChannelTerminated is returned to every request still pending when the channel terminates.
	ErrChannelTerminated = errors.New("channel terminated")

	// ErrFallbackMode is returned without touching the transport once the channel is in fallback mode.
	ErrFallbackMode = errors.New("channel is in fallback mode")

	// ErrNotInitialized is returned when a request is made before Initialize.
	ErrNotInitialized = errors.New("channel is not initialized")

	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")
)
