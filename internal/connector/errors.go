package connector

import "errors"

// Domain-specific errors for channel operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidConfig is returned when a channel cannot be built from its
	// configuration. Configuration errors are permanent.
	ErrInvalidConfig = errors.New("connector: invalid configuration")

	// ErrUnknownFailureStrategy is returned for a failure strategy other than
	// "fail" or "ignore".
	ErrUnknownFailureStrategy = errors.New("connector: unknown failure strategy")

	// ErrUnknownChannel is returned when a channel name is not configured.
	ErrUnknownChannel = errors.New("connector: unknown channel")

	// ErrStreamCancelled is returned by a stream after Cancel.
	ErrStreamCancelled = errors.New("connector: stream cancelled")

	// ErrStreamActive is returned when a second stream is requested from a
	// non-broadcast source.
	ErrStreamActive = errors.New("connector: stream already active")

	// ErrSourceFailed wraps the cause that terminated a source.
	ErrSourceFailed = errors.New("connector: source failed")

	// ErrNacked is the cause recorded when Nack is called with a nil error.
	ErrNacked = errors.New("connector: message negatively acknowledged")

	// ErrClosed is returned by channels after the connector is closed.
	ErrClosed = errors.New("connector: closed")

	// ErrEncodePayload is returned when an outbound payload cannot be encoded.
	ErrEncodePayload = errors.New("connector: payload encoding failed")
)
