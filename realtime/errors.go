package realtime

import "errors"

var (
	// ErrChannelOpen wraps transport failures while opening a channel
	ErrChannelOpen = errors.New("failed to open channel")
	// ErrInvalidTable is returned for empty or malformed identifiers
	ErrInvalidTable = errors.New("invalid table identifier")
	// ErrNilCallback is returned when Subscribe is called without a callback
	ErrNilCallback = errors.New("callback is required")
	// ErrInvalidEvent is returned for unknown event types
	ErrInvalidEvent = errors.New("invalid event type")
	// ErrUnknownChannel is returned by transports asked to close a handle they did not issue
	ErrUnknownChannel = errors.New("unknown channel handle")
)
