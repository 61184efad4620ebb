package core

import "errors"

// Request-level error kinds. Handlers wrap them with context via fmt.Errorf
// and %w; the signaling layer turns them into error replies, never into a
// dropped connection.
var (
	// ErrInvalidState rejects an operation invalid for the session state,
	// e.g. a second join.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound rejects a request citing a transport/producer/consumer
	// id the session does not own.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRequest rejects an unknown method or a semantically
	// invalid request, e.g. consuming with incompatible capabilities.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEngine marks a media engine failure surfaced through a request.
	ErrEngine = errors.New("engine error")

	// ErrRoomClosed rejects connections routed to a room that closed
	// while the connection was in flight.
	ErrRoomClosed = errors.New("room closed")

	// ErrNoWorkers means the worker pool is empty. This is a startup
	// invariant violation, fatal to the process.
	ErrNoWorkers = errors.New("no media workers available")
)
