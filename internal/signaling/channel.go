// Package signaling defines the bidirectional request/notification protocol
// spoken with each peer and the Channel port it travels over. Transports
// (websocket, in-memory pipe) implement Channel; the session layer never
// sees the underlying connection.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTimeout is returned when no response arrives within the bounded wait.
	ErrTimeout = errors.New("signaling: request timed out")
	// ErrChannelClosed is returned for requests on a closed channel.
	ErrChannelClosed = errors.New("signaling: channel closed")
)

// DefaultRequestTimeout bounds outbound application requests.
const DefaultRequestTimeout = 15 * time.Second

// RequestHandler handles one inbound request. The returned value is
// marshaled into the ok-response; a returned error becomes the error
// response. Handlers may issue outbound requests on the same channel.
type RequestHandler func(ctx context.Context, method string, data json.RawMessage) (any, error)

// Channel is one peer's duplex signaling connection.
type Channel interface {
	// Request sends a correlated call and awaits the single response.
	// It fails with ErrTimeout when the bounded wait elapses and with
	// ErrChannelClosed when the channel is (or becomes) closed.
	Request(ctx context.Context, method string, data any) (json.RawMessage, error)

	// Notify sends a fire-and-forget notification. Silently dropped when
	// the channel is closed.
	Notify(method string, data any)

	// OnRequest registers the single handler invoked for inbound requests.
	// Must be set before the remote side can usefully call.
	OnRequest(handler RequestHandler)

	// OnDisconnect registers a callback fired exactly once when the
	// channel goes away, whether by remote disconnect or local Close.
	OnDisconnect(fn func())

	// Close tears the channel down. Idempotent.
	Close()
}

// A RemoteError carries a failure response received from the other side of
// the channel, as opposed to a local transport failure.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return "signaling: remote error on " + e.Method + ": " + e.Message
}

func marshalData(data any) (json.RawMessage, error) {
	if data == nil {
		return nil, nil
	}
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return b, nil
}
