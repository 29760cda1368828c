// Package session owns the broker connection lifecycle: last-will
// registration, birth certificate publication, alias compression of
// outbound data, and the reconnect loop. While the connection is down every
// outbound frame diverts to the store-and-forward queue; on reconnect the
// backlog replays in order before live publishing resumes.
package session

import (
	"context"
	"time"
)

// State is the connection lifecycle phase. The manager is the single writer;
// reads are lock-free.
type State int32

// Lifecycle states, in transition order. A lost connection moves through
// StateError back to StateConnecting.
const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Will is the death announcement the broker publishes on the session's
// behalf after an abrupt disconnect. It must be registered before the
// connection is established.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// ConnectOptions carries the per-connection parameters the manager supplies
// on every (re)connect attempt.
type ConnectOptions struct {
	Will *Will
	// OnConnectionLost is invoked once when an established connection
	// drops. It must not block.
	OnConnectionLost func(error)
}

// Handler consumes one inbound frame. It is called from the transport's
// receive goroutine and must hand the frame off without blocking.
type Handler func(topic string, payload []byte)

// Transport abstracts the broker client so the session lifecycle can be
// driven against an in-memory fake in tests.
type Transport interface {
	// Connect establishes a connection with the given will registered.
	Connect(ctx context.Context, opts ConnectOptions) error
	// Publish sends one frame and waits for the delivery handshake.
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
	// Subscribe registers a handler for every frame matching filter.
	// Subscriptions do not survive a reconnect.
	Subscribe(ctx context.Context, filter string, qos byte, h Handler) error
	// Disconnect closes the connection, allowing up to timeout for
	// in-flight messages to finish.
	Disconnect(timeout time.Duration) error
	// IsConnected reports whether the transport currently holds a live
	// connection.
	IsConnected() bool
}
