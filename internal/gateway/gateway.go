// Package gateway defines the remote real-time service handle consumed by the
// connection orchestrator, plus a websocket implementation of it.
package gateway

import (
	"context"
	"time"
)

// EventType identifies a gateway stream event.
type EventType string

const (
	EventReady        EventType = "ready"
	EventDisconnect   EventType = "disconnect"
	EventReconnecting EventType = "reconnecting"
	EventResume       EventType = "resume"
	EventError        EventType = "error"
)

// Event is a single entry in the gateway event stream.
type Event struct {
	Type EventType
	Err  error
	Data map[string]any
}

// Credential identifies the session to the gateway.
type Credential struct {
	Token     string
	SessionID string
}

// Client is the injected remote-service handle. Implementations own the wire
// protocol; the orchestrator only logs in, disconnects, and consumes events.
type Client interface {
	// Login establishes the session. Returns once the gateway acknowledges.
	Login(ctx context.Context, cred Credential) error

	// Disconnect tears down the current session, if any.
	Disconnect(ctx context.Context) error

	// Events returns the stream of gateway events. The channel stays valid
	// across reconnects and is closed by Close.
	Events() <-chan Event

	// Ping measures gateway round-trip latency.
	Ping(ctx context.Context) (time.Duration, error)

	// Close releases all resources. The client is not reusable afterward.
	Close() error
}
