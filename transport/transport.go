// Package transport maintains a single logical websocket connection to the
// realtime endpoint: dialing, sending, receiving and reconnecting with
// capped exponential backoff. Higher layers (presence, chat) consume it
// through the Transport interface so tests can substitute a fake.
package transport

import (
	"errors"

	"github.com/vitaglow/realtime/protocol"
)

// Sentinel errors surfaced by the connection. None of them is fatal to the
// caller: sends while disconnected are dropped, not blocked on.
var (
	// ErrNotConnected is returned by Send when the connection is not open.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrRetriesExhausted is surfaced through the error handler once the
	// reconnect attempt cap is reached. No further retries are scheduled.
	ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")
)

// Transport is the duplex connection surface consumed by the presence
// tracker and the chat session. The concrete implementation is Conn; tests
// inject recording fakes.
type Transport interface {
	// Send wraps the payload in a {type, data} envelope and writes it.
	// Returns ErrNotConnected (and surfaces it via the error handler)
	// when the connection is not open.
	Send(msgType string, payload any) error

	// IsConnected reports whether the connection is currently open.
	IsConnected() bool

	// OnMessage registers the handler for decoded inbound envelopes.
	OnMessage(fn func(protocol.Envelope))

	// OnConnected registers the handler fired each time the connection
	// (re)opens.
	OnConnected(fn func())

	// OnDisconnected registers the handler fired when an open connection
	// closes unexpectedly.
	OnDisconnected(fn func())

	// OnError registers the handler for connection, protocol and send
	// errors. Errors never terminate the engine on their own.
	OnError(fn func(error))

	// Destroy tears the connection down permanently. Idempotent; no
	// handlers fire afterwards.
	Destroy()
}
