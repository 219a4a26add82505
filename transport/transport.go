// ABOUTME: Transport abstraction over the single outbound session to the accounting endpoint.
// ABOUTME: The agent only ever needs connect, one send, one receive, and close.

package transport

import (
	"context"
	"errors"
)

// ErrNotConnected indicates an IO attempt on a transport with no live
// session.
var ErrNotConnected = errors.New("transport: not connected")

// ErrClosed indicates the transport was shut down for the process lifetime.
var ErrClosed = errors.New("transport: closed")

// Transport is the downstream collaborator: a single outbound byte-stream
// session. Implementations handle dialing, framing, and timeouts; the
// agent never pipelines, so Send and Receive are always paired, one
// exchange at a time.
type Transport interface {
	// Connect establishes the session. Calling Connect on an open
	// transport is an error; the caller tears down first.
	Connect(ctx context.Context) error
	// Send writes one complete request.
	Send(ctx context.Context, payload []byte) error
	// Receive blocks for one complete reply, bounded by the transport's
	// configured timeout.
	Receive(ctx context.Context) ([]byte, error)
	// Close tears down the session. Safe to call on a closed transport.
	Close() error
	// Addr describes the remote endpoint for logs.
	Addr() string
}
