package core

import (
	"context"
	"encoding/json"

	"github.com/dkeye/wdi/internal/protocol"
)

// Conduit carries one session's signaling: correlated requests, negotiation
// messages and the inbound side of both. The envelope codec over a Channel
// and the peer RPC substrate both implement it.
type Conduit interface {
	// Start begins delivering inbound traffic to d.
	Start(d Dispatcher)
	// Request sends r and waits for the remote's answer.
	Request(ctx context.Context, r protocol.Request) (json.RawMessage, error)
	// Negotiate relays one negotiation message; it does not wait for a reply.
	Negotiate(n protocol.Negotiation) error
	// Close tears the conduit down and rejects every pending request.
	Close() error
	Done() <-chan struct{}
}

// Dispatcher is the session-side handler a Conduit feeds.
type Dispatcher interface {
	HandleRequest(ctx context.Context, r protocol.Request) (any, error)
	HandleNegotiation(n protocol.Negotiation)
	// HandleClosed is called once when the conduit ends; err is nil for a local close.
	HandleClosed(err error)
}
