// Package transport carries request envelopes from a client to a server.
//
// Two transports exist: HTTPTransport (one POST per request, the protocol's native form) and
// WSTransport (many requests over one WebSocket, answered in order). Either can be driven
// asynchronously through Go, which returns a Task the tick loop can poll without blocking.
package transport

import (
	"context"
	"errors"
	"remotectl/message"
)

var ErrClosed = errors.New("transport closed")

// Transport performs one request/response exchange. Implementations are goroutine-safe.
type Transport interface {
	Do(ctx context.Context, req *message.Request) (*message.Response, error)
	Close() error
}
