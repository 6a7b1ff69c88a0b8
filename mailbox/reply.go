package mailbox

import (
	"context"
	"remotectl/message"
	"sync"
)

// Reply is a single-use response channel. The first Send delivers; later sends are dropped and
// report false, so a handler that answers twice cannot produce a second network write.
type Reply struct {
	mu   sync.Mutex
	sent bool
	ch   chan *message.Response
}

func NewReply() *Reply {
	return &Reply{ch: make(chan *message.Response, 1)}
}

// Send delivers resp if nothing was sent before. It never blocks.
func (r *Reply) Send(resp *message.Response) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent {
		return false
	}
	r.sent = true
	r.ch <- resp
	return true
}

// Sent reports whether the reply has been consumed.
func (r *Reply) Sent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent
}

// Done yields the response once it is sent.
func (r *Reply) Done() <-chan *message.Response { return r.ch }

// Wait blocks until the response arrives or ctx ends.
func (r *Reply) Wait(ctx context.Context) (*message.Response, error) {
	select {
	case resp := <-r.ch:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
