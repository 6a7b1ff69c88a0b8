// Package mailbox carries requests from I/O goroutines into the tick goroutine.
//
//	conn goroutine ──Send──▶ [ bounded chan ] ──Drain──▶ tick goroutine
//	       ▲                                                  │
//	       └──────────────── Reply (one shot) ◀───────────────┘
//
// Send blocks while the mailbox is full, so a busy tick loop slows its callers down instead of
// dropping their requests. Drain never blocks.
package mailbox

import (
	"context"
	"errors"
	"remotectl/message"
	"sync"
)

// DefaultSize is the mailbox capacity used when none is configured.
const DefaultSize = 16

var ErrClosed = errors.New("mailbox closed")

// Message is one queued request plus the channel its single reply goes back on.
type Message struct {
	Request *message.Request
	Reply   *Reply
}

// Mailbox is a bounded FIFO of messages. Many goroutines may Send; one goroutine drains.
type Mailbox struct {
	ch     chan Message
	mu     sync.RWMutex // Guards closed against concurrent Send
	closed bool
	done   chan struct{} // Closed by Close to release blocked senders
	once   sync.Once
}

// New creates a mailbox holding at most size messages. A size below 1 gets DefaultSize.
func New(size int) *Mailbox {
	if size < 1 {
		size = DefaultSize
	}
	return &Mailbox{
		ch:   make(chan Message, size),
		done: make(chan struct{}),
	}
}

// Cap reports the capacity.
func (m *Mailbox) Cap() int { return cap(m.ch) }

// Len reports how many messages are queued right now.
func (m *Mailbox) Len() int { return len(m.ch) }

// Send enqueues msg, waiting for room while the mailbox is full. It returns ctx.Err() if ctx ends
// first and ErrClosed once the mailbox is closed.
func (m *Mailbox) Send(ctx context.Context, msg Message) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	// Close may have released done without having set closed yet. Check done alone first, since
	// a select with room in ch could otherwise pick the send.
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	select {
	case m.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrClosed
	}
}

// TryRecv takes the oldest message without blocking.
func (m *Mailbox) TryRecv() (Message, bool) {
	select {
	case msg := <-m.ch:
		return msg, true
	default:
		return Message{}, false
	}
}

// Drain takes the messages queued when it was called, oldest first, and never blocks. Messages
// that arrive during the drain wait for the next one.
func (m *Mailbox) Drain() []Message {
	n := len(m.ch)
	if n == 0 {
		return nil
	}
	out := make([]Message, 0, n)
	for i := 0; i < n; i++ {
		msg, ok := m.TryRecv()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

// Close rejects future sends and wakes blocked senders with ErrClosed. Messages already queued
// can still be drained. Calling Close more than once is harmless.
func (m *Mailbox) Close() {
	m.once.Do(func() {
		// done goes first: blocked senders hold the read lock until it wakes them.
		close(m.done)
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
}
