package transport

import (
	"context"
	"fmt"
	"net/http"
	"remotectl/message"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WSTransport sends many requests over a single WebSocket connection.
//
// The server answers one connection's requests in arrival order, so responses are matched to
// callers by position: each send appends a channel to a FIFO under the sending lock, and a
// background goroutine (recvLoop) hands every response to the oldest waiting channel.
//
//	goroutine-1 ──Do(req A)──┐
//	goroutine-2 ──Do(req B)──┼──→ single WebSocket ──→ Server
//	goroutine-3 ──Do(req C)──┘
//
//	recvLoop:  ←── response → pending[0] (A) → goroutine-1 wakes up
type WSTransport struct {
	conn    *websocket.Conn
	sending sync.Mutex // Write lock; also keeps pending in the same order as the writes
	mu      sync.Mutex // Guards pending and err
	pending []chan wsResult
	err     error // Set once the connection is broken
	closed  chan struct{}
	once    sync.Once
}

type wsResult struct {
	resp *message.Response
	err  error
}

// DialWebSocket connects to a server's /ws endpoint, e.g. ws://127.0.0.1:15702/ws, and starts
// the receive and heartbeat goroutines.
func DialWebSocket(ctx context.Context, url string) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s: %w (HTTP %s)", url, err, resp.Status)
		}
		return nil, fmt.Errorf("dialing %s: %w", url, err)
	}
	t := &WSTransport{conn: conn, closed: make(chan struct{})}
	go t.recvLoop()
	go t.heartbeatLoop(30 * time.Second)
	return t, nil
}

func (t *WSTransport) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	ch := make(chan wsResult, 1) // Buffered so recvLoop never blocks on an abandoned caller

	t.sending.Lock()
	t.mu.Lock()
	if t.err != nil {
		err := t.err
		t.mu.Unlock()
		t.sending.Unlock()
		return nil, err
	}
	// Register BEFORE writing so recvLoop cannot see the response first.
	t.pending = append(t.pending, ch)
	t.mu.Unlock()
	err := t.conn.WriteJSON(req)
	t.sending.Unlock()
	if err != nil {
		// The stream is unusable once a write fails part way.
		t.fail(fmt.Errorf("writing request: %w", err))
		return nil, err
	}

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// recvLoop reads responses in order and routes each to the oldest pending caller.
func (t *WSTransport) recvLoop() {
	for {
		var resp message.Response
		if err := t.conn.ReadJSON(&resp); err != nil {
			t.fail(err)
			return
		}
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.mu.Unlock()
			t.fail(fmt.Errorf("unsolicited response"))
			return
		}
		ch := t.pending[0]
		t.pending = t.pending[1:]
		t.mu.Unlock()
		ch <- wsResult{resp: &resp}
	}
}

// fail marks the transport broken and notifies every pending caller so they don't block forever.
func (t *WSTransport) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()
	for _, ch := range pending {
		ch <- wsResult{err: err}
	}
	t.once.Do(func() {
		close(t.closed)
		t.conn.Close()
	})
}

// heartbeatLoop pings the server so idle connections through proxies stay open.
func (t *WSTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(interval)); err != nil {
				return
			}
		case <-t.closed:
			return
		}
	}
}

// Close sends a close frame and releases the connection. Pending calls fail with ErrClosed.
func (t *WSTransport) Close() error {
	select {
	case <-t.closed:
		return nil
	default:
	}
	t.sending.Lock()
	err := t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.sending.Unlock()
	t.fail(ErrClosed)
	if err != nil && err != websocket.ErrCloseSent {
		return err
	}
	return nil
}
