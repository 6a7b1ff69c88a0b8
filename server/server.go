// Package server implements the remote-control listener, the dispatcher that answers requests
// on the tick goroutine, and graceful shutdown.
//
// Request processing pipeline:
//
//	HTTP conn goroutine: POST / → Codec.Decode → Middleware Chain → enqueue ─┐
//	WS conn goroutine:   message → Codec.Decode → Middleware Chain → enqueue ─┤
//	                                                                          ▼
//	tick goroutine: Loop.Step → Dispatcher.DrainAndDispatch → verb handler → Reply
//	                                                                          │
//	conn goroutine: ◀── Codec.Encode ◀── Reply.Wait ◀─────────────────────────┘
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"remotectl/codec"
	"remotectl/mailbox"
	"remotectl/message"
	"remotectl/middleware"
	"remotectl/registry"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

const (
	// DefaultPort is the well-known remote-control port.
	DefaultPort = 15702
	// DefaultAddress binds to loopback only; the protocol carries no authentication.
	DefaultAddress = "127.0.0.1"
	// DefaultMaxBodyBytes bounds a request body or WebSocket message.
	DefaultMaxBodyBytes = 1 << 20
)

// Server accepts remote-control requests and hands them to the tick goroutine via a mailbox.
type Server struct {
	mailbox       *mailbox.Mailbox
	listener      net.Listener            // TCP listener
	httpServer    *http.Server            // One goroutine per connection
	wg            sync.WaitGroup          // Tracks in-flight requests for graceful shutdown
	shutdown      atomic.Bool             // Set to true during shutdown to suppress Serve errors
	middlewares   []middleware.Middleware // Registered middlewares (applied in order)
	handler       middleware.HandlerFunc  // middleware(middleware(...(enqueue)))
	registry      registry.Registry       // Service registry, nil if not using discovery
	serviceName   string                  // Name advertised in the registry
	advertiseAddr string                  // URL registered in the registry
	ttl           int64                   // Registry lease TTL in seconds
	logger        *slog.Logger
	maxBodyBytes  int64
	wsEnabled     bool // Serve GET /ws
	upgrader      websocket.Upgrader

	wsMu    sync.Mutex
	wsConns map[*websocket.Conn]string // Open WebSocket connections, closed on shutdown
}

// NewServer creates a server feeding mb. Requests are not answered until something drives a
// Loop (or Dispatcher) over the same mailbox.
func NewServer(mb *mailbox.Mailbox, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		mailbox:      mb,
		logger:       logger,
		maxBodyBytes: DefaultMaxBodyBytes,
		wsEnabled:    true,
		wsConns:      make(map[*websocket.Conn]string),
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// SetMaxBodyBytes bounds request bodies. Non-positive values restore the default.
func (svr *Server) SetMaxBodyBytes(n int64) {
	if n <= 0 {
		n = DefaultMaxBodyBytes
	}
	svr.maxBodyBytes = n
}

// EnableWebSocket turns the /ws endpoint on or off.
func (svr *Server) EnableWebSocket(enabled bool) { svr.wsEnabled = enabled }

// Advertise makes Serve register the server under serviceName, and Shutdown deregister it. An
// empty advertiseAddr advertises the listener's own URL. Call it before Listen.
func (svr *Server) Advertise(reg registry.Registry, serviceName, advertiseAddr string, ttl int64) {
	svr.registry = reg
	svr.serviceName = serviceName
	svr.advertiseAddr = advertiseAddr
	svr.ttl = ttl
}

// Listen binds address (host:port) and prepares the HTTP server. It is separate from Serve so
// callers learn the bound address, useful with port 0, before serving. Middlewares must be
// registered before Listen.
func (svr *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	svr.listener = listener
	svr.httpServer = &http.Server{
		Handler:           svr.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return middleware.WithConnID(ctx, ulid.Make().String())
		},
		ErrorLog: slog.NewLogLogger(svr.logger.Handler(), slog.LevelWarn),
	}
	if svr.registry != nil && svr.advertiseAddr == "" {
		svr.advertiseAddr = svr.URL()
	}
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (svr *Server) Addr() net.Addr {
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// URL returns the base URL clients should POST to.
func (svr *Server) URL() string {
	return "http://" + svr.Addr().String()
}

// Handler returns the HTTP handler, building the middleware chain. Serve calls it; tests may
// mount it on an httptest server instead.
func (svr *Server) Handler() http.Handler {
	// Chain(A, B, C)(handler) → A(B(C(handler)))
	svr.handler = middleware.Chain(svr.middlewares...)(svr.enqueue)

	mux := http.NewServeMux()
	mux.HandleFunc("/{$}", svr.handleHTTP)
	if svr.wsEnabled {
		mux.HandleFunc("/ws", svr.handleWebSocket)
	}
	return mux
}

// Serve runs the accept loop until Shutdown. Listen must have been called.
func (svr *Server) Serve() error {
	if svr.listener == nil {
		return errors.New("server: Serve called before Listen")
	}

	if svr.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := svr.registry.Register(ctx, svr.serviceName, registry.ServiceInstance{Addr: svr.advertiseAddr, Weight: 1}, svr.ttl)
		cancel()
		if err != nil {
			// Discovery is optional: clients with a direct URL still work.
			svr.logger.Warn("registering with service registry", "service", svr.serviceName, "error", err)
		} else {
			svr.logger.Info("registered", "service", svr.serviceName, "addr", svr.advertiseAddr)
		}
	}

	svr.logger.Info("remote control listening", "addr", svr.listener.Addr().String())
	err := svr.httpServer.Serve(svr.listener)
	if svr.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe is Listen followed by Serve.
func (svr *Server) ListenAndServe(address string) error {
	if err := svr.Listen(address); err != nil {
		return err
	}
	return svr.Serve()
}

// enqueue is the innermost handler: it queues the request with a fresh one-shot reply and waits.
// A full mailbox blocks here, pushing back on this connection only.
func (svr *Server) enqueue(ctx context.Context, req *message.Request) *message.Response {
	reply := mailbox.NewReply()
	if err := svr.mailbox.Send(ctx, mailbox.Message{Request: req, Reply: reply}); err != nil {
		return message.Error(req.ID, fmt.Sprintf("request not queued: %v", err))
	}
	resp, err := reply.Wait(ctx)
	if err != nil {
		return message.Error(req.ID, fmt.Sprintf("no reply: %v", err))
	}
	return resp
}

// decodeRequest parses and validates an envelope. On failure it returns the ERROR response to
// send, echoing the id when it could be recovered.
func decodeRequest(c codec.Codec, body []byte) (*message.Request, *message.Response) {
	var req message.Request
	if err := c.Decode(body, &req); err != nil {
		return nil, message.Error(message.NullID, fmt.Sprintf("invalid request: %v", err))
	}
	if err := req.Validate(); err != nil {
		return nil, message.Error(req.ID, err.Error())
	}
	return &req, nil
}

func (svr *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Track this request for graceful shutdown
	svr.wg.Add(1)
	defer svr.wg.Done()

	c := codec.ForContentType(r.Header.Get("Content-Type"))
	logger := svr.logger.With("conn", middleware.ConnID(r.Context()))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, svr.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			svr.writeResponse(w, c, http.StatusBadRequest, message.Error(message.NullID,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)), logger)
			return
		}
		logger.Debug("reading request body", "error", err)
		return
	}

	req, protoErr := decodeRequest(c, body)
	if protoErr != nil {
		logger.Debug("protocol error", "error", protoErr.Message)
		svr.writeResponse(w, c, http.StatusBadRequest, protoErr, logger)
		return
	}

	resp := svr.handler(r.Context(), req)
	svr.writeResponse(w, c, http.StatusOK, resp, logger)
}

func (svr *Server) writeResponse(w http.ResponseWriter, c codec.Codec, status int, resp *message.Response, logger *slog.Logger) {
	data, err := c.Encode(resp)
	if err != nil {
		logger.Error("encoding response", "error", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", c.ContentType())
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("writing response", "error", err)
	}
}

// handleWebSocket serves one request envelope per message, answered in arrival order. Text
// messages are JSON, binary messages CBOR.
func (svr *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	connID := middleware.ConnID(r.Context())
	if connID == "" {
		connID = ulid.Make().String()
	}
	logger := svr.logger.With("conn", connID)

	conn, err := svr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	if !svr.trackWebSocket(conn, connID) {
		conn.Close()
		return
	}
	defer svr.untrackWebSocket(conn)
	conn.SetReadLimit(svr.maxBodyBytes)
	logger.Debug("websocket connected", "remote", conn.RemoteAddr().String())

	ctx, cancel := context.WithCancel(middleware.WithConnID(context.Background(), connID))
	defer cancel()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !svr.shutdown.Load() {
				logger.Debug("websocket read", "error", err)
			}
			return
		}
		if !svr.serveWebSocketMessage(ctx, conn, msgType, data, logger) {
			return
		}
	}
}

func (svr *Server) serveWebSocketMessage(ctx context.Context, conn *websocket.Conn, msgType int, data []byte, logger *slog.Logger) bool {
	svr.wg.Add(1)
	defer svr.wg.Done()

	c := codec.GetCodec(codec.CodecTypeJSON)
	if msgType == websocket.BinaryMessage {
		c = codec.GetCodec(codec.CodecTypeCBOR)
	}
	resp := func() *message.Response {
		req, protoErr := decodeRequest(c, data)
		if protoErr != nil {
			return protoErr
		}
		return svr.handler(ctx, req)
	}()

	out, err := c.Encode(resp)
	if err != nil {
		logger.Error("encoding response", "error", err)
		return false
	}
	if err := conn.WriteMessage(msgType, out); err != nil {
		logger.Debug("websocket write", "error", err)
		return false
	}
	return true
}

func (svr *Server) trackWebSocket(conn *websocket.Conn, connID string) bool {
	svr.wsMu.Lock()
	defer svr.wsMu.Unlock()
	if svr.shutdown.Load() {
		return false
	}
	svr.wsConns[conn] = connID
	return true
}

func (svr *Server) untrackWebSocket(conn *websocket.Conn) {
	svr.wsMu.Lock()
	delete(svr.wsConns, conn)
	svr.wsMu.Unlock()
	conn.Close()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from the service registry (clients stop routing to this server)
//  2. Set shutdown flag (so the closed listener is recognized as intentional)
//  3. Stop accepting, close idle HTTP connections and every WebSocket
//  4. Wait for in-flight requests to finish (with timeout)
//
// The tick loop must keep running until Shutdown returns, or queued requests never get answered.
func (svr *Server) Shutdown(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	// Step 1: Deregister FIRST, so clients stop sending new requests
	if svr.registry != nil && svr.advertiseAddr != "" {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		if err := svr.registry.Deregister(ctx, svr.serviceName, svr.advertiseAddr); err != nil {
			svr.logger.Warn("deregistering", "service", svr.serviceName, "error", err)
		}
		cancel()
	}

	// Step 2: Set shutdown flag BEFORE closing the listener
	svr.shutdown.Store(true)

	svr.wsMu.Lock()
	for conn := range svr.wsConns {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
		conn.Close()
	}
	svr.wsMu.Unlock()

	// Step 3: Close the listener and wait for HTTP requests in progress
	var shutdownErr error
	if svr.httpServer != nil {
		ctx, cancel := context.WithDeadline(context.Background(), deadline)
		shutdownErr = svr.httpServer.Shutdown(ctx)
		cancel()
	} else if svr.listener != nil {
		shutdownErr = svr.listener.Close()
	}

	// Step 4: Wait for in-flight requests with the remaining time
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return shutdownErr
	case <-time.After(time.Until(deadline)):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}
