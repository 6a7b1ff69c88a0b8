package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"remotectl/loadbalance"
	"remotectl/message"
	"remotectl/registry"
	"remotectl/transport"
	"remotectl/verb"
	"remotectl/world"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("client closed")

// Client issues verb calls to one remote world. Requests go either to a fixed transport or to an
// instance picked from a service registry for every call.
//
// Client itself satisfies transport.Transport, so a Task started with Go resolves the instance on
// its own goroutine and the caller never blocks on discovery.
type Client struct {
	RequestTimeout time.Duration // Applied to every call when > 0

	direct transport.Transport // Fixed transport; nil when discovering

	registry   registry.Registry
	balancer   loadbalance.Balancer
	service    string
	key        string                         // Balancer key, e.g. a client id for consistent hashing
	transports map[string]transport.Transport // Transport for each discovered instance address
	mu         sync.Mutex

	lastID atomic.Uint64
	closed atomic.Bool
	logger *slog.Logger
}

// New creates a client that sends every request over t.
func New(t transport.Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{direct: t, logger: logger}
}

// Dial creates a client for a server URL. http:// and https:// URLs post envelopes to the URL;
// ws:// and wss:// URLs open a WebSocket, e.g. ws://127.0.0.1:15702/ws.
func Dial(ctx context.Context, rawURL string, logger *slog.Logger) (*Client, error) {
	t, err := newTransport(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return New(t, logger), nil
}

// NewDiscovery creates a client that looks up service in reg and picks an instance with bal on
// every call. key is handed to the balancer.
func NewDiscovery(reg registry.Registry, bal loadbalance.Balancer, service, key string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		registry:   reg,
		balancer:   bal,
		service:    service,
		key:        key,
		transports: make(map[string]transport.Transport),
		logger:     logger,
	}
}

func newTransport(ctx context.Context, rawURL string) (transport.Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return transport.NewHTTPTransport(rawURL), nil
	case "ws", "wss":
		t, err := transport.DialWebSocket(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
}

// NextID returns the next request id. Ids only correlate log lines; responses are matched by the
// transport.
func (c *Client) NextID() uint64 {
	return c.lastID.Add(1)
}

// NewRequest builds an envelope for verb with the next id.
func (c *Client) NewRequest(verbName string, params any) (*message.Request, error) {
	if params == nil {
		params = struct{}{}
	}
	return message.NewRequest(verbName, c.NextID(), params)
}

// Do sends req to the fixed transport or to a discovered instance.
func (c *Client) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if c.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.RequestTimeout)
		defer cancel()
	}

	if c.direct != nil {
		return c.direct.Do(ctx, req)
	}

	addr, t, err := c.pick(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := t.Do(ctx, req)
	if err != nil && ctx.Err() == nil {
		// The instance may be gone; the next call discovers again.
		c.forget(addr, t)
	}
	return resp, err
}

func (c *Client) pick(ctx context.Context) (string, transport.Transport, error) {
	instances, err := c.registry.Discover(ctx, c.service)
	if err != nil {
		return "", nil, fmt.Errorf("discovering %s: %w", c.service, err)
	}
	instance, err := c.balancer.Pick(instances, c.key)
	if err != nil {
		return "", nil, fmt.Errorf("picking %s instance: %w", c.service, err)
	}

	c.mu.Lock()
	t, ok := c.transports[instance.Addr]
	c.mu.Unlock()
	if ok {
		return instance.Addr, t, nil
	}

	t, err = newTransport(ctx, instance.Addr)
	if err != nil {
		return "", nil, err
	}
	c.mu.Lock()
	if existing, ok := c.transports[instance.Addr]; ok {
		// Lost a race with another caller; keep theirs.
		c.mu.Unlock()
		t.Close()
		return instance.Addr, existing, nil
	}
	c.transports[instance.Addr] = t
	c.mu.Unlock()
	c.logger.Debug("using instance", "service", c.service, "addr", instance.Addr, "balancer", c.balancer.Name())
	return instance.Addr, t, nil
}

func (c *Client) forget(addr string, t transport.Transport) {
	c.mu.Lock()
	if c.transports[addr] == t {
		delete(c.transports, addr)
	}
	c.mu.Unlock()
	t.Close()
}

// Call sends verbName with params and decodes the OK fields into result, which may be nil. An
// ERROR response is returned as *message.RemoteError.
func (c *Client) Call(ctx context.Context, verbName string, params any, result any) error {
	req, err := c.NewRequest(verbName, params)
	if err != nil {
		return err
	}
	resp, err := c.Do(ctx, req)
	if err != nil {
		c.logger.Debug("call failed", "verb", verbName, "id", string(req.ID), "error", err)
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	if err := resp.Decode(result); err != nil {
		return fmt.Errorf("decoding %s response: %w", verbName, err)
	}
	return nil
}

// Go starts verbName in the background. An error means the request could not be started at all.
func (c *Client) Go(ctx context.Context, verbName string, params any, callback transport.Callback) (*transport.Task, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	req, err := c.NewRequest(verbName, params)
	if err != nil {
		return nil, err
	}
	return transport.Go(ctx, c, req, callback), nil
}

// Close releases every transport. Calls after Close fail with ErrClosed.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.direct != nil {
		return c.direct.Close()
	}
	c.mu.Lock()
	transports := c.transports
	c.transports = make(map[string]transport.Transport)
	c.mu.Unlock()

	var errs []error
	for _, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Client) Query(ctx context.Context, params verb.QueryParams) ([]verb.QueryRow, error) {
	var resp verb.QueryResponse
	if err := c.Call(ctx, verb.Query, params, &resp); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func (c *Client) Get(ctx context.Context, e world.Entity, components []string) (map[string]json.RawMessage, error) {
	var resp verb.GetResponse
	params := verb.GetParams{Data: verb.GetData{Entity: e, Components: components}}
	if err := c.Call(ctx, verb.Get, params, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}

func (c *Client) Insert(ctx context.Context, e world.Entity, components map[string]json.RawMessage) error {
	return c.Call(ctx, verb.Insert, verb.InsertParams{Entity: e, Components: components}, nil)
}

func (c *Client) Spawn(ctx context.Context, components map[string]json.RawMessage) (world.Entity, error) {
	var resp verb.SpawnResponse
	if err := c.Call(ctx, verb.Spawn, verb.SpawnParams{Components: components}, &resp); err != nil {
		return 0, err
	}
	return resp.Entity, nil
}

func (c *Client) Remove(ctx context.Context, e world.Entity, components []string) error {
	return c.Call(ctx, verb.Remove, verb.RemoveParams{Entity: e, Components: components}, nil)
}

func (c *Client) Destroy(ctx context.Context, e world.Entity) error {
	return c.Call(ctx, verb.Destroy, verb.DestroyParams{Entity: e}, nil)
}

// Reparent moves entities under parent; a nil parent makes them roots.
func (c *Client) Reparent(ctx context.Context, entities []world.Entity, parent *world.Entity) error {
	return c.Call(ctx, verb.Reparent, verb.ReparentParams{Entities: entities, Parent: parent}, nil)
}

func (c *Client) List(ctx context.Context, e world.Entity) ([]string, error) {
	var resp verb.ListResponse
	if err := c.Call(ctx, verb.List, verb.ListParams{Entity: e}, &resp); err != nil {
		return nil, err
	}
	return resp.Components, nil
}
