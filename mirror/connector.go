// Package mirror keeps a remote entity in step with local state from a frame loop.
//
// Everything here is driven by Tick methods called once per frame from a single goroutine. Ticks
// never block: requests run as transport Tasks that are polled, and the only data crossing from
// the I/O goroutines is the remote handle stored in a client.HandleCell.
//
//	Disconnected ──input──→ Connecting ──QUERY started──→ Checking ──handle found──→ Connected
//	     ↑                                                    │                         │
//	     └──────────────── no handle / Disconnect() ──────────┴─────────────────────────┘
package mirror

import (
	"context"
	"log/slog"
	"remotectl/client"
	"remotectl/message"
	"remotectl/transport"
	"remotectl/verb"
	"remotectl/world"
	"time"

	"golang.org/x/time/rate"
)

// Caller starts a request in the background. *client.Client implements it.
type Caller interface {
	Go(ctx context.Context, verbName string, params any, callback transport.Callback) (*transport.Task, error)
}

type State int

const (
	Disconnected State = iota
	Connecting
	Checking
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Checking:
		return "Checking"
	case Connected:
		return "Connected"
	default:
		return "Unknown"
	}
}

// Connector finds the remote entity carrying Marker and records its handle in the cell.
type Connector struct {
	Marker string // Component type path identifying the remote entity

	ctx     context.Context
	caller  Caller
	cell    *client.HandleCell
	state   State
	running *transport.Task // Discovery request in flight
	logger  *slog.Logger
	errLog  rate.Sometimes
}

// NewConnector creates a Disconnected connector looking for the remote camera. ctx bounds every
// request it starts.
func NewConnector(ctx context.Context, caller Caller, cell *client.HandleCell, logger *slog.Logger) *Connector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connector{
		Marker: world.CameraPath,
		ctx:    ctx,
		caller: caller,
		cell:   cell,
		logger: logger,
		errLog: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

func (c *Connector) State() State { return c.state }

func (c *Connector) Cell() *client.HandleCell { return c.cell }

// Tick runs one step of the current state. input is any local activity that should trigger a
// connection attempt.
func (c *Connector) Tick(input bool) {
	switch c.state {
	case Disconnected:
		// A request abandoned by Disconnect may still be running.
		if c.running != nil {
			if _, done := c.running.Poll(); done {
				c.running = nil
			}
		}
		if input && c.running == nil {
			c.setState(Connecting)
		}

	case Connecting:
		c.cell.Clear()
		params := verb.QueryParams{Data: verb.QueryData{Components: []string{c.Marker}}}
		task, err := c.caller.Go(c.ctx, verb.Query, params, c.storeHandle)
		if err != nil {
			c.errLog.Do(func() {
				c.logger.Error("cannot start discovery request", "marker", c.Marker, "error", err)
			})
			return
		}
		c.running = task
		c.setState(Checking)

	case Checking:
		result, done := c.running.Poll()
		if !done {
			return
		}
		c.running = nil
		if _, ok := c.cell.Get(); ok {
			c.setState(Connected)
			return
		}
		c.logger.Info("remote entity not found", "marker", c.Marker, "error", resultError(result))
		c.setState(Disconnected)

	case Connected:
	}
}

// Disconnect drops the remote handle and waits for input to connect again.
func (c *Connector) Disconnect() {
	c.cell.Clear()
	c.setState(Disconnected)
}

// discoveryRows is the part of a QUERY response the connector needs. Entity is a pointer so a row
// without one is told apart from entity 0.
type discoveryRows struct {
	Rows []struct {
		Entity *world.Entity `json:"entity"`
	} `json:"rows"`
}

// storeHandle runs on the I/O goroutine. Only a successful QUERY whose first row names an entity
// sets the cell.
func (c *Connector) storeHandle(resp *message.Response, err error) {
	if err != nil {
		return
	}
	var query discoveryRows
	if err := resp.Decode(&query); err != nil {
		c.logger.Debug("unexpected discovery response", "error", err)
		return
	}
	if len(query.Rows) == 0 || query.Rows[0].Entity == nil {
		return
	}
	c.cell.Set(*query.Rows[0].Entity)
}

func (c *Connector) setState(s State) {
	if s == c.state {
		return
	}
	c.logger.Debug("connection state", "from", c.state.String(), "to", s.String())
	c.state = s
}

// resultError folds a transport failure and an ERROR response into one error.
func resultError(r transport.Result) error {
	if r.Err != nil {
		return r.Err
	}
	if r.Response != nil {
		return r.Response.Err()
	}
	return nil
}
