package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"remotectl/mailbox"
	"remotectl/message"
	"remotectl/verb"
	"remotectl/world"
)

// Dispatcher runs queued requests against the world. It belongs to the tick goroutine: nothing
// else may touch the world while DrainAndDispatch runs.
type Dispatcher struct {
	mailbox *mailbox.Mailbox
	verbs   *verb.Registry
	world   *world.World
	logger  *slog.Logger
}

// NewDispatcher freezes verbs; no verb can be added once requests may be dispatched.
func NewDispatcher(mb *mailbox.Mailbox, verbs *verb.Registry, w *world.World, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	verbs.Freeze()
	return &Dispatcher{mailbox: mb, verbs: verbs, world: w, logger: logger}
}

func (d *Dispatcher) World() *world.World { return d.world }

// DrainAndDispatch answers every message queued when it is called and returns how many it
// handled. It never blocks.
func (d *Dispatcher) DrainAndDispatch() int {
	msgs := d.mailbox.Drain()
	for _, msg := range msgs {
		resp := d.Dispatch(msg.Request)
		if !msg.Reply.Send(resp) {
			d.logger.Debug("reply already consumed", "verb", msg.Request.Verb, "id", string(msg.Request.ID))
		}
	}
	return len(msgs)
}

// Dispatch resolves and runs one request and builds its response.
func (d *Dispatcher) Dispatch(req *message.Request) *message.Response {
	handler, ok := d.verbs.Lookup(req.Verb)
	if !ok {
		return message.Error(req.ID, fmt.Sprintf("Unknown verb: `%s`", req.Verb))
	}
	result, err := d.run(req, handler)
	if err != nil {
		return message.Error(req.ID, err.Error())
	}
	fields, err := message.FieldsOf(result)
	if err != nil {
		return message.Error(req.ID, err.Error())
	}
	return message.OK(req.ID, fields)
}

func (d *Dispatcher) run(req *message.Request, handler verb.Handler) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("handler panicked", "verb", req.Verb, "id", string(req.ID), "panic", p)
			result, err = nil, fmt.Errorf("Failed to run handler: %v", p)
		}
	}()
	params := req.Params
	if params == nil {
		params = json.RawMessage("null")
	}
	return handler(params, d.world)
}
