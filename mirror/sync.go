package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"remotectl/client"
	"remotectl/transport"
	"remotectl/verb"
	"remotectl/world"
	"slices"
	"time"

	"golang.org/x/time/rate"
)

var errNoHandle = errors.New("no remote handle")

// Observation is the state of one local object on the current frame.
type Observation struct {
	Object    world.Entity // Local object; keys the per-object markers
	Transform world.Transform
	Changed   bool // Transform changed since the previous frame
}

// objectSync holds the Running and Pending markers of one object. At most one INSERT per object
// is in flight; changes made meanwhile collapse into a single follow-up carrying the latest value.
type objectSync struct {
	running *transport.Task
	pending bool
	last    world.Transform
}

// SyncEngine mirrors local transforms to the remote entity held by the cell.
type SyncEngine struct {
	// OnFailure, if set, sees every INSERT that failed, either in transport or with an ERROR
	// response (a *message.RemoteError).
	OnFailure func(object world.Entity, err error)

	ctx     context.Context
	caller  Caller
	cell    *client.HandleCell
	objects map[world.Entity]*objectSync
	logger  *slog.Logger
	errLog  rate.Sometimes
}

func NewSyncEngine(ctx context.Context, caller Caller, cell *client.HandleCell, logger *slog.Logger) *SyncEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncEngine{
		ctx:     ctx,
		caller:  caller,
		cell:    cell,
		objects: make(map[world.Entity]*objectSync),
		logger:  logger,
		errLog:  rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Tick processes this frame's observations. Tracked objects missing from observations still
// retire finished requests and flush a pending value.
func (s *SyncEngine) Tick(observations []Observation) {
	seen := make(map[world.Entity]bool, len(observations))
	for _, obs := range observations {
		seen[obs.Object] = true
		o, ok := s.objects[obs.Object]
		if !ok {
			o = &objectSync{}
			s.objects[obs.Object] = o
		}
		o.last = obs.Transform
		s.step(obs.Object, o, obs.Changed)
	}

	var rest []world.Entity
	for object := range s.objects {
		if !seen[object] {
			rest = append(rest, object)
		}
	}
	slices.Sort(rest)
	for _, object := range rest {
		s.step(object, s.objects[object], false)
	}
}

func (s *SyncEngine) step(object world.Entity, o *objectSync, changed bool) {
	if o.running != nil {
		if result, done := o.running.Poll(); done {
			o.running = nil
			if err := resultError(result); err != nil && s.OnFailure != nil {
				s.OnFailure(object, err)
			}
		}
	}

	switch {
	case (changed || o.pending) && o.running == nil:
		task, err := s.send(o.last)
		if err != nil {
			// Keep the value so it goes out once a send can start.
			o.pending = true
			s.errLog.Do(func() {
				s.logger.Warn("cannot start transform sync", "object", object, "error", err)
			})
			return
		}
		o.running = task
		o.pending = false
	case changed:
		o.pending = true
	}
}

func (s *SyncEngine) send(t world.Transform) (*transport.Task, error) {
	remote, ok := s.cell.Get()
	if !ok {
		return nil, errNoHandle
	}
	value, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	params := verb.InsertParams{
		Entity:     remote,
		Components: map[string]json.RawMessage{world.TransformPath: value},
	}
	return s.caller.Go(s.ctx, verb.Insert, params, nil)
}

// Untrack forgets object. A request already in flight finishes unobserved.
func (s *SyncEngine) Untrack(object world.Entity) {
	delete(s.objects, object)
}

// Busy reports whether object has a request in flight or a value waiting.
func (s *SyncEngine) Busy(object world.Entity) bool {
	o, ok := s.objects[object]
	return ok && (o.running != nil || o.pending)
}
