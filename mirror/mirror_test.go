package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"remotectl/client"
	"remotectl/mailbox"
	"remotectl/message"
	"remotectl/server"
	"remotectl/transport"
	"remotectl/verb"
	"remotectl/world"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// scriptedCaller records every request and holds each one until the test releases it.
type scriptedCaller struct {
	mu       sync.Mutex
	requests []*message.Request
	gates    []chan struct{}
	tasks    []*transport.Task
	startErr error // Returned by Go when set
	respond  func(req *message.Request) (*message.Response, error)
}

type gate struct {
	open    chan struct{}
	respond func(req *message.Request) (*message.Response, error)
}

func (g gate) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	<-g.open
	if g.respond != nil {
		return g.respond(req)
	}
	return message.OK(req.ID, nil), nil
}

func (g gate) Close() error { return nil }

func (s *scriptedCaller) Go(ctx context.Context, verbName string, params any, callback transport.Callback) (*transport.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return nil, s.startErr
	}
	req, err := message.NewRequest(verbName, len(s.requests)+1, params)
	if err != nil {
		return nil, err
	}
	open := make(chan struct{})
	task := transport.Go(ctx, gate{open: open, respond: s.respond}, req, callback)
	s.requests = append(s.requests, req)
	s.gates = append(s.gates, open)
	s.tasks = append(s.tasks, task)
	return task, nil
}

func (s *scriptedCaller) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// finish releases request i and waits until its task is done.
func (s *scriptedCaller) finish(t *testing.T, i int) {
	t.Helper()
	s.mu.Lock()
	open, task := s.gates[i], s.tasks[i]
	s.mu.Unlock()
	close(open)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("request %d never finished", i)
	}
}

func (s *scriptedCaller) request(i int) *message.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func insertedTransform(t *testing.T, req *message.Request) world.Transform {
	t.Helper()
	var params verb.InsertParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		t.Fatal(err)
	}
	var tr world.Transform
	if err := json.Unmarshal(params.Components[world.TransformPath], &tr); err != nil {
		t.Fatal(err)
	}
	return tr
}

func newSync(caller Caller) (*SyncEngine, *client.HandleCell) {
	cell := &client.HandleCell{}
	cell.Set(42)
	return NewSyncEngine(context.Background(), caller, cell, nil), cell
}

func TestSyncSendsIdleChangeOnSameTick(t *testing.T) {
	caller := &scriptedCaller{}
	engine, _ := newSync(caller)

	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(0, 0, 0), Changed: false}})
	assert.Equal(t, caller.count(), 0)

	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(1, 0, 0), Changed: true}})
	assert.Equal(t, caller.count(), 1)
	assert.Equal(t, caller.request(0).Verb, verb.Insert)
	assert.Equal(t, insertedTransform(t, caller.request(0)), world.TransformFromXYZ(1, 0, 0))

	var params verb.InsertParams
	json.Unmarshal(caller.request(0).Params, &params)
	assert.Equal(t, params.Entity, world.Entity(42))
}

func TestSyncCoalescesChangesWhileRunning(t *testing.T) {
	caller := &scriptedCaller{}
	engine, _ := newSync(caller)

	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(1, 0, 0), Changed: true}})
	for x := float32(2); x <= 5; x++ {
		engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(x, 0, 0), Changed: true}})
	}
	assert.Equal(t, caller.count(), 1)
	assert.Equal(t, engine.Busy(1), true)

	caller.finish(t, 0)
	// No observation this tick: the pending value is flushed from what was last seen.
	engine.Tick(nil)
	assert.Equal(t, caller.count(), 2)
	assert.Equal(t, insertedTransform(t, caller.request(1)), world.TransformFromXYZ(5, 0, 0))

	caller.finish(t, 1)
	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(5, 0, 0)}})
	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(5, 0, 0)}})
	assert.Equal(t, caller.count(), 2)
	assert.Equal(t, engine.Busy(1), false)
}

func TestSyncObjectsAreIndependent(t *testing.T) {
	caller := &scriptedCaller{}
	engine, _ := newSync(caller)

	engine.Tick([]Observation{
		{Object: 1, Transform: world.TransformFromXYZ(1, 0, 0), Changed: true},
		{Object: 2, Transform: world.TransformFromXYZ(2, 0, 0), Changed: true},
	})
	assert.Equal(t, caller.count(), 2)

	engine.Untrack(2)
	assert.Equal(t, engine.Busy(2), false)
	assert.Equal(t, engine.Busy(1), true)
}

func TestSyncWithoutHandleKeepsPending(t *testing.T) {
	caller := &scriptedCaller{}
	engine, cell := newSync(caller)
	cell.Clear()

	engine.Tick([]Observation{{Object: 1, Transform: world.TransformFromXYZ(3, 0, 0), Changed: true}})
	assert.Equal(t, caller.count(), 0)
	assert.Equal(t, engine.Busy(1), true)

	cell.Set(42)
	engine.Tick(nil)
	assert.Equal(t, caller.count(), 1)
	assert.Equal(t, insertedTransform(t, caller.request(0)), world.TransformFromXYZ(3, 0, 0))
}

func TestSyncReportsFailure(t *testing.T) {
	broken := errors.New("connection refused")
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		return nil, broken
	}}
	engine, _ := newSync(caller)
	var failed []world.Entity
	engine.OnFailure = func(object world.Entity, err error) {
		if !errors.Is(err, broken) {
			t.Errorf("unexpected error %v", err)
		}
		failed = append(failed, object)
	}

	engine.Tick([]Observation{{Object: 7, Transform: world.TransformFromXYZ(1, 0, 0), Changed: true}})
	caller.finish(t, 0)
	engine.Tick(nil)
	assert.Equal(t, failed, []world.Entity{7})
}

// Scenario A: the QUERY finds the camera and the handle is stored.
func TestConnectorFindsCamera(t *testing.T) {
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		return message.OK(req.ID, map[string]json.RawMessage{
			"rows": json.RawMessage(`[{"entity":42,"components":{}}]`),
		}), nil
	}}
	cell := &client.HandleCell{}
	conn := NewConnector(context.Background(), caller, cell, nil)

	conn.Tick(false)
	assert.Equal(t, conn.State(), Disconnected)
	conn.Tick(true)
	assert.Equal(t, conn.State(), Connecting)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Checking)

	var query verb.QueryParams
	if err := json.Unmarshal(caller.request(0).Params, &query); err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, caller.request(0).Verb, verb.Query)
	assert.Equal(t, query.Data.Components, []string{world.CameraPath})

	conn.Tick(false)
	assert.Equal(t, conn.State(), Checking)

	caller.finish(t, 0)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Connected)
	e, ok := cell.Get()
	assert.Equal(t, ok, true)
	assert.Equal(t, e, world.Entity(42))
}

// Scenario B: no rows, no handle, back to Disconnected.
func TestConnectorNoCamera(t *testing.T) {
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		return message.OK(req.ID, map[string]json.RawMessage{"rows": json.RawMessage(`[]`)}), nil
	}}
	cell := &client.HandleCell{}
	conn := NewConnector(context.Background(), caller, cell, nil)

	conn.Tick(true)
	conn.Tick(false)
	caller.finish(t, 0)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Disconnected)
	if _, ok := cell.Get(); ok {
		t.Fatal("cell must stay empty")
	}
}

func TestConnectorErrorResponseLeavesCellEmpty(t *testing.T) {
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		return message.Error(req.ID, "Unknown component type: `Camera`"), nil
	}}
	cell := &client.HandleCell{}
	conn := NewConnector(context.Background(), caller, cell, nil)

	conn.Tick(true)
	conn.Tick(false)
	caller.finish(t, 0)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Disconnected)
	if _, ok := cell.Get(); ok {
		t.Fatal("cell must stay empty")
	}
}

func TestConnectorMalformedRowDisconnects(t *testing.T) {
	for _, rows := range []string{`[{"components":{}}]`, `[{"entity":"camera"}]`, `{"entity":42}`} {
		caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
			return message.OK(req.ID, map[string]json.RawMessage{"rows": json.RawMessage(rows)}), nil
		}}
		cell := &client.HandleCell{}
		conn := NewConnector(context.Background(), caller, cell, nil)

		conn.Tick(true)
		conn.Tick(false)
		caller.finish(t, 0)
		conn.Tick(false)
		assert.Equal(t, conn.State(), Disconnected)
		if e, ok := cell.Get(); ok {
			t.Fatalf("rows %s: cell must stay empty, got %v", rows, e)
		}
	}
}

func TestConnectorRetriesWhenStartFails(t *testing.T) {
	caller := &scriptedCaller{startErr: errors.New("client closed")}
	conn := NewConnector(context.Background(), caller, &client.HandleCell{}, nil)

	conn.Tick(true)
	conn.Tick(false)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Connecting)

	caller.mu.Lock()
	caller.startErr = nil
	caller.mu.Unlock()
	conn.Tick(false)
	assert.Equal(t, conn.State(), Checking)
}

func TestConnectorDisconnect(t *testing.T) {
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		return message.OK(req.ID, map[string]json.RawMessage{
			"rows": json.RawMessage(`[{"entity":42,"components":{}}]`),
		}), nil
	}}
	cell := &client.HandleCell{}
	conn := NewConnector(context.Background(), caller, cell, nil)
	conn.Tick(true)
	conn.Tick(false)
	caller.finish(t, 0)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Connected)

	conn.Disconnect()
	assert.Equal(t, conn.State(), Disconnected)
	if _, ok := cell.Get(); ok {
		t.Fatal("Disconnect must clear the cell")
	}

	// A stale request still in flight blocks reconnecting until it ends.
	conn.Tick(true)
	assert.Equal(t, conn.State(), Connecting)
	conn.Tick(false)
	conn.Disconnect()
	conn.Tick(true)
	assert.Equal(t, conn.State(), Disconnected)
	caller.finish(t, 1)
	conn.Tick(true)
	assert.Equal(t, conn.State(), Connecting)
}

func TestMarkerToggle(t *testing.T) {
	caller := &scriptedCaller{respond: func(req *message.Request) (*message.Response, error) {
		if req.Verb == verb.Query {
			return message.OK(req.ID, map[string]json.RawMessage{
				"rows": json.RawMessage(`[{"entity":42,"components":{}}]`),
			}), nil
		}
		return message.OK(req.ID, map[string]json.RawMessage{"entity": json.RawMessage(`99`)}), nil
	}}
	conn := NewConnector(context.Background(), caller, &client.HandleCell{}, nil)
	toggle := NewMarkerToggle(context.Background(), caller, conn, nil)

	// Ignored while not connected.
	toggle.Tick(true)
	assert.Equal(t, caller.count(), 0)

	conn.Tick(true)
	conn.Tick(false)
	caller.finish(t, 0)
	conn.Tick(false)
	assert.Equal(t, conn.State(), Connected)

	toggle.Tick(true)
	assert.Equal(t, caller.count(), 2)
	assert.Equal(t, toggle.Visible(), true)
	var spawn verb.SpawnParams
	json.Unmarshal(caller.request(1).Params, &spawn)
	assert.Equal(t, string(spawn.Components[world.FpsCounterPath]), "null")

	// Still running: the press is dropped.
	toggle.Tick(true)
	assert.Equal(t, caller.count(), 2)

	caller.finish(t, 1)
	toggle.Tick(true)
	assert.Equal(t, caller.count(), 3)
	assert.Equal(t, toggle.Visible(), false)
	spawn = verb.SpawnParams{}
	json.Unmarshal(caller.request(2).Params, &spawn)
	if _, ok := spawn.Components[world.HideFpsCounterPath]; !ok {
		t.Fatalf("expect hide marker, got %v", spawn.Components)
	}
}

// The full loop against a live server: discover the camera, then mirror a moving transform.
func TestMirrorAgainstServer(t *testing.T) {
	mb := mailbox.New(mailbox.DefaultSize)
	w := world.New(nil)
	camera, err := w.Spawn(map[string]json.RawMessage{
		world.CameraPath:    json.RawMessage(`{"is_active":true,"order":0}`),
		world.TransformPath: mustJSON(t, world.TransformFromXYZ(0, 0, 10)),
	})
	if err != nil {
		t.Fatal(err)
	}
	loop := server.NewLoop(server.NewDispatcher(mb, verb.NewDefaultRegistry(), w, nil), 250)
	svr := server.NewServer(mb, nil)
	if err := svr.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go loop.Run(ctx)
	defer svr.Shutdown(3 * time.Second)

	c, err := client.Dial(ctx, svr.URL(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	cell := &client.HandleCell{}
	conn := NewConnector(ctx, c, cell, nil)
	engine := NewSyncEngine(ctx, c, cell, nil)
	engine.OnFailure = func(object world.Entity, err error) { t.Errorf("sync failed: %v", err) }

	deadline := time.Now().Add(3 * time.Second)
	for conn.State() != Connected {
		if time.Now().After(deadline) {
			t.Fatalf("never connected, state %v", conn.State())
		}
		conn.Tick(true)
		time.Sleep(time.Millisecond)
	}
	remote, _ := cell.Get()
	assert.Equal(t, remote, camera)

	local := world.TransformFromXYZ(0, 0, 10)
	for i := 0; i < 20; i++ {
		local = local.RotateAround(world.Vec3{}, world.QuatFromRotationY(0.1))
		engine.Tick([]Observation{{Object: 1, Transform: local, Changed: true}})
		time.Sleep(time.Millisecond)
	}
	for engine.Busy(1) {
		if time.Now().After(deadline) {
			t.Fatal("sync never settled")
		}
		engine.Tick(nil)
		time.Sleep(time.Millisecond)
	}

	got, err := c.Get(ctx, camera, []string{world.TransformPath})
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, string(got[world.TransformPath]), string(mustJSON(t, local)))
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return data
}
