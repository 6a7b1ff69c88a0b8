package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"remotectl/mailbox"
	"remotectl/message"
	"remotectl/server"
	"remotectl/verb"
	"remotectl/world"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	mb := mailbox.New(mailbox.DefaultSize)
	loop := server.NewLoop(server.NewDispatcher(mb, verb.NewDefaultRegistry(), world.New(nil), nil), 250)
	svr := server.NewServer(mb, nil)
	if err := svr.Listen("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	go svr.Serve()
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		svr.Shutdown(3 * time.Second)
		cancel()
	})
	return svr
}

func spawnRequest(t *testing.T, id int) *message.Request {
	t.Helper()
	req, err := message.NewRequest(verb.Spawn, id, verb.SpawnParams{Components: map[string]json.RawMessage{
		world.NamePath: json.RawMessage(`"spawned"`),
	}})
	if err != nil {
		t.Fatal(err)
	}
	return req
}

// 测试串行发送多个请求
func TestHTTPTransportSerial(t *testing.T) {
	svr := startServer(t)
	tr := NewHTTPTransport(svr.URL())
	defer tr.Close()

	var last world.Entity
	for i := 1; i <= 3; i++ {
		resp, err := tr.Do(context.Background(), spawnRequest(t, i))
		if err != nil {
			t.Fatal(err)
		}
		var spawned verb.SpawnResponse
		if err := resp.Decode(&spawned); err != nil {
			t.Fatal(err)
		}
		if spawned.Entity <= last {
			t.Fatalf("expect increasing handles, got %v after %v", spawned.Entity, last)
		}
		last = spawned.Entity
	}
}

// 测试并发发送多个请求
func TestHTTPTransportConcurrent(t *testing.T) {
	svr := startServer(t)
	tr := NewHTTPTransport(svr.URL())
	defer tr.Close()

	var mu sync.Mutex
	seen := map[world.Entity]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		req := spawnRequest(t, i)
		go func() {
			defer wg.Done()
			resp, err := tr.Do(context.Background(), req)
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			var spawned verb.SpawnResponse
			if err := resp.Decode(&spawned); err != nil {
				t.Errorf("decode failed: %v", err)
				return
			}
			mu.Lock()
			seen[spawned.Entity] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, len(seen), 50)
}

func TestHTTPTransportErrors(t *testing.T) {
	svr := startServer(t)
	tr := NewHTTPTransport(svr.URL())

	req := &message.Request{Verb: "FROB", ID: json.RawMessage(`9`), Params: json.RawMessage(`{}`)}
	resp, err := tr.Do(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, resp.Status, message.StatusError)
	assert.Equal(t, resp.Message, "Unknown verb: `FROB`")
	assert.Equal(t, string(resp.ID), "9")

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer broken.Close()
	if _, err := NewHTTPTransport(broken.URL).Do(context.Background(), spawnRequest(t, 1)); err == nil {
		t.Fatal("expect error for HTTP 500")
	}

	notObject := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[1,2,3]`))
	}))
	defer notObject.Close()
	if _, err := NewHTTPTransport(notObject.URL).Do(context.Background(), spawnRequest(t, 1)); err == nil {
		t.Fatal("expect error for a non-object response")
	}
}

type gatedTransport struct {
	release chan struct{}
}

func (g *gatedTransport) Do(ctx context.Context, req *message.Request) (*message.Response, error) {
	<-g.release
	return message.OK(req.ID, nil), nil
}

func (g *gatedTransport) Close() error { return nil }

func TestTaskPollNeverBlocks(t *testing.T) {
	g := &gatedTransport{release: make(chan struct{})}
	var written string
	task := Go(context.Background(), g, spawnRequest(t, 5), func(resp *message.Response, err error) {
		written = string(resp.ID)
	})

	for i := 0; i < 3; i++ {
		if _, done := task.Poll(); done {
			t.Fatal("task reported done before the transport returned")
		}
	}

	close(g.release)
	<-task.Done()
	result, done := task.Poll()
	assert.Equal(t, done, true)
	assert.Equal(t, result.Err, nil)
	assert.Equal(t, string(result.Response.ID), "5")
	// The callback ran before completion was observable.
	assert.Equal(t, written, "5")

	waited, err := task.Wait(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, waited.Response, result.Response)
}

func TestWSTransport(t *testing.T) {
	svr := startServer(t)
	url := "ws://" + strings.TrimPrefix(svr.URL(), "http://") + "/ws"
	tr, err := DialWebSocket(context.Background(), url)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		req := spawnRequest(t, i)
		want := string(req.ID)
		go func() {
			defer wg.Done()
			resp, err := tr.Do(context.Background(), req)
			if err != nil {
				t.Errorf("request failed: %v", err)
				return
			}
			if string(resp.ID) != want {
				t.Errorf("response routed to the wrong caller: want id %s, got %s", want, resp.ID)
			}
		}()
	}
	wg.Wait()

	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := tr.Do(context.Background(), spawnRequest(t, 99)); err == nil {
		t.Fatal("expect error after Close")
	}
}
