package transport

import (
	"context"
	"remotectl/message"
)

// Callback sees the outcome of a Task on the I/O goroutine, before the task reports done.
type Callback func(resp *message.Response, err error)

// Result is the outcome of a finished Task.
type Result struct {
	Response *message.Response
	Err      error
}

// Task is the handle of a request running in the background.
//
// The tick loop only ever calls Poll; Wait is for callers outside the tick loop.
type Task struct {
	done   chan struct{}
	result Result // Written once before done is closed
}

// Go starts req on t in a new goroutine. callback, if not nil, runs when the exchange ends and
// before Poll reports completion, so state it writes is visible to whoever observes the task
// as done.
func Go(ctx context.Context, t Transport, req *message.Request, callback Callback) *Task {
	task := &Task{done: make(chan struct{})}
	go func() {
		resp, err := t.Do(ctx, req)
		if callback != nil {
			callback(resp, err)
		}
		task.result = Result{Response: resp, Err: err}
		close(task.done)
	}()
	return task
}

// Poll reports whether the task finished and, if so, its outcome. It never blocks.
func (t *Task) Poll() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Done is closed when the task finishes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx ends.
func (t *Task) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
