package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	engine "github.com/hanpama/hostbridge/internal/engine"
)

// Work is a nullary unit of runtime-touching work. It runs on the execution
// channel; ctx belongs to the channel, so proxies and nested Do calls made
// with it run inline.
type Work func(ctx context.Context, e *engine.Engine) (engine.Value, error)

// Void adapts work without a result. The task's value is undefined.
func Void(fn func(ctx context.Context, e *engine.Engine) error) Work {
	return func(ctx context.Context, e *engine.Engine) (engine.Value, error) {
		if err := fn(ctx, e); err != nil {
			return nil, err
		}
		return e.Undefined(), nil
	}
}

// Returning adapts work producing a host value, which is boxed into the runtime.
func Returning[T any](fn func(ctx context.Context, e *engine.Engine) (T, error)) Work {
	return func(ctx context.Context, e *engine.Engine) (engine.Value, error) {
		v, err := fn(ctx, e)
		if err != nil {
			return nil, err
		}
		return e.Box(v)
	}
}

// State is the lifecycle state of a Task.
type State int32

const (
	StateCreated State = iota
	StateScheduled
	StateRunning
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Task is a handle to a work item in a Pool's work table.
type Task struct {
	id   uint64
	pool *Pool
	ctx  context.Context
	work Work // guarded by pool.mu, nil once scheduled
	done chan struct{}

	state atomic.Int32

	mu       sync.Mutex
	key      engine.Key
	err      error
	released bool
}

// ID returns the task's id, unique and increasing within its pool.
func (t *Task) ID() uint64 { return t.id }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// IsDone reports whether the task finished, successfully or not.
func (t *Task) IsDone() bool {
	s := t.State()
	return s == StateDone || s == StateFailed
}

// IsFailed reports whether the task's work item failed.
func (t *Task) IsFailed() bool { return t.State() == StateFailed }

// IsRunning reports whether the channel is executing the task.
func (t *Task) IsRunning() bool { return t.State() == StateRunning }

// Join blocks until the task is done or failed. It never reports the failure.
func (t *Task) Join() { <-t.done }

// Wait is Join bounded by ctx.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel closed on completion.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the failure of a failed task, nil otherwise.
func (t *Task) Err() error {
	if !t.IsFailed() {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Key returns the registry key of the task's result. It is zero until the
// task is done and after Release.
func (t *Task) Key() engine.Key {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.key
}

// Release removes the task from the work table and releases its result.
// The task must not be used afterwards. Release is idempotent.
func (t *Task) Release() {
	t.pool.forget(t)
	t.mu.Lock()
	if t.released {
		t.mu.Unlock()
		return
	}
	t.released = true
	k := t.key
	t.key = 0
	t.mu.Unlock()
	t.pool.unregister(k)
}

// ReleaseAfter releases the task once it has been done for d. A task that
// never finishes is never released.
func (t *Task) ReleaseAfter(d time.Duration) {
	go func() {
		<-t.done
		time.AfterFunc(d, t.Release)
	}()
}

// finish records the outcome. register runs on the channel and roots the
// result unless the task was released meanwhile.
func (t *Task) finish(register func() engine.Key, err error) {
	t.mu.Lock()
	if err != nil {
		t.err = err
	} else if !t.released {
		t.key = register()
	}
	t.mu.Unlock()
	if err != nil {
		t.state.Store(int32(StateFailed))
	} else {
		t.state.Store(int32(StateDone))
	}
	close(t.done)
}

// Result decodes the result of a done task into T on the execution channel.
// It fails with ErrTaskNotDone before completion, with the task's
// *TaskFailedError when failed, and with engine.ErrTypeMismatch when the
// value cannot be decoded. It may be called repeatedly.
func Result[T any](ctx context.Context, t *Task) (T, error) {
	var out T
	switch t.State() {
	case StateDone:
	case StateFailed:
		return out, t.Err()
	default:
		return out, ErrTaskNotDone
	}
	err := t.pool.Do(ctx, func(ctx context.Context, e *engine.Engine) error {
		k := t.Key()
		if k == 0 {
			return ErrUnknownTask
		}
		v, ok := e.Lookup(k)
		if !ok {
			return ErrUnknownTask
		}
		var err error
		out, err = engine.Unbox[T](e, v)
		return err
	})
	return out, err
}
