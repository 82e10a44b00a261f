package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	engine "github.com/hanpama/hostbridge/internal/engine"
	eventbus "github.com/hanpama/hostbridge/internal/eventbus"
	events "github.com/hanpama/hostbridge/internal/events"
)

// Pool owns the single execution channel for an Engine and the work table of
// tasks created against it.
//
// Any goroutine may create, schedule and join tasks. Only the channel runs
// work, one job at a time.
type Pool struct {
	eng *engine.Engine
	opt Options
	ch  *channel

	mu     sync.Mutex
	nextID uint64
	table  map[uint64]*Task

	// running is the token of the job the channel is executing, nil when idle.
	running atomic.Pointer[jobToken]
}

// jobToken identifies one job run by the channel. Its context carries the
// token, so a context only counts as on-channel while its job is running.
type jobToken struct {
	ctx context.Context
}

type tokenKey struct{}

// New starts the execution channel for eng.
func New(eng *engine.Engine, opts ...Option) *Pool {
	op := defaultOptions()
	for _, f := range opts {
		f(op)
	}
	p := &Pool{eng: eng, opt: *op, table: make(map[uint64]*Task)}
	p.ch = newChannel(op.LockOSThread)
	return p
}

// enter runs fn as the channel's current job with a fresh token derived from
// parent. Must only be called from the channel goroutine.
func (p *Pool) enter(parent context.Context, fn func(ctx context.Context) error) error {
	tok := &jobToken{}
	tok.ctx = context.WithValue(parent, tokenKey{}, tok)
	prev := p.running.Swap(tok)
	defer p.running.Store(prev)
	return safeInvoke(func() error { return fn(tok.ctx) })
}

// OnChannel reports whether ctx belongs to the job the channel is running
// right now. Contexts of finished jobs no longer qualify.
func (p *Pool) OnChannel(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	tok, _ := ctx.Value(tokenKey{}).(*jobToken)
	return tok != nil && tok == p.running.Load()
}

// Bind adapts fn into a host function for e.NewFunction. When the runtime
// calls it, fn receives the context of the running job, so nested Do calls
// and proxies made with it run inline.
func (p *Pool) Bind(fn func(ctx context.Context, args []engine.Value) (engine.Value, error)) engine.HostFunc {
	return func(args []engine.Value) (engine.Value, error) {
		tok := p.running.Load()
		if tok == nil {
			return nil, ErrOffChannel
		}
		return fn(tok.ctx, args)
	}
}

// Do runs fn on the execution channel and waits for it.
//
// When ctx belongs to the job the channel is running, fn runs inline, which
// lets work items and host functions called from the runtime re-enter. Any
// other context queues, even one copied from an earlier job. If ctx ends
// before the channel picks the job up, the job is abandoned and ctx.Err() is
// returned; once started, it always runs to completion.
func (p *Pool) Do(ctx context.Context, fn func(ctx context.Context, e *engine.Engine) error) error {
	if p.OnChannel(ctx) {
		return safeInvoke(func() error { return fn(ctx, p.eng) })
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	j := &syncJob{done: make(chan struct{})}
	err := p.ch.enqueue(func() {
		if !j.claim() {
			return
		}
		j.err = p.enter(ctx, func(jctx context.Context) error { return fn(jctx, p.eng) })
		close(j.done)
	})
	if err != nil {
		return err
	}
	select {
	case <-j.done:
		return j.err
	case <-ctx.Done():
		if j.claim() {
			return ctx.Err()
		}
		<-j.done
		return j.err
	}
}

type syncJob struct {
	mu      sync.Mutex
	claimed bool
	done    chan struct{}
	err     error
}

func (j *syncJob) claim() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.claimed {
		return false
	}
	j.claimed = true
	return true
}

// Post queues fn on the channel without waiting. Errors are logged.
func (p *Pool) Post(fn func(ctx context.Context, e *engine.Engine) error) error {
	return p.ch.enqueue(func() {
		err := p.enter(context.Background(), func(ctx context.Context) error { return fn(ctx, p.eng) })
		if err != nil {
			p.opt.Logger.Warn("posted job failed", zap.Error(err))
		}
	})
}

// Create registers work under a fresh id. The task is not scheduled.
func (p *Pool) Create(work Work) *Task {
	return p.CreateWithContext(context.Background(), work)
}

// CreateWithContext is Create with ctx values (request ids, spans) carried
// into the work item. Cancellation of ctx is ignored: a scheduled task always
// runs to completion.
func (p *Pool) CreateWithContext(ctx context.Context, work Work) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	t := &Task{
		id:   p.nextID,
		pool: p,
		ctx:  context.WithoutCancel(ctx),
		work: work,
		done: make(chan struct{}),
	}
	p.table[t.id] = t
	return t
}

// Schedule hands the task's work item to the execution channel.
func (p *Pool) Schedule(t *Task) error {
	p.mu.Lock()
	if p.table[t.id] != t {
		p.mu.Unlock()
		return ErrUnknownTask
	}
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateScheduled)) {
		p.mu.Unlock()
		return ErrAlreadyScheduled
	}
	work := t.work
	t.work = nil
	p.mu.Unlock()

	eventbus.Publish(t.ctx, events.TaskScheduled{ID: t.id})
	err := p.ch.enqueue(func() { p.run(t, work) })
	if err != nil {
		ferr := &TaskFailedError{ID: t.id, Err: err}
		t.finish(nil, ferr)
		eventbus.Publish(t.ctx, events.TaskFinished{ID: t.id, Err: ferr})
		return err
	}
	return nil
}

// CreateAndSchedule is Create followed by Schedule.
func (p *Pool) CreateAndSchedule(work Work) (*Task, error) {
	t := p.Create(work)
	if err := p.Schedule(t); err != nil {
		return t, err
	}
	return t, nil
}

// Task looks up a task in the work table.
func (p *Pool) Task(id uint64) (*Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.table[id]
	return t, ok
}

// Len returns the number of tasks in the work table.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.table)
}

// Close stops accepting work, runs everything already queued and stops the
// channel. It does not release tasks.
func (p *Pool) Close() error {
	p.ch.close()
	return nil
}

func (p *Pool) run(t *Task, work Work) {
	ctx := t.ctx
	t.state.Store(int32(StateRunning))
	eventbus.Publish(ctx, events.TaskStarted{ID: t.id})
	start := time.Now()

	var v engine.Value
	err := p.enter(ctx, func(jctx context.Context) error {
		var werr error
		v, werr = work(jctx, p.eng)
		return werr
	})
	if err != nil {
		ferr := &TaskFailedError{ID: t.id, Err: err}
		p.opt.Logger.Debug("task failed", zap.Uint64("task", t.id), zap.Error(err))
		t.finish(nil, ferr)
		eventbus.Publish(ctx, events.TaskFinished{ID: t.id, Err: ferr, Duration: time.Since(start)})
		return
	}
	if v == nil {
		v = p.eng.Undefined()
	}
	t.finish(func() engine.Key { return p.eng.Register(v) }, nil)
	eventbus.Publish(ctx, events.TaskFinished{ID: t.id, Duration: time.Since(start)})
}

func (p *Pool) forget(t *Task) {
	p.mu.Lock()
	if p.table[t.id] == t {
		delete(p.table, t.id)
	}
	p.mu.Unlock()
}

func (p *Pool) unregister(k engine.Key) {
	if k == 0 {
		return
	}
	err := p.ch.enqueue(func() { p.eng.Unregister(k) })
	if err != nil {
		p.opt.Logger.Debug("result key not released, pool closed", zap.Uint64("key", uint64(k)))
	}
}
