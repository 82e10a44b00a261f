package pool

import (
	"fmt"
	"runtime"
	"sync"
)

// channel is the single dedicated execution channel: one worker goroutine
// draining a FIFO queue. It is the only goroutine that touches the engine.
type channel struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

func newChannel(lockThread bool) *channel {
	c := &channel{done: make(chan struct{})}
	c.cond = sync.NewCond(&c.mu)
	go c.loop(lockThread)
	return c
}

func (c *channel) enqueue(job func()) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.queue = append(c.queue, job)
	c.cond.Signal()
	return nil
}

func (c *channel) next() (func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.queue) == 0 && !c.closed {
		c.cond.Wait()
	}
	if len(c.queue) == 0 {
		return nil, false
	}
	job := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]
	return job, true
}

func (c *channel) loop(lockThread bool) {
	defer close(c.done)
	if lockThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	for {
		job, ok := c.next()
		if !ok {
			return
		}
		job()
	}
}

// close stops accepting jobs, drains what is queued and waits for the worker.
func (c *channel) close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	<-c.done
}

// safeInvoke runs fn, converting a panic into an error.
func safeInvoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("panic: %w", e)
				return
			}
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
