// Package queue runs per-key serial task lanes. Tasks enqueued under the same
// key execute one at a time in order; distinct keys run concurrently. Message
// processing keys lanes by (user, stream) so one slow stream cannot stall the
// others, with a per-user lane as the fallback for work with no stream.
package queue

import (
	"context"
	"log/slog"
	"sync"
)

// Task is one unit of serial work.
type Task func(ctx context.Context)

// Keyed dispatches tasks to per-key lanes. Each lane is a goroutine with an
// unbounded mailbox that exits when idle.
type Keyed struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type lane struct {
	mu      sync.Mutex
	pending []Task
	running bool
}

// NewKeyed returns a dispatcher whose tasks observe ctx for cancellation.
func NewKeyed(ctx context.Context) *Keyed {
	ctx, cancel := context.WithCancel(ctx)
	return &Keyed{
		lanes:  make(map[string]*lane),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues task on the lane for key. A panicking task is logged and the
// lane keeps draining; one bad message never poisons its lane.
func (k *Keyed) Submit(key string, task Task) {
	k.mu.Lock()
	if k.ctx.Err() != nil {
		k.mu.Unlock()
		return
	}
	ln, ok := k.lanes[key]
	if !ok {
		ln = &lane{}
		k.lanes[key] = ln
	}
	k.mu.Unlock()

	ln.mu.Lock()
	ln.pending = append(ln.pending, task)
	if ln.running {
		ln.mu.Unlock()
		return
	}
	ln.running = true
	ln.mu.Unlock()

	k.wg.Add(1)
	go k.drain(key, ln)
}

func (k *Keyed) drain(key string, ln *lane) {
	defer k.wg.Done()
	for {
		ln.mu.Lock()
		if len(ln.pending) == 0 {
			ln.running = false
			ln.mu.Unlock()
			return
		}
		task := ln.pending[0]
		ln.pending = ln.pending[1:]
		ln.mu.Unlock()

		k.run(key, task)

		if k.ctx.Err() != nil {
			ln.mu.Lock()
			ln.pending = nil
			ln.running = false
			ln.mu.Unlock()
			return
		}
	}
}

func (k *Keyed) run(key string, task Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panic", "lane", key, "panic", r)
		}
	}()
	task(k.ctx)
}

// Close cancels the shared context and waits for in-flight tasks to return.
// Queued tasks that have not started are dropped.
func (k *Keyed) Close() {
	k.cancel()
	k.wg.Wait()
}
