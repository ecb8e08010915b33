package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"postbot/pkg/logx"
)

// ExecFunc runs one queued item and produces its output.
type ExecFunc[I, O any] func(ctx context.Context, in I) (O, error)

// Executor is a FIFO queue drained at a fixed quota per interval.
type Executor[I, O any] struct {
	name     string
	interval time.Duration
	exec     ExecFunc[I, O]
	log      logx.Logger

	mu      sync.Mutex
	rate    int
	queue   []queued[I, O]
	stopCh  chan struct{}
	runCtx  context.Context
	tickWG  sync.WaitGroup
	actions sync.WaitGroup
}

type queued[I, O any] struct {
	in  I
	fut *Future[O]
}

// New builds an executor dispatching up to rate items every interval.
// exec is invoked once per item, each in its own goroutine.
func New[I, O any](name string, rate int, interval time.Duration, exec ExecFunc[I, O], log logx.Logger) *Executor[I, O] {
	if rate <= 0 {
		rate = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Executor[I, O]{
		name:     name,
		rate:     rate,
		interval: interval,
		exec:     exec,
		log:      log,
	}
}

// Enqueue appends an item to the queue and returns its completion handle.
// The queue has unbounded depth; items enqueued while the executor is
// stopped stay pending and run after the next Start.
func (e *Executor[I, O]) Enqueue(in I) *Future[O] {
	f := newFuture[O]()
	e.mu.Lock()
	e.queue = append(e.queue, queued[I, O]{in: in, fut: f})
	e.mu.Unlock()
	return f
}

// Len reports the number of items still waiting for dispatch.
func (e *Executor[I, O]) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// SetRate changes the per-interval quota for subsequent ticks.
func (e *Executor[I, O]) SetRate(rate int) {
	if rate <= 0 {
		rate = 1
	}
	e.mu.Lock()
	e.rate = rate
	e.mu.Unlock()
}

// Start begins the tick loop. The first quota is drained immediately.
// Calling Start on a running executor is a no-op.
func (e *Executor[I, O]) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	e.stopCh = stopCh
	e.runCtx = ctx
	e.mu.Unlock()

	e.tickWG.Add(1)
	go func() {
		defer e.tickWG.Done()
		ticker := time.NewTicker(e.interval)
		defer ticker.Stop()
		e.drain(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				e.drain(ctx)
			}
		}
	}()
	e.log.Debug("executor started", logx.String("executor", e.name), logx.Duration("interval", e.interval))
}

// drain dispatches up to rate items from the head of the queue.
func (e *Executor[I, O]) drain(ctx context.Context) {
	e.mu.Lock()
	n := e.rate
	if n > len(e.queue) {
		n = len(e.queue)
	}
	batch := e.queue[:n]
	e.queue = append([]queued[I, O](nil), e.queue[n:]...)
	e.mu.Unlock()

	for _, q := range batch {
		q := q
		e.actions.Add(1)
		go func() {
			defer e.actions.Done()
			defer func() {
				if r := recover(); r != nil {
					var zero O
					q.fut.resolve(zero, fmt.Errorf("panic in %s action: %v", e.name, r))
					e.log.Error("panic in throttled action", logx.String("executor", e.name), logx.Any("panic", r))
				}
			}()
			out, err := e.exec(ctx, q.in)
			q.fut.resolve(out, err)
		}()
	}
}

// Stop halts new ticks. It does not await in-flight actions; callers that
// need that call Idle afterwards. Items still queued survive a Stop/Start
// cycle.
func (e *Executor[I, O]) Stop(ctx context.Context) {
	e.mu.Lock()
	stopCh := e.stopCh
	e.stopCh = nil
	e.runCtx = nil
	e.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		e.tickWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	e.log.Debug("executor stopped", logx.String("executor", e.name), logx.Int("pending", e.Len()))
}

// Idle blocks until all dispatched actions finished or ctx is cancelled.
func (e *Executor[I, O]) Idle(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.actions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
