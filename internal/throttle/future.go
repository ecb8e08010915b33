package throttle

import "context"

// Future is the completion handle for one enqueued item.
type Future[O any] struct {
	done chan struct{}
	val  O
	err  error
}

func newFuture[O any]() *Future[O] {
	return &Future[O]{done: make(chan struct{})}
}

// resolve must be called exactly once.
func (f *Future[O]) resolve(v O, err error) {
	f.val = v
	f.err = err
	close(f.done)
}

// Done returns a channel closed once the result is available.
func (f *Future[O]) Done() <-chan struct{} { return f.done }

// Wait blocks until the item ran or ctx is cancelled.
func (f *Future[O]) Wait(ctx context.Context) (O, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero O
		return zero, ctx.Err()
	}
}

// Resolved returns an already-completed future. Intended for fakes in tests
// and for short-circuiting work that needs no queueing.
func Resolved[O any](v O, err error) *Future[O] {
	f := newFuture[O]()
	f.resolve(v, err)
	return f
}
