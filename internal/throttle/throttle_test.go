package throttle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"postbot/pkg/logx"
)

const tick = 50 * time.Millisecond

func newCounting(t *testing.T, rate int) (*Executor[int, int], *atomic.Int64) {
	t.Helper()
	var ran atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		ran.Add(1)
		return in * 2, nil
	}
	return New("test", rate, tick, exec, logx.Nop()), &ran
}

func TestDispatchesAtMostRatePerInterval(t *testing.T) {
	t.Parallel()
	e, ran := newCounting(t, 4)

	futs := make([]*Future[int], 0, 10)
	for i := 0; i < 10; i++ {
		futs = append(futs, e.Enqueue(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop(context.Background())

	// First quota is drained immediately: exactly 4 before the first tick.
	time.Sleep(tick / 2)
	if got := ran.Load(); got != 4 {
		t.Fatalf("after initial drain: ran = %d, want 4", got)
	}
	time.Sleep(tick)
	if got := ran.Load(); got != 8 {
		t.Fatalf("after tick 1: ran = %d, want 8", got)
	}
	time.Sleep(tick)
	if got := ran.Load(); got != 10 {
		t.Fatalf("after tick 2: ran = %d, want 10", got)
	}

	for i, f := range futs {
		v, err := f.Wait(ctx)
		if err != nil {
			t.Fatalf("future %d: %v", i, err)
		}
		if v != i*2 {
			t.Fatalf("future %d = %d, want %d", i, v, i*2)
		}
	}
}

func TestThreeTimesRateNeedsAtLeastTwoFullIntervals(t *testing.T) {
	t.Parallel()
	const rate = 5
	e, _ := newCounting(t, rate)

	var futs []*Future[int]
	for i := 0; i < 3*rate; i++ {
		futs = append(futs, e.Enqueue(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start := time.Now()
	e.Start(ctx)
	defer e.Stop(context.Background())

	for _, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 2*tick {
		t.Fatalf("3x rate items completed in %v, want >= %v", elapsed, 2*tick)
	}
}

func TestFailingItemDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	exec := func(ctx context.Context, in int) (int, error) {
		switch in {
		case 3:
			return 0, boom
		case 5:
			panic("kaput")
		}
		return in, nil
	}
	e := New("test", 10, tick, exec, logx.Nop())

	var futs []*Future[int]
	for i := 0; i < 8; i++ {
		futs = append(futs, e.Enqueue(i))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop(context.Background())

	for i, f := range futs {
		v, err := f.Wait(ctx)
		switch i {
		case 3:
			if !errors.Is(err, boom) {
				t.Fatalf("future 3: err = %v, want boom", err)
			}
		case 5:
			if err == nil {
				t.Fatal("future 5: expected panic error")
			}
		default:
			if err != nil {
				t.Fatalf("future %d: unexpected error %v", i, err)
			}
			if v != i {
				t.Fatalf("future %d = %d", i, v)
			}
		}
	}
}

func TestStopHaltsTicksAndKeepsQueue(t *testing.T) {
	t.Parallel()
	e, ran := newCounting(t, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e.Start(ctx)
	e.Enqueue(1)
	e.Enqueue(2)
	time.Sleep(tick / 2)
	e.Stop(context.Background())

	if got := ran.Load(); got != 2 {
		t.Fatalf("ran = %d, want 2", got)
	}

	// Queued while stopped: stays pending until restarted.
	f := e.Enqueue(3)
	time.Sleep(2 * tick)
	select {
	case <-f.Done():
		t.Fatal("item ran while executor was stopped")
	default:
	}
	if got := e.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1", got)
	}

	e.Start(ctx)
	defer e.Stop(context.Background())
	if _, err := f.Wait(ctx); err != nil {
		t.Fatalf("wait after restart: %v", err)
	}
}

func TestEnqueueIsSafeConcurrently(t *testing.T) {
	t.Parallel()
	e, ran := newCounting(t, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.Start(ctx)
	defer e.Stop(context.Background())

	var wg sync.WaitGroup
	const n = 100
	futs := make([]*Future[int], n)
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			futs[i] = e.Enqueue(i)
		}()
	}
	wg.Wait()
	for _, f := range futs {
		if _, err := f.Wait(ctx); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if got := ran.Load(); got != n {
		t.Fatalf("ran = %d, want %d", got, n)
	}
}

func TestResolvedFuture(t *testing.T) {
	t.Parallel()
	f := Resolved(42, nil)
	v, err := f.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v)", v, err)
	}
}
