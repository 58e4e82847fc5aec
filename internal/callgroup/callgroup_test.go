package callgroup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDeduplication(t *testing.T) {
	var g Group[int, string]
	var calls atomic.Int32
	started := make(chan struct{})

	fn := func() (string, error) {
		calls.Add(1)
		close(started)
		time.Sleep(50 * time.Millisecond)
		return "loaded", nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]Result[string], n)

	// First caller starts the work.
	wg.Go(func() {
		results[0] = <-g.DoChan(1, fn)
	})

	// Wait for fn to start, then pile on.
	<-started
	for i := 1; i < n; i++ {
		wg.Go(func() {
			results[i] = <-g.DoChan(1, fn)
		})
	}

	wg.Wait()

	for i, r := range results {
		if r.Err != nil || r.Val != "loaded" {
			t.Errorf("caller %d got (%q, %v)", i, r.Val, r.Err)
		}
		if want := i != 0; r.Shared != want {
			t.Errorf("caller %d: Shared = %v, want %v", i, r.Shared, want)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("fn called %d times, want 1", got)
	}
}

func TestIndependentKeys(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	var wg sync.WaitGroup
	for _, key := range []int{1, 2, 3} {
		wg.Go(func() {
			r := <-g.DoChan(key, func() (int, error) {
				calls.Add(1)
				return key * 10, nil
			})
			if r.Val != key*10 {
				t.Errorf("key %d: got %d", key, r.Val)
			}
		})
	}

	wg.Wait()

	if got := calls.Load(); got != 3 {
		t.Errorf("fn called %d times, want 3", got)
	}
}

func TestErrorPropagation(t *testing.T) {
	var g Group[int, struct{}]
	sentinel := errors.New("failed")
	started := make(chan struct{})

	ch1 := g.DoChan(1, func() (struct{}, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return struct{}{}, sentinel
	})
	<-started

	ch2 := g.DoChan(1, func() (struct{}, error) {
		t.Error("should not execute")
		return struct{}{}, nil
	})

	if r := <-ch1; !errors.Is(r.Err, sentinel) {
		t.Errorf("caller 1: got %v, want %v", r.Err, sentinel)
	}
	if r := <-ch2; !errors.Is(r.Err, sentinel) {
		t.Errorf("caller 2: got %v, want %v", r.Err, sentinel)
	}
}

func TestReuseAfterCompletion(t *testing.T) {
	var g Group[int, int]
	var calls atomic.Int32

	fn := func() (int, error) {
		return int(calls.Add(1)), nil
	}

	if r := <-g.DoChan(1, fn); r.Val != 1 {
		t.Fatalf("first call = %d, want 1", r.Val)
	}
	// Second call for same key should trigger a new execution.
	if r := <-g.DoChan(1, fn); r.Val != 2 {
		t.Fatalf("second call = %d, want 2", r.Val)
	}
	if g.InFlight(1) {
		t.Error("key still in flight after completion")
	}
}

func TestDoCancelledWaiterLeavesCallRunning(t *testing.T) {
	var g Group[string, int]
	release := make(chan struct{})
	started := make(chan struct{})

	ch := g.DoChan("k", func() (int, error) {
		close(started)
		<-release
		return 7, nil
	})
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, shared, err := g.Do(ctx, "k", func() (int, error) {
		t.Error("should not execute")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do err = %v, want context.Canceled", err)
	}
	if !shared {
		t.Error("Do should have joined the in-flight call")
	}

	close(release)
	if r := <-ch; r.Val != 7 || r.Err != nil {
		t.Errorf("owner got (%d, %v), want (7, nil)", r.Val, r.Err)
	}
}

func TestDoReturnsValue(t *testing.T) {
	var g Group[string, string]
	v, shared, err := g.Do(context.Background(), "k", func() (string, error) { return "v", nil })
	if err != nil || v != "v" || shared {
		t.Fatalf("Do = (%q, %v, %v)", v, shared, err)
	}
}
