// Package callgroup deduplicates concurrent calls by key.
//
// If multiple goroutines request the same key concurrently, only one
// executes the function. The others wait and receive the same value and
// error. Once the function returns, the key is forgotten and future calls
// trigger a new execution.
//
// The function runs on its own goroutine, so a caller that stops waiting
// (Do with a cancelled context) does not abort work other callers share.
package callgroup

import (
	"context"
	"sync"
)

// Group deduplicates concurrent function calls by key. The zero value is
// ready to use.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]
}

type call[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Result is the outcome of a call. Shared reports whether the caller
// joined a call started by someone else.
type Result[V any] struct {
	Val    V
	Err    error
	Shared bool
}

func (g *Group[K, V]) start(key K, fn func() (V, error)) (*call[V], bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}
	if c, ok := g.calls[key]; ok {
		g.mu.Unlock()
		return c, true
	}

	c := &call[V]{done: make(chan struct{})}
	g.calls[key] = c
	g.mu.Unlock()

	go func() {
		c.val, c.err = fn()
		close(c.done)

		g.mu.Lock()
		delete(g.calls, key)
		g.mu.Unlock()
	}()
	return c, false
}

// DoChan executes fn if no call is in flight for key. If a call is
// already in flight, the returned channel will receive the result of
// that existing call. The channel receives exactly one value and is
// never closed.
func (g *Group[K, V]) DoChan(key K, fn func() (V, error)) <-chan Result[V] {
	c, shared := g.start(key, fn)
	ch := make(chan Result[V], 1)
	go func() {
		<-c.done
		ch <- Result[V]{Val: c.val, Err: c.err, Shared: shared}
	}()
	return ch
}

// Do is like DoChan but blocks until the call finishes or ctx is done.
// On cancellation it returns ctx.Err() and the call keeps running.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, bool, error) {
	c, shared := g.start(key, fn)
	select {
	case <-c.done:
		return c.val, shared, c.err
	case <-ctx.Done():
		var zero V
		return zero, shared, ctx.Err()
	}
}

// InFlight reports whether a call for key is running.
func (g *Group[K, V]) InFlight(key K) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.calls[key]
	return ok
}
