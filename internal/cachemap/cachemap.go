// Package cachemap implements the Coalescing Map described in spec.md
// §4.1: a keyed, read-mostly map whose values are produced at most once
// per key, shared by every concurrent caller asking for that key, and
// never poisoned by a failing producer.
//
// It is the concurrency primitive the Gateway and every Subdir build on
// (spec.md §4.7, §4.6). The shape — a mutex-guarded map of pointers to
// heap-allocated "in-flight or done" boxes, with the producer itself
// running outside the map's lock — follows the keyed single-flight cache
// other_examples/...claircore...fetcher.go builds via a generic
// cache.Live[K, V], and the no-poisoning discipline follows
// other_examples/...autonomous-bits-nomos...resolver.go's fetchCache,
// which also never lets a failed fetch poison later lookups.
package cachemap

import (
	"context"
	"fmt"
	"sync"

	"github.com/prefix-dev/repodata-gateway/internal/conda"
)

// Producer computes the value for a key. It is invoked with a background
// context, not the caller's — per spec.md §4.1/§5, a producer may keep
// running detached after every waiting caller has been dropped, so its
// lifetime must not be tied to any one caller's cancellation.
type Producer[V any] func(ctx context.Context) (V, error)

type future[V any] struct {
	done chan struct{}
	val  V
	err  error
}

// Map is a Coalescing Map keyed by K, producing values of type V.
//
// Once a value is published, its address (the *V returned from
// GetOrCache) never moves or is freed until the Map itself is garbage
// collected: callers may hold the reference across later Map operations.
type Map[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*future[V]
}

// New returns an empty Coalescing Map.
func New[K comparable, V any]() *Map[K, V] {
	return &Map[K, V]{m: make(map[K]*future[V])}
}

// GetOrCache returns a stable reference to the value for key, computing it
// via produce if this is the first request for key (or the first request
// since a prior producer failed). Concurrent callers for the same key
// share one producer invocation and all observe the same result.
//
// A producer that fails surfaces its error to every current waiter but
// does not poison the key: the next call to GetOrCache reinvokes produce.
//
// ctx governs only this call's wait for a result; it does not cancel the
// underlying producer, which may continue running detached so its result
// still benefits later callers (spec.md §5 "Cancellation semantics").
func (c *Map[K, V]) GetOrCache(ctx context.Context, key K, produce Producer[V]) (*V, error) {
	c.mu.Lock()
	f, ok := c.m[key]
	if !ok {
		f = &future[V]{done: make(chan struct{})}
		c.m[key] = f
		c.mu.Unlock()
		go c.run(key, f, produce)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-f.done:
		if f.err != nil {
			return nil, f.err
		}
		return &f.val, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Peek returns the already-published value for key without running a
// producer, reporting false if no value has been published (or the key
// is still in flight).
func (c *Map[K, V]) Peek(key K) (*V, bool) {
	c.mu.Lock()
	f, ok := c.m[key]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-f.done:
		if f.err != nil {
			return nil, false
		}
		return &f.val, true
	default:
		return nil, false
	}
}

func (c *Map[K, V]) run(key K, f *future[V], produce Producer[V]) {
	defer func() {
		if r := recover(); r != nil {
			f.err = fmt.Errorf("%w: producer panicked: %v", conda.ErrCancelled, r)
			c.evict(key)
			close(f.done)
		}
	}()

	val, err := produce(context.Background())
	f.val, f.err = val, err
	if err != nil {
		c.evict(key)
	}
	close(f.done)
}

func (c *Map[K, V]) evict(key K) {
	c.mu.Lock()
	delete(c.m, key)
	c.mu.Unlock()
}

// Len reports the number of published-or-in-flight keys, for
// instrumentation and tests.
func (c *Map[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
