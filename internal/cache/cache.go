package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const DefaultTTL = 60 * time.Second

// ErrNotFetched is returned for a key the batch fetcher did not resolve.
var ErrNotFetched = errors.New("value not returned by fetcher")

type entry[V any] struct {
	value    V
	storedAt time.Time
}

type call[V any] struct {
	done  chan struct{}
	value V
	err   error
}

// Cache is a TTL map whose misses are filled by caller-supplied fetchers.
// Entries live for the lifetime of the process; a failed refresh keeps the
// previous value in place. Concurrent misses on a key share one fetch.
type Cache[K comparable, V any] struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	entries  map[K]entry[V]
	inflight map[K]*call[V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func New[K comparable, V any](ttl time.Duration, opts ...Option) *Cache[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache[K, V]{
		ttl:      ttl,
		now:      o.now,
		entries:  make(map[K]entry[V]),
		inflight: make(map[K]*call[V]),
	}
}

func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

func (c *Cache[K, V]) Hits() uint64   { return c.hits.Load() }
func (c *Cache[K, V]) Misses() uint64 { return c.misses.Load() }

func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Peek returns the stored value regardless of age.
func (c *Cache[K, V]) Peek(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	return ent.value, ent.storedAt, ok
}

// must hold c.mu
func (c *Cache[K, V]) freshLocked(key K, now time.Time) (V, bool) {
	ent, ok := c.entries[key]
	if !ok || now.Sub(ent.storedAt) > c.ttl {
		var zero V
		return zero, false
	}
	return ent.value, true
}

func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(ctx context.Context, key K) (V, error)) (V, error) {
	c.mu.Lock()
	if value, ok := c.freshLocked(key, c.now()); ok {
		c.mu.Unlock()
		c.hits.Add(1)
		return value, nil
	}
	c.misses.Add(1)
	if pending, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		return wait(ctx, pending)
	}
	pending := &call[V]{done: make(chan struct{})}
	c.inflight[key] = pending
	c.mu.Unlock()

	completed := false
	defer func() {
		if !completed {
			c.complete(map[K]*call[V]{key: pending}, nil, errors.New("fetcher panicked"))
		}
	}()

	value, err := fetch(ctx, key)
	if err != nil {
		c.complete(map[K]*call[V]{key: pending}, nil, err)
	} else {
		c.complete(map[K]*call[V]{key: pending}, map[K]V{key: value}, nil)
	}
	completed = true
	return pending.value, pending.err
}

// GetOrFetchMany resolves keys from the cache and invokes fetch once with
// every key that is neither fresh nor already being fetched. Failures are
// reported per key; keys that resolved are returned even when siblings fail.
func (c *Cache[K, V]) GetOrFetchMany(
	ctx context.Context,
	keys []K,
	fetch func(ctx context.Context, missing []K) (map[K]V, error),
) (map[K]V, map[K]error) {
	values := make(map[K]V, len(keys))
	failures := make(map[K]error)

	owned := make(map[K]*call[V])
	ownedOrder := make([]K, 0, len(keys))
	waiting := make(map[K]*call[V])

	c.mu.Lock()
	now := c.now()
	for _, key := range keys {
		if _, seen := values[key]; seen {
			continue
		}
		if _, seen := owned[key]; seen {
			continue
		}
		if _, seen := waiting[key]; seen {
			continue
		}
		if value, ok := c.freshLocked(key, now); ok {
			c.hits.Add(1)
			values[key] = value
			continue
		}
		c.misses.Add(1)
		if pending, ok := c.inflight[key]; ok {
			waiting[key] = pending
			continue
		}
		pending := &call[V]{done: make(chan struct{})}
		c.inflight[key] = pending
		owned[key] = pending
		ownedOrder = append(ownedOrder, key)
	}
	c.mu.Unlock()

	if len(ownedOrder) > 0 {
		completed := false
		func() {
			defer func() {
				if !completed {
					c.complete(owned, nil, errors.New("fetcher panicked"))
				}
			}()
			fetched, err := fetch(ctx, ownedOrder)
			c.complete(owned, fetched, err)
			completed = true
		}()
		for key, pending := range owned {
			if pending.err != nil {
				failures[key] = pending.err
				continue
			}
			values[key] = pending.value
		}
	}

	for key, pending := range waiting {
		value, err := wait(ctx, pending)
		if err != nil {
			failures[key] = err
			continue
		}
		values[key] = value
	}

	return values, failures
}

// complete stores successful results and releases every waiter of calls.
func (c *Cache[K, V]) complete(calls map[K]*call[V], fetched map[K]V, fetchErr error) {
	c.mu.Lock()
	storedAt := c.now()
	for key, pending := range calls {
		switch {
		case fetchErr != nil:
			pending.err = fetchErr
		default:
			value, ok := fetched[key]
			if !ok {
				pending.err = fmt.Errorf("%w: %v", ErrNotFetched, key)
				break
			}
			pending.value = value
			c.entries[key] = entry[V]{value: value, storedAt: storedAt}
		}
		if c.inflight[key] == pending {
			delete(c.inflight, key)
		}
	}
	c.mu.Unlock()

	for _, pending := range calls {
		close(pending.done)
	}
}

func wait[V any](ctx context.Context, pending *call[V]) (V, error) {
	select {
	case <-pending.done:
		return pending.value, pending.err
	case <-ctx.Done():
		var zero V
		return zero, ctx.Err()
	}
}
