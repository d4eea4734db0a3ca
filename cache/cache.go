// Package cache provides the per-channel item cache: a thread-safe FIFO
// holding the most recent items of one channel.
//
// A cache has one of three capacities:
//   - 0: nothing is retained, Push is a no-op.
//   - N > 0: at most N items; pushing into a full cache evicts the oldest.
//   - Unbounded: every item is retained until drained with GetAll. Bounding
//     memory is the caller's job; WithSoftLimit reports when the cache grows
//     past a threshold but never drops anything.
package cache

import (
	"sync"
)

// Unbounded is the capacity of a cache that never evicts.
const Unbounded = -1

// Option configures a Cache.
type Option[T any] func(*Cache[T])

// WithEvict sets a function called with every item evicted by Push. It runs
// after the cache lock is released.
func WithEvict[T any](fn func(item T)) Option[T] {
	return func(c *Cache[T]) {
		c.onEvict = fn
	}
}

// WithSoftLimit sets a size above which fn is called. fn fires once per
// crossing: the cache must shrink back to the limit before it fires again.
func WithSoftLimit[T any](limit int, fn func(size int)) Option[T] {
	return func(c *Cache[T]) {
		if limit > 0 {
			c.softLimit = limit
			c.onSoftLimit = fn
		}
	}
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Len      int
	Capacity int
	Pushed   uint64
	Evicted  uint64
}

type Cache[T any] struct {
	mu       sync.Mutex
	capacity int

	// Bounded caches use items as a ring starting at head. Unbounded caches
	// append and head stays zero.
	items []T
	head  int
	size  int

	pushed  uint64
	evicted uint64

	onEvict     func(T)
	softLimit   int
	onSoftLimit func(int)
	overSoft    bool
}

// New creates a cache. Any negative capacity is treated as Unbounded.
func New[T any](capacity int, opts ...Option[T]) *Cache[T] {
	if capacity < 0 {
		capacity = Unbounded
	}
	c := &Cache[T]{capacity: capacity}
	if capacity > 0 {
		c.items = make([]T, capacity)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Capacity returns the configured capacity, Unbounded included.
func (c *Cache[T]) Capacity() int {
	return c.capacity
}

// Push appends an item, evicting the oldest one if the cache is full. It
// reports whether an item was evicted.
func (c *Cache[T]) Push(item T) bool {
	if c.capacity == 0 {
		return false
	}

	c.mu.Lock()
	var (
		evicted   T
		didEvict  bool
		crossedAt int
		crossed   bool
	)
	c.pushed++
	if c.capacity == Unbounded {
		c.items = append(c.items, item)
		c.size++
	} else {
		if c.size == c.capacity {
			evicted = c.items[c.head]
			c.head = (c.head + 1) % c.capacity
			c.size--
			c.evicted++
			didEvict = true
		}
		c.items[(c.head+c.size)%c.capacity] = item
		c.size++
	}
	if c.softLimit > 0 && c.size > c.softLimit && !c.overSoft {
		c.overSoft = true
		crossed = true
		crossedAt = c.size
	}
	c.mu.Unlock()

	if didEvict && c.onEvict != nil {
		c.onEvict(evicted)
	}
	if crossed && c.onSoftLimit != nil {
		c.onSoftLimit(crossedAt)
	}
	return didEvict
}

// GetAll drains the cache, returning its items oldest first.
func (c *Cache[T]) GetAll() []T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.size == 0 {
		return nil
	}
	var out []T
	if c.capacity == Unbounded {
		out = c.items
		c.items = nil
	} else {
		out = make([]T, c.size)
		var zero T
		for i := range out {
			idx := (c.head + i) % c.capacity
			out[i] = c.items[idx]
			c.items[idx] = zero
		}
		c.head = 0
	}
	c.size = 0
	c.overSoft = false
	return out
}

// Pop removes and returns the oldest item.
func (c *Cache[T]) Pop() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.size == 0 {
		return zero, false
	}
	var item T
	if c.capacity == Unbounded {
		item = c.items[0]
		c.items[0] = zero
		c.items = c.items[1:]
	} else {
		item = c.items[c.head]
		c.items[c.head] = zero
		c.head = (c.head + 1) % c.capacity
	}
	c.size--
	if c.size <= c.softLimit {
		c.overSoft = false
	}
	return item, true
}

// Peek returns the most recently pushed item without removing it.
func (c *Cache[T]) Peek() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	if c.size == 0 {
		return zero, false
	}
	if c.capacity == Unbounded {
		return c.items[c.size-1], true
	}
	return c.items[(c.head+c.size-1)%c.capacity], true
}

// Len returns the number of cached items.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Clear discards every cached item and returns how many were discarded.
func (c *Cache[T]) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.size
	if c.capacity == Unbounded {
		c.items = nil
	} else {
		var zero T
		for i := range c.items {
			c.items[i] = zero
		}
	}
	c.head = 0
	c.size = 0
	c.overSoft = false
	return n
}

func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:      c.size,
		Capacity: c.capacity,
		Pushed:   c.pushed,
		Evicted:  c.evicted,
	}
}
