package dispatch

import (
	"context"
	"sync"

	"stereocam/cache"
	"stereocam/util"
)

// worker is the single consumer of one async channel's queue. The queue is a
// bounded cache: when the backlog is full the oldest pending item is evicted.
type worker[T any] struct {
	queue   *cache.Cache[T]
	wake    chan struct{}
	deliver func(T)
	depth   func(int)

	// step serializes deliveries so the channel is served by one consumer
	// at a time, whoever drives it.
	step sync.Mutex

	mu      sync.Mutex
	started bool
	stopped bool
	quit    chan struct{}
	done    *util.Event
}

func newWorker[T any](queue *cache.Cache[T], deliver func(T), depth func(int)) *worker[T] {
	return &worker[T]{
		queue:   queue,
		wake:    make(chan struct{}, 1),
		deliver: deliver,
		depth:   depth,
		quit:    make(chan struct{}),
		done:    util.NewEvent(),
	}
}

// enqueue must be called with the owning lane locked so that enqueue order
// matches dispatch order.
func (w *worker[T]) enqueue(item T) bool {
	evicted := w.queue.Push(item)
	w.depth(w.queue.Len())
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return evicted
}

func (w *worker[T]) Run(ctx context.Context) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	defer w.done.Notify()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-w.wake:
			for w.Step() {
			}
		}
	}
}

func (w *worker[T]) Step() bool {
	w.step.Lock()
	defer w.step.Unlock()

	if w.isStopped() {
		return false
	}
	item, ok := w.queue.Pop()
	if !ok {
		return false
	}
	w.depth(w.queue.Len())
	w.deliver(item)
	return true
}

func (w *worker[T]) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// stop discards the backlog and returns once no delivery is in progress and
// the Run loop, if it ever started, has exited. It returns the number of
// discarded items.
func (w *worker[T]) stop() int {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return 0
	}
	w.stopped = true
	close(w.quit)
	started := w.started
	w.mu.Unlock()

	// Wait out a delivery that was already running.
	w.step.Lock()
	w.step.Unlock()

	if started {
		w.done.Wait()
	}
	n := w.queue.Clear()
	w.depth(0)
	return n
}
