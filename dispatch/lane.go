package dispatch

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"stereocam/cache"
	"stereocam/channel"
	"stereocam/fault"
	"stereocam/metrics"
	"stereocam/stream"
)

// backlogReportEvery throttles backlog faults: the first eviction of an
// overflowing queue is reported, then one in every backlogReportEvery.
const backlogReportEvery = 100

// lane is the delivery path of one enabled channel.
type lane[T any] struct {
	id   stream.ChannelID
	name string
	cfg  channel.Config
	d    *Dispatcher[T]

	cache *cache.Cache[T]

	mu     sync.Mutex
	closed bool
	cb     Callback[T]
	mode   channel.DeliveryMode
	worker *worker[T]

	// inflight counts synchronous callbacks currently running.
	inflight sync.WaitGroup

	dispatched atomic.Uint64
	dropped    atomic.Uint64
	backlog    atomic.Uint64
}

func newLane[T any](d *Dispatcher[T], id stream.ChannelID, cfg channel.Config) *lane[T] {
	l := &lane[T]{
		id:   id,
		name: id.String(),
		cfg:  cfg,
		d:    d,
		mode: cfg.Delivery,
	}
	opts := []cache.Option[T]{
		cache.WithEvict(func(T) {
			l.dropped.Add(1)
			d.metrics.Dropped(l.name, metrics.ReasonEvicted)
		}),
	}
	if cfg.Capacity == cache.Unbounded {
		opts = append(opts, cache.WithSoftLimit[T](cfg.SoftLimit, func(size int) {
			d.faults.Report(fault.KindResource, id, fmt.Errorf("%w: %d items cached", fault.ErrSoftLimit, size))
		}))
	}
	l.cache = cache.New(cfg.Capacity, opts...)
	return l
}

func (l *lane[T]) dispatch(item T) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.d.metrics.Dropped(l.name, metrics.ReasonDisabled)
		return false
	}
	l.cache.Push(item)
	cb := l.cb
	inline := cb != nil && l.mode == channel.Sync
	if inline {
		l.inflight.Add(1)
	} else if cb != nil && l.worker != nil {
		l.worker.enqueue(item)
	}
	l.mu.Unlock()

	l.dispatched.Add(1)
	l.d.metrics.Dispatched(l.name)
	l.d.metrics.CacheItems(l.name, l.cache.Len())

	if inline {
		defer l.inflight.Done()
		l.invoke(cb, item)
	}
	return true
}

// deliverAsync runs on the channel's worker. An item popped concurrently with
// close is discarded rather than delivered.
func (l *lane[T]) deliverAsync(item T) {
	l.mu.Lock()
	cb, closed := l.cb, l.closed
	l.mu.Unlock()
	if closed || cb == nil {
		l.dropped.Add(1)
		l.d.metrics.Dropped(l.name, metrics.ReasonDiscard)
		return
	}
	l.invoke(cb, item)
}

// invoke isolates the producer from a misbehaving consumer.
func (l *lane[T]) invoke(cb Callback[T], item T) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.d.faults.Report(fault.KindConsumer, l.id, fmt.Errorf("%w: %v", fault.ErrCallbackPanic, r))
		}
		l.d.metrics.Callback(l.name, time.Since(start))
	}()
	cb(item)
}

func (l *lane[T]) setCallback(cb Callback[T], mode channel.DeliveryMode) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fault.Config("set callback", l.id, fault.ErrChannelDisabled, "")
	}
	var old *worker[T]
	if l.worker != nil && (cb == nil || mode != channel.Async) {
		old, l.worker = l.worker, nil
	}
	l.cb = cb
	l.mode = mode
	if cb != nil && mode == channel.Async && l.worker == nil {
		l.worker = l.newWorker()
		l.d.sched.Schedule(l.worker)
	}
	l.mu.Unlock()

	if old != nil {
		l.discarded(old.stop())
	}
	return nil
}

func (l *lane[T]) newWorker() *worker[T] {
	limit := l.cfg.QueueLimit
	if limit <= 0 {
		limit = channel.DefaultQueueLimit
	}
	queue := cache.New(limit, cache.WithEvict(func(T) {
		l.dropped.Add(1)
		l.d.metrics.Dropped(l.name, metrics.ReasonBacklog)
		if n := l.backlog.Add(1); n == 1 || n%backlogReportEvery == 0 {
			l.d.faults.Report(fault.KindResource, l.id,
				fmt.Errorf("%w: %d pending items discarded so far (limit %d)", fault.ErrBacklog, n, limit))
		}
	}))
	return newWorker(queue, l.deliverAsync, func(n int) {
		l.d.metrics.QueueDepth(l.name, n)
	})
}

func (l *lane[T]) discarded(n int) {
	if n == 0 {
		return
	}
	l.dropped.Add(uint64(n))
	for i := 0; i < n; i++ {
		l.d.metrics.Dropped(l.name, metrics.ReasonDiscard)
	}
}

// close drains the cache, releases the callback and waits for every delivery
// in progress to finish. After close returns the callback is never invoked
// again.
func (l *lane[T]) close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	w := l.worker
	l.worker = nil
	l.cb = nil
	l.cache.Clear()
	l.mu.Unlock()

	if w != nil {
		l.discarded(w.stop())
	}
	l.inflight.Wait()
	l.d.metrics.CacheItems(l.name, 0)
}

func (l *lane[T]) stats() LaneStats {
	l.mu.Lock()
	pending := 0
	if l.worker != nil {
		pending = l.worker.queue.Len()
	}
	hasCB, mode := l.cb != nil, l.mode
	l.mu.Unlock()

	return LaneStats{
		Channel:     l.id,
		Capacity:    l.cfg.Capacity,
		Cached:      l.cache.Len(),
		Pending:     pending,
		Delivery:    mode,
		HasCallback: hasCB,
		Dispatched:  l.dispatched.Load(),
		Dropped:     l.dropped.Load(),
	}
}
