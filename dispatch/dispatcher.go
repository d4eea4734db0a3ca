// Package dispatch delivers produced items to their channel's cache and
// callback.
//
// Every enabled channel owns a lane. Dispatch pushes the item into the lane's
// cache (when its capacity is non-zero) and hands it to the registered
// callback, either inline (channel.Sync) or through a per-channel FIFO served
// by one worker (channel.Async). Cache and callback are independent paths and
// may both be active. Per-channel order always matches dispatch order; there
// is no ordering across channels.
//
// Callbacks must not disable their own channel or close the camera: both
// wait for running callbacks to return.
package dispatch

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"stereocam/channel"
	"stereocam/fault"
	"stereocam/metrics"
	"stereocam/stream"
)

// Callback consumes one item. Panics are recovered and reported as consumer
// faults.
type Callback[T any] func(item T)

// LaneStats is a snapshot of one enabled channel.
type LaneStats struct {
	Channel     stream.ChannelID     `json:"channel"`
	Capacity    int                  `json:"capacity"`
	Cached      int                  `json:"cached"`
	Pending     int                  `json:"pending"`
	Delivery    channel.DeliveryMode `json:"delivery"`
	HasCallback bool                 `json:"has_callback"`
	Dispatched  uint64               `json:"dispatched"`
	Dropped     uint64               `json:"dropped"`
}

// Options carries a dispatcher's collaborators. Zero values are usable:
// tasks run on a GoroutineScheduler and faults and metrics are discarded.
type Options struct {
	Scheduler Scheduler
	Faults    *fault.Reporter
	Metrics   *metrics.Metrics
	Log       *log.Entry
}

// Dispatcher routes items of one category to their lanes. It implements
// channel.Lifecycle and ignores channels of other categories.
type Dispatcher[T any] struct {
	category stream.Category
	log      *log.Entry
	sched    Scheduler
	faults   *fault.Reporter
	metrics  *metrics.Metrics

	mu    sync.RWMutex
	lanes map[stream.ChannelID]*lane[T]
}

func New[T any](category stream.Category, opts Options) *Dispatcher[T] {
	if opts.Scheduler == nil {
		opts.Scheduler = NewGoroutineScheduler(context.Background())
	}
	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}
	return &Dispatcher[T]{
		category: category,
		log:      opts.Log.WithFields(log.Fields{"component": "dispatcher", "category": category}),
		sched:    opts.Scheduler,
		faults:   opts.Faults,
		metrics:  opts.Metrics,
		lanes:    make(map[stream.ChannelID]*lane[T]),
	}
}

func (d *Dispatcher[T]) ChannelEnabled(id stream.ChannelID, cfg channel.Config) {
	if id.Category != d.category {
		return
	}
	l := newLane(d, id, cfg)

	d.mu.Lock()
	old := d.lanes[id]
	d.lanes[id] = l
	d.mu.Unlock()

	if old != nil {
		old.close()
	}
}

func (d *Dispatcher[T]) ChannelDisabled(id stream.ChannelID) {
	if id.Category != d.category {
		return
	}
	d.mu.Lock()
	l := d.lanes[id]
	delete(d.lanes, id)
	d.mu.Unlock()

	if l != nil {
		l.close()
	}
}

func (d *Dispatcher[T]) lane(id stream.ChannelID) *lane[T] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lanes[id]
}

// Dispatch delivers item on channel id. It reports false if the channel is
// disabled, in which case the item was dropped.
func (d *Dispatcher[T]) Dispatch(id stream.ChannelID, item T) bool {
	l := d.lane(id)
	if l == nil {
		d.metrics.Dropped(id.String(), metrics.ReasonDisabled)
		return false
	}
	return l.dispatch(item)
}

// SetCallback replaces the callback of an enabled channel. A nil cb removes
// it. Switching away from async delivery discards the pending backlog.
func (d *Dispatcher[T]) SetCallback(id stream.ChannelID, cb Callback[T], mode channel.DeliveryMode) error {
	if !id.Valid() || id.Category != d.category {
		return fault.Config("set callback", id, fault.ErrInvalidChannel, "")
	}
	if mode != channel.Sync && mode != channel.Async {
		return fault.Config("set callback", id, fault.ErrConflictingConfig, "unknown delivery mode "+mode.String())
	}
	l := d.lane(id)
	if l == nil {
		return fault.Config("set callback", id, fault.ErrChannelDisabled, "")
	}
	if err := l.setCallback(cb, mode); err != nil {
		return err
	}
	d.log.WithFields(log.Fields{"channel": id, "delivery": mode, "set": cb != nil}).Debug("Callback updated")
	return nil
}

// Latest returns the newest cached item of id without removing it.
func (d *Dispatcher[T]) Latest(id stream.ChannelID) (T, bool) {
	l := d.lane(id)
	if l == nil {
		var zero T
		return zero, false
	}
	return l.cache.Peek()
}

// Drain removes and returns every cached item of id, oldest first.
func (d *Dispatcher[T]) Drain(id stream.ChannelID) []T {
	l := d.lane(id)
	if l == nil {
		return nil
	}
	items := l.cache.GetAll()
	d.metrics.CacheItems(l.name, 0)
	return items
}

func (d *Dispatcher[T]) Stats(id stream.ChannelID) (LaneStats, bool) {
	l := d.lane(id)
	if l == nil {
		return LaneStats{}, false
	}
	return l.stats(), true
}

// Close disables every lane and waits until no callback is running.
func (d *Dispatcher[T]) Close() {
	d.mu.Lock()
	lanes := d.lanes
	d.lanes = make(map[stream.ChannelID]*lane[T])
	d.mu.Unlock()

	for _, l := range lanes {
		l.close()
	}
}
