// Package camera is the consumer-facing side of a stereo camera: it owns the
// channel registry, the dispatchers and the synchronizer of one device and
// brackets their active period with Open and Close.
//
// Synchronous callbacks run on the device's producer goroutine and hold up
// ingestion until they return. Asynchronous callbacks run on one worker per
// channel. Callbacks may read the camera (getters, Stats) but must not enable
// or disable channels, nor Close the camera that invoked them. Frames that
// were waiting for image info when pairing is switched off are delivered
// unpaired with the next ingress call, so their synchronous callbacks still
// run on the producer goroutine.
package camera

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stereocam/channel"
	"stereocam/device"
	"stereocam/dispatch"
	"stereocam/fault"
	"stereocam/metrics"
	"stereocam/pairing"
	"stereocam/stream"
)

// Options configures a Camera. Every field is optional.
type Options struct {
	// Source feeds the camera while it is open. Without one, payloads are
	// pushed through Ingress.
	Source device.Source
	// Scheduler runs asynchronous callbacks and may be shared between
	// cameras; Close only waits for this camera's workers. Defaults to one
	// goroutine per async channel.
	Scheduler dispatch.Scheduler
	Metrics   *metrics.Metrics
	// Faults receives runtime faults. A private reporter is created if nil.
	Faults *fault.Reporter
	Log    *log.Entry
}

type Camera struct {
	id      string
	log     *log.Entry
	faults  *fault.Reporter
	metrics *metrics.Metrics
	source  device.Source

	registry *channel.Registry
	streams  *dispatch.Dispatcher[stream.StreamItem]
	infos    *dispatch.Dispatcher[stream.InfoItem]
	motions  *dispatch.Dispatcher[stream.MotionItem]
	sync     *pairing.Synchronizer
	ingress  *producer

	// mu serializes Open and Close.
	mu     sync.Mutex
	opened atomic.Bool
	cancel context.CancelFunc
	group  *errgroup.Group
}

func New(opts Options) *Camera {
	id := uuid.NewString()
	entry := opts.Log
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	entry = entry.WithField("camera", id[:8])
	if opts.Faults == nil {
		opts.Faults = fault.NewReporter(entry, opts.Metrics)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = dispatch.NewGoroutineScheduler(context.Background())
	}

	c := &Camera{
		id:      id,
		log:     entry,
		faults:  opts.Faults,
		metrics: opts.Metrics,
		source:  opts.Source,
	}
	dopts := dispatch.Options{
		Scheduler: opts.Scheduler,
		Faults:    opts.Faults,
		Metrics:   opts.Metrics,
		Log:       entry,
	}
	c.streams = dispatch.New[stream.StreamItem](stream.CategoryImageStream, dopts)
	c.infos = dispatch.New[stream.InfoItem](stream.CategoryImageInfo, dopts)
	c.motions = dispatch.New[stream.MotionItem](stream.CategoryMotion, dopts)
	c.sync = pairing.New(router{c}, opts.Faults, entry)
	c.registry = channel.NewRegistry(entry, c.streams, c.infos, c.motions, c.sync)
	c.sync.ExpectFrames = c.registry.HasAnyStreamEnabled
	c.ingress = &producer{c: c}
	return c
}

// ID identifies this camera instance in logs.
func (c *Camera) ID() string {
	return c.id
}

// Faults returns the reporter runtime faults are published on.
func (c *Camera) Faults() *fault.Reporter {
	return c.faults
}

// Ingress returns the sink payloads enter the camera through. It drops
// everything while the camera is closed.
func (c *Camera) Ingress() device.Sink {
	return c.ingress
}

// Open starts the active period. The source, if any, runs until Close or
// until ctx is done.
func (c *Camera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opened.Load() {
		return fault.ErrAlreadyOpened
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.group = g
	c.opened.Store(true)

	if c.source != nil {
		g.Go(func() error {
			err := c.source.Run(gctx, c.ingress)
			if err != nil {
				c.log.WithError(err).Error("Device source failed")
			}
			return err
		})
	}
	c.log.Info("Camera opened")
	return nil
}

func (c *Camera) IsOpened() bool {
	return c.opened.Load()
}

// Wait blocks until the source returns and reports its error. It returns
// immediately when the camera is not open.
func (c *Camera) Wait() error {
	c.mu.Lock()
	g := c.group
	c.mu.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

// Close ends the active period: it stops the source, disables and drains
// every channel and waits until no callback is running. No callback fires
// after Close returns.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened.Load() {
		return fault.ErrNotOpened
	}
	c.opened.Store(false)
	c.cancel()
	err := c.group.Wait()
	c.group = nil
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	disabled := c.registry.Reset()
	c.streams.Close()
	c.infos.Close()
	c.motions.Close()
	c.log.WithField("channels", len(disabled)).Info("Camera closed")
	return err
}

// Enable activates channel id with cfg, replacing any prior configuration
// and discarding anything cached under it.
func (c *Camera) Enable(id stream.ChannelID, cfg channel.Config) error {
	_, err := c.registry.Enable(id, cfg)
	return err
}

// Disable deactivates id, draining its cache and releasing its callback.
// Disabling a channel that is not enabled does nothing.
func (c *Camera) Disable(id stream.ChannelID) error {
	if !id.Valid() {
		return fault.Config("disable", id, fault.ErrInvalidChannel, "")
	}
	c.registry.Disable(id)
	return nil
}

func (c *Camera) IsEnabled(id stream.ChannelID) bool {
	return c.registry.IsEnabled(id)
}

// GetConfig returns the effective configuration of an enabled channel.
func (c *Camera) GetConfig(id stream.ChannelID) (channel.Config, bool) {
	return c.registry.GetConfig(id)
}

// HasAnyStreamEnabled reports whether any image stream is enabled.
func (c *Camera) HasAnyStreamEnabled() bool {
	return c.registry.HasAnyStreamEnabled()
}

// EnabledChannels lists the enabled channels.
func (c *Camera) EnabledChannels() []stream.ChannelID {
	return c.registry.Enabled()
}

// Snapshot describes a camera at one point in time.
type Snapshot struct {
	ID            string               `json:"id"`
	Opened        bool                 `json:"opened"`
	Channels      []dispatch.LaneStats `json:"channels"`
	PendingFrames int                  `json:"pending_frames"`
	PendingInfos  int                  `json:"pending_infos"`
	LostFaults    int64                `json:"lost_faults"`
}

func (c *Camera) Stats() Snapshot {
	s := Snapshot{
		ID:         c.id,
		Opened:     c.IsOpened(),
		LostFaults: c.faults.Lost(),
	}
	for _, id := range c.registry.Enabled() {
		var (
			ls dispatch.LaneStats
			ok bool
		)
		switch id.Category {
		case stream.CategoryImageStream:
			ls, ok = c.streams.Stats(id)
		case stream.CategoryImageInfo:
			ls, ok = c.infos.Stats(id)
		case stream.CategoryMotion:
			ls, ok = c.motions.Stats(id)
		}
		if ok {
			s.Channels = append(s.Channels, ls)
		}
	}
	s.PendingFrames, s.PendingInfos = c.sync.Pending()
	return s
}

func mode(async bool) channel.DeliveryMode {
	if async {
		return channel.Async
	}
	return channel.Sync
}
