package channel

import (
	"fmt"

	"stereocam/cache"
	"stereocam/fault"
	"stereocam/stream"
)

// DeliveryMode selects how a channel's callback is invoked.
type DeliveryMode int

const (
	// Sync invokes the callback on the producer's goroutine. Dispatch does
	// not return until the callback does, so a slow callback slows ingestion.
	Sync DeliveryMode = iota
	// Async hands items to a per-channel FIFO served by a single worker.
	Async
)

func (m DeliveryMode) String() string {
	switch m {
	case Sync:
		return "sync"
	case Async:
		return "async"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func (m DeliveryMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

const (
	// DefaultQueueLimit bounds the backlog of an async channel. When the
	// backlog is full the oldest pending item is discarded.
	DefaultQueueLimit = 1024
	// DefaultSoftLimit is the size past which an unbounded cache is
	// reported as a resource fault.
	DefaultSoftLimit = 1 << 16
)

// PairingConfig tunes image info synchronization.
type PairingConfig struct {
	// Window is how many newer frames an unmatched frame or info record may
	// wait for its counterpart before being delivered unpaired.
	Window int
	// Tolerance is the largest accepted timestamp difference, in device
	// microseconds, between a frame and its info record.
	Tolerance uint64
}

// Config is the per-channel configuration applied at enable time.
type Config struct {
	// Capacity is the cache bound: 0 keeps nothing (callback only),
	// cache.Unbounded keeps everything until drained, N keeps the newest N.
	Capacity int
	Delivery DeliveryMode
	// QueueLimit bounds the async backlog. Zero selects DefaultQueueLimit.
	// Only valid with Async delivery.
	QueueLimit int
	// SoftLimit is the unbounded cache size reported as a resource fault.
	// Zero selects DefaultSoftLimit.
	SoftLimit int
	// Pairing enables synchronous image info. Only valid on the image info
	// channel; nil means info is delivered independently of frames.
	Pairing *PairingConfig
}

// Synced reports whether the config enables image info pairing.
func (c Config) Synced() bool {
	return c.Pairing != nil
}

// Validate checks cfg for use on channel id.
func (c Config) Validate(id stream.ChannelID) error {
	const op = "enable"
	if !id.Valid() {
		return fault.Config(op, id, fault.ErrInvalidChannel, "")
	}
	if c.Capacity < cache.Unbounded {
		return fault.Config(op, id, fault.ErrConflictingConfig, fmt.Sprintf("capacity %d", c.Capacity))
	}
	switch c.Delivery {
	case Sync:
		if c.QueueLimit != 0 {
			return fault.Config(op, id, fault.ErrConflictingConfig, "queue limit requires async delivery")
		}
	case Async:
		if c.QueueLimit < 0 {
			return fault.Config(op, id, fault.ErrConflictingConfig, fmt.Sprintf("queue limit %d", c.QueueLimit))
		}
	default:
		return fault.Config(op, id, fault.ErrConflictingConfig, "unknown delivery mode "+c.Delivery.String())
	}
	if c.SoftLimit < 0 {
		return fault.Config(op, id, fault.ErrConflictingConfig, fmt.Sprintf("soft limit %d", c.SoftLimit))
	}
	if c.Pairing != nil {
		if id != stream.ImageInfo {
			return fault.Config(op, id, fault.ErrConflictingConfig, "pairing is only valid for image info")
		}
		if c.Pairing.Window <= 0 {
			return fault.Config(op, id, fault.ErrConflictingConfig, "pairing window must be positive")
		}
	}
	return nil
}

// WithDefaults fills in zero limits the way Registry.Enable does.
func (c Config) WithDefaults() Config {
	if c.Delivery == Async && c.QueueLimit == 0 {
		c.QueueLimit = DefaultQueueLimit
	}
	if c.SoftLimit == 0 {
		c.SoftLimit = DefaultSoftLimit
	}
	if c.Pairing != nil {
		p := *c.Pairing
		c.Pairing = &p
	}
	return c
}

// Equal reports whether c and o configure a channel identically.
func (c Config) Equal(o Config) bool {
	if c.Capacity != o.Capacity || c.Delivery != o.Delivery ||
		c.QueueLimit != o.QueueLimit || c.SoftLimit != o.SoftLimit {
		return false
	}
	if c.Pairing == nil || o.Pairing == nil {
		return c.Pairing == o.Pairing
	}
	return *c.Pairing == *o.Pairing
}
