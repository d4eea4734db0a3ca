// Package channel tracks which channels are enabled and how they are
// configured.
package channel

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"stereocam/stream"
)

// Lifecycle is notified of channel transitions. Calls are serialized: no two
// notifications run at the same time, and Disabled for a channel always
// completes before a later Enabled for it starts.
type Lifecycle interface {
	// ChannelEnabled is called after id became enabled with cfg. It is also
	// called when an enabled channel is re-enabled with a new config.
	ChannelEnabled(id stream.ChannelID, cfg Config)
	// ChannelDisabled is called after id was disabled. Implementations drain
	// the channel's cache and release its callback before returning.
	ChannelDisabled(id stream.ChannelID)
}

// Registry is the authoritative record of enabled channels. Reads are cheap
// and safe to call from callbacks. Enable, Disable and Reset must not be
// called from inside a callback of the same camera.
type Registry struct {
	log   *log.Entry
	hooks []Lifecycle

	// ctl serializes state transitions together with their hooks.
	ctl sync.Mutex

	mu      sync.RWMutex
	entries map[stream.ChannelID]Config
	streams atomic.Int32
}

func NewRegistry(entry *log.Entry, hooks ...Lifecycle) *Registry {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Registry{
		log:     entry.WithField("component", "registry"),
		hooks:   hooks,
		entries: make(map[stream.ChannelID]Config),
	}
}

// Enable activates id with cfg, replacing any prior configuration. The
// returned config has defaults filled in.
func (r *Registry) Enable(id stream.ChannelID, cfg Config) (Config, error) {
	if err := cfg.Validate(id); err != nil {
		return Config{}, err
	}
	cfg = cfg.WithDefaults()

	r.ctl.Lock()
	defer r.ctl.Unlock()

	r.mu.Lock()
	_, was := r.entries[id]
	if was {
		// Tear down the old configuration first so cached items and
		// callbacks never mix across enable cycles.
		delete(r.entries, id)
		r.adjustStreams(id, -1)
		r.mu.Unlock()
		for _, h := range r.hooks {
			h.ChannelDisabled(id)
		}
		r.mu.Lock()
	}
	r.entries[id] = cfg
	r.adjustStreams(id, 1)
	r.mu.Unlock()

	for _, h := range r.hooks {
		h.ChannelEnabled(id, cfg)
	}
	r.log.WithFields(log.Fields{
		"channel":  id,
		"capacity": cfg.Capacity,
		"delivery": cfg.Delivery,
		"synced":   cfg.Synced(),
	}).Info("Channel enabled")
	return cfg, nil
}

// Disable deactivates id. It returns false if id was not enabled.
func (r *Registry) Disable(id stream.ChannelID) bool {
	r.ctl.Lock()
	defer r.ctl.Unlock()
	return r.disableLocked(id)
}

func (r *Registry) disableLocked(id stream.ChannelID) bool {
	r.mu.Lock()
	_, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		r.adjustStreams(id, -1)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	for _, h := range r.hooks {
		h.ChannelDisabled(id)
	}
	r.log.WithField("channel", id).Info("Channel disabled")
	return true
}

// Reset disables every channel and returns the ones that were enabled.
func (r *Registry) Reset() []stream.ChannelID {
	r.ctl.Lock()
	defer r.ctl.Unlock()

	ids := r.Enabled()
	for _, id := range ids {
		r.disableLocked(id)
	}
	return ids
}

// IsEnabled reports whether id is currently enabled.
func (r *Registry) IsEnabled(id stream.ChannelID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// GetConfig returns the configuration id was enabled with.
func (r *Registry) GetConfig(id stream.ChannelID) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.entries[id]
	return cfg, ok
}

// HasAnyStreamEnabled reports whether at least one image stream is enabled.
// Producers use it to skip image work entirely.
func (r *Registry) HasAnyStreamEnabled() bool {
	return r.streams.Load() > 0
}

// Enabled lists enabled channels in stream.Channels order.
func (r *Registry) Enabled() []stream.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []stream.ChannelID
	for _, id := range stream.Channels() {
		if _, ok := r.entries[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// adjustStreams must be called with mu held.
func (r *Registry) adjustStreams(id stream.ChannelID, delta int32) {
	if id.Category == stream.CategoryImageStream {
		r.streams.Add(delta)
	}
}
