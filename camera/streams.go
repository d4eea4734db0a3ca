package camera

import (
	"stereocam/cache"
	"stereocam/channel"
	"stereocam/fault"
	"stereocam/stream"
)

const (
	// DefaultStreamCapacity is how many frames per image type
	// DefaultStreamConfig keeps for GetStreamDatas.
	DefaultStreamCapacity = 4
	// DefaultInfoCapacity is how many info records EnableImageInfo keeps
	// for GetImageInfos.
	DefaultInfoCapacity = 64

	// DefaultPairingWindow is the pairing window EnableImageInfo(true)
	// uses: a frame or info record waits for at most this many newer
	// frame ids. Use EnableImageInfoWith to tune it.
	DefaultPairingWindow = 4
)

// DefaultStreamConfig keeps the newest DefaultStreamCapacity frames and
// delivers callbacks synchronously.
func DefaultStreamConfig() channel.Config {
	return channel.Config{Capacity: DefaultStreamCapacity}
}

// Image streams.

func (c *Camera) EnableStreamData(t stream.ImageType, cfg channel.Config) error {
	return c.Enable(stream.ImageStream(t), cfg)
}

func (c *Camera) DisableStreamData(t stream.ImageType) error {
	return c.Disable(stream.ImageStream(t))
}

func (c *Camera) IsStreamDataEnabled(t stream.ImageType) bool {
	return c.registry.IsEnabled(stream.ImageStream(t))
}

// HasStreamDataEnabled reports whether any image stream is enabled.
func (c *Camera) HasStreamDataEnabled() bool {
	return c.registry.HasAnyStreamEnabled()
}

// GetStreamData returns the newest cached frame of type t without removing
// it.
func (c *Camera) GetStreamData(t stream.ImageType) (stream.StreamItem, bool) {
	return c.streams.Latest(stream.ImageStream(t))
}

// GetStreamDatas drains the cached frames of type t, oldest first.
func (c *Camera) GetStreamDatas(t stream.ImageType) []stream.StreamItem {
	return c.streams.Drain(stream.ImageStream(t))
}

// SetStreamCallback replaces the callback of image stream t. A nil cb
// removes it. The stream must be enabled.
func (c *Camera) SetStreamCallback(t stream.ImageType, cb func(stream.StreamItem), async bool) error {
	return c.streams.SetCallback(stream.ImageStream(t), cb, mode(async))
}

// Image info.

// EnableImageInfo enables the image info channel. With sync, frames are
// held until their info record arrives and carry it in StreamItem.Info,
// using DefaultPairingWindow. Info records are observable through the info
// callback and GetImageInfos either way.
func (c *Camera) EnableImageInfo(sync bool) error {
	cfg := channel.Config{Capacity: DefaultInfoCapacity}
	if sync {
		cfg.Pairing = &channel.PairingConfig{Window: DefaultPairingWindow}
	}
	return c.EnableImageInfoWith(cfg)
}

// EnableImageInfoWith enables the image info channel with an explicit
// configuration.
func (c *Camera) EnableImageInfoWith(cfg channel.Config) error {
	return c.Enable(stream.ImageInfo, cfg)
}

func (c *Camera) DisableImageInfo() error {
	return c.Disable(stream.ImageInfo)
}

func (c *Camera) IsImageInfoEnabled() bool {
	return c.registry.IsEnabled(stream.ImageInfo)
}

// IsImageInfoSynced reports whether image info is enabled with pairing.
func (c *Camera) IsImageInfoSynced() bool {
	cfg, ok := c.registry.GetConfig(stream.ImageInfo)
	return ok && cfg.Synced()
}

func (c *Camera) SetImgInfoCallback(cb func(stream.InfoItem), async bool) error {
	return c.infos.SetCallback(stream.ImageInfo, cb, mode(async))
}

// GetImageInfos drains the cached info records, oldest first.
func (c *Camera) GetImageInfos() []stream.InfoItem {
	return c.infos.Drain(stream.ImageInfo)
}

// Motion.

// EnableMotionDatas enables the motion channel. maxSize bounds the cache:
// 0 keeps nothing (callback only), a negative value keeps every sample until
// GetMotionDatas drains them.
func (c *Camera) EnableMotionDatas(maxSize int) error {
	if maxSize < 0 {
		maxSize = cache.Unbounded
	}
	return c.Enable(stream.Motion, channel.Config{Capacity: maxSize})
}

// EnableMotionDatasWith enables the motion channel with an explicit
// configuration.
func (c *Camera) EnableMotionDatasWith(cfg channel.Config) error {
	return c.Enable(stream.Motion, cfg)
}

func (c *Camera) DisableMotionDatas() error {
	return c.Disable(stream.Motion)
}

func (c *Camera) IsMotionDatasEnabled() bool {
	return c.registry.IsEnabled(stream.Motion)
}

// GetMotionDatas drains the cached samples, oldest first.
func (c *Camera) GetMotionDatas() []stream.MotionItem {
	return c.motions.Drain(stream.Motion)
}

// GetMotionData returns the newest cached sample without removing it.
func (c *Camera) GetMotionData() (stream.MotionItem, bool) {
	return c.motions.Latest(stream.Motion)
}

func (c *Camera) SetMotionCallback(cb func(stream.MotionItem), async bool) error {
	return c.motions.SetCallback(stream.Motion, cb, mode(async))
}

// Latest returns the newest cached item of any channel. The item is a
// stream.StreamItem, stream.InfoItem or stream.MotionItem.
func (c *Camera) Latest(id stream.ChannelID) (any, bool) {
	switch id.Category {
	case stream.CategoryImageStream:
		return boxed(c.streams.Latest(id))
	case stream.CategoryImageInfo:
		return boxed(c.infos.Latest(id))
	case stream.CategoryMotion:
		return boxed(c.motions.Latest(id))
	}
	return nil, false
}

func boxed[T any](item T, ok bool) (any, bool) {
	if !ok {
		return nil, false
	}
	return item, true
}

// Drain empties the cache of any channel. See Latest for the item types.
func (c *Camera) Drain(id stream.ChannelID) ([]any, error) {
	if !id.Valid() {
		return nil, fault.Config("drain", id, fault.ErrInvalidChannel, "")
	}
	switch id.Category {
	case stream.CategoryImageStream:
		return boxAll(c.streams.Drain(id)), nil
	case stream.CategoryImageInfo:
		return boxAll(c.infos.Drain(id)), nil
	default:
		return boxAll(c.motions.Drain(id)), nil
	}
}

func boxAll[T any](items []T) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = item
	}
	return out
}
