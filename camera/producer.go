package camera

import (
	log "github.com/sirupsen/logrus"

	"stereocam/device"
	"stereocam/metrics"
	"stereocam/stream"
)

// producer is the camera's device.Sink. It checks the registry before
// allocating anything, copies payloads out of the device's buffers and routes
// image data through the synchronizer.
type producer struct {
	c *Camera
}

func (p *producer) WantsFrames() bool {
	return p.c.opened.Load() && p.c.registry.HasAnyStreamEnabled()
}

func (p *producer) WantsFrame(t stream.ImageType) bool {
	return p.c.opened.Load() && p.c.registry.IsEnabled(stream.ImageStream(t))
}

func (p *producer) PutFrame(f device.RawFrame) {
	id := stream.ImageStream(f.Type)
	if !f.Type.Valid() {
		p.c.metrics.Dropped(id.String(), metrics.ReasonInvalid)
		return
	}
	if !p.WantsFrame(f.Type) {
		p.c.metrics.Dropped(id.String(), metrics.ReasonDisabled)
		return
	}
	if f.Width <= 0 || f.Height <= 0 || len(f.Data) != f.Width*f.Height*f.Format.BytesPerPixel() {
		p.c.log.WithFields(log.Fields{
			"channel": id, "frame": f.FrameID, "bytes": len(f.Data),
		}).Warnf("Dropping malformed %dx%d %v frame", f.Width, f.Height, f.Format)
		p.c.metrics.Dropped(id.String(), metrics.ReasonInvalid)
		return
	}

	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	p.c.sync.PushFrame(stream.StreamItem{
		Type:      f.Type,
		FrameID:   f.FrameID,
		Timestamp: f.Timestamp,
		Image: &stream.Image{
			Width:  f.Width,
			Height: f.Height,
			Format: f.Format,
			Data:   data,
		},
	})
}

func (p *producer) PutInfo(i device.RawInfo) {
	if !p.c.opened.Load() || !p.c.registry.IsEnabled(stream.ImageInfo) {
		p.c.metrics.Dropped(stream.ImageInfo.String(), metrics.ReasonDisabled)
		return
	}
	p.c.sync.PushInfo(stream.InfoItem{
		FrameID:      i.FrameID,
		Timestamp:    i.Timestamp,
		ExposureTime: i.ExposureTime,
	})
}

func (p *producer) PutMotion(m device.RawMotion) {
	if !p.c.opened.Load() || !p.c.registry.IsEnabled(stream.Motion) {
		p.c.metrics.Dropped(stream.Motion.String(), metrics.ReasonDisabled)
		return
	}
	p.c.motions.Dispatch(stream.Motion, stream.MotionItem{
		Flag:        m.Flag,
		Timestamp:   m.Timestamp,
		Accel:       m.Accel,
		Gyro:        m.Gyro,
		Temperature: m.Temperature,
	})
}

// router hands synchronizer output to the dispatchers.
type router struct {
	c *Camera
}

func (r router) Stream(item stream.StreamItem) {
	r.c.streams.Dispatch(stream.ImageStream(item.Type), item)
}

func (r router) Info(item stream.InfoItem) {
	r.c.infos.Dispatch(stream.ImageInfo, item)
}
