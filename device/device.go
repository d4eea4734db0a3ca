// Package device defines the boundary between a stereo device's I/O layer and
// the camera core. Sources push decoded payloads into a Sink at the device's
// own cadence.
package device

import (
	"context"

	"stereocam/stream"
)

// RawFrame is one decoded image as delivered by the I/O layer. Data is only
// valid for the duration of the PutFrame call.
type RawFrame struct {
	Type      stream.ImageType
	FrameID   uint32
	Timestamp uint64
	Width     int
	Height    int
	Format    stream.PixelFormat
	Data      []byte
}

type RawInfo struct {
	FrameID      uint32
	Timestamp    uint64
	ExposureTime uint16
}

type RawMotion struct {
	Flag        stream.MotionFlag
	Timestamp   uint64
	Accel       [3]float64
	Gyro        [3]float64
	Temperature float64
}

// Sink accepts payloads from a Source. Put methods must not block the source
// for longer than the synchronous callbacks behind them take.
type Sink interface {
	// WantsFrames reports whether any image stream is enabled. Sources should
	// skip decoding entirely when it is false.
	WantsFrames() bool
	// WantsFrame reports whether frames of type t are consumed.
	WantsFrame(t stream.ImageType) bool

	PutFrame(f RawFrame)
	PutInfo(i RawInfo)
	PutMotion(m RawMotion)
}

// Source is a device I/O layer. Run produces payloads into sink until ctx is
// done or the device fails.
type Source interface {
	Run(ctx context.Context, sink Sink) error
}
