package device

import (
	"context"
	"math"
	"time"

	log "github.com/sirupsen/logrus"

	"stereocam/stream"
)

// Sim is a simulated stereo device. It produces left/right color and depth
// frames, one info record per frame and several motion samples per frame,
// all stamped with a synthetic device clock so its output is reproducible.
type Sim struct {
	// Width and Height are per eye. Defaults are 64x48.
	Width, Height int
	// FrameRate in frames per second. Default 30.
	FrameRate float64
	// MotionPerFrame is how many IMU samples accompany each frame. Default 4.
	MotionPerFrame int
	// Frames stops the device after that many frames. Zero runs until the
	// context is done.
	Frames int
	// DropInfoEvery skips the info record of every Nth frame. Zero never
	// skips.
	DropInfoEvery int
	// Unpaced emits as fast as the sink accepts instead of at FrameRate.
	Unpaced bool

	Log *log.Entry
}

func (s *Sim) defaults() {
	if s.Width <= 0 {
		s.Width = 64
	}
	if s.Height <= 0 {
		s.Height = 48
	}
	if s.FrameRate <= 0 {
		s.FrameRate = 30
	}
	if s.MotionPerFrame <= 0 {
		s.MotionPerFrame = 4
	}
	if s.Log == nil {
		s.Log = log.NewEntry(log.StandardLogger())
	}
}

func (s *Sim) Run(ctx context.Context, sink Sink) error {
	s.defaults()
	period := time.Duration(float64(time.Second) / s.FrameRate)
	periodUs := uint64(period / time.Microsecond)
	lg := s.Log.WithField("component", "sim")
	lg.Infof("Simulated device started: %dx%d @ %.1f fps", s.Width, s.Height, s.FrameRate)

	var tick <-chan time.Time
	if !s.Unpaced {
		t := time.NewTicker(period)
		defer t.Stop()
		tick = t.C
	}

	buffers := make(map[stream.ImageType][]byte)
	for n := 1; s.Frames == 0 || n <= s.Frames; n++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				lg.Info("Simulated device stopped")
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			lg.Info("Simulated device stopped")
			return nil
		}

		id := uint32(n)
		ts := uint64(n) * periodUs
		if sink.WantsFrames() {
			for _, t := range stream.ImageTypes {
				if !sink.WantsFrame(t) {
					continue
				}
				f := s.frame(t, id, ts, buffers[t])
				buffers[t] = f.Data
				sink.PutFrame(f)
			}
		}
		if s.DropInfoEvery == 0 || n%s.DropInfoEvery != 0 {
			sink.PutInfo(RawInfo{FrameID: id, Timestamp: ts, ExposureTime: uint16(100 + n%50)})
		}
		step := periodUs / uint64(s.MotionPerFrame)
		for i := 0; i < s.MotionPerFrame; i++ {
			sink.PutMotion(s.motion(ts + uint64(i)*step))
		}
	}
	lg.Infof("Simulated device finished after %d frames", s.Frames)
	return nil
}

// frame renders a moving gradient into buf, reallocating only when needed.
func (s *Sim) frame(t stream.ImageType, id uint32, ts uint64, buf []byte) RawFrame {
	format := stream.FormatBGR24
	if t == stream.ImageDepth {
		format = stream.FormatDepth16
	}
	size := s.Width * s.Height * format.BytesPerPixel()
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	shift := int(id)
	if t == stream.ImageRightColor {
		shift += 4 // disparity
	}
	for i := range buf {
		buf[i] = byte(i/format.BytesPerPixel()%s.Width + shift)
	}
	return RawFrame{
		Type:      t,
		FrameID:   id,
		Timestamp: ts,
		Width:     s.Width,
		Height:    s.Height,
		Format:    format,
		Data:      buf,
	}
}

func (s *Sim) motion(ts uint64) RawMotion {
	phase := float64(ts) / 1e6
	return RawMotion{
		Flag:        stream.MotionAll,
		Timestamp:   ts,
		Accel:       [3]float64{0.01 * math.Sin(phase), 0.01 * math.Cos(phase), 1},
		Gyro:        [3]float64{math.Sin(2 * phase), 0, -math.Sin(2 * phase)},
		Temperature: 36.5,
	}
}
