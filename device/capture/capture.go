// Package capture reads a side-by-side stereo camera through OpenCV.
package capture

import (
	"context"
	"fmt"
	"image"
	"time"

	log "github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"stereocam/device"
	"stereocam/stream"
)

// Capture is a device.Source backed by gocv.VideoCapture. Each captured frame
// holds both eyes side by side: the left half is the left image.
type Capture struct {
	// URI is a device index ("0") or anything OpenCV can open.
	URI string
	// ReadRetry is the pause after a failed read. Default 5ms.
	ReadRetry time.Duration
	// MaxFailures ends Run after that many consecutive failed reads. Zero
	// retries forever.
	MaxFailures int

	Log *log.Entry
}

func (c *Capture) Run(ctx context.Context, sink device.Sink) error {
	if c.ReadRetry <= 0 {
		c.ReadRetry = 5 * time.Millisecond
	}
	lg := c.Log
	if lg == nil {
		lg = log.NewEntry(log.StandardLogger())
	}
	lg = lg.WithFields(log.Fields{"component": "capture", "uri": c.URI})

	vc, err := gocv.OpenVideoCapture(c.URI)
	if err != nil {
		return fmt.Errorf("open video capture %q: %w", c.URI, err)
	}
	defer vc.Close()
	lg.Infof("Opened video capture %vx%v", vc.Get(gocv.VideoCaptureFrameWidth), vc.Get(gocv.VideoCaptureFrameHeight))

	mat := gocv.NewMat()
	defer mat.Close()

	start := time.Now()
	failures := 0
	var id uint32
	for {
		if ctx.Err() != nil {
			lg.Info("Video capture stopped")
			return nil
		}
		if ok := vc.Read(&mat); !ok || mat.Empty() {
			failures++
			if c.MaxFailures > 0 && failures >= c.MaxFailures {
				return fmt.Errorf("video capture %q: %d consecutive read failures", c.URI, failures)
			}
			lg.Debug("Read failure")
			time.Sleep(c.ReadRetry)
			continue
		}
		failures = 0
		id++
		ts := uint64(time.Since(start) / time.Microsecond)

		if sink.WantsFrames() {
			if err := emitEyes(sink, mat, id, ts); err != nil {
				lg.Warnf("Dropping frame %d: %v", id, err)
			}
		}
		sink.PutInfo(device.RawInfo{
			FrameID:      id,
			Timestamp:    ts,
			ExposureTime: uint16(vc.Get(gocv.VideoCaptureExposure)),
		})
	}
}

// emitEyes splits a side-by-side frame into its left and right images.
func emitEyes(sink device.Sink, mat gocv.Mat, id uint32, ts uint64) error {
	w, h := mat.Cols(), mat.Rows()
	if w < 2 {
		return fmt.Errorf("frame too narrow: %dx%d", w, h)
	}
	eyes := []struct {
		t    stream.ImageType
		rect image.Rectangle
	}{
		{stream.ImageLeftColor, image.Rect(0, 0, w/2, h)},
		{stream.ImageRightColor, image.Rect(w/2, 0, w/2*2, h)},
	}
	for _, eye := range eyes {
		if !sink.WantsFrame(eye.t) {
			continue
		}
		region := mat.Region(eye.rect)
		img, err := FromMat(region)
		region.Close()
		if err != nil {
			return err
		}
		sink.PutFrame(device.RawFrame{
			Type:      eye.t,
			FrameID:   id,
			Timestamp: ts,
			Width:     img.Width,
			Height:    img.Height,
			Format:    img.Format,
			Data:      img.Data,
		})
	}
	return nil
}
