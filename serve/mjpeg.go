package serve

import (
	"fmt"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"stereocam/camera"
	"stereocam/stream"
)

const boundaryWord = "MJPEGBOUNDARY"
const headerf = "\r\n" +
	"--" + boundaryWord + "\r\n" +
	"Content-Type: image/jpeg\r\n" +
	"Content-Length: %d\r\n" +
	"X-Timestamp: %d\r\n" +
	"\r\n"

// MJPEGServer streams an image channel as multipart JPEG. It samples the
// channel's cache with GetStreamData, so it never competes with the
// channel's callback or drains frames other consumers wait for. The channel
// needs a non-zero capacity.
type MJPEGServer struct {
	Cam      *camera.Camera
	Encoder  Encoder
	Interval time.Duration
	Log      *log.Entry
}

func (s *MJPEGServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, ok := channelParam(r)
	if !ok || id.Category != stream.CategoryImageStream {
		http.Error(w, "missing or invalid image channel", http.StatusBadRequest)
		return
	}
	if !s.Cam.IsEnabled(id) {
		http.Error(w, fmt.Sprintf("%v is not enabled", id), http.StatusNotFound)
		return
	}

	clog := s.Log.WithFields(log.Fields{"addr": r.RemoteAddr, "channel": id})
	clog.Info("MJPEG stream connected")
	defer clog.Info("MJPEG stream disconnected")
	w.Header().Add("Content-Type", "multipart/x-mixed-replace;boundary="+boundaryWord)
	flusher, _ := w.(http.Flusher)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	var (
		frame   []byte
		last    uint32
		started bool
	)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
		if !s.Cam.IsEnabled(id) {
			return
		}
		item, ok := s.Cam.GetStreamData(id.Image)
		if !ok || item.Image == nil || (started && item.FrameID == last) {
			continue
		}
		started, last = true, item.FrameID

		jpeg, err := s.Encoder(item.Image)
		if err != nil {
			clog.Errorf("Error encoding frame %d: %v", item.FrameID, err)
			continue
		}
		header := fmt.Sprintf(headerf, len(jpeg), item.Timestamp)
		if len(frame) < len(jpeg)+len(header) {
			frame = make([]byte, (len(jpeg)+len(header))*2)
		}
		copy(frame, header)
		copy(frame[len(header):], jpeg)
		if _, err := w.Write(frame[:len(header)+len(jpeg)]); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}
