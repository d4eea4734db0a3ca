package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"stereocam/camera"
	"stereocam/stream"
)

// LatestServer returns the newest cached item of a channel without draining
// it. Image frames are served raw by default, as JPEG with format=jpeg, or as
// JSON with format=json. Info and motion items are always JSON.
type LatestServer struct {
	Cam     *camera.Camera
	Encoder Encoder
}

func (s *LatestServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, ok := channelParam(r)
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown channel %q", r.Form.Get("channel")), http.StatusBadRequest)
		return
	}
	item, ok := s.Cam.Latest(id)
	if !ok {
		http.Error(w, fmt.Sprintf("No data cached for %v", id), http.StatusNotFound)
		return
	}

	if frame, isFrame := item.(stream.StreamItem); isFrame && frame.Image != nil {
		switch r.Form.Get("format") {
		case "", "raw":
			writeFrameHeaders(w, frame)
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Write(frame.Image.Data)
			return
		case "jpeg":
			if s.Encoder == nil {
				http.Error(w, "JPEG encoding not available", http.StatusNotImplemented)
				return
			}
			jpeg, err := s.Encoder(frame.Image)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			writeFrameHeaders(w, frame)
			w.Header().Set("Content-Type", "image/jpeg")
			w.Write(jpeg)
			return
		}
	}

	js, err := json.Marshal(item)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

func writeFrameHeaders(w http.ResponseWriter, f stream.StreamItem) {
	h := w.Header()
	h.Set("X-Frame-Id", strconv.FormatUint(uint64(f.FrameID), 10))
	h.Set("X-Timestamp", strconv.FormatUint(f.Timestamp, 10))
	h.Set("X-Width", strconv.Itoa(f.Image.Width))
	h.Set("X-Height", strconv.Itoa(f.Image.Height))
	h.Set("X-Pixel-Format", f.Image.Format.String())
	if f.Info != nil {
		h.Set("X-Exposure-Time", strconv.Itoa(int(f.Info.ExposureTime)))
	}
}
