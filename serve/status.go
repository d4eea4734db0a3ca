package serve

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"stereocam/camera"
	"stereocam/channel"
	"stereocam/fault"
)

// StatusServer reports the camera's channels on GET and changes them on POST.
//
// POST form fields: channel (e.g. "stream/depth", "info", "motion"), action
// ("enable" or "disable") and, for enable, capacity, async, queue_limit,
// soft_limit, window and tolerance_us. A positive window enables image info
// pairing.
type StatusServer struct {
	Cam *camera.Camera
}

func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		if err := s.control(r); err != nil {
			status := http.StatusInternalServerError
			if fault.IsConfig(err) || isFormError(err) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
	default:
		http.Error(w, "Invalid request method", http.StatusMethodNotAllowed)
		return
	}

	js, err := json.Marshal(s.Cam.Stats())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(js)
}

type formError struct{ msg string }

func (e formError) Error() string { return e.msg }

func isFormError(err error) bool {
	_, ok := err.(formError)
	return ok
}

func (s *StatusServer) control(r *http.Request) error {
	id, ok := channelParam(r)
	if !ok {
		return formError{fmt.Sprintf("unknown channel %q", r.Form.Get("channel"))}
	}
	switch action := r.Form.Get("action"); action {
	case "disable":
		return s.Cam.Disable(id)
	case "enable":
		cfg, err := configFromForm(r)
		if err != nil {
			return err
		}
		return s.Cam.Enable(id, cfg)
	default:
		return formError{fmt.Sprintf("unknown action %q", action)}
	}
}

func configFromForm(r *http.Request) (channel.Config, error) {
	var cfg channel.Config
	ints := []struct {
		name string
		dst  *int
	}{
		{"capacity", &cfg.Capacity},
		{"queue_limit", &cfg.QueueLimit},
		{"soft_limit", &cfg.SoftLimit},
	}
	for _, f := range ints {
		if v := r.Form.Get(f.name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return cfg, formError{fmt.Sprintf("%s: %v", f.name, err)}
			}
			*f.dst = n
		}
	}
	if v := r.Form.Get("async"); v != "" {
		async, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, formError{fmt.Sprintf("async: %v", err)}
		}
		if async {
			cfg.Delivery = channel.Async
		}
	}
	if v := r.Form.Get("window"); v != "" {
		window, err := strconv.Atoi(v)
		if err != nil {
			return cfg, formError{fmt.Sprintf("window: %v", err)}
		}
		var tolerance uint64
		if t := r.Form.Get("tolerance_us"); t != "" {
			if tolerance, err = strconv.ParseUint(t, 10, 64); err != nil {
				return cfg, formError{fmt.Sprintf("tolerance_us: %v", err)}
			}
		}
		if window > 0 {
			cfg.Pairing = &channel.PairingConfig{Window: window, Tolerance: tolerance}
		}
	}
	return cfg, nil
}
