// Package serve exposes a camera over HTTP: prometheus metrics, channel
// status and control, pull access to cached items, a live MJPEG view of image
// streams and a websocket of runtime faults.
package serve

import (
	"io"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"stereocam/camera"
	"stereocam/stream"
)

// Encoder renders an image as JPEG.
type Encoder func(img *stream.Image) ([]byte, error)

type Options struct {
	Camera *camera.Camera
	// Gatherer backs /metrics. Defaults to the prometheus default registry.
	Gatherer prometheus.Gatherer
	// Encoder enables JPEG output on /latest and /mjpeg.
	Encoder Encoder
	// MJPEGInterval is how often /mjpeg looks for a new frame. Default 50ms.
	MJPEGInterval time.Duration
	Log           *log.Entry
}

type Server struct {
	handler   http.Handler
	accessLog *io.PipeWriter
}

func New(opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	if opts.MJPEGInterval <= 0 {
		opts.MJPEGInterval = 50 * time.Millisecond
	}
	if opts.Log == nil {
		opts.Log = log.NewEntry(log.StandardLogger())
	}
	lg := opts.Log.WithField("component", "http")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/channels", &StatusServer{Cam: opts.Camera})
	mux.Handle("/latest", &LatestServer{Cam: opts.Camera, Encoder: opts.Encoder})
	mux.Handle("/faults", NewFaultStream(opts.Camera.Faults(), lg))
	if opts.Encoder != nil {
		mux.Handle("/mjpeg", &MJPEGServer{
			Cam:      opts.Camera,
			Encoder:  opts.Encoder,
			Interval: opts.MJPEGInterval,
			Log:      lg,
		})
	}

	access := lg.WriterLevel(log.DebugLevel)
	h := handlers.CombinedLoggingHandler(access, mux)
	h = handlers.CORS(handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost}))(h)
	return &Server{handler: h, accessLog: access}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close releases the access log writer.
func (s *Server) Close() error {
	return s.accessLog.Close()
}

func channelParam(r *http.Request) (stream.ChannelID, bool) {
	return stream.ParseChannelID(r.Form.Get("channel"))
}
