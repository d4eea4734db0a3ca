package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stereocam/camera"
	"stereocam/config"
	"stereocam/device"
	"stereocam/device/capture"
	"stereocam/metrics"
	"stereocam/record"
	"stereocam/serve"
)

var (
	configPath = flag.String("config", "stereocam.yaml", "Path to the JSON or YAML configuration file.")
	port       = flag.Int("port", 0, "Port to host the HTTP interface. Overrides http_port from the config file.")
	sim        = flag.Bool("sim", false, "Use the simulated device regardless of the configured source.")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		log.Errorf("Exiting: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		mu  sync.Mutex
		cam *camera.Camera
		rec *record.Recorder
	)
	reload := func(c *config.Config) {
		mu.Lock()
		defer mu.Unlock()
		log.SetLevel(c.Level())
		if cam == nil {
			return
		}
		if err := config.Apply(cam, c); err != nil {
			log.Errorf("Failed to apply configuration: %v", err)
			return
		}
		if rec != nil {
			if err := rec.Attach(cam); err != nil {
				log.Errorf("Failed to attach recorder: %v", err)
			}
		}
		log.Info("Configuration applied")
	}

	cfg, err := config.Load(ctx, *configPath, reload)
	if err != nil {
		return fmt.Errorf("loading %v: %w", *configPath, err)
	}
	log.SetLevel(cfg.Level())
	if *port != 0 {
		cfg.HTTPPort = *port
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}

	m, err := metrics.New(prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	entry := log.NewEntry(log.StandardLogger())

	var src device.Source
	if *sim || cfg.Source == config.SourceSim {
		log.Info("Using simulated device")
		src = &device.Sim{
			Width:          cfg.Width,
			Height:         cfg.Height,
			FrameRate:      cfg.FrameRate,
			MotionPerFrame: cfg.MotionPerFrame,
			Log:            entry.WithField("component", "sim"),
		}
	} else {
		log.Infof("Using capture device %v", cfg.Source)
		src = &capture.Capture{URI: cfg.Source, Log: entry.WithField("component", "capture")}
	}

	mu.Lock()
	cam = camera.New(camera.Options{Source: src, Metrics: m, Log: entry})
	if err := cam.Open(ctx); err != nil {
		mu.Unlock()
		return err
	}
	err = config.Apply(cam, cfg)
	if err == nil && cfg.MySQLDSN != "" {
		rec, err = record.Open(cfg.MySQLDSN, record.Options{Log: entry})
		if err == nil {
			err = rec.Attach(cam)
		}
	}
	mu.Unlock()
	if err != nil {
		cam.Close()
		return err
	}

	web := serve.New(serve.Options{
		Camera:  cam,
		Encoder: capture.EncodeJPEG,
		Log:     entry,
	})
	defer web.Close()
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: web,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Infof("Hosting HTTP interface on port %d", cfg.HTTPPort)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(cam.Wait)
	if rec != nil {
		g.Go(func() error { return rec.Run(gctx) })
	}

	err = g.Wait()
	log.Info("Shutting down")

	mu.Lock()
	defer mu.Unlock()
	if cerr := cam.Close(); err == nil && !errors.Is(cerr, context.Canceled) {
		err = cerr
	}
	if rec != nil {
		rec.Flush()
	}
	return err
}
