package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"stereocam/cache"
	"stereocam/channel"
	"stereocam/stream"
)

// SourceSim selects the simulated device.
const SourceSim = "sim"

type StreamConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled"`
	Capacity   int  `json:"capacity" yaml:"capacity"`
	Async      bool `json:"async" yaml:"async"`
	QueueLimit int  `json:"queue_limit" yaml:"queue_limit"`
}

type InfoConfig struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Capacity int  `json:"capacity" yaml:"capacity"`
	Async    bool `json:"async" yaml:"async"`
	// Sync pairs info records with frames.
	Sync bool `json:"sync" yaml:"sync"`
	// Window and ToleranceUs tune pairing. Window defaults to 4 frames.
	Window      int    `json:"window" yaml:"window"`
	ToleranceUs uint64 `json:"tolerance_us" yaml:"tolerance_us"`
}

type MotionConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Capacity -1 keeps every sample until drained.
	Capacity   int  `json:"capacity" yaml:"capacity"`
	Async      bool `json:"async" yaml:"async"`
	QueueLimit int  `json:"queue_limit" yaml:"queue_limit"`
	SoftLimit  int  `json:"soft_limit" yaml:"soft_limit"`
}

type Config struct {
	// Source is "sim" or an OpenCV capture URI.
	Source         string  `json:"source" yaml:"source"`
	FrameRate      float64 `json:"frame_rate" yaml:"frame_rate"`
	MotionPerFrame int     `json:"motion_per_frame" yaml:"motion_per_frame"`
	Width          int     `json:"width" yaml:"width"`
	Height         int     `json:"height" yaml:"height"`

	HTTPPort int    `json:"http_port" yaml:"http_port"`
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Streams is keyed by image type name: left_color, right_color, depth.
	Streams map[string]StreamConfig `json:"streams" yaml:"streams"`
	Info    InfoConfig              `json:"info" yaml:"info"`
	Motion  MotionConfig            `json:"motion" yaml:"motion"`

	// MySQLDSN enables the motion and info recorder.
	MySQLDSN string `json:"mysql_dsn" yaml:"mysql_dsn"`
}

const defaultWindow = 4

// Parse decodes data as YAML when format is "yaml" or "yml" and as JSON
// otherwise.
func Parse(data []byte, format string) (*Config, error) {
	var c Config
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("parse json config: %w", err)
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func formatOf(path string) string {
	return strings.TrimPrefix(filepath.Ext(path), ".")
}

func (c *Config) Validate() error {
	if c.LogLevel != "" {
		if _, err := log.ParseLevel(c.LogLevel); err != nil {
			return err
		}
	}
	_, err := c.Channels()
	return err
}

// Level returns the configured log level, Info by default.
func (c *Config) Level() log.Level {
	lvl, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func delivery(async bool) channel.DeliveryMode {
	if async {
		return channel.Async
	}
	return channel.Sync
}

// Channels returns the channels the file enables with their configuration.
// Every config is validated.
func (c *Config) Channels() (map[stream.ChannelID]channel.Config, error) {
	out := make(map[stream.ChannelID]channel.Config)
	for name, sc := range c.Streams {
		t, ok := stream.ParseImageType(name)
		if !ok {
			return nil, fmt.Errorf("unknown stream %q", name)
		}
		if !sc.Enabled {
			continue
		}
		cfg := channel.Config{Capacity: sc.Capacity, Delivery: delivery(sc.Async)}
		if sc.Async {
			cfg.QueueLimit = sc.QueueLimit
		}
		out[stream.ImageStream(t)] = cfg
	}
	if c.Info.Enabled {
		cfg := channel.Config{Capacity: c.Info.Capacity, Delivery: delivery(c.Info.Async)}
		if c.Info.Sync {
			w := c.Info.Window
			if w == 0 {
				w = defaultWindow
			}
			cfg.Pairing = &channel.PairingConfig{Window: w, Tolerance: c.Info.ToleranceUs}
		}
		out[stream.ImageInfo] = cfg
	}
	if c.Motion.Enabled {
		capacity := c.Motion.Capacity
		if capacity < 0 {
			capacity = cache.Unbounded
		}
		cfg := channel.Config{Capacity: capacity, Delivery: delivery(c.Motion.Async), SoftLimit: c.Motion.SoftLimit}
		if c.Motion.Async {
			cfg.QueueLimit = c.Motion.QueueLimit
		}
		out[stream.Motion] = cfg
	}
	for id, cfg := range out {
		if err := cfg.Validate(id); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Target is the part of a camera that Apply reconfigures.
type Target interface {
	Enable(id stream.ChannelID, cfg channel.Config) error
	Disable(id stream.ChannelID) error
	GetConfig(id stream.ChannelID) (channel.Config, bool)
}

// Apply makes the enabled channels of t match c. Channels whose effective
// configuration is unchanged are left alone so their caches and callbacks
// survive a reload.
func Apply(t Target, c *Config) error {
	want, err := c.Channels()
	if err != nil {
		return err
	}
	for _, id := range stream.Channels() {
		cfg, enable := want[id]
		have, enabled := t.GetConfig(id)
		switch {
		case enable && enabled && have.Equal(cfg.WithDefaults()):
		case enable:
			if err := t.Enable(id, cfg); err != nil {
				return err
			}
		case enabled:
			if err := t.Disable(id); err != nil {
				return err
			}
		}
	}
	return nil
}
