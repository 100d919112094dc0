// Package config loads the dronelink YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"dronelink/internal/sim"
)

// MaxHandshakeTimeout keeps a connect request inside the HTTP server's write
// timeout.
const MaxHandshakeTimeout = 25 * time.Second

type Config struct {
	HTTP    HTTPConfig    `yaml:"http"`
	Link    LinkConfig    `yaml:"link"`
	Log     LogConfig     `yaml:"log"`
	Record  RecordConfig  `yaml:"record"`
	Forward ForwardConfig `yaml:"forward"`
	Sim     SimConfig     `yaml:"sim"`
}

type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// LinkConfig holds ground station identity and connect defaults. Port and
// baud are chosen per connect request.
type LinkConfig struct {
	DefaultBaud      int           `yaml:"default_baud"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	SystemID         int           `yaml:"system_id"`
	ComponentID      int           `yaml:"component_id"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	BufferLines int    `yaml:"buffer_lines"`
}

type RecordConfig struct {
	Enable bool   `yaml:"enable"`
	Path   string `yaml:"path"`
}

// ForwardConfig sends each telemetry update as a JSON UDP datagram.
type ForwardConfig struct {
	Enable bool   `yaml:"enable"`
	Dest   string `yaml:"dest"`
}

// SimConfig enables sim://<vehicle> ports.
type SimConfig struct {
	Enable       bool          `yaml:"enable"`
	Vehicle      string        `yaml:"vehicle"`
	SystemID     int           `yaml:"system_id"`
	CenterLatDeg float64       `yaml:"center_lat_deg"`
	CenterLonDeg float64       `yaml:"center_lon_deg"`
	AltM         float64       `yaml:"alt_m"`
	RadiusM      float64       `yaml:"radius_m"`
	Period       time.Duration `yaml:"period"`
	Rate         time.Duration `yaml:"rate"`
}

// Default is the configuration used when no file is given.
func Default() Config {
	cfg, err := finish(Config{})
	if err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		if strings.Contains(err.Error(), "not found in type") {
			return Config{}, fmt.Errorf("config contains unknown fields: %w", err)
		}
		return Config{}, err
	}
	return finish(cfg)
}

// finish applies defaults, then validates.
func finish(cfg Config) (Config, error) {
	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8000"
	}

	if cfg.Link.DefaultBaud == 0 {
		cfg.Link.DefaultBaud = 57600
	}
	if cfg.Link.DefaultBaud < 0 {
		return Config{}, fmt.Errorf("link.default_baud must be > 0")
	}
	if cfg.Link.HandshakeTimeout == 0 {
		cfg.Link.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Link.HandshakeTimeout < 0 {
		return Config{}, fmt.Errorf("link.handshake_timeout must be > 0")
	}
	if cfg.Link.HandshakeTimeout > MaxHandshakeTimeout {
		return Config{}, fmt.Errorf("link.handshake_timeout must be <= %s", MaxHandshakeTimeout)
	}
	if cfg.Link.SystemID == 0 {
		cfg.Link.SystemID = 255
	}
	if cfg.Link.SystemID < 1 || cfg.Link.SystemID > 255 {
		return Config{}, fmt.Errorf("link.system_id must be in [1,255]")
	}
	if cfg.Link.ComponentID == 0 {
		cfg.Link.ComponentID = 190
	}
	if cfg.Link.ComponentID < 1 || cfg.Link.ComponentID > 255 {
		return Config{}, fmt.Errorf("link.component_id must be in [1,255]")
	}
	if cfg.Link.HeartbeatPeriod <= 0 {
		cfg.Link.HeartbeatPeriod = time.Second
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "console"
	}
	if cfg.Log.Format != "console" && cfg.Log.Format != "json" {
		return Config{}, fmt.Errorf("log.format must be console or json")
	}
	if cfg.Log.BufferLines <= 0 {
		cfg.Log.BufferLines = 2000
	}

	if cfg.Record.Enable && cfg.Record.Path == "" {
		return Config{}, fmt.Errorf("record.path is required when record.enable is true")
	}

	if cfg.Forward.Enable && cfg.Forward.Dest == "" {
		return Config{}, fmt.Errorf("forward.dest is required when forward.enable is true")
	}

	// Simulator defaults (safe even if disabled).
	if cfg.Sim.Vehicle == "" {
		cfg.Sim.Vehicle = "copter"
	}
	if !slices.Contains(sim.Kinds(), cfg.Sim.Vehicle) {
		return Config{}, fmt.Errorf("sim.vehicle must be one of %s", strings.Join(sim.Kinds(), ", "))
	}
	if cfg.Sim.SystemID == 0 {
		cfg.Sim.SystemID = 1
	}
	if cfg.Sim.SystemID < 1 || cfg.Sim.SystemID > 255 {
		return Config{}, fmt.Errorf("sim.system_id must be in [1,255]")
	}
	if cfg.Sim.CenterLatDeg == 0 && cfg.Sim.CenterLonDeg == 0 {
		cfg.Sim.CenterLatDeg = 47.397742
		cfg.Sim.CenterLonDeg = 8.545594
	}
	if cfg.Sim.AltM == 0 {
		cfg.Sim.AltM = 488
	}
	if cfg.Sim.RadiusM <= 0 {
		cfg.Sim.RadiusM = 100
	}
	if cfg.Sim.Period <= 0 {
		cfg.Sim.Period = 60 * time.Second
	}
	if cfg.Sim.Rate <= 0 {
		cfg.Sim.Rate = 100 * time.Millisecond
	}

	return cfg, nil
}
