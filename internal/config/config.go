// Package config loads and validates the YAML run configuration. Validation
// is fail-fast: a config that passes Validate will not surprise the engine
// at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visiona/multicam/internal/backend"
	"github.com/visiona/multicam/internal/capture"
	"github.com/visiona/multicam/internal/engine"
	"github.com/visiona/multicam/internal/source"
)

// SourceConfig is one camera entry.
type SourceConfig struct {
	Name string `yaml:"name"`
	URL  string `yaml:"url"`
}

// Config is the full run configuration.
type Config struct {
	Backend  string `yaml:"backend"`
	Strategy string `yaml:"strategy"`

	DurationS int     `yaml:"duration_s"`
	Width     int     `yaml:"width"`
	Height    int     `yaml:"height"`
	TargetFPS float64 `yaml:"target_fps"`

	ConnectAttempts int `yaml:"connect_attempts"`
	RetryIntervalMS int `yaml:"retry_interval_ms"`
	ReadTimeoutMS   int `yaml:"read_timeout_ms"`
	TimeoutBudget   int `yaml:"timeout_budget"`
	PollIntervalMS  int `yaml:"poll_interval_ms"`

	MetricsAddr string `yaml:"metrics_addr"`
	Debug       bool   `yaml:"debug"`

	Sources []SourceConfig `yaml:"sources"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Backend:         "gst",
		Strategy:        string(engine.Threads),
		DurationS:       30,
		Width:           1280,
		Height:          720,
		TargetFPS:       25,
		ConnectAttempts: 5,
		RetryIntervalMS: 2000,
		ReadTimeoutMS:   2000,
		TimeoutBudget:   3,
		PollIntervalMS:  10,
	}
}

// Load reads, parses, fills defaults and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes raw YAML into a validated Config.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every field the engine depends on.
func (c Config) Validate() error {
	if _, err := engine.ParseStrategy(c.Strategy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	switch c.Backend {
	case "gst", "ffmpeg", "synthetic":
	default:
		return fmt.Errorf("config: unknown backend %q (want gst, ffmpeg or synthetic)", c.Backend)
	}
	if c.DurationS < 0 {
		return fmt.Errorf("config: duration_s must be >= 0, got %d", c.DurationS)
	}
	if c.Width <= 0 || c.Height <= 0 {
		return fmt.Errorf("config: invalid frame size %dx%d", c.Width, c.Height)
	}
	if c.TargetFPS <= 0 {
		return fmt.Errorf("config: target_fps must be > 0, got %.2f", c.TargetFPS)
	}
	if c.ConnectAttempts < 1 {
		return fmt.Errorf("config: connect_attempts must be >= 1, got %d", c.ConnectAttempts)
	}
	if c.RetryIntervalMS < 0 || c.ReadTimeoutMS <= 0 || c.PollIntervalMS <= 0 {
		return fmt.Errorf("config: intervals must be positive (retry_interval_ms=%d read_timeout_ms=%d poll_interval_ms=%d)",
			c.RetryIntervalMS, c.ReadTimeoutMS, c.PollIntervalMS)
	}
	if c.TimeoutBudget < 1 {
		return fmt.Errorf("config: timeout_budget must be >= 1, got %d", c.TimeoutBudget)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source is required")
	}
	names := make(map[string]struct{}, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: source %d has no name", i)
		}
		if s.URL == "" {
			return fmt.Errorf("config: source %q has no url", s.Name)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("config: duplicate source name %q", s.Name)
		}
		names[s.Name] = struct{}{}
	}
	return nil
}

// Duration returns the configured run length; zero means unbounded.
func (c Config) Duration() time.Duration {
	return time.Duration(c.DurationS) * time.Second
}

// CaptureConfig maps the file fields onto the capture loop tunables.
func (c Config) CaptureConfig() capture.Config {
	return capture.Config{
		MaxAttempts:   c.ConnectAttempts,
		RetryInterval: time.Duration(c.RetryIntervalMS) * time.Millisecond,
		PullTimeout:   time.Duration(c.ReadTimeoutMS) * time.Millisecond,
		TimeoutBudget: c.TimeoutBudget,
	}
}

// PollInterval returns the consumer polling cadence.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// BackendOptions maps the file fields onto the backend options.
func (c Config) BackendOptions() backend.Options {
	return backend.Options{Width: c.Width, Height: c.Height, TargetFPS: c.TargetFPS}
}

// SourceList converts the source entries for the engine.
func (c Config) SourceList() []source.Source {
	out := make([]source.Source, len(c.Sources))
	for i, s := range c.Sources {
		out[i] = source.Source{Name: s.Name, URI: s.URL}
	}
	return out
}
