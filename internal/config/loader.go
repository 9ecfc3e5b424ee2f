package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Built-in defaults applied by [LoadFromReader] for fields left empty.
const (
	DefaultListenAddr  = "0.0.0.0:45454"
	DefaultHTTPAddr    = ":8080"
	DefaultReadTimeout = 5 * time.Second
	DefaultPlotTime    = 5.0
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults, and validates
// the result. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills empty fields with built-in defaults.
func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Display.PlotTime == 0 {
		cfg.Display.PlotTime = DefaultPlotTime
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.read_timeout %v must not be negative", cfg.Server.ReadTimeout))
	}

	// Device — the wire-level range checks live in the device package.
	if _, err := cfg.Device.Command().Word(); err != nil {
		errs = append(errs, err)
	}
	if cfg.Device.Go == 0 {
		slog.Warn("device.go is 0; the amplifier will be configured but will not stream data")
	}
	if cfg.Device.HRes == 1 {
		slog.Warn("device.hres selects 24-bit samples; only 16-bit decoding is supported, expect malformed frames")
	}

	// Display
	if cfg.Display.PlotTime < 0 {
		errs = append(errs, fmt.Errorf("display.plot_time %.2f must not be negative", cfg.Display.PlotTime))
	}

	// Calibration — durations are optional; when one is set, both must be.
	cal := cfg.Calibration
	if (cal.RestDuration == 0) != (cal.ContractionDuration == 0) {
		errs = append(errs, errors.New("calibration.rest_duration and calibration.contraction_duration must be set together"))
	}
	if cal.RestDuration < 0 || cal.ContractionDuration < 0 {
		errs = append(errs, errors.New("calibration durations must not be negative"))
	}
	if cal.BaselineMultiplier < 0 {
		errs = append(errs, fmt.Errorf("calibration.baseline_multiplier %.2f must not be negative", cal.BaselineMultiplier))
	}

	// Detection
	det := cfg.Detection
	if det.RateThreshold < 0 {
		errs = append(errs, fmt.Errorf("detection.rate_threshold %.2f must not be negative", det.RateThreshold))
	}
	if det.MinDuration < 0 {
		errs = append(errs, fmt.Errorf("detection.min_duration %.2f must not be negative", det.MinDuration))
	}
	if det.HysteresisFactor < 0 || det.HysteresisFactor >= 1 {
		errs = append(errs, fmt.Errorf("detection.hysteresis_factor %.2f is out of range [0, 1)", det.HysteresisFactor))
	}
	if det.SmoothingWindow < 0 {
		errs = append(errs, fmt.Errorf("detection.smoothing_window %d must not be negative", det.SmoothingWindow))
	}

	// Recording
	if cfg.Recording.MaxSamples < 0 {
		errs = append(errs, fmt.Errorf("recording.max_samples %d must not be negative", cfg.Recording.MaxSamples))
	}

	return errors.Join(errs...)
}
