// Package config provides the configuration schema and YAML loader for the
// emgstream acquisition server.
package config

import (
	"time"

	"github.com/BMEG-457/emgstream/internal/device"
)

// LogLevel controls log verbosity for the emgstream server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for emgstream.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Device      DeviceConfig      `yaml:"device"`
	Display     DisplayConfig     `yaml:"display"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Detection   DetectionConfig   `yaml:"detection"`
	Recording   RecordingConfig   `yaml:"recording"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the amplifier connects to
	// (e.g., "0.0.0.0:45454"). The device initiates the connection; the
	// server accepts it and sends the configuration word.
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr is the address of the HTTP API server serving health,
	// metrics, and the live event feed (e.g., ":8080").
	HTTPAddr string `yaml:"http_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// ReadTimeout bounds a single socket read while streaming. A timeout
	// during an active stream is counted but tolerated. Zero selects the
	// built-in default of 5s.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DeviceConfig holds the amplifier acquisition settings packed into the
// configuration word. Field meanings follow the device protocol; see
// [device.Command] for valid ranges.
type DeviceConfig struct {
	// NCh selects the channel bank (0=8, 1=16, 2=32, 3=64 bio channels).
	NCh uint16 `yaml:"nch"`

	// Mode is the working mode (0=monopolar, 1=bipolar, ...).
	Mode uint16 `yaml:"mode"`

	// FSamp selects the sampling frequency (0=500 Hz, 1=1 kHz, 2=2 kHz, 3=4 kHz).
	FSamp uint16 `yaml:"fsamp"`

	// HRes selects sample resolution (0=16 bit, 1=24 bit).
	HRes uint16 `yaml:"hres"`

	// HPF enables the hardware high pass filter (0=DC coupled, 1=10.5 Hz).
	HPF uint16 `yaml:"hpf"`

	// Exten is the extension factor.
	Exten uint16 `yaml:"exten"`

	// Trig selects the trigger mode (0=GO/STOP, 1=internal, 2=external, 3=button).
	Trig uint16 `yaml:"trig"`

	// Rec controls recording to the device SD card (0=stop, 1=rec).
	Rec uint16 `yaml:"rec"`

	// Go starts (1) or stops (0) data transfer. Normally 1.
	Go uint16 `yaml:"go"`
}

// Command converts the device settings into the wire-level [device.Command].
func (d DeviceConfig) Command() device.Command {
	return device.Command{
		Go:    d.Go,
		Rec:   d.Rec,
		Trig:  d.Trig,
		Exten: d.Exten,
		HPF:   d.HPF,
		HRes:  d.HRes,
		Mode:  d.Mode,
		NCh:   d.NCh,
		FSamp: d.FSamp,
	}
}

// DisplayConfig holds settings for the live track buffers.
type DisplayConfig struct {
	// PlotTime is the rolling window length in seconds held by each track
	// buffer. Zero selects the built-in default of 5s.
	PlotTime float64 `yaml:"plot_time"`
}

// CalibrationConfig holds the two-phase calibration session settings.
type CalibrationConfig struct {
	// RestDuration is the rest phase length in seconds.
	RestDuration int `yaml:"rest_duration"`

	// ContractionDuration is the contraction phase length in seconds.
	ContractionDuration int `yaml:"contraction_duration"`

	// BaselineMultiplier is k in threshold = baseline + k·std.
	// Zero selects the built-in default of 3.
	BaselineMultiplier float64 `yaml:"baseline_multiplier"`
}

// DetectionConfig holds the contraction detector settings.
type DetectionConfig struct {
	// RateThreshold is the RMS rate of change (units/s) marking an onset.
	RateThreshold float64 `yaml:"rate_threshold"`

	// MinDuration is the minimum contraction length in seconds.
	MinDuration float64 `yaml:"min_duration"`

	// SmoothingWindow is the moving-average width over the derivative.
	// Zero selects the detector's default.
	SmoothingWindow int `yaml:"smoothing_window"`

	// HysteresisFactor scales the offset threshold relative to the onset
	// threshold. Must stay in (0, 1). Zero selects the detector's default.
	HysteresisFactor float64 `yaml:"hysteresis_factor"`
}

// RecordingConfig holds settings for the in-memory recording sink.
type RecordingConfig struct {
	// MaxSamples caps the number of samples kept per recording before the
	// recording stops itself. Zero selects the sink's built-in default cap.
	MaxSamples int `yaml:"max_samples"`
}
