// Package calib implements the two-phase EMG calibration session: a rest
// phase establishing per-channel baseline statistics, a contraction phase
// establishing per-channel maximum voluntary contraction (MVC), and a
// computation step that derives activation thresholds and spatially repairs
// saturated channels over the electrode grid.
//
// The engine consumes per-channel RMS vectors derived from the "filtered"
// pipeline branch. A session that collects no data in either phase fails as a
// whole — no partial result is ever returned — and must be restarted from
// scratch.
package calib

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/pipeline"
	"github.com/BMEG-457/emgstream/pkg/emg"
)

// DefaultBaselineMultiplier is the k in threshold = baseline + k·std.
const DefaultBaselineMultiplier = 3.0

// Phase is the calibration state machine state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRest
	PhaseContraction
	PhaseComputing
	PhaseDone
	PhaseFailed
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseRest:
		return "rest"
	case PhaseContraction:
		return "contraction"
	case PhaseComputing:
		return "computing"
	case PhaseDone:
		return "done"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInsufficientData is returned when a phase finished without collecting a
// single RMS vector, typically because no frames arrived while it ran.
var ErrInsufficientData = errors.New("calib: insufficient data collected")

// Result holds the per-channel calibration output. All slices have the active
// channel count as length.
type Result struct {
	// ID identifies the calibration session that produced this result.
	ID uuid.UUID `json:"id"`

	// Baseline is the mean rest-phase RMS per channel.
	Baseline []float64 `json:"baseline"`

	// Threshold is the activation threshold per channel
	// (baseline + k·std of rest RMS).
	Threshold []float64 `json:"threshold"`

	// MVC is the maximum voluntary contraction reference per channel.
	MVC []float64 `json:"mvc"`
}

// Config configures a calibration session.
type Config struct {
	// RestDuration is the rest phase length in seconds.
	RestDuration int

	// ContractionDuration is the contraction phase length in seconds.
	ContractionDuration int

	// BaselineMultiplier is k in threshold = baseline + k·std.
	// Zero selects [DefaultBaselineMultiplier].
	BaselineMultiplier float64
}

// Engine runs one calibration session. An engine is single-use: after it
// reaches Done or Failed, create a new one for the next attempt. Collect and
// Tick are driven from a single goroutine (Run does this internally).
type Engine struct {
	id          uuid.UUID
	cfg         Config
	phase       Phase
	remaining   int
	rest        [][]float64 // per-tick per-channel RMS
	contraction [][]float64
}

// NewEngine creates an idle calibration engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.RestDuration <= 0 {
		return nil, fmt.Errorf("calib: rest duration must be positive, got %d", cfg.RestDuration)
	}
	if cfg.ContractionDuration <= 0 {
		return nil, fmt.Errorf("calib: contraction duration must be positive, got %d", cfg.ContractionDuration)
	}
	if cfg.BaselineMultiplier == 0 {
		cfg.BaselineMultiplier = DefaultBaselineMultiplier
	}
	if cfg.BaselineMultiplier < 0 {
		return nil, fmt.Errorf("calib: baseline multiplier must be positive, got %v", cfg.BaselineMultiplier)
	}
	return &Engine{id: uuid.New(), cfg: cfg, phase: PhaseIdle}, nil
}

// ID returns the session identifier.
func (e *Engine) ID() uuid.UUID { return e.id }

// Phase returns the current state.
func (e *Engine) Phase() Phase { return e.phase }

// Remaining returns the seconds left in the current phase.
func (e *Engine) Remaining() int { return e.remaining }

// Start moves the engine from Idle into the rest phase.
func (e *Engine) Start() error {
	if e.phase != PhaseIdle {
		return fmt.Errorf("calib: cannot start from phase %s", e.phase)
	}
	e.phase = PhaseRest
	e.remaining = e.cfg.RestDuration
	return nil
}

// Collect records one filtered-branch frame: the per-channel RMS over
// non-saturated samples is appended to the active phase's series. Outside the
// rest and contraction phases the frame is ignored.
func (e *Engine) Collect(m *emg.Matrix) {
	switch e.phase {
	case PhaseRest:
		e.rest = append(e.rest, emg.RMSMasked(m))
	case PhaseContraction:
		e.contraction = append(e.contraction, emg.RMSMasked(m))
	}
}

// Tick advances the 1 Hz countdown. When the remaining time goes negative the
// engine moves to the next phase: rest to contraction, contraction to
// computing. Tick does not compute the result; call [Engine.Compute] when the
// phase reaches Computing.
func (e *Engine) Tick() Phase {
	switch e.phase {
	case PhaseRest, PhaseContraction:
		e.remaining--
		if e.remaining < 0 {
			if e.phase == PhaseRest {
				e.phase = PhaseContraction
				e.remaining = e.cfg.ContractionDuration
			} else {
				e.phase = PhaseComputing
			}
		}
	}
	return e.phase
}

// Compute derives the calibration result from the collected phases. If either
// phase collected nothing the session fails, all partial data is discarded,
// and [ErrInsufficientData] is returned; the caller must start over with a
// fresh engine.
func (e *Engine) Compute() (*Result, error) {
	if e.phase != PhaseComputing {
		return nil, fmt.Errorf("calib: cannot compute from phase %s", e.phase)
	}
	if len(e.rest) == 0 || len(e.contraction) == 0 {
		e.fail()
		return nil, ErrInsufficientData
	}

	channels := len(e.rest[0])
	res := &Result{
		ID:        e.id,
		Baseline:  make([]float64, channels),
		Threshold: make([]float64, channels),
		MVC:       make([]float64, channels),
	}

	for ch := 0; ch < channels; ch++ {
		restSeries := column(e.rest, ch)
		mean := emg.Mean(restSeries)
		res.Baseline[ch] = mean
		res.Threshold[ch] = mean + e.cfg.BaselineMultiplier*emg.Std(restSeries)

		// MVC: 99th percentile of the non-saturated contraction readings —
		// more robust to single-sample spikes than a plain max. A channel
		// with no usable readings gets the 0 sentinel and is repaired
		// spatially below.
		var survivors []float64
		for _, v := range column(e.contraction, ch) {
			if !emg.Saturated(v) {
				survivors = append(survivors, v)
			}
		}
		if len(survivors) > 0 {
			res.MVC[ch] = emg.Percentile(survivors, 99)
		}
	}

	RepairGrid(res.MVC)

	e.phase = PhaseDone
	e.rest, e.contraction = nil, nil
	return res, nil
}

// Cancel discards the session immediately. No partial result survives.
func (e *Engine) Cancel() {
	e.fail()
}

func (e *Engine) fail() {
	e.phase = PhaseFailed
	e.rest, e.contraction = nil, nil
}

// Run drives a full calibration session off a live event stream: it starts
// the rest phase, collects filtered-branch frames, ticks once per second, and
// computes the result when the contraction phase ends. Cancelling ctx
// discards the session.
func (e *Engine) Run(ctx context.Context, events <-chan bus.Event) (*Result, error) {
	if err := e.Start(); err != nil {
		return nil, err
	}
	slog.Info("calibration started",
		"session", e.id,
		"rest_s", e.cfg.RestDuration,
		"contraction_s", e.cfg.ContractionDuration,
	)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.Cancel()
			slog.Info("calibration cancelled", "session", e.id)
			return nil, ctx.Err()

		case ev, ok := <-events:
			if !ok {
				e.Cancel()
				return nil, fmt.Errorf("calib: event stream closed during session %s", e.id)
			}
			if ev.Kind == bus.KindFrame && ev.Branch == pipeline.BranchFiltered {
				e.Collect(ev.Frame)
			}

		case <-ticker.C:
			prev := e.phase
			if e.Tick() != prev {
				slog.Info("calibration phase change", "session", e.id, "phase", e.phase.String())
			}
			if e.phase == PhaseComputing {
				res, err := e.Compute()
				if err != nil {
					slog.Warn("calibration failed", "session", e.id, "err", err)
					return nil, err
				}
				slog.Info("calibration complete",
					"session", e.id,
					"mean_baseline", emg.Mean(res.Baseline),
					"mean_threshold", emg.Mean(res.Threshold),
					"mean_mvc", emg.Mean(res.MVC),
				)
				return res, nil
			}
		}
	}
}

// column extracts one channel's series from stacked per-tick vectors. Vectors
// shorter than the requested channel contribute nothing.
func column(rows [][]float64, ch int) []float64 {
	out := make([]float64, 0, len(rows))
	for _, row := range rows {
		if ch < len(row) {
			out = append(out, row[ch])
		}
	}
	return out
}

// Normalized maps a live window against a calibration result: per-channel RMS
// over non-saturated samples, divided by the channel's MVC and clamped to
// [0, 1] for heatmap display.
func Normalized(live *emg.Matrix, res *Result) []float64 {
	rms := emg.RMSMasked(live)
	out := make([]float64, len(rms))
	for i, v := range rms {
		if i >= len(res.MVC) {
			break
		}
		n := v / (res.MVC[i] + 1e-10)
		if n > 1 {
			n = 1
		}
		out[i] = n
	}
	return out
}
