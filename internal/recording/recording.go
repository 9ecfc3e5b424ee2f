// Package recording implements the in-memory recording sink: it captures
// final-branch frames as timestamped per-sample rows, enforces an overflow
// cap, and hands the recorded block to external persistence consumers.
package recording

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/pipeline"
)

// DefaultMaxSamples caps a recording at one million samples, matching roughly
// eight minutes of final-branch data at 2 kHz.
const DefaultMaxSamples = 1_000_000

// Sample is one recorded time step: all channel values at a relative
// timestamp.
type Sample struct {
	// Timestamp is seconds since the recording started. Samples within one
	// frame share the frame's arrival timestamp.
	Timestamp float64

	// Values holds one value per channel.
	Values []float64
}

// Info summarises the sink state.
type Info struct {
	ID         uuid.UUID     `json:"id"`
	Samples    int           `json:"samples"`
	Duration   time.Duration `json:"duration"`
	Recording  bool          `json:"recording"`
	MaxSamples int           `json:"max_samples"`
}

// Sink accumulates final-branch samples between Start and Stop. All methods
// are safe for concurrent use.
type Sink struct {
	mu         sync.Mutex
	id         uuid.UUID
	samples    []Sample
	start      time.Time
	recording  bool
	maxSamples int
	bus        *bus.Bus
}

// New creates an idle sink. Overflow and lifecycle notices are published on b
// when it is non-nil. maxSamples of zero selects [DefaultMaxSamples].
func New(maxSamples int, b *bus.Bus) *Sink {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Sink{maxSamples: maxSamples, bus: b}
}

// Start begins a fresh recording, discarding any unsaved samples.
func (s *Sink) Start() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.New()
	s.samples = nil
	s.start = time.Now()
	s.recording = true
	slog.Info("recording started", "recording", s.id, "max_samples", s.maxSamples)
	return s.id
}

// Stop ends the recording. The captured samples stay available for export
// until the next Start or Clear.
func (s *Sink) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}
	s.recording = false
	slog.Info("recording stopped", "recording", s.id, "samples", len(s.samples))
}

// Recording reports whether the sink is currently capturing.
func (s *Sink) Recording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording
}

// Clear discards captured samples without starting a new recording.
func (s *Sink) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
	s.start = time.Time{}
}

// Info returns a snapshot of the sink state.
func (s *Sink) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:         s.id,
		Samples:    len(s.samples),
		Recording:  s.recording,
		MaxSamples: s.maxSamples,
	}
	if !s.start.IsZero() {
		info.Duration = time.Since(s.start)
	}
	return info
}

// Collect captures one event. Only final-branch frame events are recorded,
// and only while a recording is active; everything else is ignored. Hitting
// the sample cap stops the recording and publishes an overflow status event.
func (s *Sink) Collect(ev bus.Event) {
	if ev.Kind != bus.KindFrame || ev.Branch != pipeline.BranchFinal {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.recording {
		return
	}

	ts := time.Since(s.start).Seconds()
	for i := 0; i < ev.Frame.Samples(); i++ {
		if len(s.samples) >= s.maxSamples {
			s.overflowLocked()
			return
		}
		values := make([]float64, ev.Frame.Channels())
		for ch := range values {
			values[ch] = ev.Frame.At(ch, i)
		}
		s.samples = append(s.samples, Sample{Timestamp: ts, Values: values})
	}
}

func (s *Sink) overflowLocked() {
	s.recording = false
	slog.Warn("recording stopped on overflow", "recording", s.id, "max_samples", s.maxSamples)
	if s.bus != nil {
		s.bus.Publish(bus.Event{
			Kind: bus.KindStatus,
			Text: fmt.Sprintf("recording stopped: sample cap %d reached", s.maxSamples),
		})
	}
}

// Run consumes events until ctx is cancelled or the stream closes. It is a
// convenience loop around [Sink.Collect] for use with a bus subscription.
func (s *Sink) Run(ctx context.Context, events <-chan bus.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.Collect(ev)
		}
	}
}

// Samples returns a deep copy of the captured block in capture order.
// Persistence formats (CSV, sessions) live with the consumers; the sink only
// hands over the data.
func (s *Sink) Samples() ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.samples) == 0 {
		return nil, fmt.Errorf("recording: no samples captured")
	}
	out := make([]Sample, len(s.samples))
	for i, sample := range s.samples {
		out[i] = Sample{
			Timestamp: sample.Timestamp,
			Values:    append([]float64(nil), sample.Values...),
		}
	}
	return out, nil
}
