// Package app wires the acquisition server together: configuration, event
// bus, pipeline registry, track buffers, recording sink, HTTP API, and the
// amplifier listener with its accept/receive loop.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/BMEG-457/emgstream/internal/api"
	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/calib"
	"github.com/BMEG-457/emgstream/internal/config"
	"github.com/BMEG-457/emgstream/internal/detect"
	"github.com/BMEG-457/emgstream/internal/device"
	"github.com/BMEG-457/emgstream/internal/health"
	"github.com/BMEG-457/emgstream/internal/observe"
	"github.com/BMEG-457/emgstream/internal/pipeline"
	"github.com/BMEG-457/emgstream/internal/receiver"
	"github.com/BMEG-457/emgstream/internal/recording"
	"github.com/BMEG-457/emgstream/internal/track"
)

// recordingBuffer sizes the recording sink's bus subscription.
const recordingBuffer = 256

// App owns the server's long-lived components and their lifecycle.
type App struct {
	cfg      *config.Config
	bus      *bus.Bus
	registry *pipeline.Registry
	tracks   *track.Set
	sink     *recording.Sink
	server   *api.Server
	listener *receiver.Listener
	metrics  *observe.Metrics

	channels   int
	sampleRate int

	mu  sync.Mutex
	rcv *receiver.Receiver

	closers  []func() error
	stopOnce sync.Once
}

// Option customises construction, mainly for tests.
type Option func(*App)

// WithBus injects a pre-built event bus.
func WithBus(b *bus.Bus) Option { return func(a *App) { a.bus = b } }

// WithRegistry injects a pipeline registry with configured stages.
func WithRegistry(r *pipeline.Registry) Option { return func(a *App) { a.registry = r } }

// WithMetrics injects a metrics set.
func WithMetrics(m *observe.Metrics) Option { return func(a *App) { a.metrics = m } }

// ─── New ──────────────────────────────────────────────────────────────────────

// New assembles the application from configuration. The amplifier listener is
// bound immediately; accepting and serving start in [App.Run].
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}
	if a.bus == nil {
		a.bus = bus.New()
	}
	if a.registry == nil {
		a.registry = pipeline.NewRegistry()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	a.channels = device.ChannelCount(cfg.Device.NCh, cfg.Device.Mode)
	a.sampleRate = device.SampleRate(cfg.Device.FSamp)

	tracks, err := track.NewSet(track.Layout(a.channels), cfg.Display.PlotTime, a.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("app: build tracks: %w", err)
	}
	a.tracks = tracks

	a.sink = recording.New(cfg.Recording.MaxSamples, a.bus)

	detector, err := buildDetector(cfg.Detection, a.sampleRate)
	if err != nil {
		return nil, err
	}

	server, err := api.New(api.Config{
		Addr:       cfg.Server.HTTPAddr,
		Bus:        a.bus,
		Recorder:   a.sink,
		Tracks:     a.tracks,
		SampleRate: a.sampleRate,
		Calibration: calib.Config{
			RestDuration:        cfg.Calibration.RestDuration,
			ContractionDuration: cfg.Calibration.ContractionDuration,
			BaselineMultiplier:  cfg.Calibration.BaselineMultiplier,
		},
		Detector: detector,
		Metrics:  a.metrics,
		Checkers: []health.Checker{
			{Name: "amplifier", Check: a.checkAmplifier},
			{Name: "receiver", Check: a.checkReceiver},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("app: build api server: %w", err)
	}
	a.server = server
	a.closers = append(a.closers, server.Close)

	listener, err := receiver.Listen(cfg.Server.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.listener = listener
	a.closers = append(a.closers, listener.Close)

	slog.Info("application assembled",
		"channels", a.channels,
		"sample_rate", a.sampleRate,
		"tracks", len(a.tracks.Tracks()),
		"http_addr", cfg.Server.HTTPAddr,
	)
	return a, nil
}

// buildDetector turns the detection configuration into a detector, or nil
// when detection is not configured.
func buildDetector(cfg config.DetectionConfig, sampleRate int) (*detect.Detector, error) {
	if cfg.RateThreshold <= 0 {
		return nil, nil
	}
	d, err := detect.New(detect.Params{
		RateThreshold:      cfg.RateThreshold,
		MinDurationSamples: int(cfg.MinDuration * float64(sampleRate)),
		SmoothingWindow:    cfg.SmoothingWindow,
		HysteresisFactor:   cfg.HysteresisFactor,
	})
	if err != nil {
		return nil, fmt.Errorf("app: build detector: %w", err)
	}
	return d, nil
}

// ─── Accessors ────────────────────────────────────────────────────────────────

// Bus returns the shared event bus.
func (a *App) Bus() *bus.Bus { return a.bus }

// Registry returns the pipeline registry so callers can configure branch
// stages before streaming starts.
func (a *App) Registry() *pipeline.Registry { return a.registry }

// Tracks returns the track buffer set.
func (a *App) Tracks() *track.Set { return a.tracks }

// ListenerAddr returns the bound amplifier address, useful with port 0.
func (a *App) ListenerAddr() string { return a.listener.Addr().String() }

func (a *App) current() *receiver.Receiver {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rcv
}

func (a *App) checkAmplifier(context.Context) error {
	if a.current() == nil {
		return errors.New("amplifier not connected")
	}
	return nil
}

func (a *App) checkReceiver(ctx context.Context) error {
	if rcv := a.current(); rcv != nil {
		return rcv.Check(ctx)
	}
	return nil
}

// ─── Run ──────────────────────────────────────────────────────────────────────

// Run serves until ctx is cancelled: the HTTP API, the recording sink's event
// subscription, and the amplifier accept/receive loop all run concurrently.
func (a *App) Run(ctx context.Context) error {
	recEvents := make(chan bus.Event, recordingBuffer)
	if err := a.bus.Subscribe("recording", recEvents); err != nil {
		return fmt.Errorf("app: subscribe recording sink: %w", err)
	}
	defer a.bus.Unsubscribe("recording")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.Run(ctx)
	})
	g.Go(func() error {
		return a.sink.Run(ctx, recEvents)
	})
	g.Go(func() error {
		return a.acquire(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	return err
}

// acquire accepts amplifier connections one at a time and drives a receiver
// per connection. A dropped connection returns to accepting; the loop ends
// only with ctx.
func (a *App) acquire(ctx context.Context) error {
	for {
		conn, err := a.listener.Accept(ctx, a.cfg.Device.Command())
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("app: %w", err)
		}

		rcv, err := receiver.New(conn, receiver.Config{
			Channels:    a.channels,
			SampleRate:  a.sampleRate,
			ReadTimeout: a.cfg.Server.ReadTimeout,
			Registry:    a.registry,
			Bus:         a.bus,
			Tracks:      a.tracks,
			Metrics:     a.metrics,
		})
		if err != nil {
			conn.Close()
			return fmt.Errorf("app: %w", err)
		}

		a.mu.Lock()
		a.rcv = rcv
		a.mu.Unlock()
		a.server.SetStreamer(rcv)

		err = rcv.Run(ctx)

		a.server.SetStreamer(nil)
		a.mu.Lock()
		a.rcv = nil
		a.mu.Unlock()

		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			// Fatal read error: surface it on the bus and wait for the
			// amplifier to reconnect.
			slog.Error("receiver terminated", "err", err)
			a.bus.Publish(bus.Event{Kind: bus.KindError, Text: err.Error()})
		}
		slog.Info("waiting for amplifier to reconnect")
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown stops the application: the active receiver first, then every
// registered closer in reverse order. Safe to call more than once. The ctx
// deadline bounds how long Shutdown keeps closing.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if rcv := a.current(); rcv != nil {
			if err := rcv.Stop(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("app: shutdown interrupted: %w", ctx.Err()))
				return
			default:
			}
			// Cancellation hooks may have closed listeners already.
			if err := a.closers[i](); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		slog.Info("application stopped")
	})
	return errors.Join(errs...)
}
