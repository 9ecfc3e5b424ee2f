// Package receiver implements the acquisition loop: it reads raw frames from
// the amplifier socket, decodes them, drives the pipeline branches with their
// fallback chain, and fans the branch outputs out on the event bus.
//
// The receiver runs regardless of the streaming flag so the socket never backs
// up; pausing only stops track feeding and status reporting. The frame size is
// auto-detected from the first payload rather than trusted from configuration,
// since the device family varies its packing across firmware revisions.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/device"
	"github.com/BMEG-457/emgstream/internal/observe"
	"github.com/BMEG-457/emgstream/internal/pipeline"
	"github.com/BMEG-457/emgstream/internal/track"
	"github.com/BMEG-457/emgstream/pkg/emg"
)

const (
	// DefaultReadTimeout bounds a single socket read. Timeouts are tolerated
	// (the loop keeps waiting) but counted when streaming is active.
	DefaultReadTimeout = 5 * time.Second

	// statusInterval is the frame cadence for data-rate status events.
	statusInterval = 100

	// firstFrameBuffer is the oversized read used to auto-detect the frame
	// size from the first payload.
	firstFrameBuffer = 65536
)

// Config configures a [Receiver].
type Config struct {
	// Channels is the streamed channel count for the configured mode.
	Channels int

	// SampleRate is the sampling frequency in Hz.
	SampleRate int

	// ReadTimeout bounds each socket read. Zero selects [DefaultReadTimeout].
	ReadTimeout time.Duration

	// Registry supplies the pipeline branches.
	Registry *pipeline.Registry

	// Bus receives frame, status, and error events.
	Bus *bus.Bus

	// Tracks, when non-nil, is fed the final branch output while streaming
	// is active.
	Tracks *track.Set

	// Metrics records acquisition telemetry. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Receiver owns one amplifier connection and its acquisition loop.
type Receiver struct {
	conn    net.Conn
	cfg     Config
	running atomic.Bool
	frames  atomic.Uint64
	last    atomic.Int64 // unix nanos of the last decoded frame

	frameBytes int
	lastReport time.Time // previous rate report, for frames/s computation
}

// New wraps an established amplifier connection. The connection is assumed to
// have completed the configuration handshake (see [Listener.Accept]).
func New(conn net.Conn, cfg Config) (*Receiver, error) {
	if conn == nil {
		return nil, errors.New("receiver: nil connection")
	}
	if cfg.Channels <= 0 {
		return nil, fmt.Errorf("receiver: invalid channel count %d", cfg.Channels)
	}
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("receiver: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.Registry == nil || cfg.Bus == nil {
		return nil, errors.New("receiver: registry and bus are required")
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &Receiver{conn: conn, cfg: cfg}, nil
}

// Start enables streaming: track feeding and status reporting resume.
func (r *Receiver) Start() { r.running.Store(true) }

// Pause disables streaming. Frames keep arriving and branch outputs keep
// publishing so the socket never backs up, but tracks freeze.
func (r *Receiver) Pause() { r.running.Store(false) }

// Running reports whether streaming is active.
func (r *Receiver) Running() bool { return r.running.Load() }

// Frames returns the number of frames decoded so far.
func (r *Receiver) Frames() uint64 { return r.frames.Load() }

// LastFrame returns the arrival time of the most recent decoded frame, or the
// zero time before the first frame.
func (r *Receiver) LastFrame() time.Time {
	ns := r.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Stop closes the connection, terminating [Receiver.Run].
func (r *Receiver) Stop() error { return r.conn.Close() }

// Check reports whether the acquisition loop looks alive: while streaming is
// active, a frame must have arrived within two read timeouts. Paused or
// not-yet-started receivers pass.
func (r *Receiver) Check(_ context.Context) error {
	if !r.running.Load() {
		return nil
	}
	last := r.LastFrame()
	if last.IsZero() {
		return errors.New("streaming active but no frame received yet")
	}
	if age := time.Since(last); age > 2*r.cfg.ReadTimeout {
		return fmt.Errorf("last frame %s ago", age.Round(time.Millisecond))
	}
	return nil
}

// Run drives the acquisition loop until the connection closes, a fatal read
// error occurs, or ctx is cancelled. The remote end closing the socket is a
// normal shutdown and returns nil.
func (r *Receiver) Run(ctx context.Context) error {
	unhook := context.AfterFunc(ctx, func() { r.conn.Close() })
	defer unhook()

	expected := device.FrameBytes(r.cfg.Channels, r.cfg.SampleRate)
	slog.Info("receiver started",
		"channels", r.cfg.Channels,
		"sample_rate", r.cfg.SampleRate,
		"expected_frame_bytes", expected,
	)

	// The first payload sets the working frame size. The device is expected
	// to send frequency/16 samples per channel, but the actual size is
	// trusted over the computed one.
	payload, err := r.detectFrameSize(ctx, expected)
	if err != nil {
		return err
	}

	buf := make([]byte, r.frameBytes)
	filled := 0
	if device.SamplesPerFrame(len(payload), r.cfg.Channels) > 0 {
		r.process(ctx, payload)
	} else {
		// The first read caught a partial frame. Its bytes are the head of
		// the first full frame, so carry them into the accumulation buffer
		// instead of dropping them.
		for len(payload) >= r.frameBytes {
			r.process(ctx, payload[:r.frameBytes])
			payload = payload[r.frameBytes:]
		}
		filled = copy(buf, payload)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			return fmt.Errorf("receiver: set deadline: %w", err)
		}

		n, err := r.conn.Read(buf[filled:])
		filled += n
		if err != nil {
			if done, rerr := r.readError(ctx, err); done {
				return rerr
			}
			continue
		}
		if filled < len(buf) {
			// Partial frame; keep accumulating.
			continue
		}
		filled = 0
		r.process(ctx, buf)
	}
}

// detectFrameSize reads the first payload with an oversized buffer and locks
// in the frame size. Payloads that do not decode into whole samples fall back
// to the computed expectation.
func (r *Receiver) detectFrameSize(ctx context.Context, expected int) ([]byte, error) {
	big := make([]byte, firstFrameBuffer)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.conn.SetReadDeadline(time.Now().Add(r.cfg.ReadTimeout)); err != nil {
			return nil, fmt.Errorf("receiver: set deadline: %w", err)
		}

		n, err := r.conn.Read(big)
		if err != nil {
			if done, rerr := r.readError(ctx, err); done {
				return nil, rerr
			}
			continue
		}

		r.frameBytes = n
		if device.SamplesPerFrame(n, r.cfg.Channels) == 0 {
			slog.Warn("first payload does not divide into whole samples; using computed frame size",
				"got_bytes", n,
				"expected_bytes", expected,
			)
			r.frameBytes = expected
		} else {
			slog.Info("frame size auto-detected",
				"frame_bytes", n,
				"samples_per_frame", device.SamplesPerFrame(n, r.cfg.Channels),
			)
		}
		return big[:n], nil
	}
}

// readError classifies a socket read error. It returns done=false for
// tolerated timeouts, and done=true with the loop's return value otherwise.
func (r *Receiver) readError(ctx context.Context, err error) (done bool, _ error) {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if r.running.Load() {
			r.cfg.Metrics.UnexpectedTimeouts.Add(ctx, 1)
			slog.Warn("socket timeout while streaming", "timeout", r.cfg.ReadTimeout)
		}
		return false, nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return true, cerr
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		slog.Info("amplifier closed the connection", "frames", r.frames.Load())
		r.cfg.Bus.Publish(bus.Event{Kind: bus.KindStatus, Text: "connection closed"})
		return true, nil
	}
	return true, fmt.Errorf("receiver: read: %w", err)
}

// process decodes one payload and drives the branch chain. Branch failures
// never drop the frame: each branch falls back to its input, and the final
// branch falls back to the rectified output.
func (r *Receiver) process(ctx context.Context, payload []byte) {
	start := time.Now()
	r.cfg.Metrics.BytesReceived.Add(ctx, int64(len(payload)))

	raw, err := device.DecodeFrame(payload, r.cfg.Channels)
	if err != nil {
		r.cfg.Metrics.MalformedFrames.Add(ctx, 1)
		slog.Warn("malformed frame dropped", "bytes", len(payload), "err", err)
		r.cfg.Bus.Publish(bus.Event{Kind: bus.KindError, Text: "malformed frame: " + err.Error()})
		return
	}

	n := r.frames.Add(1)
	r.last.Store(start.UnixNano())
	r.cfg.Metrics.FramesDecoded.Add(ctx, 1)
	if n == 1 {
		// Reference point for the first data-rate report.
		r.lastReport = start
	}

	r.publishFrame(pipeline.BranchRaw, raw)

	filtered, ok := r.runBranch(ctx, pipeline.BranchFiltered, raw)
	if ok {
		r.publishFrame(pipeline.BranchFiltered, filtered)
	} else {
		filtered = raw
	}

	rectified, ok := r.runBranch(ctx, pipeline.BranchRectified, filtered)
	if ok {
		r.publishFrame(pipeline.BranchRectified, rectified)
	} else {
		rectified = filtered
	}

	// The final branch runs from raw, not from the intermediate chain, so a
	// display-oriented conditioning stack can differ from the analysis one.
	final, ok := r.runBranch(ctx, pipeline.BranchFinal, raw)
	if !ok {
		final = rectified
	}

	if r.running.Load() && r.cfg.Tracks != nil {
		if err := r.cfg.Tracks.Feed(final); err != nil {
			slog.Warn("track feed failed", "err", err)
			r.cfg.Bus.Publish(bus.Event{Kind: bus.KindError, Text: "track feed: " + err.Error()})
		}
	}
	r.publishFrame(pipeline.BranchFinal, final)

	r.cfg.Metrics.FrameDuration.Record(ctx, time.Since(start).Seconds())

	if r.running.Load() && n%statusInterval == 0 {
		r.reportRate(n)
	}
}

func (r *Receiver) runBranch(ctx context.Context, name string, in *emg.Matrix) (*emg.Matrix, bool) {
	out, err := r.cfg.Registry.Get(name).Run(in)
	if err != nil {
		r.cfg.Metrics.RecordStageFailure(ctx, name)
		slog.Debug("branch failed, falling back", "branch", name, "err", err)
		return nil, false
	}
	return out, true
}

func (r *Receiver) publishFrame(branch string, m *emg.Matrix) {
	r.cfg.Bus.Publish(bus.Event{Kind: bus.KindFrame, Branch: branch, Frame: m})
}

func (r *Receiver) reportRate(frame uint64) {
	now := time.Now()
	elapsed := now.Sub(r.lastReport).Seconds()
	r.lastReport = now
	if elapsed <= 0 {
		return
	}
	fps := float64(statusInterval) / elapsed
	text := fmt.Sprintf("data rate: %.1f frames/s", fps)
	slog.Info("streaming status", "frame", frame, "rate", fmt.Sprintf("%.1f/s", fps))
	r.cfg.Bus.Publish(bus.Event{Kind: bus.KindStatus, Text: text})
}
