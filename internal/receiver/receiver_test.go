package receiver_test

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/pipeline"
	"github.com/BMEG-457/emgstream/internal/receiver"
	"github.com/BMEG-457/emgstream/internal/track"
	"github.com/BMEG-457/emgstream/pkg/emg"
)

// encodeFrame builds a wire frame (big-endian int16, sample-major) where every
// sample of every channel is value.
func encodeFrame(channels, samples int, value int16) []byte {
	out := make([]byte, channels*samples*2)
	for i := 0; i < channels*samples; i++ {
		binary.BigEndian.PutUint16(out[i*2:], uint16(value))
	}
	return out
}

type harness struct {
	rcv    *receiver.Receiver
	remote net.Conn
	events chan bus.Event
	done   chan error
}

// newHarness wires a receiver to one end of an in-memory pipe and starts its
// Run loop. The test writes wire bytes to h.remote.
func newHarness(t *testing.T, cfg receiver.Config) *harness {
	t.Helper()

	local, remote := net.Pipe()
	t.Cleanup(func() {
		local.Close()
		remote.Close()
	})

	if cfg.Registry == nil {
		cfg.Registry = pipeline.NewRegistry()
	}
	b := bus.New()
	cfg.Bus = b

	events := make(chan bus.Event, 256)
	if err := b.Subscribe("test", events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	rcv, err := receiver.New(local, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- rcv.Run(context.Background()) }()

	return &harness{rcv: rcv, remote: remote, events: events, done: done}
}

// write sends b to the receiver's socket, failing the test on error.
func (h *harness) write(t *testing.T, b []byte) {
	t.Helper()
	if _, err := h.remote.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// waitFrame waits for the next KindFrame event on the given branch.
func (h *harness) waitFrame(t *testing.T, branch string) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == bus.KindFrame && ev.Branch == branch {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q frame event", branch)
		}
	}
}

// waitDone closes the remote end and asserts Run's return value.
func (h *harness) waitDone(t *testing.T, wantErr error) {
	t.Helper()
	h.remote.Close()
	select {
	case err := <-h.done:
		if !errors.Is(err, wantErr) {
			t.Fatalf("Run returned %v, want %v", err, wantErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after remote close")
	}
}

func TestNew_Validation(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()
	defer remote.Close()

	reg := pipeline.NewRegistry()
	b := bus.New()

	cases := []struct {
		name string
		conn net.Conn
		cfg  receiver.Config
	}{
		{"nil conn", nil, receiver.Config{Channels: 4, SampleRate: 2000, Registry: reg, Bus: b}},
		{"zero channels", local, receiver.Config{SampleRate: 2000, Registry: reg, Bus: b}},
		{"zero sample rate", local, receiver.Config{Channels: 4, Registry: reg, Bus: b}},
		{"nil registry", local, receiver.Config{Channels: 4, SampleRate: 2000, Bus: b}},
		{"nil bus", local, receiver.Config{Channels: 4, SampleRate: 2000, Registry: reg}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := receiver.New(tc.conn, tc.cfg); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRun_AutoDetectAndDecode(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000})

	// 4 channels × 2 samples, far smaller than frequency/16 would predict.
	h.write(t, encodeFrame(4, 2, 21))

	ev := h.waitFrame(t, pipeline.BranchRaw)
	if ev.Frame.Channels() != 4 || ev.Frame.Samples() != 2 {
		t.Fatalf("frame shape = (%d, %d), want (4, 2)", ev.Frame.Channels(), ev.Frame.Samples())
	}
	if v := ev.Frame.At(3, 1); v != 21 {
		t.Errorf("sample = %v, want 21", v)
	}

	// Empty pipelines are identity: all four branches publish.
	h.waitFrame(t, pipeline.BranchFiltered)
	h.waitFrame(t, pipeline.BranchRectified)
	final := h.waitFrame(t, pipeline.BranchFinal)
	if v := final.Frame.At(0, 0); v != 21 {
		t.Errorf("final sample = %v, want 21", v)
	}

	if h.rcv.Frames() != 1 {
		t.Errorf("Frames() = %d, want 1", h.rcv.Frames())
	}
	h.waitDone(t, nil)
}

// A frame split across several socket reads is reassembled before decoding.
func TestRun_ChunkedFrameReassembled(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 72, SampleRate: 2000})

	frame := encodeFrame(72, 2, 100) // 288 bytes

	// First frame arrives whole and locks in the 288-byte frame size.
	h.write(t, frame)
	h.waitFrame(t, pipeline.BranchFinal)

	// Second frame dribbles in as 100 + 50 + 138 bytes.
	h.write(t, frame[:100])
	h.write(t, frame[100:150])
	h.write(t, frame[150:])

	ev := h.waitFrame(t, pipeline.BranchRaw)
	if ev.Frame.Channels() != 72 || ev.Frame.Samples() != 2 {
		t.Fatalf("frame shape = (%d, %d), want (72, 2)", ev.Frame.Channels(), ev.Frame.Samples())
	}
	h.waitFrame(t, pipeline.BranchFinal)

	if h.rcv.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", h.rcv.Frames())
	}
	h.waitDone(t, nil)
}

// Branch failures fall back along the chain without dropping the frame: a
// failed branch reuses its input, and a failed final branch reuses the
// rectified output.
func TestRun_FallbackChain(t *testing.T) {
	reg := pipeline.NewRegistry()
	reg.Get(pipeline.BranchFiltered).AddStage(pipeline.StageFunc{
		StageName: "gain",
		Fn: func(m *emg.Matrix) (*emg.Matrix, error) {
			out := m.Clone()
			out.Apply(func(v float64) float64 { return v * 2 })
			return out, nil
		},
	})
	boom := pipeline.StageFunc{
		StageName: "boom",
		Fn: func(m *emg.Matrix) (*emg.Matrix, error) {
			return nil, errors.New("stage exploded")
		},
	}
	reg.Get(pipeline.BranchRectified).AddStage(boom)
	reg.Get(pipeline.BranchFinal).AddStage(boom)

	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000, Registry: reg})
	h.write(t, encodeFrame(4, 2, 3))

	raw := h.waitFrame(t, pipeline.BranchRaw)
	if v := raw.Frame.At(0, 0); v != 3 {
		t.Errorf("raw sample = %v, want 3", v)
	}
	filtered := h.waitFrame(t, pipeline.BranchFiltered)
	if v := filtered.Frame.At(0, 0); v != 6 {
		t.Errorf("filtered sample = %v, want 6", v)
	}

	// Rectified failed, so no rectified event; final falls back to the
	// rectified fallback (the filtered output).
	final := h.waitFrame(t, pipeline.BranchFinal)
	if final.Branch == pipeline.BranchRectified {
		t.Fatal("rectified branch published despite failure")
	}
	if v := final.Frame.At(0, 0); v != 6 {
		t.Errorf("final sample = %v, want filtered fallback 6", v)
	}

	select {
	case ev := <-h.events:
		if ev.Kind == bus.KindFrame && ev.Branch == pipeline.BranchRectified {
			t.Error("unexpected rectified frame event")
		}
	default:
	}
	h.waitDone(t, nil)
}

// Pausing gates track feeding but not decoding or branch publication.
func TestRun_PauseGatesTracks(t *testing.T) {
	infos := track.Layout(4)
	set, err := track.NewSet(infos, 1, 16) // 16-sample window
	if err != nil {
		t.Fatalf("NewSet: %v", err)
	}

	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000, Tracks: set})
	buffer := set.Buffer(infos[0].Title)

	// Paused (the initial state): the frame publishes but the track stays
	// silent.
	h.write(t, encodeFrame(4, 2, 5))
	h.waitFrame(t, pipeline.BranchFinal)
	if got := buffer.Recent(2); got.Row(0)[1] != 0 {
		t.Errorf("paused track got sample %v, want 0", got.Row(0)[1])
	}

	h.rcv.Start()
	if !h.rcv.Running() {
		t.Fatal("Running() = false after Start")
	}
	h.write(t, encodeFrame(4, 2, 7))
	h.waitFrame(t, pipeline.BranchFinal)
	if got := buffer.Recent(2); got.Row(0)[1] != 7 {
		t.Errorf("running track got sample %v, want 7", got.Row(0)[1])
	}

	h.rcv.Pause()
	h.write(t, encodeFrame(4, 2, 9))
	h.waitFrame(t, pipeline.BranchFinal)
	if got := buffer.Recent(2); got.Row(0)[1] != 7 {
		t.Errorf("re-paused track got sample %v, want 7", got.Row(0)[1])
	}
	h.waitDone(t, nil)
}

// The very first read may catch only part of a frame. Its bytes seed the
// accumulation buffer and the frame completes across the following reads;
// nothing is dropped and alignment survives for later frames.
func TestRun_PartialFirstReadCarriedForward(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 72, SampleRate: 32}) // 288-byte frames

	frame := encodeFrame(72, 2, 100)
	h.write(t, frame[:100])
	h.write(t, frame[100:150])
	h.write(t, frame[150:])

	ev := h.waitFrame(t, pipeline.BranchRaw)
	if ev.Frame.Channels() != 72 || ev.Frame.Samples() != 2 {
		t.Fatalf("frame shape = (%d, %d), want (72, 2)", ev.Frame.Channels(), ev.Frame.Samples())
	}
	if v := ev.Frame.At(71, 1); v != 100 {
		t.Errorf("sample = %v, want 100", v)
	}
	h.waitFrame(t, pipeline.BranchFinal)
	if h.rcv.Frames() != 1 {
		t.Errorf("Frames() = %d, want 1", h.rcv.Frames())
	}

	// The next whole frame still lines up.
	h.write(t, frame)
	h.waitFrame(t, pipeline.BranchFinal)
	if h.rcv.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", h.rcv.Frames())
	}
	h.waitDone(t, nil)
}

// A first read spanning one whole frame plus a partial one decodes the whole
// frame and carries the partial remainder forward.
func TestRun_OversizedFirstReadSplit(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 72, SampleRate: 32})

	first := encodeFrame(72, 2, 4)
	second := encodeFrame(72, 2, 6)
	h.write(t, append(append([]byte(nil), first...), second[:100]...))

	ev := h.waitFrame(t, pipeline.BranchFinal)
	if v := ev.Frame.At(0, 0); v != 4 {
		t.Errorf("first frame sample = %v, want 4", v)
	}

	h.write(t, second[100:])
	ev = h.waitFrame(t, pipeline.BranchFinal)
	if v := ev.Frame.At(0, 0); v != 6 {
		t.Errorf("second frame sample = %v, want 6", v)
	}
	if h.rcv.Frames() != 2 {
		t.Errorf("Frames() = %d, want 2", h.rcv.Frames())
	}
	h.waitDone(t, nil)
}

// The first data-rate report arrives at the first 100-frame boundary,
// measured from the first frame's arrival.
func TestRun_RateReportAtFirstBoundary(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000})
	h.rcv.Start()

	frame := encodeFrame(4, 2, 1)
	go func() {
		for i := 0; i < 100; i++ {
			if _, err := h.remote.Write(frame); err != nil {
				return
			}
		}
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.events:
			if ev.Kind == bus.KindStatus && strings.Contains(ev.Text, "data rate") {
				if got := h.rcv.Frames(); got != 100 {
					t.Errorf("report at frame %d, want 100", got)
				}
				h.waitDone(t, nil)
				return
			}
		case <-deadline:
			t.Fatal("no data-rate status event by frame 100")
		}
	}
}

// Read timeouts keep the loop alive; data arriving later is still decoded.
func TestRun_TimeoutTolerated(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000, ReadTimeout: 10 * time.Millisecond})
	h.rcv.Start()

	time.Sleep(50 * time.Millisecond) // several timeouts elapse

	h.write(t, encodeFrame(4, 2, 11))
	h.waitFrame(t, pipeline.BranchFinal)
	if h.rcv.Frames() != 1 {
		t.Errorf("Frames() = %d, want 1", h.rcv.Frames())
	}
	h.waitDone(t, nil)
}

func TestRun_ContextCancel(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	rcv, err := receiver.New(local, receiver.Config{
		Channels:   4,
		SampleRate: 2000,
		Registry:   pipeline.NewRegistry(),
		Bus:        bus.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rcv.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestCheck_Liveness(t *testing.T) {
	h := newHarness(t, receiver.Config{Channels: 4, SampleRate: 2000})

	// Paused receivers always pass.
	if err := h.rcv.Check(context.Background()); err != nil {
		t.Errorf("paused Check: %v", err)
	}

	// Streaming with no frames yet fails.
	h.rcv.Start()
	if err := h.rcv.Check(context.Background()); err == nil {
		t.Error("Check passed with streaming active and no frames")
	}

	h.write(t, encodeFrame(4, 2, 1))
	h.waitFrame(t, pipeline.BranchFinal)
	if err := h.rcv.Check(context.Background()); err != nil {
		t.Errorf("Check after frame: %v", err)
	}
	h.waitDone(t, nil)
}
