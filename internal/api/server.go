// Package api serves the HTTP control surface: health and metrics endpoints,
// streaming and recording control, calibration sessions, contraction analysis,
// and a websocket feed of non-frame events. Frame data itself stays on the
// internal bus; UI collaborators consume matrices through the track buffers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/calib"
	"github.com/BMEG-457/emgstream/internal/detect"
	"github.com/BMEG-457/emgstream/internal/health"
	"github.com/BMEG-457/emgstream/internal/observe"
	"github.com/BMEG-457/emgstream/internal/recording"
	"github.com/BMEG-457/emgstream/internal/track"
)

const (
	// eventBuffer sizes a websocket subscriber's channel. The bus drops
	// events for a full channel, so slow clients lose events rather than
	// stalling the acquisition loop.
	eventBuffer = 64

	// calibBuffer sizes a calibration session's bus subscription. Filtered
	// frames arrive at the frame rate, so this covers several seconds of
	// scheduling jitter.
	calibBuffer = 256

	writeTimeout = 5 * time.Second

	// defaultActivationWindowMS is the live window for the normalized
	// activation vector when the client does not ask for one.
	defaultActivationWindowMS = 100
)

// Streamer is the acquisition control surface the server drives. Satisfied by
// [receiver.Receiver].
type Streamer interface {
	Start()
	Pause()
	Running() bool
	Frames() uint64
	LastFrame() time.Time
}

// Config configures a [Server]. Bus and Recorder are required; everything
// else degrades gracefully (missing collaborators answer 503).
type Config struct {
	// Addr is the HTTP listen address for [Server.Run].
	Addr string

	// Bus is the event bus shared with the acquisition loop.
	Bus *bus.Bus

	// Recorder is the recording sink.
	Recorder *recording.Sink

	// Tracks serves the live window for the activation endpoint.
	Tracks *track.Set

	// SampleRate is the device sampling frequency in Hz, used to convert
	// window durations into sample counts.
	SampleRate int

	// Calibration parameterises calibration sessions started over HTTP.
	Calibration calib.Config

	// Detector answers the contraction-analysis endpoint. Nil disables it.
	Detector *detect.Detector

	// Checkers feed the health endpoints.
	Checkers []health.Checker

	// Metrics records HTTP and session telemetry. Nil selects
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the HTTP control surface. Create with [New], serve with
// [Server.Run] or mount [Server.Handler] elsewhere.
type Server struct {
	cfg     Config
	handler http.Handler

	baseCtx context.Context
	stop    context.CancelFunc

	mu           sync.Mutex
	streamer     Streamer
	calibCancel  context.CancelFunc
	calibSession uuid.UUID
	result       *calib.Result
}

// New builds the server and its route table.
func New(cfg Config) (*Server, error) {
	if cfg.Bus == nil {
		return nil, errors.New("api: bus is required")
	}
	if cfg.Recorder == nil {
		return nil, errors.New("api: recorder is required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, baseCtx: ctx, stop: cancel}

	mux := http.NewServeMux()
	health.New(cfg.Checkers...).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /stream/start", s.handleStreamStart)
	mux.HandleFunc("POST /stream/pause", s.handleStreamPause)
	mux.HandleFunc("GET /recording", s.handleRecordingInfo)
	mux.HandleFunc("POST /recording/start", s.handleRecordingStart)
	mux.HandleFunc("POST /recording/stop", s.handleRecordingStop)
	mux.HandleFunc("GET /recording/samples", s.handleRecordingSamples)
	mux.HandleFunc("GET /calibration", s.handleCalibrationStatus)
	mux.HandleFunc("POST /calibration/start", s.handleCalibrationStart)
	mux.HandleFunc("DELETE /calibration", s.handleCalibrationCancel)
	mux.HandleFunc("POST /contractions", s.handleContractions)
	mux.HandleFunc("GET /activation", s.handleActivation)
	mux.HandleFunc("GET /events", s.handleEvents)

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s, nil
}

// Handler returns the fully assembled route table.
func (s *Server) Handler() http.Handler { return s.handler }

// SetStreamer installs the acquisition control once the amplifier has
// connected. Before this call the streaming endpoints answer 503.
func (s *Server) SetStreamer(st Streamer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamer = st
}

// SetCalibration installs a calibration result directly, e.g. one restored
// from an earlier session.
func (s *Server) SetCalibration(res *calib.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = res
}

// Close aborts any running calibration session and the event feeds.
func (s *Server) Close() error {
	s.stop()
	return nil
}

// Run serves HTTP on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http api listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	s.stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown", "err", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ─── Status and streaming ─────────────────────────────────────────────────────

type statusResponse struct {
	Connected   bool           `json:"connected"`
	Streaming   bool           `json:"streaming"`
	Frames      uint64         `json:"frames"`
	LastFrame   *time.Time     `json:"last_frame,omitempty"`
	Recording   recording.Info `json:"recording"`
	Calibrating bool           `json:"calibrating"`
	Calibrated  bool           `json:"calibrated"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	st := s.streamer
	calibrating := s.calibCancel != nil
	calibrated := s.result != nil
	s.mu.Unlock()

	resp := statusResponse{
		Recording:   s.cfg.Recorder.Info(),
		Calibrating: calibrating,
		Calibrated:  calibrated,
	}
	if st != nil {
		resp.Connected = true
		resp.Streaming = st.Running()
		resp.Frames = st.Frames()
		if last := st.LastFrame(); !last.IsZero() {
			resp.LastFrame = &last
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) withStreamer(w http.ResponseWriter, fn func(Streamer)) {
	s.mu.Lock()
	st := s.streamer
	s.mu.Unlock()
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "amplifier not connected")
		return
	}
	fn(st)
}

func (s *Server) handleStreamStart(w http.ResponseWriter, _ *http.Request) {
	s.withStreamer(w, func(st Streamer) {
		st.Start()
		s.cfg.Bus.Publish(bus.Event{Kind: bus.KindStatus, Text: "streaming started"})
		writeJSON(w, http.StatusOK, map[string]bool{"streaming": true})
	})
}

func (s *Server) handleStreamPause(w http.ResponseWriter, _ *http.Request) {
	s.withStreamer(w, func(st Streamer) {
		st.Pause()
		s.cfg.Bus.Publish(bus.Event{Kind: bus.KindStatus, Text: "streaming paused"})
		writeJSON(w, http.StatusOK, map[string]bool{"streaming": false})
	})
}

// ─── Recording ────────────────────────────────────────────────────────────────

func (s *Server) handleRecordingInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Info())
}

func (s *Server) handleRecordingStart(w http.ResponseWriter, _ *http.Request) {
	id := s.cfg.Recorder.Start()
	writeJSON(w, http.StatusOK, map[string]string{"id": id.String()})
}

func (s *Server) handleRecordingStop(w http.ResponseWriter, _ *http.Request) {
	s.cfg.Recorder.Stop()
	writeJSON(w, http.StatusOK, s.cfg.Recorder.Info())
}

func (s *Server) handleRecordingSamples(w http.ResponseWriter, _ *http.Request) {
	samples, err := s.cfg.Recorder.Samples()
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"samples": samples})
}

// ─── Calibration ──────────────────────────────────────────────────────────────

type calibrationStatus struct {
	Active  bool          `json:"active"`
	Session string        `json:"session,omitempty"`
	Result  *calib.Result `json:"result,omitempty"`
}

func (s *Server) handleCalibrationStatus(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	st := calibrationStatus{Active: s.calibCancel != nil, Result: s.result}
	if st.Active {
		st.Session = s.calibSession.String()
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCalibrationStart(w http.ResponseWriter, _ *http.Request) {
	eng, err := calib.NewEngine(s.cfg.Calibration)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.mu.Lock()
	if s.calibCancel != nil {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "calibration already running")
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.calibCancel = cancel
	s.calibSession = eng.ID()
	s.mu.Unlock()

	subID := "calib-" + eng.ID().String()
	events := make(chan bus.Event, calibBuffer)
	if err := s.cfg.Bus.Subscribe(subID, events); err != nil {
		s.mu.Lock()
		s.calibCancel = nil
		s.mu.Unlock()
		cancel()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go s.runCalibration(ctx, cancel, eng, subID, events)
	writeJSON(w, http.StatusAccepted, map[string]string{"session": eng.ID().String()})
}

func (s *Server) runCalibration(ctx context.Context, cancel context.CancelFunc, eng *calib.Engine, subID string, events <-chan bus.Event) {
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "calibration.session",
		trace.WithAttributes(attribute.String("session", eng.ID().String())))
	log := observe.Logger(ctx)

	s.cfg.Metrics.ActiveCalibrations.Add(context.Background(), 1)
	start := time.Now()
	res, err := eng.Run(ctx, events)
	s.cfg.Metrics.ActiveCalibrations.Add(context.Background(), -1)
	s.cfg.Metrics.CalibrationDuration.Record(context.Background(), time.Since(start).Seconds())
	observe.EndSpan(span, err)

	if uerr := s.cfg.Bus.Unsubscribe(subID); uerr != nil {
		log.Warn("calibration unsubscribe", "err", uerr)
	}

	s.mu.Lock()
	s.calibCancel = nil
	if err == nil {
		s.result = res
	}
	s.mu.Unlock()

	switch {
	case err == nil:
		log.Info("calibration complete", "duration", time.Since(start).Round(time.Millisecond))
		s.cfg.Bus.Publish(bus.Event{Kind: bus.KindCalibration, Data: res})
	case errors.Is(err, context.Canceled):
		log.Info("calibration cancelled")
		s.cfg.Bus.Publish(bus.Event{Kind: bus.KindStatus, Text: "calibration cancelled"})
	default:
		log.Warn("calibration failed", "err", err)
		s.cfg.Bus.Publish(bus.Event{Kind: bus.KindError, Text: "calibration failed: " + err.Error()})
	}
}

func (s *Server) handleCalibrationCancel(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	cancel := s.calibCancel
	s.mu.Unlock()
	if cancel == nil {
		writeError(w, http.StatusNotFound, "no calibration running")
		return
	}
	cancel()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// ─── Analysis ─────────────────────────────────────────────────────────────────

type contractionsRequest struct {
	RMS        []float64 `json:"rms"`
	SampleRate float64   `json:"sample_rate"`
}

func (s *Server) handleContractions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Detector == nil {
		writeError(w, http.StatusServiceUnavailable, "detector not configured")
		return
	}
	var req contractionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	found, err := s.cfg.Detector.Detect(req.RMS, req.SampleRate)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if found == nil {
		found = []detect.Contraction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"contractions": found})
}

func (s *Server) handleActivation(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Tracks == nil || s.cfg.SampleRate <= 0 {
		writeError(w, http.StatusServiceUnavailable, "tracks not configured")
		return
	}
	s.mu.Lock()
	res := s.result
	s.mu.Unlock()
	if res == nil {
		writeError(w, http.StatusConflict, "not calibrated")
		return
	}

	windowMS := defaultActivationWindowMS
	if q := r.URL.Query().Get("window_ms"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window_ms")
			return
		}
		windowMS = n
	}
	samples := s.cfg.SampleRate * windowMS / 1000
	if samples < 1 {
		samples = 1
	}

	// The first track in any layout is the HDsEMG block the grid maps.
	infos := s.cfg.Tracks.Tracks()
	if len(infos) == 0 {
		writeError(w, http.StatusServiceUnavailable, "empty track layout")
		return
	}
	buf := s.cfg.Tracks.Buffer(infos[0].Title)
	live := buf.Recent(samples)

	writeJSON(w, http.StatusOK, map[string]any{
		"window_ms":  windowMS,
		"activation": calib.Normalized(live, res),
	})
}

// ─── Event feed ───────────────────────────────────────────────────────────────

// wireEvent is the JSON shape sent on the /events websocket.
type wireEvent struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	Branch string    `json:"branch,omitempty"`
	Text   string    `json:"text,omitempty"`
	Data   any       `json:"data,omitempty"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "err", err)
		return
	}

	subID := "ws-" + uuid.NewString()
	events := make(chan bus.Event, eventBuffer)
	if err := s.cfg.Bus.Subscribe(subID, events); err != nil {
		conn.Close(websocket.StatusInternalError, "subscribe failed")
		return
	}
	s.cfg.Metrics.EventSubscribers.Add(context.Background(), 1)
	defer func() {
		if err := s.cfg.Bus.Unsubscribe(subID); err != nil {
			slog.Warn("event feed unsubscribe", "err", err)
		}
		s.cfg.Metrics.EventSubscribers.Add(context.Background(), -1)
	}()

	slog.Info("event feed connected", "subscriber", subID, "remote", r.RemoteAddr)

	// CloseRead pumps control frames and cancels when the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "stream ended")
			return
		case <-s.baseCtx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutting down")
			return
		case ev := <-events:
			if ev.Kind == bus.KindFrame {
				// Matrices stay internal; clients poll tracks instead.
				continue
			}
			if err := s.writeEvent(ctx, conn, ev); err != nil {
				slog.Debug("event feed closed", "subscriber", subID, "err", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev bus.Event) error {
	payload, err := json.Marshal(wireEvent{
		Time:   ev.Time,
		Kind:   ev.Kind.String(),
		Branch: ev.Branch,
		Text:   ev.Text,
		Data:   ev.Data,
	})
	if err != nil {
		return fmt.Errorf("api: marshal event: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, payload)
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
