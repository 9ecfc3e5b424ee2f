package app_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/BMEG-457/emgstream/internal/app"
	"github.com/BMEG-457/emgstream/internal/bus"
	"github.com/BMEG-457/emgstream/internal/config"
	"github.com/BMEG-457/emgstream/internal/pipeline"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			ListenAddr:  "127.0.0.1:0",
			HTTPAddr:    "127.0.0.1:0",
			LogLevel:    config.LogError,
			ReadTimeout: 200 * time.Millisecond,
		},
		// NCH=0 MODE=0: 16 channels. GO and HPF set as the device expects.
		Device:      config.DeviceConfig{HPF: 1, Go: 1},
		Display:     config.DisplayConfig{PlotTime: 1},
		Calibration: config.CalibrationConfig{RestDuration: 1, ContractionDuration: 1},
		Recording:   config.RecordingConfig{MaxSamples: 1000},
	}
}

// encodeFrame builds a big-endian int16 payload, sample-major, with every
// value set to v.
func encodeFrame(channels, samples int, v int16) []byte {
	buf := make([]byte, channels*samples*2)
	for i := 0; i < channels*samples; i++ {
		binary.BigEndian.PutUint16(buf[2*i:], uint16(v))
	}
	return buf
}

func TestNew_InvalidDetection(t *testing.T) {
	cfg := testConfig()
	cfg.Detection = config.DetectionConfig{RateThreshold: 1, MinDuration: 0}
	if _, err := app.New(cfg); err == nil {
		t.Fatal("expected error for zero-duration detection config")
	}
}

func TestRun_HandshakeStreamAndReconnect(t *testing.T) {
	a, err := app.New(testConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	events := make(chan bus.Event, 256)
	if err := a.Bus().Subscribe("test", events); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	conn, err := net.Dial("tcp", a.ListenerAddr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}

	// The handshake answers with the configuration word: GO | HPF = 0x0041.
	var word [2]byte
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(conn, word[:]); err != nil {
		t.Fatalf("read configuration word: %v", err)
	}
	if got := binary.BigEndian.Uint16(word[:]); got != 0x0041 {
		t.Fatalf("configuration word = %#04x, want 0x0041", got)
	}

	if _, err := conn.Write(encodeFrame(16, 4, 9)); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	deadline := time.After(2 * time.Second)
	var raw bus.Event
waitRaw:
	for {
		select {
		case ev := <-events:
			if ev.Kind == bus.KindFrame && ev.Branch == pipeline.BranchRaw {
				raw = ev
				break waitRaw
			}
		case <-deadline:
			t.Fatal("no raw frame event")
		}
	}
	if got := raw.Frame.At(0, 0); got != 9 {
		t.Errorf("decoded value = %v, want 9", got)
	}

	// Dropping the connection is a normal stop; the app goes back to
	// accepting.
	conn.Close()
	deadline = time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == bus.KindStatus && strings.Contains(ev.Text, "connection closed") {
				goto reconnect
			}
		case <-deadline:
			t.Fatal("no connection-closed status event")
		}
	}

reconnect:
	second, err := net.Dial("tcp", a.ListenerAddr())
	if err != nil {
		t.Fatalf("second Dial: %v", err)
	}
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := io.ReadFull(second, word[:]); err != nil {
		t.Fatalf("second handshake: %v", err)
	}
	second.Close()

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := a.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
