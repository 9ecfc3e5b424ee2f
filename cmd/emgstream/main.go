// Command emgstream is the HD-EMG acquisition server: it accepts the
// Sessantaquattro+ amplifier's TCP connection, decodes and conditions the
// sample stream, and exposes control and telemetry over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BMEG-457/emgstream/internal/app"
	"github.com/BMEG-457/emgstream/internal/config"
	"github.com/BMEG-457/emgstream/internal/device"
	"github.com/BMEG-457/emgstream/internal/observe"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "emgstream: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "emgstream: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("emgstream starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry providers ───────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "emgstream",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping…")

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	channels := device.ChannelCount(cfg.Device.NCh, cfg.Device.Mode)
	rate := device.SampleRate(cfg.Device.FSamp)

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║        emgstream — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Amplifier addr  : %-19s║\n", cfg.Server.ListenAddr)
	fmt.Printf("║  HTTP addr       : %-19s║\n", cfg.Server.HTTPAddr)
	fmt.Printf("║  Channels        : %-19d║\n", channels)
	fmt.Printf("║  Sample rate     : %-19s║\n", fmt.Sprintf("%d Hz", rate))
	fmt.Printf("║  Plot window     : %-19s║\n", fmt.Sprintf("%.1f s", cfg.Display.PlotTime))
	if cfg.Calibration.RestDuration > 0 {
		phases := fmt.Sprintf("%ds rest / %ds MVC", cfg.Calibration.RestDuration, cfg.Calibration.ContractionDuration)
		fmt.Printf("║  Calibration     : %-19s║\n", phases)
	} else {
		fmt.Printf("║  Calibration     : %-19s║\n", "(not configured)")
	}
	if cfg.Detection.RateThreshold > 0 {
		fmt.Printf("║  Detection       : %-19s║\n", "enabled")
	} else {
		fmt.Printf("║  Detection       : %-19s║\n", "(not configured)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
