// Command easel is the main entry point for the Easel coaching session
// streamer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/easel/internal/api"
	"github.com/MrWong99/easel/internal/config"
	"github.com/MrWong99/easel/internal/health"
	"github.com/MrWong99/easel/internal/lesson"
	"github.com/MrWong99/easel/internal/observe"
	"github.com/MrWong99/easel/internal/resilience"
	"github.com/MrWong99/easel/internal/session"
	"github.com/MrWong99/easel/internal/transcript"
	"github.com/MrWong99/easel/pkg/capture"
	"github.com/MrWong99/easel/pkg/capture/sampler"
	"github.com/MrWong99/easel/pkg/provider/live"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Configuration + hot reload ────────────────────────────────────────────
	catalog := lesson.NewCatalog()
	var provider live.Provider
	watcher, err := config.NewWatcher(*configPath, func(_, cfg *config.Config, diff config.ConfigDiff) {
		if diff.LogLevelChanged {
			level.Set(slogLevel(diff.NewLogLevel))
		}
		if diff.LessonsChanged {
			catalog.Replace(lesson.FromConfig(cfg.Lessons))
			slog.Info("lesson catalog reloaded", "lessons", catalog.Names())
			if provider != nil {
				warnUnknownVoices(catalog, provider.Capabilities())
			}
		}
	})
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "easel: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "easel: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(slogLevel(cfg.Server.LogLevel))
	catalog.Replace(lesson.FromConfig(cfg.Lessons))

	slog.Info("easel starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     registry,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Live provider + playback device ───────────────────────────────────────
	reg := config.NewDefaultRegistry()

	if cfg.Provider.Name != "" {
		p, err := reg.CreateLive(cfg.Provider)
		if err != nil {
			slog.Error("failed to create live provider", "name", cfg.Provider.Name, "err", err)
			return 1
		}
		provider = resilience.Guard(p, resilience.BreakerConfig{
			Name:         cfg.Provider.Name,
			MaxFailures:  cfg.Session.ConnectBreaker.MaxFailures,
			ResetTimeout: cfg.Session.ConnectBreaker.ResetTimeout,
		})
		slog.Info("provider created", "name", cfg.Provider.Name, "model", cfg.Provider.Model)
		warnUnknownVoices(catalog, provider.Capabilities())
	} else {
		slog.Warn("no live provider configured, sessions cannot start", "available", reg.LiveNames())
	}

	out, err := reg.CreatePlayback(cfg.Playback)
	if err != nil {
		slog.Error("failed to open playback device", "device", cfg.Playback.Device, "err", err)
		return 1
	}
	defer func() {
		if err := out.Close(); err != nil {
			slog.Warn("playback device close error", "err", err)
		}
	}()

	// ── Capture devices ───────────────────────────────────────────────────────
	source, surface := buildCapture(cfg.Capture)

	// ── Session controller ────────────────────────────────────────────────────
	window := transcript.NewWindow(transcript.DefaultCapacity)
	ctrl := session.New(session.Config{
		Provider:      provider,
		ProviderName:  cfg.Provider.Name,
		Devices:       source,
		Output:        out,
		Sink:          window,
		Metrics:       metrics,
		Modality:      cfg.Session.ResponseModality,
		FrameInterval: cfg.Session.FrameInterval,
		BlockSamples:  cfg.Session.BlockSamples,
		DefaultMode:   cfg.Session.DefaultMode,
	})
	ctrl.OnStateChange(func(from, to session.State) {
		slog.Debug("session state changed", "from", from, "to", to)
	})

	// ── HTTP surface ──────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	api.New(ctrl, catalog, window, surface).Register(mux)
	health.New(
		health.ProviderChecker(ctrl.ProviderConfigured),
		health.DeviceChecker("playback", out),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg, provider)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server ready, press Ctrl+C to shut down", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return watcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, stopping…")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		_ = ctrl.Close()
		return err
	})

	if err := g.Wait(); err != nil {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildCapture creates the capture source from config. The returned surface
// is the one backing surface mode.
func buildCapture(cfg config.CaptureConfig) (*capture.Source, *capture.Surface) {
	surface := capture.NewSurface(
		orDefault(cfg.Surface.Width, capture.DefaultSurfaceWidth),
		orDefault(cfg.Surface.Height, capture.DefaultSurfaceHeight),
		capture.WithSurfaceEncoding(cfg.Surface.MaxFrameWidth, cfg.Surface.JPEGQuality),
	)

	var mic capture.AudioDevice
	if !cfg.Microphone.Disabled {
		mic = capture.NewPortAudio(capture.MicrophoneConfig{
			SampleRate:      cfg.Microphone.SampleRate,
			Channels:        cfg.Microphone.Channels,
			FramesPerBuffer: cfg.Microphone.FramesPerBuffer,
		})
	}

	var camera capture.CameraDevice
	if cfg.Camera.URL != "" {
		camera = capture.NewCamera(cfg.Camera.URL,
			capture.WithCameraEncoding(cfg.Surface.MaxFrameWidth, cfg.Surface.JPEGQuality))
	}

	return capture.NewSource(mic, camera, surface), surface
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, provider live.Provider) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Easel startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", providerLabel(cfg.Provider))
	if provider != nil {
		caps := provider.Capabilities()
		printRow("Wire rates", fmt.Sprintf("%d/%d Hz", caps.InputAudioRate, caps.OutputAudioRate))
		if caps.AudioOnly {
			printRow("Visual frames", "off (audio-only)")
		} else {
			printRow("Visual frames", fmt.Sprintf("every %s", orDuration(cfg.Session.FrameInterval, sampler.DefaultInterval)))
		}
	}
	printRow("Playback", orText(cfg.Playback.Device, "virtual"))
	if cfg.Capture.Microphone.Disabled {
		printRow("Microphone", "(disabled)")
	} else {
		printRow("Microphone", "portaudio")
	}
	printRow("Camera", orText(cfg.Capture.Camera.URL, "(disabled)"))
	printRow("Default mode", orText(string(cfg.Session.DefaultMode), string(capture.ModeSurface)))
	fmt.Printf("║  %-14s  : %-19d ║\n", "Lessons", len(cfg.Lessons))
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func providerLabel(p config.ProviderEntry) string {
	if p.Name == "" {
		return "(not configured)"
	}
	if p.Model != "" {
		return p.Name + " / " + p.Model
	}
	return p.Name
}

func printRow(label, value string) {
	fmt.Printf("║  %-14s  : %-19s ║\n", label, truncate(value, 19))
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// warnUnknownVoices logs lessons whose voice the provider does not list. The
// session still starts; the remote side decides.
func warnUnknownVoices(catalog *lesson.Catalog, caps live.Capabilities) {
	for _, name := range catalog.UnknownVoices(caps) {
		l, err := catalog.Get(name)
		if err != nil {
			continue
		}
		slog.Warn("lesson voice not offered by provider", "lesson", name, "voice", l.Voice, "voices", caps.Voices)
	}
}

func orText(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
