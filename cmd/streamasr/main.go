// Command streamasr is the main entry point for the streaming ASR server.
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

	"github.com/voxstream/streamasr/internal/app"
	"github.com/voxstream/streamasr/internal/config"
	"github.com/voxstream/streamasr/internal/observe"
	"github.com/voxstream/streamasr/internal/resilience"
	"github.com/voxstream/streamasr/pkg/asr/model/mock"
)

// version is overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	watchConfig := flag.Bool("watch-config", true, "hot-reload max_wait_ms, max_batch_size, and max_active_connections when the config file changes (log_level changes are only logged)")
	watchInterval := flag.Duration("watch-interval", 5*time.Second, "config file poll interval")
	flag.Parse()

	// ── Load configuration ───────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "streamasr: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "streamasr: %v\n", err)
		}
		return 1
	}

	// ── Logger ───────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("streamasr starting",
		"config", *configPath,
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"decoding_method", cfg.Decoding.Method,
	)

	// ── Model bindings ───────────────────────────────────────────────────
	// encoder_model and tokenizer_model are opaque artifacts loaded at
	// boot; this tree ships no concrete loader for any particular
	// checkpoint format, so the mock model set stands in for whatever
	// encoder/predictor/joiner a real deployment supplies. Swap this for a
	// concrete model.Set loaded from cfg.Model.EncoderModel and
	// cfg.Model.TokenizerModel to serve real audio.
	slog.Warn("loading mock model bindings — real deployments must supply a concrete model.Set",
		"encoder_model", cfg.Model.EncoderModel,
		"tokenizer_model", cfg.Model.TokenizerModel,
	)
	set := mock.NewSet()

	printStartupSummary(cfg)

	// ── Application wiring ───────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Registers the global OTel providers: a Prometheus-backed MeterProvider
	// (GET /metrics, wired up in internal/server, reads from it) and a
	// TracerProvider that every per-connection span in internal/server and
	// internal/observe.Middleware records into. No TraceExporter is
	// configured here, so spans are sampled and dropped rather than shipped
	// anywhere — wire an OTLP exporter in via ProviderConfig.TraceExporter
	// once a collector endpoint exists to send them to.
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry providers", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// Guard every batch's encoder Forward call with a breaker sized to the
	// configured pool: a run of maxFailures consecutive batch failures
	// (one per worker in flight) trips it open rather than letting every
	// worker individually retry against an already-dead model process.
	breaker := resilience.NewEncoderBreaker(cfg.Batching.NNPoolSize, 0)

	var opts []app.Option
	opts = append(opts, app.WithCircuitBreaker(breaker))
	if *watchConfig {
		opts = append(opts, app.WithConfigWatch(*configPath, *watchInterval))
	}

	application, err := app.New(ctx, cfg, set, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready — press Ctrl+C to shut down")

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
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

// ── Startup summary ──────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         streamasr — startup summary    ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	fmt.Printf("║  Port             : %-17d ║\n", cfg.Server.Port)
	fmt.Printf("║  Decoding method   : %-17s ║\n", cfg.Decoding.Method)
	fmt.Printf("║  NN pool size      : %-17d ║\n", cfg.Batching.NNPoolSize)
	fmt.Printf("║  Max batch size    : %-17d ║\n", cfg.Batching.MaxBatchSize)
	fmt.Printf("║  Max wait (ms)     : %-17d ║\n", cfg.Batching.MaxWaitMs)
	fmt.Printf("║  Max active conns  : %-17d ║\n", cfg.Server.MaxActiveConnections)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ───────────────────────────────────────────────────────────────

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
