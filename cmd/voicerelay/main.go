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

	"VoiceRelay/internal/backend"
	"VoiceRelay/internal/config"
	"VoiceRelay/internal/journal"
	"VoiceRelay/internal/relay"
	"VoiceRelay/internal/server"
	"VoiceRelay/internal/telemetry"

	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "voicerelay.yaml", "Path to the YAML configuration file")
	port := flag.Int("port", 0, "Listen port (overrides config and PORT)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		tracer trace.Tracer = tracenoop.NewTracerProvider().Tracer(telemetry.ServiceName)
		meter  metric.Meter = metricnoop.NewMeterProvider().Meter(telemetry.ServiceName)
	)
	if cfg.Telemetry.Enabled {
		t, m, cleanup, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer cleanup()
		tracer, meter = t, m
	}

	timeout, err := cfg.RequestTimeout()
	if err != nil {
		return err
	}

	openai := backend.NewOpenAI(
		backend.WithAPIKey(cfg.OpenAI.APIKey),
		backend.WithBaseURL(cfg.OpenAI.BaseURL),
		backend.WithTimeout(timeout),
		backend.WithInstrumentation(logger, tracer, meter),
	)
	var speech relay.SpeechSynthesizer = openai
	if cfg.SpeechBackend == config.BackendElevenLabs {
		speech = backend.NewElevenLabs(cfg.ElevenLabs.APIKey, cfg.ElevenLabs.BaseURL,
			&http.Client{Timeout: timeout}, logger, tracer, meter)
	}

	rl := relay.New(openai, speech, openai, cfg.Defaults(),
		relay.WithLogger(logger),
		relay.WithTracer(tracer),
		relay.WithMeter(meter),
	)

	opts := server.Options{
		Production:        cfg.IsProduction(),
		CORSOrigins:       cfg.CORSOrigins,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
		Logger:            logger,
		Tracer:            tracer,
		Meter:             meter,
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer j.Close()
		opts.Journal = j
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           server.New(rl, opts).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening",
			"addr", srv.Addr,
			"env", cfg.Env,
			"speech_backend", cfg.SpeechBackend,
			"journal", cfg.Journal.Path != "",
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "timeout", shutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("forced shutdown", "error", err)
			return srv.Close()
		}
		return nil
	})

	return g.Wait()
}
