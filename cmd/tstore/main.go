package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/INLOpen/tstore/config"
	"github.com/INLOpen/tstore/engine"
	"github.com/INLOpen/tstore/hooks"
	"github.com/INLOpen/tstore/hooks/listeners"
	"github.com/INLOpen/tstore/server"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider creates an OpenTelemetry TracerProvider exporting to the
// configured OTLP collector. When tracing is disabled the provider records
// nothing.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("tstore")))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("Shutting down tracer provider...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	mode := flag.String("mode", "inspect", "Run mode: load or inspect")
	dataDir := flag.String("data-dir", "", "Override store.data_dir")
	var wl workload
	flag.IntVar(&wl.Ops, "ops", 10000, "load: number of operations")
	flag.IntVar(&wl.ValueSize, "value-size", 128, "load: value size in bytes")
	flag.IntVar(&wl.CheckpointEvery, "checkpoint-every", 1000, "load: operations between checkpoints")
	flag.Float64Var(&wl.UpdateRatio, "update-ratio", 0.3, "load: share of operations that update a live key")
	flag.Float64Var(&wl.DeleteRatio, "delete-ratio", 0.2, "load: share of operations that remove a live key")
	flag.Int64Var(&wl.Seed, "seed", 1, "load: random seed")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	if *dataDir != "" {
		cfg.Store.DataDir = *dataDir
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(cfg, *mode, wl, logger, os.Stdout); err != nil {
		logger.Error("tstore failed", "mode", *mode, "error", err)
		if logCloser != nil {
			logCloser.Close()
		}
		os.Exit(1)
	}
}

func run(cfg *config.Config, mode string, wl workload, logger *slog.Logger, out io.Writer) error {
	if mode != "load" && mode != "inspect" {
		return fmt.Errorf("unknown mode %q", mode)
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	opts, err := engine.OptionsFromConfig(cfg, logger)
	if err != nil {
		return err
	}
	hm := hooks.NewHookManager(logger)
	defer hm.Stop()
	mergeLog := listeners.NewMergeLogListener(logger, false)
	mergeLog.Register(hm)
	opts.Hooks = hm
	opts.TracerProvider = tp

	logger.Info("Opening store", "path", opts.Dir)
	e, err := engine.Open(opts)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer func() {
		if err := e.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()

	if cfg.Debug.Enabled {
		metricSrv := server.NewMetricsServer(&cfg.Debug, e, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer metricSrv.Stop()

		interval := config.ParseDuration(cfg.Debug.SystemMetricsInterval, 15*time.Second, logger)
		collector := server.NewSystemCollector(opts.Dir, interval, logger)
		collector.Start()
		defer collector.Stop()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mode == "load" {
		res, err := wl.run(ctx, e, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "ops=%d adds=%d updates=%d removes=%d live=%d checkpoints=%d\n",
			res.Ops, res.Adds, res.Updates, res.Removes, res.Live, res.Checkpoints)
		merges, tombstones, superseded, deleted := mergeLog.Totals()
		fmt.Fprintf(out, "merges=%d dropped_tombstones=%d dropped_superseded=%d deleted_files=%d\n",
			merges, tombstones, superseded, deleted)
	}
	return printTable(out, e)
}
