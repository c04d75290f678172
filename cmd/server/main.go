// Package main provides the entry point for the ThreatLens server.
// ThreatLens profiles request sources, scores them for anomalous behavior
// and correlates them with threat intelligence.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/alert"
	"github.com/lvonguyen/threatlens/internal/analytics"
	"github.com/lvonguyen/threatlens/internal/api"
	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/api/stream"
	"github.com/lvonguyen/threatlens/internal/config"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/observability"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatLens %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "threatlens: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	tel, err := observability.New(observability.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Telemetry.Environment,
		LogLevel:       cfg.Logging.Level,
		LogFormat:      cfg.Logging.Format,
		TracingEnabled: cfg.Telemetry.TracingEnabled,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger()
	defer tel.Shutdown(context.Background())

	logger.Info("Starting ThreatLens",
		zap.String("version", Version),
		zap.String("commit", GitCommit),
		zap.String("config", configPath),
		zap.Strings("sinks", cfg.EnabledSinks()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel.StartSystemMetricsCollector(ctx, 15*time.Second)

	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.RedisPassword(),
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(ctx, cfg.Redis.DialTimeout)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable, continuing without it", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
	}

	// Alert sinks. Queued sinks outlive the signal context and are stopped
	// only after the engine has drained.
	background := newBackgroundSinks()
	defer background.cancel()

	sinks := alert.NewFanout(logger)
	if cfg.Alerts.Log {
		sinks.Add(alert.NewLogSink(logger))
	}
	if cfg.Alerts.Redis.Enabled && rdb != nil {
		redisSink := alert.NewRedisSink(rdb, alert.RedisConfig{
			Channel:   cfg.Alerts.Redis.Channel,
			Timeout:   cfg.Alerts.Redis.Timeout,
			QueueSize: cfg.Alerts.Redis.QueueSize,
		}, logger)
		background.Go(redisSink.Run)
		sinks.Add(redisSink)
	}

	var hub *stream.Hub
	if cfg.Alerts.WebSocket.Enabled {
		hub = stream.NewHub(cfg.Alerts.WebSocket.ClientBuffer, logger)
		background.Go(hub.Run)
		sinks.Add(hub.Sink())
	}

	var sender *ingestion.HECSender
	if cfg.Alerts.Splunk.Enabled {
		sender, err = ingestion.NewHECSender(cfg.Alerts.Splunk.HEC, logger)
		if err != nil {
			return fmt.Errorf("failed to create Splunk alert sender: %w", err)
		}
		background.Go(sender.Run)
		sinks.Add(sender.Sink())
	}

	// Analytics engine
	opts, err := analytics.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	opts.Sink = sinks
	opts.Metrics = tel.Metrics()
	opts.Tracer = tel.Tracer()
	opts.Logger = logger

	svc, err := analytics.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create analytics service: %w", err)
	}
	if err := svc.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize analytics service: %w", err)
	}

	// HTTP API
	server := api.NewServer(svc, api.Config{
		Version:        Version,
		MaxBatchSize:   cfg.Server.MaxBatchSize,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, tel.Metrics(), logger)
	server.Hub = hub
	server.Forwarder = sender
	if cfg.Telemetry.MetricsEnabled {
		server.MetricsHandler = tel.MetricsHandler()
	}
	if cfg.RateLimit.Enabled && rdb != nil {
		server.RateLimiter = gateway.NewRateLimiter(rdb, cfg.RateLimit.Limits, logger)
	}
	if cfg.HEC.Enabled {
		server.HEC = ingestion.NewHECReceiver(cfg.HEC.Receiver, ingestion.TelemetryHandler(svc), logger)
	}
	if rdb != nil {
		server.Ready = func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error("Analytics shutdown error", zap.Error(err))
	}

	if err := background.Stop(shutdownCtx); err != nil {
		logger.Warn("Timed out flushing alert sinks", zap.Error(err))
	}

	logger.Info("Server stopped")
	return nil
}

// loadConfig reads path when it exists and falls back to the defaults
// otherwise.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return config.DefaultConfig(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}
