// Package api exposes the analytics engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/analytics"
	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/api/stream"
	"github.com/lvonguyen/threatlens/internal/classifier"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/mitre"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/signature"
)

// Engine is the analytics surface served by the API.
type Engine interface {
	RecordRequest(sourceKey, userAgent, path, userID string) float64
	ScanContent(text string) bool
	Classify(input map[string]any) classifier.Result
	Status() analytics.Status
	Profile(key string) (profile.BehaviorProfile, bool)
	Block(key string) (profile.BehaviorProfile, bool)
	IsBlocked(key string) bool
	Signatures() []signature.ThreatSignature
	Predictions() []prediction.ThreatPrediction
	LatestPredictions(n int) []prediction.ThreatPrediction
	FeedSources() []feeds.FeedSourceRecord
	Techniques(threat string) []mitre.Mapping
	Technique(id string) (mitre.Technique, bool)
	Tactic(id string) (mitre.TacticDetail, bool)
	RunPredictionSweep(ctx context.Context) error
	RefreshFeeds(ctx context.Context) error
}

// Config holds request limits for the API.
type Config struct {
	Version        string
	MaxBatchSize   int
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// DefaultConfig returns the stock request limits.
func DefaultConfig() Config {
	return Config{
		Version:        "dev",
		MaxBatchSize:   1000,
		MaxBodyBytes:   1024 * 1024,
		RequestTimeout: 30 * time.Second,
	}
}

// Server routes HTTP requests to the engine. Optional collaborators left nil
// disable their routes.
type Server struct {
	engine  Engine
	config  Config
	logger  *zap.Logger
	metrics *observability.Metrics

	// Hub serves the live alert stream.
	Hub *stream.Hub

	// HEC is mounted at /services/collector.
	HEC *ingestion.HECReceiver

	// Forwarder ships alerts to Splunk; its counters appear on /status.
	Forwarder *ingestion.HECSender

	// RateLimiter guards the ingest and scan routes.
	RateLimiter *gateway.RateLimiter

	// MetricsHandler serves /metrics.
	MetricsHandler http.Handler

	// Ready reports dependency health for /ready.
	Ready func(ctx context.Context) error
}

// NewServer creates a server for engine.
func NewServer(engine Engine, cfg Config, metrics *observability.Metrics, logger *zap.Logger) *Server {
	def := DefaultConfig()
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = def.MaxBatchSize
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = def.MaxBodyBytes
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		engine:  engine,
		config:  cfg,
		logger:  logger.Named("api"),
		metrics: metrics,
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.instrument)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}
	if s.HEC != nil {
		r.Mount("/services/collector", s.HEC.Routes())
	}

	r.Route("/api/v1", func(r chi.Router) {
		if s.Hub != nil {
			r.Get("/alerts/stream", s.Hub.HandleWebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(s.config.RequestTimeout))

			r.Group(func(r chi.Router) {
				if s.RateLimiter != nil {
					r.Use(s.RateLimiter.Middleware(nil))
				}
				r.Post("/telemetry", s.handleTelemetry)
				r.Post("/telemetry/batch", s.handleTelemetryBatch)
				r.Post("/scan", s.handleScan)
			})

			r.Post("/classify", s.handleClassify)
			r.Get("/status", s.handleStatus)
			r.Get("/signatures", s.handleSignatures)
			r.Get("/predictions", s.handlePredictions)
			r.Get("/techniques", s.handleTechniques)
			r.Get("/techniques/{id}", s.handleTechnique)
			r.Get("/tactics/{id}", s.handleTactic)
			r.Get("/feeds", s.handleFeeds)
			r.Post("/feeds/refresh", s.handleRefreshFeeds)
			r.Post("/sweep", s.handleSweep)
			r.Get("/profiles/{key}", s.handleGetProfile)
			r.Post("/profiles/{key}/block", s.handleBlockProfile)
		})
	})

	return r
}

// instrument logs each request and records it against its route pattern.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		pattern := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, pattern, status, elapsed)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", pattern),
			zap.Int("status", status),
			zap.Duration("elapsed", elapsed),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
