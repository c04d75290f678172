// Package analytics is the behavioral threat-analytics engine: it profiles
// request sources, scores them for anomalies, escalates and blocks them,
// predicts imminent attacks and merges threat intelligence.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/alert"
	"github.com/lvonguyen/threatlens/internal/classifier"
	"github.com/lvonguyen/threatlens/internal/feeds"
	"github.com/lvonguyen/threatlens/internal/mitre"
	"github.com/lvonguyen/threatlens/internal/observability"
	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/scheduler"
	"github.com/lvonguyen/threatlens/internal/signature"
	"github.com/lvonguyen/threatlens/internal/zeroday"
)

var (
	// ErrServiceStopped is returned for work submitted after Shutdown.
	ErrServiceStopped = errors.New("analytics service stopped")
	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("analytics service already initialized")
)

// Background job names.
const (
	JobPredictionSweep = "prediction-sweep"
	JobFeedRefresh     = "feed-refresh"
)

const tracerName = "github.com/lvonguyen/threatlens/internal/analytics"

// Options configures a Service. Zero values select the defaults.
type Options struct {
	Scoring    profile.ScoringConfig
	Prediction prediction.Config

	MaxPaths  int
	Shards    int
	AutoBlock bool

	SweepInterval       time.Duration
	FeedRefreshInterval time.Duration
	FeedFetchTimeout    time.Duration

	ZeroDayIndicators  []string
	ExpectedSignatures uint

	Sources []feeds.Source
	Sink    alert.Sink
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Logger  *zap.Logger

	// Clock overrides time.Now for profile timestamps.
	Clock func() time.Time
}

// DefaultOptions returns the stock engine tuning with no feed sources.
func DefaultOptions() Options {
	return Options{
		Scoring:             profile.DefaultScoringConfig(),
		Prediction:          prediction.DefaultConfig(),
		MaxPaths:            50,
		Shards:              32,
		AutoBlock:           true,
		SweepInterval:       60 * time.Second,
		FeedRefreshInterval: 5 * time.Minute,
		FeedFetchTimeout:    30 * time.Second,
		ExpectedSignatures:  10000,
	}
}

// Status is a point-in-time summary of the engine. Active is true while the
// background jobs are scheduled.
type Status struct {
	Active               bool     `json:"active"`
	Jobs                 []string `json:"jobs"`
	SignatureCount       int      `json:"signature_count"`
	ProfileCount         int      `json:"profile_count"`
	PredictionCount      int      `json:"prediction_count"`
	PredictionsGenerated int64    `json:"predictions_generated"`
	BlockedCount         int      `json:"blocked_count"`
}

// Service owns the engine state and its background jobs. It is constructed
// once by the host process and shared by every caller.
type Service struct {
	registry   *signature.Registry
	store      *profile.Store
	scorer     *profile.Scorer
	classifier *classifier.Classifier
	scanner    *zeroday.Scanner
	predictor  *prediction.Engine
	attack     *mitre.AttackFramework
	aggregator *feeds.Aggregator
	scheduler  *scheduler.Scheduler

	sink         alert.Sink
	metrics      *observability.Metrics
	tracer       trace.Tracer
	logger       *zap.Logger
	fetchTimeout time.Duration

	mu          sync.Mutex
	initialized bool
	stopped     bool
}

// New wires a service from opts. Background jobs do not run until
// Initialize.
func New(opts Options) (*Service, error) {
	def := DefaultOptions()
	if opts.Scoring.RateThreshold == 0 && opts.Scoring.BlockThreshold == 0 {
		opts.Scoring = def.Scoring
	}
	if err := opts.Scoring.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scoring config: %w", err)
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.FeedRefreshInterval <= 0 {
		opts.FeedRefreshInterval = def.FeedRefreshInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer(tracerName)
	}

	logger := opts.Logger.Named("analytics")

	var sink alert.Sink = alert.Nop{}
	if opts.Sink != nil {
		sink = alert.NewFanout(logger, opts.Sink)
	}

	registry := signature.NewRegistry(opts.ExpectedSignatures)
	scorer := profile.NewScorer(opts.Scoring)
	attack := mitre.NewAttackFramework(logger)
	store := techniqueStore{Registry: registry, attack: attack}

	sources := make([]feeds.Source, 0, len(opts.Sources))
	for _, src := range opts.Sources {
		sources = append(sources, instrumentedSource{Source: src, metrics: opts.Metrics})
	}

	s := &Service{
		registry: registry,
		store: profile.NewStore(scorer, profile.StoreConfig{
			MaxPaths:  opts.MaxPaths,
			AutoBlock: opts.AutoBlock,
			Shards:    opts.Shards,
			Clock:     opts.Clock,
		}),
		scorer:       scorer,
		classifier:   classifier.New(),
		scanner:      zeroday.NewScanner(store, opts.ZeroDayIndicators, logger),
		predictor:    prediction.NewEngine(opts.Prediction, attack, logger),
		attack:       attack,
		aggregator:   feeds.NewAggregator(store, logger, sources...),
		scheduler:    scheduler.New(logger),
		sink:         sink,
		metrics:      opts.Metrics,
		tracer:       opts.Tracer,
		logger:       logger,
		fetchTimeout: opts.FeedFetchTimeout,
	}

	s.scheduler.SetObserver(opts.Metrics.ObserveJob)
	if err := s.scheduler.Add(scheduler.Job{
		Name:     JobPredictionSweep,
		Interval: opts.SweepInterval,
		Run:      s.sweep,
	}); err != nil {
		return nil, err
	}
	if err := s.scheduler.Add(scheduler.Job{
		Name:     JobFeedRefresh,
		Interval: opts.FeedRefreshInterval,
		Run:      s.refresh,
	}); err != nil {
		return nil, err
	}

	return s, nil
}

// Initialize connects the feed sources, loads their first batch of
// signatures and starts the background jobs. A failed initial refresh is
// logged and does not fail initialization. The service stays inactive
// until the jobs start; a failed Initialize may be retried.
func (s *Service) Initialize(ctx context.Context) (err error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrServiceStopped
	}
	if s.initialized {
		s.mu.Unlock()
		return ErrAlreadyInitialized
	}
	s.initialized = true
	s.mu.Unlock()

	defer func() {
		if err != nil {
			s.mu.Lock()
			s.initialized = false
			s.mu.Unlock()
		}
	}()

	if err := s.aggregator.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect threat feeds: %w", err)
	}
	if err := s.scheduler.RunNow(ctx, JobFeedRefresh); err != nil {
		s.logger.Warn("Initial threat feed refresh incomplete", zap.Error(err))
	}
	if err := s.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			return ErrServiceStopped
		}
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	s.logger.Info("Threat analytics engine initialized",
		zap.Int("feed_sources", s.aggregator.Sources()),
		zap.Int("signatures", s.registry.Len()),
	)
	return nil
}

// Shutdown stops the background jobs and waits for in-flight runs, bounded
// by ctx. Later manual runs fail with ErrServiceStopped. Shutdown is
// idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	err := s.scheduler.Stop(ctx)
	s.logger.Info("Threat analytics engine stopped", zap.Error(err))
	return err
}

// RecordRequest applies one telemetry event to the source's profile and
// returns its anomaly score. Escalation notifications fire once per
// crossing.
func (s *Service) RecordRequest(sourceKey, userAgent, path, userID string) float64 {
	p, tr := s.store.RecordRequest(sourceKey, userAgent, path, userID)
	s.metrics.ObserveRequest(p.AnomalyScore)

	if tr.EnteredSuspicious() {
		s.metrics.ObserveTransition(string(profile.StateSuspicious))
		s.logger.Debug("Source escalated to suspicious",
			zap.String("source", p.Key),
			zap.Float64("anomaly_score", p.AnomalyScore),
		)
		s.sink.OnSuspiciousBehavior(p)
	}
	if tr.EnteredBlocked() {
		s.metrics.ObserveTransition(string(profile.StateBlocked))
		s.logger.Info("Source blocked",
			zap.String("source", p.Key),
			zap.Float64("anomaly_score", p.AnomalyScore),
		)
		s.sink.OnBlocked(p)
	}
	return p.AnomalyScore
}

// ScanContent reports whether text carries exploit indicators. A hit
// records a zero-day signature and notifies the sink.
func (s *Service) ScanContent(text string) bool {
	sig, found := s.scanner.Scan(text)
	s.metrics.ObserveScan(found)
	if found {
		if stored, ok := s.registry.Get(sig.ID); ok {
			sig = stored
		}
		s.sink.OnZeroDayDetected(sig)
	}
	return found
}

// Classify matches input against the known attack categories.
func (s *Service) Classify(input map[string]any) classifier.Result {
	res := s.classifier.Classify(input)
	s.metrics.ObserveClassification(res.Type)
	return res
}

// Status returns the current engine summary.
func (s *Service) Status() Status {
	return Status{
		Active:               s.scheduler.Running(),
		Jobs:                 s.scheduler.Jobs(),
		SignatureCount:       s.registry.Len(),
		ProfileCount:         s.store.Len(),
		PredictionCount:      s.predictor.Len(),
		PredictionsGenerated: s.predictor.Total(),
		BlockedCount:         s.store.BlockedCount(),
	}
}

// Profile returns a snapshot of the profile for key.
func (s *Service) Profile(key string) (profile.BehaviorProfile, bool) {
	return s.store.Get(key)
}

// Block blocks key. It reports whether the call changed the profile; only
// a change notifies the sink.
func (s *Service) Block(key string) (profile.BehaviorProfile, bool) {
	p, changed := s.store.Block(key)
	if changed {
		s.metrics.ObserveTransition(string(profile.StateBlocked))
		s.logger.Info("Source blocked manually", zap.String("source", p.Key))
		s.sink.OnBlocked(p)
	}
	return p, changed
}

// IsBlocked reports whether key is blocked.
func (s *Service) IsBlocked(key string) bool {
	return s.store.IsBlocked(key)
}

// Signatures returns every registered signature ordered by ID.
func (s *Service) Signatures() []signature.ThreatSignature {
	return s.registry.All()
}

// Predictions returns the retained predictions, oldest first.
func (s *Service) Predictions() []prediction.ThreatPrediction {
	return s.predictor.Recent()
}

// LatestPredictions returns the newest n retained predictions, oldest first.
func (s *Service) LatestPredictions(n int) []prediction.ThreatPrediction {
	return s.predictor.Latest(n)
}

// FeedSources returns one record per configured feed source.
func (s *Service) FeedSources() []feeds.FeedSourceRecord {
	return s.aggregator.Records()
}

// Techniques maps a predicted threat label to ATT&CK techniques.
func (s *Service) Techniques(threat string) []mitre.Mapping {
	return s.attack.MapThreat(threat)
}

// Technique looks up an ATT&CK technique by ID.
func (s *Service) Technique(id string) (mitre.Technique, bool) {
	t, ok := s.attack.GetTechnique(id)
	if !ok {
		return mitre.Technique{}, false
	}
	return *t, true
}

// Tactic looks up an ATT&CK tactic by ID or short name, with its techniques.
func (s *Service) Tactic(id string) (mitre.TacticDetail, bool) {
	return s.attack.DescribeTactic(id)
}

// RunPredictionSweep runs the predictive sweep now.
func (s *Service) RunPredictionSweep(ctx context.Context) error {
	return s.runNow(ctx, JobPredictionSweep)
}

// RefreshFeeds refreshes every feed source now.
func (s *Service) RefreshFeeds(ctx context.Context) error {
	return s.runNow(ctx, JobFeedRefresh)
}

func (s *Service) runNow(ctx context.Context, job string) error {
	err := s.scheduler.RunNow(ctx, job)
	if errors.Is(err, scheduler.ErrStopped) {
		return ErrServiceStopped
	}
	return err
}

func (s *Service) sweep(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "analytics.PredictionSweep")
	defer span.End()

	profiles := s.store.All()
	preds := s.predictor.Predict(profiles)
	for _, p := range preds {
		s.metrics.ObservePrediction(p.PredictedThreat, string(p.Timeframe))
	}
	if len(preds) > 0 {
		s.logger.Info("Threat predictions generated",
			zap.Int("profiles", len(profiles)),
			zap.Int("predictions", len(preds)),
		)
		s.sink.OnPredictionsGenerated(preds)
	}
	s.updateInventory()

	span.SetAttributes(
		attribute.Int("profiles", len(profiles)),
		attribute.Int("predictions", len(preds)),
	)
	return nil
}

func (s *Service) refresh(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "analytics.RefreshFeeds")
	defer span.End()

	if s.fetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.fetchTimeout)
		defer cancel()
	}

	added, err := s.aggregator.Refresh(ctx)
	s.updateInventory()

	span.SetAttributes(
		attribute.Int("sources", s.aggregator.Sources()),
		attribute.Int("signatures_added", added),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "feed refresh incomplete")
		return fmt.Errorf("feed refresh: %w", err)
	}
	return nil
}

func (s *Service) updateInventory() {
	s.metrics.SetInventory(s.registry.Len(), s.store.Len(), s.store.BlockedCount())
}

// techniqueStore tags signatures with the ATT&CK techniques for their type
// before storing them.
type techniqueStore struct {
	*signature.Registry
	attack *mitre.AttackFramework
}

func (s techniqueStore) Upsert(sig signature.ThreatSignature) error {
	if len(sig.Techniques) == 0 {
		sig.Techniques = s.attack.TechniquesForType(sig.Type)
	}
	return s.Registry.Upsert(sig)
}

// instrumentedSource counts fetch outcomes per source.
type instrumentedSource struct {
	feeds.Source
	metrics *observability.Metrics
}

func (s instrumentedSource) Fetch(ctx context.Context) ([]signature.ThreatSignature, error) {
	sigs, err := s.Source.Fetch(ctx)
	s.metrics.ObserveFeedFetch(s.Name(), err != nil)
	return sigs, err
}
