package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "threatlens"

// Metrics holds Prometheus metrics for ThreatLens. All recording methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	// Behavior metrics
	RequestsRecorded prometheus.Counter
	AnomalyScore     prometheus.Histogram
	StateTransitions *prometheus.CounterVec
	ProfilesActive   prometheus.Gauge
	BlockedSources   prometheus.Gauge

	// Detection metrics
	Predictions       *prometheus.CounterVec
	ZeroDayDetections prometheus.Counter
	ContentScans      *prometheus.CounterVec
	Classifications   *prometheus.CounterVec
	SignaturesActive  prometheus.Gauge

	// Feed metrics
	FeedFetches *prometheus.CounterVec

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// System metrics
	GoroutineCount prometheus.Gauge
	MemoryUsage    prometheus.Gauge

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// NewMetrics registers the engine metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsRecorded: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_recorded_total",
				Help:      "Total telemetry events applied to behavior profiles",
			},
		),
		AnomalyScore: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "anomaly_score",
				Help:      "Distribution of anomaly scores after each recorded request",
				Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "state_transitions_total",
				Help:      "Profile escalations by target state",
			},
			[]string{"state"},
		),
		ProfilesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "profiles_active",
				Help:      "Behavior profiles currently held",
			},
		),
		BlockedSources: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "blocked_sources",
				Help:      "Sources currently blocked",
			},
		),
		Predictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "predictions_total",
				Help:      "Threat predictions by threat and timeframe",
			},
			[]string{"threat", "timeframe"},
		),
		ZeroDayDetections: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "zero_day_detections_total",
				Help:      "Content scans that produced a zero-day signature",
			},
		),
		ContentScans: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "content_scans_total",
				Help:      "Content scans by outcome",
			},
			[]string{"detected"},
		),
		Classifications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classifications_total",
				Help:      "Classifier results by threat type",
			},
			[]string{"type"},
		),
		SignaturesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "signatures_active",
				Help:      "Signatures held in the registry",
			},
		),
		FeedFetches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feed_fetches_total",
				Help:      "Threat feed fetches by source and status",
			},
			[]string{"source", "status"},
		),
		JobRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "job_runs_total",
				Help:      "Background job runs by job and status",
			},
			[]string{"job", "status"},
		),
		JobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Background job duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"job"},
		),
		GoroutineCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutine_count",
				Help:      "Current goroutine count",
			},
		),
		MemoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"method", "path"},
		),
	}
}

// ObserveRequest records one applied telemetry event and its score.
func (m *Metrics) ObserveRequest(score float64) {
	if m == nil {
		return
	}
	m.RequestsRecorded.Inc()
	m.AnomalyScore.Observe(score)
}

// ObserveTransition counts an escalation into state.
func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(state).Inc()
}

// ObservePrediction counts one prediction.
func (m *Metrics) ObservePrediction(threat, timeframe string) {
	if m == nil {
		return
	}
	m.Predictions.WithLabelValues(threat, timeframe).Inc()
}

// ObserveScan counts one content scan.
func (m *Metrics) ObserveScan(detected bool) {
	if m == nil {
		return
	}
	m.ContentScans.WithLabelValues(strconv.FormatBool(detected)).Inc()
	if detected {
		m.ZeroDayDetections.Inc()
	}
}

// ObserveClassification counts one classifier result.
func (m *Metrics) ObserveClassification(threatType string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(threatType).Inc()
}

// ObserveFeedFetch counts one source fetch.
func (m *Metrics) ObserveFeedFetch(source string, failed bool) {
	if m == nil {
		return
	}
	m.FeedFetches.WithLabelValues(source, status(failed)).Inc()
}

// ObserveJob records one background job run. Its signature matches the
// scheduler's run observer.
func (m *Metrics) ObserveJob(job string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(job, status(err != nil)).Inc()
	m.JobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}

// SetInventory updates the point-in-time gauges.
func (m *Metrics) SetInventory(signatures, profiles, blocked int) {
	if m == nil {
		return
	}
	m.SignaturesActive.Set(float64(signatures))
	m.ProfilesActive.Set(float64(profiles))
	m.BlockedSources.Set(float64(blocked))
}

// ObserveHTTP records one served HTTP request.
func (m *Metrics) ObserveHTTP(method, path string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

func status(failed bool) string {
	if failed {
		return "error"
	}
	return "success"
}
