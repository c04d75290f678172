// Package prediction turns high-risk behavior profiles into forward-looking
// threat predictions.
package prediction

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/profile"
)

// Timeframe is the window in which a predicted threat is expected.
type Timeframe string

const (
	TimeframeImmediate  Timeframe = "immediate"   // 0-5 minutes
	TimeframeShortTerm  Timeframe = "short-term"  // 5-30 minutes
	TimeframeMediumTerm Timeframe = "medium-term" // 30-120 minutes
)

// Window returns the human-readable window for the timeframe.
func (t Timeframe) Window() string {
	switch t {
	case TimeframeImmediate:
		return "0-5 min"
	case TimeframeShortTerm:
		return "5-30 min"
	case TimeframeMediumTerm:
		return "30-120 min"
	default:
		return ""
	}
}

// Predicted threat labels.
const (
	ThreatDDoS      = "DDoS Attack"
	ThreatXSS       = "XSS Injection"
	ThreatSQL       = "SQL Injection"
	ThreatAutomated = "Automated Attack"
	ThreatAnomalous = "Anomalous Behavior"
)

// Recommended actions.
const (
	ActionRateLimit          = "rate limiting"
	ActionTemporaryBlock     = "temporary IP block"
	ActionEnhancedMonitoring = "enhanced monitoring"
	ActionIncidentResponse   = "incident response preparation"
	ActionInjectionFilter    = "enable injection protection"
	ActionAuditQueries       = "audit database queries"
)

// ThreatPrediction is a forward-looking classification of one source.
type ThreatPrediction struct {
	ID                 string    `json:"id"`
	SourceKey          string    `json:"source_key"`
	PredictedThreat    string    `json:"predicted_threat"`
	Probability        float64   `json:"probability"`
	Timeframe          Timeframe `json:"timeframe"`
	Indicators         []string  `json:"indicators"`
	RecommendedActions []string  `json:"recommended_actions"`
	Techniques         []string  `json:"techniques,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
}

// Config holds prediction thresholds.
type Config struct {
	MinScore            float64  `yaml:"min_score"`
	ImmediateScore      float64  `yaml:"immediate_score"`
	ShortTermScore      float64  `yaml:"short_term_score"`
	MonitoringScore     float64  `yaml:"monitoring_score"`
	DDoSRequests        int64    `yaml:"ddos_requests"`
	RateLimitRequests   int64    `yaml:"rate_limit_requests"`
	InjectionIndicators []string `yaml:"injection_indicators"`
	BufferSize          int      `yaml:"buffer_size"`
}

// DefaultConfig returns the stock prediction thresholds.
func DefaultConfig() Config {
	return Config{
		MinScore:            0.7,
		ImmediateScore:      0.9,
		ShortTermScore:      0.8,
		MonitoringScore:     0.8,
		DDoSRequests:        1000,
		RateLimitRequests:   500,
		InjectionIndicators: []string{"script", "union", "select"},
		BufferSize:          100,
	}
}

// withDefaults fills every unset threshold from DefaultConfig.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinScore <= 0 {
		c.MinScore = def.MinScore
	}
	if c.ImmediateScore <= 0 {
		c.ImmediateScore = def.ImmediateScore
	}
	if c.ShortTermScore <= 0 {
		c.ShortTermScore = def.ShortTermScore
	}
	if c.MonitoringScore <= 0 {
		c.MonitoringScore = def.MonitoringScore
	}
	if c.DDoSRequests <= 0 {
		c.DDoSRequests = def.DDoSRequests
	}
	if c.RateLimitRequests <= 0 {
		c.RateLimitRequests = def.RateLimitRequests
	}
	if len(c.InjectionIndicators) == 0 {
		c.InjectionIndicators = def.InjectionIndicators
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	return c
}

// TechniqueMapper resolves a predicted threat to ATT&CK technique IDs.
type TechniqueMapper interface {
	TechniquesFor(threat string) []string
}

// Engine produces predictions and retains the most recent ones.
type Engine struct {
	cfg    Config
	mapper TechniqueMapper
	buffer *RingBuffer[ThreatPrediction]
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates a prediction engine. mapper may be nil.
func NewEngine(cfg Config, mapper TechniqueMapper, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		cfg:    cfg,
		mapper: mapper,
		buffer: NewRingBuffer[ThreatPrediction](cfg.BufferSize),
		logger: logger,
		now:    time.Now,
	}
}

// Predict evaluates every profile whose score exceeds the minimum, stores the
// resulting predictions and returns them. A profile that fails to evaluate is
// logged and skipped.
func (e *Engine) Predict(profiles []profile.BehaviorProfile) []ThreatPrediction {
	var out []ThreatPrediction
	for _, p := range profiles {
		if p.AnomalyScore <= e.cfg.MinScore {
			continue
		}
		pred, err := e.safePredict(p)
		if err != nil {
			e.logger.Error("Prediction failed for profile",
				zap.String("source_key", p.Key),
				zap.Error(err),
			)
			continue
		}
		out = append(out, pred)
	}

	if len(out) > 0 {
		e.buffer.Write(out)
		e.logger.Info("Generated threat predictions", zap.Int("count", len(out)))
	}
	return out
}

// Recent returns the retained predictions, oldest first.
func (e *Engine) Recent() []ThreatPrediction {
	return e.buffer.ReadAll()
}

// Latest returns the newest n retained predictions, oldest first.
func (e *Engine) Latest(n int) []ThreatPrediction {
	return e.buffer.ReadLast(n)
}

// Len returns how many predictions are retained.
func (e *Engine) Len() int {
	return e.buffer.Len()
}

// Total returns how many predictions were ever generated, including those
// evicted from the buffer.
func (e *Engine) Total() int64 {
	return e.buffer.TotalAdded()
}

func (e *Engine) safePredict(p profile.BehaviorProfile) (pred ThreatPrediction, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while predicting: %v", r)
		}
	}()
	return e.predictOne(p), nil
}

func (e *Engine) predictOne(p profile.BehaviorProfile) ThreatPrediction {
	paths := lowerAll(p.ObservedPaths)
	threat := e.classify(p, paths)

	pred := ThreatPrediction{
		ID:                 uuid.NewString(),
		SourceKey:          p.Key,
		PredictedThreat:    threat,
		Probability:        p.AnomalyScore,
		Timeframe:          e.timeframe(p.AnomalyScore),
		Indicators:         dedupe(p.ObservedPaths),
		RecommendedActions: e.actions(p, paths),
		Timestamp:          e.now(),
	}
	if e.mapper != nil {
		pred.Techniques = e.mapper.TechniquesFor(threat)
	}
	return pred
}

func (e *Engine) classify(p profile.BehaviorProfile, paths []string) string {
	switch {
	case p.RequestCount > e.cfg.DDoSRequests:
		return ThreatDDoS
	case anyContains(paths, "script"):
		return ThreatXSS
	case anyContains(paths, "union"):
		return ThreatSQL
	case strings.Contains(strings.ToLower(p.UserAgent), "bot"):
		return ThreatAutomated
	default:
		return ThreatAnomalous
	}
}

func (e *Engine) timeframe(score float64) Timeframe {
	switch {
	case score >= e.cfg.ImmediateScore:
		return TimeframeImmediate
	case score >= e.cfg.ShortTermScore:
		return TimeframeShortTerm
	default:
		return TimeframeMediumTerm
	}
}

func (e *Engine) actions(p profile.BehaviorProfile, paths []string) []string {
	actions := make([]string, 0, 6)
	if p.RequestCount > e.cfg.RateLimitRequests {
		actions = append(actions, ActionRateLimit, ActionTemporaryBlock)
	}
	if p.AnomalyScore > e.cfg.MonitoringScore {
		actions = append(actions, ActionEnhancedMonitoring, ActionIncidentResponse)
	}
	for _, ind := range e.cfg.InjectionIndicators {
		if anyContains(paths, ind) {
			actions = append(actions, ActionInjectionFilter, ActionAuditQueries)
			break
		}
	}
	return actions
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func anyContains(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}

// dedupe keeps the first occurrence of each value.
func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
