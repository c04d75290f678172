package profile

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// ScoringConfig holds the anomaly scoring weights and thresholds.
type ScoringConfig struct {
	RateThreshold         float64  `yaml:"rate_threshold"` // requests per second
	RateWeight            float64  `yaml:"rate_weight"`
	PathWeight            float64  `yaml:"path_weight"`
	UserAgentWeight       float64  `yaml:"user_agent_weight"`
	MinUserAgentLength    int      `yaml:"min_user_agent_length"`
	SuspiciousPathTokens  []string `yaml:"suspicious_path_tokens"`
	SuspiciousAgentTokens []string `yaml:"suspicious_agent_tokens"`
	SuspiciousThreshold   float64  `yaml:"suspicious_threshold"`
	BlockThreshold        float64  `yaml:"block_threshold"`
}

// DefaultScoringConfig returns the reference tuning.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		RateThreshold:         10,
		RateWeight:            0.3,
		PathWeight:            0.4,
		UserAgentWeight:       0.3,
		MinUserAgentLength:    10,
		SuspiciousPathTokens:  []string{"admin", "config", "..", "script"},
		SuspiciousAgentTokens: []string{"bot", "crawler"},
		SuspiciousThreshold:   0.8,
		BlockThreshold:        0.9,
	}
}

// Validate checks weights and thresholds for sane ranges.
func (c ScoringConfig) Validate() error {
	for name, w := range map[string]float64{
		"rate_weight":       c.RateWeight,
		"path_weight":       c.PathWeight,
		"user_agent_weight": c.UserAgentWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be within [0,1], got %v", name, w)
		}
	}
	if c.RateThreshold <= 0 {
		return fmt.Errorf("rate_threshold must be positive, got %v", c.RateThreshold)
	}
	if c.SuspiciousThreshold <= 0 || c.SuspiciousThreshold > 1 {
		return fmt.Errorf("suspicious_threshold must be within (0,1], got %v", c.SuspiciousThreshold)
	}
	if c.BlockThreshold < c.SuspiciousThreshold || c.BlockThreshold > 1 {
		return fmt.Errorf("block_threshold must be within [suspicious_threshold,1], got %v", c.BlockThreshold)
	}
	return nil
}

// Scorer computes anomaly scores. It holds no mutable state, so one
// Scorer is safe to share across goroutines.
type Scorer struct {
	cfg ScoringConfig
}

// NewScorer creates a scorer with the given configuration.
func NewScorer(cfg ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Config returns the scorer's configuration.
func (s *Scorer) Config() ScoringConfig {
	return s.cfg
}

// Score returns the anomaly score of p in [0,1]. The profile's LastSeen is
// used as the current time, so the result depends only on profile fields.
func (s *Scorer) Score(p BehaviorProfile) float64 {
	score := s.rateTerm(p) + s.pathTerm(p) + s.userAgentTerm(p)
	return clamp01(score)
}

func (s *Scorer) rateTerm(p BehaviorProfile) float64 {
	elapsed := p.LastSeen.Sub(p.FirstSeen).Seconds()
	if elapsed < 1 {
		elapsed = 1
	}
	if float64(p.RequestCount)/elapsed > s.cfg.RateThreshold {
		return s.cfg.RateWeight
	}
	return 0
}

func (s *Scorer) pathTerm(p BehaviorProfile) float64 {
	if len(p.ObservedPaths) == 0 {
		return 0
	}
	suspicious := 0
	for _, path := range p.ObservedPaths {
		if containsAny(path, s.cfg.SuspiciousPathTokens) {
			suspicious++
		}
	}
	return float64(suspicious) / float64(len(p.ObservedPaths)) * s.cfg.PathWeight
}

func (s *Scorer) userAgentTerm(p BehaviorProfile) float64 {
	if utf8.RuneCountInString(p.UserAgent) < s.cfg.MinUserAgentLength {
		return s.cfg.UserAgentWeight
	}
	if containsAny(strings.ToLower(p.UserAgent), s.cfg.SuspiciousAgentTokens) {
		return s.cfg.UserAgentWeight
	}
	return 0
}

// StateFor maps a score to the state the thresholds place it in.
func (s *Scorer) StateFor(score float64) State {
	switch {
	case score >= s.cfg.BlockThreshold:
		return StateBlocked
	case score >= s.cfg.SuspiciousThreshold:
		return StateSuspicious
	default:
		return StateObserved
	}
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(s, tok) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
