package profile

import (
	"math"
	"testing"
	"time"
)

var epoch = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

const browserUA = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"

func approxEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestScore_Terms(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	tests := []struct {
		name    string
		profile BehaviorProfile
		want    float64
	}{
		{
			name: "quiet browser",
			profile: BehaviorProfile{
				UserAgent:     browserUA,
				RequestCount:  5,
				ObservedPaths: []string{"/", "/home", "/about"},
				FirstSeen:     epoch,
				LastSeen:      epoch.Add(time.Minute),
			},
			want: 0,
		},
		{
			name: "rate only",
			profile: BehaviorProfile{
				UserAgent:     browserUA,
				RequestCount:  1200,
				ObservedPaths: []string{"/"},
				FirstSeen:     epoch,
				LastSeen:      epoch.Add(60 * time.Second),
			},
			want: 0.3,
		},
		{
			name: "half suspicious paths",
			profile: BehaviorProfile{
				UserAgent:     browserUA,
				RequestCount:  4,
				ObservedPaths: []string{"/admin", "/index", "/../etc/passwd", "/home"},
				FirstSeen:     epoch,
				LastSeen:      epoch.Add(time.Minute),
			},
			want: 0.2,
		},
		{
			name: "path tokens are case sensitive",
			profile: BehaviorProfile{
				UserAgent:     browserUA,
				RequestCount:  1,
				ObservedPaths: []string{"/ADMIN"},
				FirstSeen:     epoch,
				LastSeen:      epoch,
			},
			want: 0,
		},
		{
			name: "crawler agent",
			profile: BehaviorProfile{
				UserAgent:     "Mozilla/5.0 (compatible; SomeCrawler/2.1)",
				RequestCount:  1,
				ObservedPaths: []string{"/"},
				FirstSeen:     epoch,
				LastSeen:      epoch,
			},
			want: 0.3,
		},
		{
			name: "short agent",
			profile: BehaviorProfile{
				UserAgent:     "curl/8",
				RequestCount:  1,
				ObservedPaths: []string{"/"},
				FirstSeen:     epoch,
				LastSeen:      epoch,
			},
			want: 0.3,
		},
		{
			name: "everything clamps to one",
			profile: BehaviorProfile{
				UserAgent:     "bot",
				RequestCount:  500,
				ObservedPaths: []string{"/admin", "/config", "/script.js"},
				FirstSeen:     epoch,
				LastSeen:      epoch.Add(2 * time.Second),
			},
			want: 1,
		},
		{
			name:    "empty profile",
			profile: BehaviorProfile{},
			want:    0.3, // empty user agent is shorter than the minimum
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.Score(tt.profile)
			if !approxEqual(got, tt.want) {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestScore_Deterministic verifies that scoring the same profile repeatedly,
// interleaved with other profiles, always yields the same value.
func TestScore_Deterministic(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	a := BehaviorProfile{
		UserAgent:     "python-requests/2.31",
		RequestCount:  90,
		ObservedPaths: []string{"/admin", "/", "/config"},
		FirstSeen:     epoch,
		LastSeen:      epoch.Add(5 * time.Second),
	}
	b := BehaviorProfile{UserAgent: browserUA, RequestCount: 1, FirstSeen: epoch, LastSeen: epoch}

	first := s.Score(a)
	for i := 0; i < 50; i++ {
		s.Score(b)
		if got := s.Score(a); got != first {
			t.Fatalf("iteration %d: score changed from %v to %v", i, first, got)
		}
	}
}

func TestScore_ElapsedFloor(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	// A single request at creation time must not look like an infinite rate.
	p := BehaviorProfile{UserAgent: browserUA, RequestCount: 1, ObservedPaths: []string{"/"}, FirstSeen: epoch, LastSeen: epoch}
	if got := s.Score(p); got != 0 {
		t.Errorf("first request scored %v, want 0", got)
	}

	// Eleven requests inside the first second do exceed the threshold.
	p.RequestCount = 11
	if got := s.Score(p); !approxEqual(got, 0.3) {
		t.Errorf("burst scored %v, want 0.3", got)
	}
}

func TestScore_CustomWeights(t *testing.T) {
	cfg := DefaultScoringConfig()
	cfg.PathWeight = 1.0
	cfg.UserAgentWeight = 0
	s := NewScorer(cfg)

	p := BehaviorProfile{
		UserAgent:     "x",
		RequestCount:  1,
		ObservedPaths: []string{"/admin", "/"},
		FirstSeen:     epoch,
		LastSeen:      epoch,
	}
	if got := s.Score(p); !approxEqual(got, 0.5) {
		t.Errorf("Score() = %v, want 0.5", got)
	}
}

func TestStateFor(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	tests := []struct {
		score float64
		want  State
	}{
		{0, StateObserved},
		{0.79, StateObserved},
		{0.8, StateSuspicious},
		{0.89, StateSuspicious},
		{0.9, StateBlocked},
		{1, StateBlocked},
	}
	for _, tt := range tests {
		if got := s.StateFor(tt.score); got != tt.want {
			t.Errorf("StateFor(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestScoringConfig_Validate(t *testing.T) {
	if err := DefaultScoringConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ScoringConfig)
	}{
		{"negative weight", func(c *ScoringConfig) { c.PathWeight = -0.1 }},
		{"weight above one", func(c *ScoringConfig) { c.RateWeight = 1.5 }},
		{"zero rate threshold", func(c *ScoringConfig) { c.RateThreshold = 0 }},
		{"block below suspicious", func(c *ScoringConfig) { c.BlockThreshold = 0.5 }},
		{"suspicious above one", func(c *ScoringConfig) { c.SuspiciousThreshold = 1.2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultScoringConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}
