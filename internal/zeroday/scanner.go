// Package zeroday flags text carrying exploit indicators and records a
// synthesized zero-day signature for each hit.
package zeroday

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/signature"
)

// DefaultIndicators are matched case-insensitively, in this order.
var DefaultIndicators = []string{
	"CVE-2024-",
	"CVE-2025-",
	"exploit",
	"payload",
	"shellcode",
	"rop",
	"buffer overflow",
	"heap spray",
	"use after free",
	"double free",
}

const (
	zeroDayConfidence = 0.8
	sourceName        = "zero-day-scanner"
)

// Store records synthesized signatures.
type Store interface {
	Upsert(sig signature.ThreatSignature) error
	SeenPattern(pattern string) bool
}

// Scanner matches text against exploit indicators.
type Scanner struct {
	store      Store
	indicators []string
	lowered    []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewScanner creates a scanner that records hits into store. A nil or
// empty indicator list selects DefaultIndicators.
func NewScanner(store Store, indicators []string, logger *zap.Logger) *Scanner {
	if len(indicators) == 0 {
		indicators = DefaultIndicators
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	lowered := make([]string, len(indicators))
	for i, ind := range indicators {
		lowered[i] = strings.ToLower(ind)
	}

	return &Scanner{
		store:      store,
		indicators: indicators,
		lowered:    lowered,
		logger:     logger,
		now:        time.Now,
	}
}

// Match returns the indicators present in text, in indicator-list order.
func (s *Scanner) Match(text string) []string {
	if text == "" {
		return nil
	}
	lower := strings.ToLower(text)

	var matched []string
	for i, ind := range s.lowered {
		if strings.Contains(lower, ind) {
			matched = append(matched, s.indicators[i])
		}
	}
	return matched
}

// Scan checks text for indicators. On a hit it synthesizes a CRITICAL
// zero-day signature, stores it, and returns it with true. A hit whose
// indicator set was recorded before is logged as a repeat.
func (s *Scanner) Scan(text string) (signature.ThreatSignature, bool) {
	matched := s.Match(text)
	if len(matched) == 0 {
		return signature.ThreatSignature{}, false
	}

	sig := signature.ThreatSignature{
		ID:          "zeroday-" + uuid.NewString(),
		Type:        signature.TypeZeroDay,
		Pattern:     strings.Join(matched, "|"),
		Severity:    signature.SeverityCritical,
		Confidence:  zeroDayConfidence,
		LastSeen:    s.now(),
		Description: fmt.Sprintf("Potential zero-day exploit indicators: %s", strings.Join(matched, ", ")),
		Source:      sourceName,
	}

	repeat := s.store.SeenPattern(sig.Pattern)
	if err := s.store.Upsert(sig); err != nil {
		// Only reachable with an empty ID, which uuid never produces.
		s.logger.Error("Failed to record zero-day signature", zap.Error(err))
		return sig, true
	}

	s.logger.Warn("Zero-day indicators detected",
		zap.String("signature_id", sig.ID),
		zap.Strings("indicators", matched),
		zap.Bool("repeat", repeat),
	)
	return sig, true
}
