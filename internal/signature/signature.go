// Package signature defines threat signatures and the registry that holds them.
package signature

import (
	"strings"
	"time"
)

// Type categorizes a signature.
type Type string

const (
	TypeMalware           Type = "malware"
	TypePhishing          Type = "phishing"
	TypeInjection         Type = "injection"
	TypeDDoS              Type = "ddos"
	TypeZeroDay           Type = "zero-day"
	TypeSocialEngineering Type = "social-engineering"
)

// FeedTypes are the signature types an intelligence feed may report.
// Zero-day signatures are only synthesized locally by the scanner.
var FeedTypes = []Type{
	TypeMalware,
	TypePhishing,
	TypeInjection,
	TypeDDoS,
	TypeSocialEngineering,
}

// Valid reports whether t is one of the declared types.
func (t Type) Valid() bool {
	switch t {
	case TypeMalware, TypePhishing, TypeInjection, TypeDDoS, TypeZeroDay, TypeSocialEngineering:
		return true
	}
	return false
}

// Severity ranks a signature.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists all severities from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// ParseSeverity maps a case-insensitive name to a Severity.
// Unknown names fall back to LOW.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityMedium:
		return SeverityMedium
	case SeverityHigh:
		return SeverityHigh
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityLow
	}
}

// ThreatSignature is a recorded threat pattern.
type ThreatSignature struct {
	ID          string    `json:"id" yaml:"id"`
	Type        Type      `json:"type" yaml:"type"`
	Pattern     string    `json:"pattern" yaml:"pattern"`
	Severity    Severity  `json:"severity" yaml:"severity"`
	Confidence  float64   `json:"confidence" yaml:"confidence"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
	Description string    `json:"description" yaml:"description"`
	Source      string    `json:"source,omitempty" yaml:"source,omitempty"`
	Techniques  []string  `json:"techniques,omitempty" yaml:"techniques,omitempty"`
}
