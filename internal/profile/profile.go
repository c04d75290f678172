// Package profile maintains per-source behavior profiles and scores them for anomalies.
package profile

import "time"

// State is the position of a profile in the escalation state machine.
type State string

const (
	StateObserved   State = "observed"
	StateSuspicious State = "suspicious"
	StateBlocked    State = "blocked"
)

// BehaviorProfile is the accumulated state of one request source.
type BehaviorProfile struct {
	Key           string    `json:"key"`
	UserID        string    `json:"user_id,omitempty"`
	UserAgent     string    `json:"user_agent"`
	RequestCount  int64     `json:"request_count"`
	ObservedPaths []string  `json:"observed_paths"`
	AnomalyScore  float64   `json:"anomaly_score"`
	IsBlocked     bool      `json:"is_blocked"`
	State         State     `json:"state"`
	FirstSeen     time.Time `json:"first_seen"`
	LastSeen      time.Time `json:"last_seen"`
}

func (p *BehaviorProfile) clone() BehaviorProfile {
	out := *p
	out.ObservedPaths = append([]string(nil), p.ObservedPaths...)
	return out
}

// Transition records the state change produced by one update.
type Transition struct {
	From State
	To   State
}

// EnteredSuspicious reports whether the update crossed the suspicious
// threshold. Jumping straight from observed to blocked counts as a crossing.
func (t Transition) EnteredSuspicious() bool {
	if t.From != StateObserved {
		return false
	}
	return t.To == StateSuspicious || t.To == StateBlocked
}

// EnteredBlocked reports whether the update blocked the source.
func (t Transition) EnteredBlocked() bool {
	return t.To == StateBlocked && t.From != StateBlocked
}
