// Package alert defines the notification surface of the analytics engine
// and the sinks that deliver notifications.
package alert

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/signature"
)

// Sink receives engine notifications. Implementations must be safe for
// concurrent use and should not block for long.
type Sink interface {
	OnSuspiciousBehavior(p profile.BehaviorProfile)
	OnBlocked(p profile.BehaviorProfile)
	OnPredictionsGenerated(preds []prediction.ThreatPrediction)
	OnZeroDayDetected(sig signature.ThreatSignature)
}

// EventType names a notification.
type EventType string

const (
	EventSuspicious  EventType = "suspicious_behavior"
	EventBlocked     EventType = "source_blocked"
	EventPredictions EventType = "predictions_generated"
	EventZeroDay     EventType = "zero_day_detected"
)

// Event is the serializable form of a notification.
type Event struct {
	Type        EventType                     `json:"type"`
	Timestamp   time.Time                     `json:"timestamp"`
	Profile     *profile.BehaviorProfile      `json:"profile,omitempty"`
	Predictions []prediction.ThreatPrediction `json:"predictions,omitempty"`
	Signature   *signature.ThreatSignature    `json:"signature,omitempty"`
}

// EventFunc adapts a function that consumes Events into a Sink.
type EventFunc func(Event)

func (f EventFunc) OnSuspiciousBehavior(p profile.BehaviorProfile) {
	f(Event{Type: EventSuspicious, Timestamp: time.Now(), Profile: &p})
}

func (f EventFunc) OnBlocked(p profile.BehaviorProfile) {
	f(Event{Type: EventBlocked, Timestamp: time.Now(), Profile: &p})
}

func (f EventFunc) OnPredictionsGenerated(preds []prediction.ThreatPrediction) {
	f(Event{Type: EventPredictions, Timestamp: time.Now(), Predictions: preds})
}

func (f EventFunc) OnZeroDayDetected(sig signature.ThreatSignature) {
	f(Event{Type: EventZeroDay, Timestamp: time.Now(), Signature: &sig})
}

// Nop discards every notification.
type Nop struct{}

func (Nop) OnSuspiciousBehavior(profile.BehaviorProfile)         {}
func (Nop) OnBlocked(profile.BehaviorProfile)                    {}
func (Nop) OnPredictionsGenerated([]prediction.ThreatPrediction) {}
func (Nop) OnZeroDayDetected(signature.ThreatSignature)          {}

// Fanout delivers every notification to each sink in order. A panicking sink
// is logged and does not affect the others.
type Fanout struct {
	sinks  []Sink
	logger *zap.Logger
}

// NewFanout creates a fan-out over sinks. Nil sinks are ignored.
func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fanout{logger: logger}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// Add appends a sink.
func (f *Fanout) Add(s Sink) {
	if s != nil {
		f.sinks = append(f.sinks, s)
	}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int { return len(f.sinks) }

func (f *Fanout) OnSuspiciousBehavior(p profile.BehaviorProfile) {
	f.each("suspicious", func(s Sink) { s.OnSuspiciousBehavior(p) })
}

func (f *Fanout) OnBlocked(p profile.BehaviorProfile) {
	f.each("blocked", func(s Sink) { s.OnBlocked(p) })
}

func (f *Fanout) OnPredictionsGenerated(preds []prediction.ThreatPrediction) {
	f.each("predictions", func(s Sink) { s.OnPredictionsGenerated(preds) })
}

func (f *Fanout) OnZeroDayDetected(sig signature.ThreatSignature) {
	f.each("zero_day", func(s Sink) { s.OnZeroDayDetected(sig) })
}

func (f *Fanout) each(event string, call func(Sink)) {
	for i, s := range f.sinks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("Alert sink panicked",
						zap.String("event", event),
						zap.Int("sink", i),
						zap.String("sink_type", fmt.Sprintf("%T", s)),
						zap.Any("panic", r),
					)
				}
			}()
			call(s)
		}()
	}
}
