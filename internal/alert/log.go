package alert

import (
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/signature"
)

// LogSink writes every notification as a structured log entry.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.Named("alerts")}
}

func (s *LogSink) OnSuspiciousBehavior(p profile.BehaviorProfile) {
	s.logger.Warn("Suspicious behavior detected", profileFields(p)...)
}

func (s *LogSink) OnBlocked(p profile.BehaviorProfile) {
	s.logger.Warn("Source blocked", profileFields(p)...)
}

func (s *LogSink) OnPredictionsGenerated(preds []prediction.ThreatPrediction) {
	for _, pred := range preds {
		s.logger.Info("Threat predicted",
			zap.String("prediction_id", pred.ID),
			zap.String("source_key", pred.SourceKey),
			zap.String("threat", pred.PredictedThreat),
			zap.Float64("probability", pred.Probability),
			zap.String("timeframe", string(pred.Timeframe)),
			zap.Strings("actions", pred.RecommendedActions),
			zap.Strings("techniques", pred.Techniques),
		)
	}
}

func (s *LogSink) OnZeroDayDetected(sig signature.ThreatSignature) {
	s.logger.Error("Zero-day threat detected",
		zap.String("signature_id", sig.ID),
		zap.String("pattern", sig.Pattern),
		zap.String("severity", string(sig.Severity)),
		zap.Float64("confidence", sig.Confidence),
	)
}

func profileFields(p profile.BehaviorProfile) []zap.Field {
	return []zap.Field{
		zap.String("source_key", p.Key),
		zap.String("user_id", p.UserID),
		zap.Float64("anomaly_score", p.AnomalyScore),
		zap.Int64("request_count", p.RequestCount),
		zap.String("state", string(p.State)),
	}
}
