package alert

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
	"github.com/lvonguyen/threatlens/internal/signature"
)

// DefaultChannel is the pub/sub channel alerts are published on.
const DefaultChannel = "threatlens:alerts"

// Publisher is the subset of the redis client used by RedisSink.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisConfig configures a RedisSink.
type RedisConfig struct {
	Channel   string        `yaml:"channel"`
	Timeout   time.Duration `yaml:"timeout"`
	QueueSize int           `yaml:"queue_size"`
}

// RedisSink publishes notifications as JSON events on a redis channel.
// Notifications are queued without blocking the caller and published by
// Run. A full queue or a failed publish drops the event with a warning.
type RedisSink struct {
	client  Publisher
	channel string
	timeout time.Duration
	logger  *zap.Logger
	queue   chan Event
}

// NewRedisSink creates a redis sink.
func NewRedisSink(client Publisher, cfg RedisConfig, logger *zap.Logger) *RedisSink {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{
		client:  client,
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
	}
}

func (s *RedisSink) OnSuspiciousBehavior(p profile.BehaviorProfile) {
	EventFunc(s.enqueue).OnSuspiciousBehavior(p)
}

func (s *RedisSink) OnBlocked(p profile.BehaviorProfile) {
	EventFunc(s.enqueue).OnBlocked(p)
}

func (s *RedisSink) OnPredictionsGenerated(preds []prediction.ThreatPrediction) {
	EventFunc(s.enqueue).OnPredictionsGenerated(preds)
}

func (s *RedisSink) OnZeroDayDetected(sig signature.ThreatSignature) {
	EventFunc(s.enqueue).OnZeroDayDetected(sig)
}

func (s *RedisSink) enqueue(ev Event) {
	select {
	case s.queue <- ev:
	default:
		s.logger.Warn("Redis alert queue full, dropping alert", zap.String("type", string(ev.Type)))
	}
}

// Run publishes queued events until ctx is cancelled, then publishes what
// is left.
func (s *RedisSink) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev := <-s.queue:
					s.publish(ev)
				default:
					return
				}
			}
		case ev := <-s.queue:
			s.publish(ev)
		}
	}
}

func (s *RedisSink) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("Failed to encode alert", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("Failed to publish alert",
			zap.String("channel", s.channel),
			zap.String("type", string(ev.Type)),
			zap.Error(err),
		)
	}
}
