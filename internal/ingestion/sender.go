package ingestion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/alert"
)

// HECSender forwards engine alerts to Splunk via HEC. Alerts are queued by
// the sink and shipped in batches by Run.
type HECSender struct {
	config     SenderConfig
	token      string
	httpClient *http.Client
	logger     *zap.Logger
	queue      chan HECEvent

	mu    sync.RWMutex
	stats SenderStats
}

// SenderConfig holds HEC sender configuration.
type SenderConfig struct {
	HECURL       string        `yaml:"hec_url"`
	TokenEnv     string        `yaml:"token_env"`
	Index        string        `yaml:"index"`
	SourceType   string        `yaml:"sourcetype"`
	Source       string        `yaml:"source"`
	BatchSize    int           `yaml:"batch_size"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	QueueSize    int           `yaml:"queue_size"`
	Timeout      time.Duration `yaml:"timeout"`
	RetryCount   int           `yaml:"retry_count"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultSenderConfig returns sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		TokenEnv:     "SPLUNK_HEC_TOKEN",
		Index:        "threatlens_alerts",
		SourceType:   "threatlens:alert",
		Source:       "threatlens",
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		QueueSize:    1000,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBackoff: time.Second,
	}
}

// SenderStats tracks sender metrics.
type SenderStats struct {
	EventsSent    int64     `json:"events_sent"`
	EventsFailed  int64     `json:"events_failed"`
	EventsDropped int64     `json:"events_dropped"`
	BytesSent     int64     `json:"bytes_sent"`
	LastSendAt    time.Time `json:"last_send_at"`
}

// NewHECSender creates a new HEC sender.
func NewHECSender(config SenderConfig, logger *zap.Logger) (*HECSender, error) {
	token := os.Getenv(config.TokenEnv)
	if token == "" {
		return nil, fmt.Errorf("HEC token not found in env var: %s", config.TokenEnv)
	}
	if config.HECURL == "" {
		return nil, fmt.Errorf("HEC URL is required")
	}

	def := DefaultSenderConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = def.RetryBackoff
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &HECSender{
		config:     config,
		token:      token,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.Named("hec_sender"),
		queue:      make(chan HECEvent, config.QueueSize),
	}, nil
}

// Sink returns the sender as an alert sink. Enqueueing never blocks; alerts
// are dropped when the queue is full.
func (s *HECSender) Sink() alert.Sink {
	return alert.EventFunc(s.enqueue)
}

func (s *HECSender) enqueue(ev alert.Event) {
	hec := HECEvent{
		Time:       float64(ev.Timestamp.UnixNano()) / float64(time.Second),
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      ev,
		Fields:     alertFields(ev),
	}

	select {
	case s.queue <- hec:
	default:
		s.mu.Lock()
		s.stats.EventsDropped++
		s.mu.Unlock()
		s.logger.Warn("HEC alert queue full, dropping alert", zap.String("type", string(ev.Type)))
	}
}

// alertFields returns the indexed fields for an alert.
func alertFields(ev alert.Event) map[string]any {
	fields := map[string]any{"alert_type": string(ev.Type)}
	switch {
	case ev.Profile != nil:
		fields["source_key"] = ev.Profile.Key
		fields["anomaly_score"] = ev.Profile.AnomalyScore
		fields["state"] = string(ev.Profile.State)
	case ev.Signature != nil:
		fields["signature_id"] = ev.Signature.ID
		fields["severity"] = string(ev.Signature.Severity)
	case len(ev.Predictions) > 0:
		fields["predictions"] = len(ev.Predictions)
	}
	return fields
}

// Run ships queued alerts until ctx is cancelled, then flushes what is
// left.
func (s *HECSender) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()

	batch := make([]HECEvent, 0, s.config.BatchSize)
	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		if err := s.SendBatch(ctx, batch); err != nil {
			s.logger.Error("Failed to forward alerts to Splunk", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					break drain
				}
			}
			drainCtx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			flush(drainCtx)
			cancel()
			return

		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.config.BatchSize {
				flush(ctx)
			}

		case <-ticker.C:
			flush(ctx)
		}
	}
}

// SendBatch sends events to Splunk as newline-delimited JSON.
func (s *HECSender) SendBatch(ctx context.Context, events []HECEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(events))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(events))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSender) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt*attempt) * s.config.RetryBackoff):
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSender) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HEC request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("HEC returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Stats returns current sender statistics.
func (s *HECSender) Stats() SenderStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSender) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.HECURL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Splunk HEC health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Splunk HEC returned status %d", resp.StatusCode)
	}
	return nil
}
