// Package ingestion accepts request telemetry over the Splunk HTTP Event
// Collector protocol and forwards engine alerts back to Splunk.
package ingestion

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// HEC status codes used in responses.
const (
	hecSuccess      = 0
	hecInvalidToken = 4
	hecInvalidData  = 6
	hecServerBusy   = 8
	hecHealthy      = 17
)

// ErrBatchTooLarge is returned for a body holding more events than allowed.
var ErrBatchTooLarge = errors.New("batch exceeds maximum size")

// HECReceiver receives events via Splunk HEC protocol.
type HECReceiver struct {
	config  ReceiverConfig
	handler EventHandler
	logger  *zap.Logger
	mu      sync.RWMutex
	stats   ReceiverStats
}

// ReceiverConfig holds HEC receiver configuration.
type ReceiverConfig struct {
	TokenEnv     string `yaml:"token_env"`
	MaxBatchSize int    `yaml:"max_batch_size"`
	MaxEventSize int    `yaml:"max_event_size"`
}

// DefaultReceiverConfig returns sensible defaults.
func DefaultReceiverConfig() ReceiverConfig {
	return ReceiverConfig{
		TokenEnv:     "THREATLENS_HEC_TOKEN",
		MaxBatchSize: 1000,
		MaxEventSize: 1024 * 1024, // 1MB
	}
}

// ReceiverStats tracks receiver metrics.
type ReceiverStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsDropped  int64     `json:"events_dropped"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// EventHandler processes received events.
type EventHandler func(ctx context.Context, events []HECEvent) error

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// NewHECReceiver creates a new HEC receiver.
func NewHECReceiver(config ReceiverConfig, handler EventHandler, logger *zap.Logger) *HECReceiver {
	if config.MaxEventSize <= 0 {
		config.MaxEventSize = DefaultReceiverConfig().MaxEventSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HECReceiver{
		config:  config,
		handler: handler,
		logger:  logger.Named("hec"),
	}
}

// Routes returns the collector endpoints, to be mounted at
// /services/collector.
func (r *HECReceiver) Routes() http.Handler {
	router := chi.NewRouter()
	router.Post("/event", r.handleEvent)
	router.Post("/event/1.0", r.handleEvent)
	router.Post("/raw", r.handleRaw)
	router.Post("/raw/1.0", r.handleRaw)
	router.Get("/health", r.handleHealth)
	router.Get("/health/1.0", r.handleHealth)
	return router
}

// Stats returns current receiver statistics.
func (r *HECReceiver) Stats() ReceiverStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleEvent processes HEC event endpoint requests.
func (r *HECReceiver) handleEvent(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", hecInvalidToken)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), hecInvalidData)
		return
	}

	events, err := r.parseEvents(body)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), hecInvalidData)
		return
	}

	r.process(req.Context(), w, events, len(body))
}

// handleRaw processes raw HEC endpoint requests. Every non-empty line is
// one event.
func (r *HECReceiver) handleRaw(w http.ResponseWriter, req *http.Request) {
	if !r.validateToken(req) {
		writeHEC(w, http.StatusForbidden, "Invalid token", hecInvalidToken)
		return
	}

	body, err := r.readBody(req)
	if err != nil {
		writeHEC(w, http.StatusBadRequest, err.Error(), hecInvalidData)
		return
	}

	q := req.URL.Query()
	var events []HECEvent
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		events = append(events, HECEvent{
			Event:      line,
			SourceType: q.Get("sourcetype"),
			Source:     q.Get("source"),
			Host:       q.Get("host"),
			Index:      q.Get("index"),
		})
	}
	if len(events) == 0 {
		writeHEC(w, http.StatusBadRequest, "No data", hecInvalidData)
		return
	}
	if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
		writeHEC(w, http.StatusBadRequest, ErrBatchTooLarge.Error(), hecInvalidData)
		return
	}

	r.process(req.Context(), w, events, len(body))
}

func (r *HECReceiver) process(ctx context.Context, w http.ResponseWriter, events []HECEvent, size int) {
	r.mu.Lock()
	r.stats.EventsReceived += int64(len(events))
	r.stats.BytesReceived += int64(size)
	r.stats.LastEventAt = time.Now()
	r.mu.Unlock()

	if r.handler != nil {
		if err := r.handler(ctx, events); err != nil {
			r.mu.Lock()
			r.stats.EventsDropped += int64(len(events))
			r.mu.Unlock()
			r.logger.Warn("Failed to process HEC events", zap.Int("events", len(events)), zap.Error(err))
			writeHEC(w, http.StatusInternalServerError, "Error processing events", hecServerBusy)
			return
		}
	}

	writeHEC(w, http.StatusOK, "Success", hecSuccess)
}

// handleHealth handles health check requests.
func (r *HECReceiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeHEC(w, http.StatusOK, "HEC is healthy", hecHealthy)
}

func (r *HECReceiver) readBody(req *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxEventSize)+1))
	if err != nil {
		return nil, errors.New("error reading body")
	}
	if len(body) > r.config.MaxEventSize {
		return nil, fmt.Errorf("request body exceeds %d bytes", r.config.MaxEventSize)
	}
	return body, nil
}

// validateToken checks the HEC token. Without a configured token every
// request is rejected, and only the Authorization header is accepted.
func (r *HECReceiver) validateToken(req *http.Request) bool {
	expectedToken := os.Getenv(r.config.TokenEnv)
	if r.config.TokenEnv == "" || expectedToken == "" {
		return false
	}

	auth := req.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Splunk ")
	return ok && subtle.ConstantTimeCompare([]byte(token), []byte(expectedToken)) == 1
}

// parseEvents parses HEC event body (JSON or concatenated JSON objects).
func (r *HECReceiver) parseEvents(body []byte) ([]HECEvent, error) {
	var single HECEvent
	if err := json.Unmarshal(body, &single); err == nil {
		return []HECEvent{single}, nil
	}

	var events []HECEvent
	decoder := json.NewDecoder(bytes.NewReader(body))
	for decoder.More() {
		var event HECEvent
		if err := decoder.Decode(&event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		events = append(events, event)
		if r.config.MaxBatchSize > 0 && len(events) > r.config.MaxBatchSize {
			return nil, fmt.Errorf("%w (%d)", ErrBatchTooLarge, r.config.MaxBatchSize)
		}
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}
	return events, nil
}

func writeHEC(w http.ResponseWriter, status int, text string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"text": text, "code": code})
}
