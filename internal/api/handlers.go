package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatlens/internal/analytics"
	"github.com/lvonguyen/threatlens/internal/ingestion"
	"github.com/lvonguyen/threatlens/internal/prediction"
	"github.com/lvonguyen/threatlens/internal/profile"
)

// TelemetryResult is the outcome of recording one request.
type TelemetryResult struct {
	SourceKey    string  `json:"source_key"`
	AnomalyScore float64 `json:"anomaly_score"`
	Blocked      bool    `json:"blocked"`
}

// ScanRequest carries content to inspect for exploit indicators.
type ScanRequest struct {
	Content string `json:"content"`
}

// StatusResponse is the engine summary plus the counters of the optional
// transports that are enabled.
type StatusResponse struct {
	analytics.Status
	HECReceiver   *ingestion.ReceiverStats `json:"hec_receiver,omitempty"`
	SplunkSender  *ingestion.SenderStats   `json:"splunk_sender,omitempty"`
	StreamClients *int                     `json:"stream_clients,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.config.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.engine.Status().Active {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": "engine not running"})
		return
	}
	if s.Ready != nil {
		if err := s.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "reason": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	var t ingestion.Telemetry
	if !s.decode(w, r, &t) {
		return
	}
	writeJSON(w, http.StatusOK, s.record(t))
}

func (s *Server) handleTelemetryBatch(w http.ResponseWriter, r *http.Request) {
	var batch []ingestion.Telemetry
	if !s.decode(w, r, &batch) {
		return
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "batch is empty")
		return
	}
	if len(batch) > s.config.MaxBatchSize {
		writeError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("batch of %d exceeds maximum of %d", len(batch), s.config.MaxBatchSize))
		return
	}

	results := make([]TelemetryResult, 0, len(batch))
	for _, t := range batch {
		results = append(results, s.record(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": len(results), "results": results})
}

func (s *Server) record(t ingestion.Telemetry) TelemetryResult {
	key := strings.TrimSpace(t.SourceKey)
	if key == "" {
		key = profile.UnknownKey
	}
	score := s.engine.RecordRequest(key, t.UserAgent, t.Path, t.UserID)
	return TelemetryResult{
		SourceKey:    key,
		AnomalyScore: score,
		Blocked:      s.engine.IsBlocked(key),
	}
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req ScanRequest
	if !s.decode(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"zero_day": s.engine.ScanContent(req.Content)})
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var input map[string]any
	if !s.decode(w, r, &input) {
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Classify(input))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.engine.Status()}
	if s.HEC != nil {
		stats := s.HEC.Stats()
		resp.HECReceiver = &stats
	}
	if s.Forwarder != nil {
		stats := s.Forwarder.Stats()
		resp.SplunkSender = &stats
	}
	if s.Hub != nil {
		n := s.Hub.ClientCount()
		resp.StreamClients = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSignatures(w http.ResponseWriter, r *http.Request) {
	sigs := s.engine.Signatures()
	writeJSON(w, http.StatusOK, map[string]any{"signatures": sigs, "count": len(sigs)})
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	var preds []prediction.ThreatPrediction
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		preds = s.engine.LatestPredictions(n)
	} else {
		preds = s.engine.Predictions()
	}
	writeJSON(w, http.StatusOK, map[string]any{"predictions": preds, "count": len(preds)})
}

func (s *Server) handleTechniques(w http.ResponseWriter, r *http.Request) {
	threat := r.URL.Query().Get("threat")
	if threat == "" {
		writeError(w, http.StatusBadRequest, "threat query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threat": threat, "techniques": s.engine.Techniques(threat)})
}

func (s *Server) handleTechnique(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.engine.Technique(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown technique %q", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTactic(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.engine.Tactic(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown tactic %q", id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleFeeds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.engine.FeedSources()})
}

func (s *Server) handleRefreshFeeds(w http.ResponseWriter, r *http.Request) {
	if !s.runJob(w, r, "feed refresh", s.engine.RefreshFeeds) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "refreshed",
		"signatures": len(s.engine.Signatures()),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if !s.runJob(w, r, "prediction sweep", s.engine.RunPredictionSweep) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "completed",
		"predictions": len(s.engine.Predictions()),
	})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p, ok := s.engine.Profile(key)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no profile for %q", key))
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleBlockProfile(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	p, changed := s.engine.Block(key)
	s.logger.Info("Source blocked via API", zap.String("source", p.Key), zap.Bool("changed", changed))
	writeJSON(w, http.StatusOK, map[string]any{"profile": p, "changed": changed})
}

// runJob runs a manual engine job and writes the error response on
// failure.
func (s *Server) runJob(w http.ResponseWriter, r *http.Request, name string, run func(context.Context) error) bool {
	err := run(r.Context())
	switch {
	case err == nil:
		return true
	case errors.Is(err, analytics.ErrServiceStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("Manual job failed", zap.String("job", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("%s failed: %v", name, err))
	}
	return false
}

// decode reads a JSON body capped at MaxBodyBytes. It writes the error
// response and returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
