// Package ingest is the ingestion boundary: HTTP, DTLS and Kafka
// sources that validate raw login events and hand them to evaluation.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authguard/internal/engine"
	"authguard/internal/schema"
)

// Evaluator scores one event. The HTTP path evaluates synchronously so
// callers get the verdict in the response.
type Evaluator interface {
	Evaluate(ctx context.Context, event *schema.LoginEvent) *engine.RiskAssessment
}

// StatsSource contributes one named section to GET /stats.
type StatsSource func() any

// Handler serves the HTTP ingestion API.
type Handler struct {
	validator  *schema.Validator
	evaluator  Evaluator
	stats      map[string]StatsSource
	maxPayload int
	maxBatch   int
	startTime  time.Time

	eventsTotal   uint64
	rejectedTotal uint64
}

// NewHandler creates an HTTP handler. stats sections are rendered
// verbatim under their key in GET /stats.
func NewHandler(validator *schema.Validator, evaluator Evaluator, stats map[string]StatsSource) *Handler {
	return &Handler{
		validator:  validator,
		evaluator:  evaluator,
		stats:      stats,
		maxPayload: 5 * 1024 * 1024,
		maxBatch:   500,
		startTime:  time.Now(),
	}
}

// WithLimits overrides payload and batch limits.
func (h *Handler) WithLimits(maxPayload, maxBatch int) *Handler {
	if maxPayload > 0 {
		h.maxPayload = maxPayload
	}
	if maxBatch > 0 {
		h.maxBatch = maxBatch
	}
	return h
}

// Routes returns the HTTP mux for the ingestion API.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/events", h.handleEvents)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /stats", h.handleStats)
	return mux
}

// EventInput is the submission format. EventID and Timestamp are
// optional; missing values are assigned at the boundary.
type EventInput struct {
	EventID   *uuid.UUID          `json:"event_id,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
	SourceIP  string              `json:"source_ip"`
	Username  string              `json:"username"`
	Host      string              `json:"host"`
	Outcome   schema.Outcome      `json:"outcome"`
	Port      int                 `json:"port,omitempty"`
	Geo       *schema.GeoLocation `json:"geo,omitempty"`
	Raw       string              `json:"raw,omitempty"`
}

// EventsRequest is the batch submission body.
type EventsRequest struct {
	Events []EventInput `json:"events"`
}

// EventResult pairs one submitted event with its verdict or rejection.
type EventResult struct {
	Index      int                    `json:"index"`
	Accepted   bool                   `json:"accepted"`
	Error      string                 `json:"error,omitempty"`
	Assessment *engine.RiskAssessment `json:"assessment,omitempty"`
}

// EventsResponse is the response body for POST /v1/events.
type EventsResponse struct {
	Accepted  int           `json:"accepted"`
	Rejected  int           `json:"rejected"`
	Results   []EventResult `json:"results"`
	RequestID string        `json:"request_id"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))
	body, err := io.ReadAll(r.Body)
	if err != nil {
		status := http.StatusBadRequest
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			status = http.StatusRequestEntityTooLarge
		}
		respondError(w, status, "failed to read request body", requestID)
		return
	}

	inputs, err := decodeInputs(body)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	if len(inputs) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}
	if len(inputs) > h.maxBatch {
		respondError(w, http.StatusBadRequest,
			fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := EventsResponse{
		Results:   make([]EventResult, 0, len(inputs)),
		RequestID: requestID,
	}

	for i, input := range inputs {
		event := input.toEvent()

		if err := h.validator.Validate(event); err != nil {
			resp.Rejected++
			atomic.AddUint64(&h.rejectedTotal, 1)
			resp.Results = append(resp.Results, EventResult{
				Index: i,
				Error: err.Error(),
			})
			continue
		}

		assessment := h.evaluator.Evaluate(r.Context(), event)
		resp.Accepted++
		atomic.AddUint64(&h.eventsTotal, 1)
		resp.Results = append(resp.Results, EventResult{
			Index:      i,
			Accepted:   true,
			Assessment: assessment,
		})
	}

	status := http.StatusOK
	if resp.Accepted == 0 {
		status = http.StatusBadRequest
	} else if resp.Rejected > 0 {
		status = http.StatusMultiStatus
	}

	respondJSON(w, status, resp)
}

// decodeInputs accepts either a bare event object or {"events": [...]}.
func decodeInputs(body []byte) ([]EventInput, error) {
	var req EventsRequest
	if err := json.Unmarshal(body, &req); err == nil && len(req.Events) > 0 {
		return req.Events, nil
	}

	var single EventInput
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, fmt.Errorf("invalid JSON: %v", err)
	}
	if single.SourceIP == "" && single.Username == "" {
		return nil, nil
	}
	return []EventInput{single}, nil
}

func (in EventInput) toEvent() *schema.LoginEvent {
	event := &schema.LoginEvent{
		Timestamp:     in.Timestamp,
		SourceIP:      in.SourceIP,
		Username:      in.Username,
		Host:          in.Host,
		Outcome:       in.Outcome,
		Port:          in.Port,
		Geo:           in.Geo,
		Raw:           in.Raw,
		SchemaVersion: schema.SchemaVersionCurrent,
		ReceivedAt:    time.Now().UTC(),
	}
	if in.EventID != nil {
		event.EventID = *in.EventID
	} else {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = event.ReceivedAt
	}
	return event
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := map[string]any{
		"events_total":   atomic.LoadUint64(&h.eventsTotal),
		"rejected_total": atomic.LoadUint64(&h.rejectedTotal),
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}
	for name, source := range h.stats {
		stats[name] = source()
	}
	respondJSON(w, http.StatusOK, stats)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	respondJSON(w, status, map[string]any{
		"error":      message,
		"request_id": requestID,
	})
}
