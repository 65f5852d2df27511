package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"authguard/internal/engine"
	"authguard/internal/schema"
)

type stubEvaluator struct {
	evaluated []*schema.LoginEvent
	level     engine.ThreatLevel
	score     float64
}

func (s *stubEvaluator) Evaluate(_ context.Context, event *schema.LoginEvent) *engine.RiskAssessment {
	s.evaluated = append(s.evaluated, event)
	return &engine.RiskAssessment{
		EventID:     event.EventID,
		SourceIP:    event.SourceIP,
		Overall:     s.score,
		Level:       s.level,
		Action:      engine.ActionNone,
		EvaluatedAt: time.Now(),
	}
}

func newTestHandler(eval *stubEvaluator) *Handler {
	return NewHandler(schema.NewValidator(), eval, map[string]StatsSource{
		"engine": func() any { return map[string]int{"processed": len(eval.evaluated)} },
	})
}

func postEvents(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/events", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	return rec
}

func TestHandleSingleEventReturnsAssessment(t *testing.T) {
	eval := &stubEvaluator{level: engine.LevelClean, score: 5}
	h := newTestHandler(eval)

	rec := postEvents(t, h, `{
		"source_ip": "203.0.113.9",
		"username": "alice",
		"host": "bastion-1",
		"outcome": "success"
	}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body.String())
	}

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 1 || resp.Rejected != 0 {
		t.Fatalf("accepted = %d rejected = %d, want 1 and 0", resp.Accepted, resp.Rejected)
	}
	if resp.Results[0].Assessment == nil || resp.Results[0].Assessment.Level != engine.LevelClean {
		t.Fatalf("result = %+v, want clean assessment", resp.Results[0])
	}
	if len(eval.evaluated) != 1 {
		t.Fatalf("evaluator saw %d events, want 1", len(eval.evaluated))
	}
	if eval.evaluated[0].EventID.String() == "00000000-0000-0000-0000-000000000000" {
		t.Fatal("boundary must assign an event ID when none is supplied")
	}
	if eval.evaluated[0].Timestamp.IsZero() {
		t.Fatal("boundary must assign a timestamp when none is supplied")
	}
}

func TestHandleBatchPartialRejection(t *testing.T) {
	eval := &stubEvaluator{level: engine.LevelLow, score: 30}
	h := newTestHandler(eval)

	rec := postEvents(t, h, `{"events": [
		{"source_ip": "203.0.113.9", "username": "alice", "host": "h1", "outcome": "success"},
		{"source_ip": "not-an-ip", "username": "bob", "host": "h1", "outcome": "failure"},
		{"source_ip": "203.0.113.10", "username": "carol", "host": "h1", "outcome": "failure"}
	]}`)

	if rec.Code != http.StatusMultiStatus {
		t.Fatalf("status = %d, want 207", rec.Code)
	}

	var resp EventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Accepted != 2 || resp.Rejected != 1 {
		t.Fatalf("accepted = %d rejected = %d, want 2 and 1", resp.Accepted, resp.Rejected)
	}
	if resp.Results[1].Accepted || resp.Results[1].Error == "" {
		t.Fatalf("invalid event result = %+v, want rejection with error", resp.Results[1])
	}
}

func TestHandleRejectsMalformedAndEmpty(t *testing.T) {
	h := newTestHandler(&stubEvaluator{})

	tests := []struct {
		name string
		body string
	}{
		{"broken JSON", `{"events": [`},
		{"empty batch", `{"events": []}`},
		{"empty object", `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postEvents(t, h, tt.body); rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestHandleOversizedBodyRejected(t *testing.T) {
	h := newTestHandler(&stubEvaluator{}).WithLimits(64, 0)

	body := `{"source_ip": "203.0.113.9", "username": "alice", "host": "bastion-1", "outcome": "success", "padding": "` +
		strings.Repeat("x", 128) + `"}`
	if rec := postEvents(t, h, body); rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
}

func TestHandleBatchLimit(t *testing.T) {
	h := newTestHandler(&stubEvaluator{}).WithLimits(0, 2)

	rec := postEvents(t, h, `{"events": [
		{"source_ip": "203.0.113.1", "username": "a", "host": "h", "outcome": "failure"},
		{"source_ip": "203.0.113.2", "username": "b", "host": "h", "outcome": "failure"},
		{"source_ip": "203.0.113.3", "username": "c", "host": "h", "outcome": "failure"}
	]}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for oversized batch", rec.Code)
	}
}

func TestHealthAndStats(t *testing.T) {
	eval := &stubEvaluator{level: engine.LevelClean}
	h := newTestHandler(eval)

	postEvents(t, h, `{"source_ip": "203.0.113.9", "username": "alice", "host": "h1", "outcome": "success"}`)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec = httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	var stats map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats["events_total"].(float64) != 1 {
		t.Fatalf("events_total = %v, want 1", stats["events_total"])
	}
	if _, ok := stats["engine"]; !ok {
		t.Fatal("stats must include registered sections")
	}
}

func TestDecodeEventFillsBoundaryFields(t *testing.T) {
	event, err := DecodeEvent([]byte(`{"source_ip": "198.51.100.4", "username": "root", "host": "edge", "outcome": "failure"}`))
	if err != nil {
		t.Fatalf("DecodeEvent() error = %v", err)
	}
	if event.SchemaVersion != schema.SchemaVersionCurrent {
		t.Fatalf("schema version = %q, want current", event.SchemaVersion)
	}
	if event.ReceivedAt.IsZero() || event.Timestamp.IsZero() {
		t.Fatal("received_at and timestamp must be assigned")
	}

	if _, err := DecodeEvent([]byte(`not json`)); err == nil {
		t.Fatal("DecodeEvent() accepted garbage input")
	}
}
