package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"authguard/internal/config"
)

type captureSink struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Send(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.alerts = append(s.alerts, alert)
	return nil
}

func testAlert() Alert {
	return Alert{
		EventID:  uuid.New(),
		SourceIP: "203.0.113.1",
		Username: "root",
		Host:     "bastion-1",
		Score:    92,
		Level:    "critical",
		Reasons:  []string{"rate_critical: 20 failures in 1m"},
		Blocked:  true,
		Time:     time.Now(),
	}
}

func TestManagerDeliversToAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	m := NewManagerWithSinks(time.Second, a, b)

	m.Notify(context.Background(), testAlert())
	m.Close()

	for i, s := range []*captureSink{a, b} {
		s.mu.Lock()
		n := len(s.alerts)
		s.mu.Unlock()
		if n != 1 {
			t.Errorf("sink %d received %d alerts, want 1", i, n)
		}
	}
	if sent, failed := m.Metrics(); sent != 2 || failed != 0 {
		t.Errorf("sent=%d failed=%d, want 2/0", sent, failed)
	}
}

func TestManagerSinkFailureIsIsolated(t *testing.T) {
	broken := &captureSink{err: errors.New("rate limited")}
	working := &captureSink{}
	m := NewManagerWithSinks(time.Second, broken, working)

	m.Notify(context.Background(), testAlert())
	m.Close()

	working.mu.Lock()
	n := len(working.alerts)
	working.mu.Unlock()
	if n != 1 {
		t.Errorf("working sink received %d alerts, want 1", n)
	}
	if sent, failed := m.Metrics(); sent != 1 || failed != 1 {
		t.Errorf("sent=%d failed=%d, want 1/1", sent, failed)
	}
}

func TestManagerFallsBackToLogSink(t *testing.T) {
	m := NewManager(config.AlertingConfig{Enabled: true})
	if len(m.sinks) != 1 {
		t.Fatalf("sinks = %d, want the log fallback", len(m.sinks))
	}
	if _, ok := m.sinks[0].(LogSink); !ok {
		t.Errorf("fallback sink is %T, want LogSink", m.sinks[0])
	}
}

func TestWebhookSink(t *testing.T) {
	var got Alert
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Auth")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding webhook body: %v", err)
		}
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, map[string]string{"X-Auth": "token"}, time.Second)
	alert := testAlert()
	if err := sink.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got.SourceIP != alert.SourceIP || got.Level != alert.Level {
		t.Errorf("webhook received %+v, want %+v", got, alert)
	}
	if gotHeader != "token" {
		t.Errorf("X-Auth = %q, want token", gotHeader)
	}
}

func TestWebhookSinkNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, nil, time.Second)
	if err := sink.Send(context.Background(), testAlert()); err == nil {
		t.Error("expected an error for a 403 response")
	}
}

func TestSlackSinkPayload(t *testing.T) {
	var payload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decoding slack body: %v", err)
		}
	}))
	defer srv.Close()

	sink := NewSlackSink(srv.URL, "#security", time.Second)
	if err := sink.Send(context.Background(), testAlert()); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if payload["channel"] != "#security" {
		t.Errorf("channel = %v, want #security", payload["channel"])
	}
	text, _ := payload["text"].(string)
	if text == "" {
		t.Fatal("empty slack text")
	}
	for _, want := range []string{"203.0.113.1", "root", "blocked"} {
		if !strings.Contains(text, want) {
			t.Errorf("slack text missing %q: %s", want, text)
		}
	}
}
