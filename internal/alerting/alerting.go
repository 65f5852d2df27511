// Package alerting delivers structured threat alerts to configured
// notification sinks. Delivery is asynchronous and best-effort; the
// evaluation path never waits on a sink.
package alerting

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"authguard/internal/config"
)

// Alert is the payload handed to every sink.
type Alert struct {
	EventID  uuid.UUID `json:"event_id"`
	SourceIP string    `json:"source_ip"`
	Username string    `json:"username"`
	Host     string    `json:"host"`
	Score    float64   `json:"score"`
	Level    string    `json:"level"`
	Reasons  []string  `json:"reasons"`
	Blocked  bool      `json:"blocked"`
	Time     time.Time `json:"time"`
}

// Sink delivers one alert. Implementations own their retry policy.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to all sinks on a background goroutine per
// dispatch, bounded by the send timeout.
type Manager struct {
	sinks   []Sink
	timeout time.Duration

	wg sync.WaitGroup

	sent   uint64
	failed uint64
}

// NewManager builds a manager from configuration, registering one sink
// per configured channel.
func NewManager(cfg config.AlertingConfig) *Manager {
	m := &Manager{timeout: cfg.SendTimeout}
	if m.timeout <= 0 {
		m.timeout = 10 * time.Second
	}

	if cfg.WebhookURL != "" {
		m.sinks = append(m.sinks, NewWebhookSink(cfg.WebhookURL, cfg.WebhookHeaders, m.timeout))
	}
	if cfg.SlackWebhookURL != "" {
		m.sinks = append(m.sinks, NewSlackSink(cfg.SlackWebhookURL, cfg.SlackChannel, m.timeout))
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m.sinks = append(m.sinks, NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID, m.timeout))
	}
	if len(m.sinks) == 0 {
		m.sinks = append(m.sinks, LogSink{})
	}
	return m
}

// NewManagerWithSinks builds a manager over explicit sinks. Used by tests.
func NewManagerWithSinks(timeout time.Duration, sinks ...Sink) *Manager {
	return &Manager{sinks: sinks, timeout: timeout}
}

// Notify dispatches the alert to all sinks without blocking the caller.
func (m *Manager) Notify(ctx context.Context, alert Alert) {
	for _, sink := range m.sinks {
		m.wg.Add(1)
		go func(s Sink) {
			defer m.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
			defer cancel()
			if err := s.Send(sendCtx, alert); err != nil {
				atomic.AddUint64(&m.failed, 1)
				slog.Warn("alert delivery failed", "sink", s.Name(), "ip", alert.SourceIP, "error", err)
				return
			}
			atomic.AddUint64(&m.sent, 1)
		}(sink)
	}
}

// Close waits for in-flight deliveries.
func (m *Manager) Close() {
	m.wg.Wait()
}

// Metrics returns delivery counters.
func (m *Manager) Metrics() (sent, failed uint64) {
	return atomic.LoadUint64(&m.sent), atomic.LoadUint64(&m.failed)
}

// LogSink writes alerts to the process log. The fallback when no
// external channel is configured.
type LogSink struct{}

// Name returns the sink name.
func (LogSink) Name() string { return "log" }

// Send logs the alert.
func (LogSink) Send(_ context.Context, alert Alert) error {
	slog.Warn("threat alert",
		"ip", alert.SourceIP,
		"username", alert.Username,
		"host", alert.Host,
		"score", alert.Score,
		"level", alert.Level,
		"reasons", alert.Reasons,
		"blocked", alert.Blocked,
	)
	return nil
}
