package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookSink POSTs the alert as JSON to a generic HTTP endpoint.
type WebhookSink struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(url string, headers map[string]string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the sink name.
func (s *WebhookSink) Name() string { return "webhook" }

// Send delivers the alert.
func (s *WebhookSink) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encoding alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// SlackSink posts a formatted message to a Slack incoming webhook.
type SlackSink struct {
	url     string
	channel string
	client  *http.Client
}

// NewSlackSink creates a Slack sink.
func NewSlackSink(url, channel string, timeout time.Duration) *SlackSink {
	return &SlackSink{
		url:     url,
		channel: channel,
		client:  &http.Client{Timeout: timeout},
	}
}

// Name returns the sink name.
func (s *SlackSink) Name() string { return "slack" }

// Send delivers the alert.
func (s *SlackSink) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf(":rotating_light: *%s threat* from `%s` targeting `%s@%s` (score %.0f)",
		strings.ToUpper(alert.Level), alert.SourceIP, alert.Username, alert.Host, alert.Score)
	if alert.Blocked {
		text += " — source blocked"
	}
	if len(alert.Reasons) > 0 {
		text += "\n• " + strings.Join(alert.Reasons, "\n• ")
	}

	payload := map[string]any{"text": text}
	if s.channel != "" {
		payload["channel"] = s.channel
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}

// TelegramSink sends alerts via the Telegram bot API.
type TelegramSink struct {
	apiURL string
	chatID string
	client *http.Client
}

// NewTelegramSink creates a Telegram sink for the given bot token and chat.
func NewTelegramSink(token, chatID string, timeout time.Duration) *TelegramSink {
	return &TelegramSink{
		apiURL: "https://api.telegram.org/bot" + token + "/sendMessage",
		chatID: chatID,
		client: &http.Client{Timeout: timeout},
	}
}

// Name returns the sink name.
func (s *TelegramSink) Name() string { return "telegram" }

// Send delivers the alert.
func (s *TelegramSink) Send(ctx context.Context, alert Alert) error {
	text := fmt.Sprintf("🚨 %s threat from %s targeting %s@%s (score %.0f)",
		strings.ToUpper(alert.Level), alert.SourceIP, alert.Username, alert.Host, alert.Score)
	if alert.Blocked {
		text += "\nSource blocked."
	}
	if len(alert.Reasons) > 0 {
		text += "\n" + strings.Join(alert.Reasons, "\n")
	}

	form := url.Values{}
	form.Set("chat_id", s.chatID)
	form.Set("text", text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram returned %d", resp.StatusCode)
	}
	return nil
}
