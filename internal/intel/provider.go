package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"authguard/internal/config"
)

// SourceStatus tags the degradation state of one provider within a lookup.
type SourceStatus string

const (
	StatusResponded   SourceStatus = "responded"
	StatusCached      SourceStatus = "cached"
	StatusRateLimited SourceStatus = "skipped_rate_limited"
	StatusErrored     SourceStatus = "errored"
	StatusDisabled    SourceStatus = "disabled"
)

// ProviderResult is the normalized verdict from a single reputation source.
type ProviderResult struct {
	Provider   string       `json:"provider"`
	Status     SourceStatus `json:"status"`
	Score      float64      `json:"score"`      // 0-100 maliciousness estimate
	Confidence float64      `json:"confidence"` // 0.0-1.0
	Reports    int          `json:"reports,omitempty"`
	Categories []string     `json:"categories,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Provider is an external reputation source queried by IP.
type Provider interface {
	Name() string
	Check(ctx context.Context, ip string) (ProviderResult, error)
}

// HTTPProvider queries a JSON reputation API and normalizes heterogeneous
// response schemas into a ProviderResult.
type HTTPProvider struct {
	name       string
	url        string // lookup endpoint, %s receives the IP
	apiKey     string
	keyHeader  string
	confidence float64
	client     *http.Client
}

// NewHTTPProvider creates a provider from configuration.
func NewHTTPProvider(cfg config.ProviderConfig, timeout time.Duration) *HTTPProvider {
	keyHeader := cfg.APIKeyHeader
	if keyHeader == "" {
		keyHeader = "X-API-Key"
	}
	confidence := cfg.Confidence
	if confidence <= 0 || confidence > 1 {
		confidence = 0.5
	}
	return &HTTPProvider{
		name:       cfg.Name,
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		keyHeader:  keyHeader,
		confidence: confidence,
		client:     &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Name() string {
	return p.name
}

// Check performs one lookup. The caller owns retry and rate limiting.
func (p *HTTPProvider) Check(ctx context.Context, ip string) (ProviderResult, error) {
	result := ProviderResult{Provider: p.name, Confidence: p.confidence}

	url := p.url
	if strings.Contains(url, "%s") {
		url = fmt.Sprintf(p.url, ip)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return result, err
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set(p.keyHeader, p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return result, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return result, fmt.Errorf("%s returned %d", p.name, resp.StatusCode)
	}

	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return result, fmt.Errorf("malformed payload from %s: %w", p.name, err)
	}

	// Some APIs nest the verdict under "data".
	if data, ok := payload["data"].(map[string]any); ok {
		payload = data
	}

	result.Score = extractScore(payload)
	result.Reports = extractInt(payload, "totalReports", "reports", "report_count")
	result.Categories = extractCategories(payload)

	// Many independent reports corroborate the verdict.
	if result.Reports >= 10 {
		result.Confidence = maxFloat(result.Confidence, 0.9)
	} else if result.Reports > 0 {
		result.Confidence = maxFloat(result.Confidence, 0.7)
	}

	result.Status = StatusResponded
	return result, nil
}

// extractScore maps vendor-specific scoring fields onto 0-100.
func extractScore(payload map[string]any) float64 {
	for _, key := range []string{"abuseConfidenceScore", "score", "risk_score", "threat_score"} {
		if v, ok := asFloat(payload[key]); ok {
			return clampScore(v)
		}
	}

	// Qualitative risk levels.
	if risk, ok := payload["risk"].(string); ok {
		switch strings.ToLower(risk) {
		case "severe", "critical":
			return 100
		case "high":
			return 80
		case "medium", "moderate":
			return 50
		case "low":
			return 20
		}
	}

	// Boolean listing flags.
	for _, key := range []string{"is_malicious", "listed", "blacklisted"} {
		if b, ok := payload[key].(bool); ok && b {
			return 90
		}
	}

	return 0
}

func extractInt(payload map[string]any, keys ...string) int {
	for _, key := range keys {
		if v, ok := asFloat(payload[key]); ok {
			return int(v)
		}
	}
	return 0
}

func extractCategories(payload map[string]any) []string {
	raw, ok := payload["categories"].([]any)
	if !ok {
		return nil
	}
	cats := make([]string, 0, len(raw))
	for _, c := range raw {
		switch v := c.(type) {
		case string:
			cats = append(cats, v)
		case float64:
			cats = append(cats, fmt.Sprintf("%d", int(v)))
		}
	}
	return cats
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
