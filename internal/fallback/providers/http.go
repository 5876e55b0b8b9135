// Package providers ships the chain entries the daemon wires by
// default: cloud translation APIs reached over HTTP and the local
// supervised child as the terminal fallback.
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/renkaru/servisr/internal/fallback"
)

// HTTPConfig configures one cloud provider entry.
type HTTPConfig struct {
	ID        string        `json:"id" mapstructure:"id"`
	Endpoint  string        `json:"endpoint" mapstructure:"endpoint"`
	HealthURL string        `json:"health_url" mapstructure:"health_url"`
	APIKey    string        `json:"api_key" mapstructure:"api_key"`
	Timeout   time.Duration `json:"timeout" mapstructure:"timeout"`
}

// HTTP executes requests against a cloud translation endpoint with
// bearer-token auth. HTTP 4xx answers (except 408/429) are treated as
// non-retryable: the request was understood and rejected, so hammering
// the same endpoint again will not help.
type HTTP struct {
	id        string
	endpoint  string
	healthURL string
	apiKey    string
	client    *http.Client
}

// NewHTTP builds a provider from cfg. Timeout defaults to 10s.
func NewHTTP(cfg HTTPConfig) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTP{
		id:        cfg.ID,
		endpoint:  cfg.Endpoint,
		healthURL: cfg.HealthURL,
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: timeout},
	}
}

func (p *HTTP) ID() string { return p.id }

// IsAvailable probes the configured health URL. Providers without one
// skip the live check; the request itself is the probe.
func (p *HTTP) IsAvailable(ctx context.Context) bool {
	if p.healthURL == "" {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.healthURL, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		slog.Debug("provider health probe failed", "provider", p.id, "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < 500
}

type httpWireResponse struct {
	Text        string  `json:"text"`
	Translation string  `json:"translation"`
	Confidence  float64 `json:"confidence"`
	Error       string  `json:"error"`
}

// Execute POSTs the request as JSON and classifies the outcome.
func (p *HTTP) Execute(ctx context.Context, req *fallback.Request) (*fallback.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &fallback.ProviderError{Code: "encode", Retryable: false, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &fallback.ProviderError{Code: "request", Retryable: false, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		code := "network"
		if errors.Is(err, context.DeadlineExceeded) {
			code = "timeout"
		}
		return nil, &fallback.ProviderError{Code: code, Retryable: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var wire httpWireResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.NewDecoder(resp.Body).Decode(&wire)
		return nil, statusError(resp.StatusCode, wire.Error)
	}
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, &fallback.ProviderError{Code: "decode", Retryable: true, Err: err}
	}

	text := wire.Text
	if text == "" {
		text = wire.Translation
	}
	if text == "" {
		return nil, &fallback.ProviderError{Code: "empty_response", Retryable: true,
			Err: errors.New("answer carried no text")}
	}
	return &fallback.Response{Text: text, Confidence: wire.Confidence}, nil
}

// statusError maps an HTTP status to a classified provider error.
// 408 and 429 stay retryable; other 4xx mean the endpoint rejected the
// request or the credentials and will keep doing so.
func statusError(status int, detail string) *fallback.ProviderError {
	retryable := true
	if status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		retryable = false
	}
	err := fmt.Errorf("HTTP %d", status)
	if detail != "" {
		err = fmt.Errorf("HTTP %d: %s", status, detail)
	}
	return &fallback.ProviderError{
		Code:      fmt.Sprintf("http_%d", status),
		Retryable: retryable,
		Err:       err,
	}
}
