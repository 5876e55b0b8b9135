// Package client talks to a running servisr daemon over its HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Client is a thin typed wrapper over the daemon API.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger
	TLS      *TLSConfig
	Insecure bool // skip TLS verification wholesale
}

// TLSConfig holds client-side TLS material, for daemons behind a
// TLS-terminating front.
type TLSConfig struct {
	Enabled    bool
	CACert     string // CA certificate file
	ClientCert string // client certificate file
	ClientKey  string // client private key file
	ServerName string
	SkipVerify bool
}

// DefaultConfig returns the client defaults for a local daemon.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8099",
		Timeout: 15 * time.Second,
	}
}

// New creates a daemon API client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://127.0.0.1:8099"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if (config.TLS != nil && config.TLS.Enabled) || config.Insecure {
		tlsConfig, err := buildTLSConfig(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// IsReachable reports whether the daemon answers its liveness endpoint.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Start registers and starts a service, waiting for readiness. A spec
// carrying only Key starts a service the daemon already knows.
func (c *Client) Start(ctx context.Context, spec ServiceSpec) error {
	body, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	return c.do(ctx, http.MethodPost, c.baseURL+"/start", body, nil)
}

// Stop stops a service's current child.
func (c *Client) Stop(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/stop?key="+url.QueryEscape(key), nil, nil)
}

// Restart replaces a service's child with a fresh run.
func (c *Client) Restart(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodPost, c.baseURL+"/restart?key="+url.QueryEscape(key), nil, nil)
}

// Status returns one service's status.
func (c *Client) Status(ctx context.Context, key string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodGet, c.baseURL+"/status?key="+url.QueryEscape(key), nil, &st)
	return st, err
}

// Services returns every registered service's status.
func (c *Client) Services(ctx context.Context) ([]ServiceStatus, error) {
	var sts []ServiceStatus
	err := c.do(ctx, http.MethodGet, c.baseURL+"/services", nil, &sts)
	return sts, err
}

// Ports returns the active claims in the shared port ledger.
func (c *Client) Ports(ctx context.Context) ([]PortClaim, error) {
	var claims []PortClaim
	err := c.do(ctx, http.MethodGet, c.baseURL+"/ports", nil, &claims)
	return claims, err
}

// Providers returns the fallback chain's availability table.
func (c *Client) Providers(ctx context.Context) ([]ProviderStatus, error) {
	var sts []ProviderStatus
	err := c.do(ctx, http.MethodGet, c.baseURL+"/providers", nil, &sts)
	return sts, err
}

// Route runs a request through the daemon's fallback chain. A result
// with Success=false means every provider failed; that is not an error.
func (c *Client) Route(ctx context.Context, req RouteRequest) (RouteResult, error) {
	var res RouteResult
	body, err := json.Marshal(req)
	if err != nil {
		return res, fmt.Errorf("marshal request: %w", err)
	}
	err = c.do(ctx, http.MethodPost, c.baseURL+"/route", body, &res)
	return res, err
}

// Usage returns the latest resource sample per service.
func (c *Client) Usage(ctx context.Context) (map[string]UsageSample, error) {
	out := make(map[string]UsageSample)
	err := c.do(ctx, http.MethodGet, c.baseURL+"/usage", nil, &out)
	return out, err
}

// UsageHistory returns the retained samples for one service.
func (c *Client) UsageHistory(ctx context.Context, key string) ([]UsageSample, error) {
	var out []UsageSample
	err := c.do(ctx, http.MethodGet, c.baseURL+"/usage?key="+url.QueryEscape(key)+"&history=1", nil, &out)
	return out, err
}

// do performs the request and decodes a JSON body into out when given.
func (c *Client) do(ctx context.Context, method, u string, body []byte, out any) error {
	var rdr *bytes.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	var req *http.Request
	var err error
	if rdr != nil {
		req, err = http.NewRequestWithContext(ctx, method, u, rdr)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, u, nil)
	}
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		var er ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err != nil || er.Error == "" {
			return fmt.Errorf("HTTP %d", resp.StatusCode)
		}
		return fmt.Errorf("daemon: %s", er.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func buildTLSConfig(config Config) (*tls.Config, error) {
	tc := &tls.Config{}
	if config.Insecure {
		tc.InsecureSkipVerify = true
		return tc, nil
	}
	if config.TLS == nil {
		return tc, nil
	}
	if config.TLS.SkipVerify {
		tc.InsecureSkipVerify = true
	}
	if config.TLS.ServerName != "" {
		tc.ServerName = config.TLS.ServerName
	}
	if config.TLS.CACert != "" {
		pem, err := os.ReadFile(config.TLS.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse CA certificate")
		}
		tc.RootCAs = pool
	}
	if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}
