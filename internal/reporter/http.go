package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"phoneguard/internal/violation"
)

// HTTPConfig configures an HTTPReporter.
type HTTPConfig struct {
	// Endpoint is the collector URL that receives POSTed reports.
	Endpoint string

	// Timeout bounds each request, including reading the response.
	Timeout time.Duration

	// AuthToken, when set, is sent as a bearer token.
	AuthToken string

	// UserAgent is sent with every request.
	UserAgent string

	// Client overrides the HTTP client. Mostly for tests.
	Client *http.Client
}

// DefaultHTTPConfig returns defaults for endpoint.
func DefaultHTTPConfig(endpoint string) HTTPConfig {
	return HTTPConfig{
		Endpoint:  endpoint,
		Timeout:   10 * time.Second,
		UserAgent: "phoneguard/1.0",
	}
}

// HTTPReporter posts violations as JSON to a single collector endpoint.
type HTTPReporter struct {
	mu     sync.RWMutex
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTP returns a reporter for cfg.
func NewHTTP(cfg HTTPConfig) *HTTPReporter {
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPReporter{cfg: cfg, client: client}
}

// SetEndpoint switches the collector URL for subsequent reports.
func (r *HTTPReporter) SetEndpoint(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Endpoint = endpoint
}

// Endpoint returns the current collector URL.
func (r *HTTPReporter) Endpoint() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Endpoint
}

// Report posts v. Any 2xx response is success.
func (r *HTTPReporter) Report(ctx context.Context, sessionID string, v violation.Event) error {
	if sessionID == "" {
		return ErrNoSession
	}

	r.mu.RLock()
	cfg := r.cfg
	r.mu.RUnlock()

	body, err := json.Marshal(NewPayload(sessionID, v))
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.UserAgent != "" {
		req.Header.Set("User-Agent", cfg.UserAgent)
	}
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("post report: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return nil
}
