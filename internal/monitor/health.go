package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Health is the daemon's /health payload.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Vectors int    `json:"vectors"`
}

// HealthClient polls the daemon's health endpoint.
type HealthClient struct {
	baseURL string
	client  *http.Client
}

// NewHealthClient creates a client for the daemon at baseURL.
func NewHealthClient(baseURL string) *HealthClient {
	return &HealthClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
	}
}

// Fetch reads /health.
func (c *HealthClient) Fetch(ctx context.Context) (Health, error) {
	u, err := url.JoinPath(c.baseURL, "/health")
	if err != nil {
		return Health{}, fmt.Errorf("invalid base URL: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Health{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Health{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Health{}, fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	var h Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return Health{}, fmt.Errorf("failed to decode response: %w", err)
	}
	return h, nil
}
