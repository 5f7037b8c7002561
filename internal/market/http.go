package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quantscafe/quantscafe/internal/core"
)

// HTTPConfig for the remote market service
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPClient reads markets from a JSON HTTP service:
//
//	GET {base}/markets?status=open -> []Market
//	GET {base}/markets/{id}        -> Market
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPClient creates a remote market service client
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &HTTPClient{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// OpenMarkets implements Service
func (c *HTTPClient) OpenMarkets(ctx context.Context) ([]Market, error) {
	var markets []Market
	if err := c.get(ctx, "/markets?status=open", &markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// Market implements Service
func (c *HTTPClient) Market(ctx context.Context, id string) (*Market, error) {
	var mk Market
	if err := c.get(ctx, "/markets/"+url.PathEscape(id), &mk); err != nil {
		return nil, err
	}
	return &mk, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrMarketUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrMarketNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", core.ErrMarketUnavailable, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
