package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/porticohq/portico/pkg/types"
)

const defaultFetchTimeout = 30 * time.Second

// HTTPClient fetches integration data over plain HTTP GET, mapping
// response codes onto the failure taxonomy: 2xx success, 429 rate
// limited (honoring Retry-After), 5xx and transport errors transient,
// remaining 4xx permanent.
type HTTPClient struct {
	endpoints map[string]types.IntegrationConfig
	client    *http.Client
}

// NewHTTPClient builds a client over the configured endpoints.
func NewHTTPClient(configs []types.IntegrationConfig) *HTTPClient {
	endpoints := make(map[string]types.IntegrationConfig, len(configs))
	for _, c := range configs {
		endpoints[c.ID] = c
	}
	return &HTTPClient{
		endpoints: endpoints,
		client:    &http.Client{},
	}
}

// Fetch performs one GET against the integration's endpoint with params
// as query values. The schema hash of the response body is computed so
// the health monitor can detect upstream shape drift.
func (c *HTTPClient) Fetch(ctx context.Context, integrationID string, params map[string]string) (*FetchResult, error) {
	cfg, ok := c.endpoints[integrationID]
	if !ok {
		return nil, Permanent(fmt.Errorf("unknown integration %q", integrationID))
	}

	timeout := defaultFetchTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.URL, nil)
	if err != nil {
		return nil, Permanent(fmt.Errorf("building request for %s: %w", integrationID, err))
	}
	if len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(fmt.Errorf("fetching %s: %w", integrationID, err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, Transient(fmt.Errorf("reading %s response: %w", integrationID, err))
	}
	latency := time.Since(start)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &FetchResult{
			Data:       body,
			SchemaHash: HashSchema(body),
			Latency:    latency,
		}, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, RateLimited(
			fmt.Errorf("%s responded %d", integrationID, resp.StatusCode),
			retryAfter(resp.Header.Get("Retry-After")),
		)
	case resp.StatusCode >= 500:
		return nil, Transient(fmt.Errorf("%s responded %d", integrationID, resp.StatusCode))
	default:
		return nil, Permanent(fmt.Errorf("%s responded %d", integrationID, resp.StatusCode))
	}
}

// retryAfter parses a Retry-After header as either delay seconds or an
// HTTP date, defaulting to one minute.
func retryAfter(header string) time.Duration {
	if header == "" {
		return time.Minute
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return time.Minute
}
