// Package authority talks to the rule coverage API of the policy authority.
package authority

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"flow-policy-resolver/internal/metrics"
	"flow-policy-resolver/internal/model"
)

const coveragePath = "/api/v2/orgs/%d/sec_policy/draft/rule_coverage"

type Config struct {
	BaseURL   string
	OrgID     int
	APIKey    string
	APISecret string
	Timeout   time.Duration
	RateLimit float64 // requests per second
	Burst     int
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 512 {
		body = body[:512]
	}
	return fmt.Sprintf("authority returned HTTP %d: %s", e.Code, body)
}

type Client struct {
	baseURL    *url.URL
	orgID      int
	apiKey     string
	apiSecret  string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Metrics
}

func NewClient(cfg Config, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("authority URL must be provided")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid authority URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("authority URL must be http or https, got %q", cfg.BaseURL)
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL:    base,
		orgID:      cfg.OrgID,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(limit, burst),
		metrics:    m,
	}, nil
}

func (c *Client) coverageURL(includeBoundary bool) string {
	u := *c.baseURL
	u.Path += fmt.Sprintf(coveragePath, c.orgID)
	if includeBoundary {
		u.RawQuery = url.Values{"include_deny_rules": {"true"}}.Encode()
	}
	return u.String()
}

// SendBatch posts one batch of coverage queries and returns the raw response.
// It never retries.
func (c *Client) SendBatch(ctx context.Context, queries []model.CoverageQuery, includeBoundary bool) ([]byte, error) {
	body, err := json.Marshal(queries)
	if err != nil {
		return nil, fmt.Errorf("encoding coverage queries: %w", err)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.coverageURL(includeBoundary), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.apiKey, c.apiSecret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.Request("error", time.Since(start))
		return nil, fmt.Errorf("posting rule coverage: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	c.metrics.Request(strconv.Itoa(resp.StatusCode), time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("reading rule coverage response: %w", err)
	}
	slog.Debug("Rule coverage response", "status", resp.StatusCode, "queries", len(queries), "bytes", len(data), "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, Body: data}
	}
	return data, nil
}
