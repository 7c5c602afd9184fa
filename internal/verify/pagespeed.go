package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"time"

	"git.home.luguber.info/inful/pageforge/internal/logfields"
)

// defaultPSIEndpoint is Google's PageSpeed Insights v5 audit endpoint.
const defaultPSIEndpoint = "https://www.googleapis.com/pagespeedonline/v5/runPagespeed"

// PageSpeedClient fetches remote audit composites from the PSI v5 REST API.
type PageSpeedClient struct {
	client  *http.Client
	apiKey  string
	baseURL string
	log     *slog.Logger
}

// NewPageSpeedClient wires a client. Audits routinely take tens of seconds,
// hence the generous default timeout. An empty API key is accepted; Google
// then applies the anonymous quota.
func NewPageSpeedClient(client *http.Client, apiKey string, logger *slog.Logger) *PageSpeedClient {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PageSpeedClient{client: client, apiKey: apiKey, baseURL: defaultPSIEndpoint, log: logger}
}

// psiResponse is the slice of the v5 payload the verifier consumes.
type psiResponse struct {
	LighthouseResult struct {
		Categories struct {
			Performance struct {
				Score float64 `json:"score"` // 0-1
			} `json:"performance"`
		} `json:"categories"`
	} `json:"lighthouseResult"`
}

// Audit runs a remote audit for pageURL with the given strategy
// (mobile|desktop) and returns the performance composite on the 0-100 scale.
func (c *PageSpeedClient) Audit(ctx context.Context, pageURL, strategy string) (*PageSpeedResult, error) {
	if strategy == "" {
		strategy = "mobile"
	}
	q := url.Values{}
	q.Set("url", pageURL)
	q.Set("strategy", strategy)
	q.Set("category", "performance")
	if c.apiKey != "" {
		q.Set("key", c.apiKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pagespeed request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read pagespeed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pagespeed API returned HTTP %d", resp.StatusCode)
	}

	var parsed psiResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode pagespeed response: %w", err)
	}
	score := int(math.Round(parsed.LighthouseResult.Categories.Performance.Score * 100))

	c.log.Info("pagespeed audit complete",
		logfields.URL(pageURL),
		slog.String("strategy", strategy),
		slog.Int("performance", score))
	return &PageSpeedResult{Strategy: strategy, Performance: score}, nil
}
