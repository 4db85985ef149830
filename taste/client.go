package taste

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/personaforge/personaforge/core"
)

// Routing identity for the cultural insights provider.
const (
	Provider            = "taste"
	EndpointInsights    = "taste.insights"
	RequestTypeInsights = "taste.insights"
)

// Categories enumerates the cultural domains fetched for every brief.
var Categories = []string{"music", "brands", "food", "media", "travel"}

// Config holds connection settings for the Taste API.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	Logger core.Logger

	// LimiterFeedback receives provider rate headers after each response so
	// the admission limiter can track remote quota.
	LimiterFeedback func(endpoint string, h http.Header)

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the Taste cultural recommendation API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger core.Logger
}

// NewClient creates a Taste client. Credentials are mandatory.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		err := core.NewError(core.KindAuthentication, "taste.NewClient", core.ErrMissingCredentials)
		err.Provider = Provider
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, core.NewError(core.KindInvalidInput, "taste.NewClient",
			errors.New("base URL is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{cfg: cfg, http: httpClient, logger: cfg.Logger}, nil
}

type insightsRequest struct {
	Category  string   `json:"category"`
	Interests []string `json:"interests"`
	Values    []string `json:"values"`
	AgeRange  string   `json:"age_range"`
	Location  string   `json:"location,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

type insightsResponse struct {
	Entities []core.Entity `json:"entities"`
}

// InsightsKey fingerprints a category fetch so identical briefs share one
// cached result.
func InsightsKey(brief *core.Brief, category string) (core.RequestKey, error) {
	return core.Fingerprint(Provider, EndpointInsights, RequestTypeInsights, insightsRequest{
		Category:  category,
		Interests: brief.Interests,
		Values:    brief.Values,
		AgeRange:  string(brief.AgeRange),
		Location:  brief.Location,
	})
}

// FetchCategory fetches the entity recommendations for one cultural category.
// Entities come back ordered by confidence, highest first.
func (c *Client) FetchCategory(ctx context.Context, brief *core.Brief, category string, limit int) ([]core.Entity, error) {
	const op = "taste.FetchCategory"

	payload := insightsRequest{
		Category:  category,
		Interests: brief.Interests,
		Values:    brief.Values,
		AgeRange:  string(brief.AgeRange),
		Location:  brief.Location,
		Limit:     limit,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, op, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/insights", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.transportError(op, ctx, err)
	}
	defer resp.Body.Close()

	if c.cfg.LimiterFeedback != nil {
		c.cfg.LimiterFeedback(EndpointInsights, resp.Header)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, c.transportError(op, ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(op, resp, respBody)
	}

	var decoded insightsResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		perr := core.NewError(core.KindParseInvalid, op,
			fmt.Errorf("undecodable insights response: %w", err))
		perr.Provider = Provider
		return nil, perr
	}

	entities := decoded.Entities
	sort.SliceStable(entities, func(i, j int) bool {
		return entities[i].Confidence > entities[j].Confidence
	})

	c.logger.Debug("Fetched cultural category", map[string]interface{}{
		"operation": "taste_fetch",
		"category":  category,
		"entities":  len(entities),
	})
	return entities, nil
}

// Probe performs a lightweight authenticated call for health checking and
// reports the observed latency.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	const op = "taste.Probe"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/status", nil)
	if err != nil {
		return 0, core.NewError(core.KindInvalidInput, op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	start := time.Now()
	resp, err := c.http.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, c.transportError(op, ctx, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return latency, c.statusError(op, resp, nil)
	}
	return latency, nil
}

// statusError translates a non-200 response into the error taxonomy,
// carrying the Retry-After hint when the provider sent one.
func (c *Client) statusError(op string, resp *http.Response, body []byte) error {
	kind := core.KindFromStatus(resp.StatusCode)
	err := core.NewError(kind, op,
		fmt.Errorf("taste api returned status %d: %s", resp.StatusCode, truncate(body, 200)))
	err.Provider = Provider
	err.StatusCode = resp.StatusCode

	if kind == core.KindRateLimited {
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	c.logger.Warn("Taste API error response", map[string]interface{}{
		"operation":   "taste_api_error",
		"status_code": resp.StatusCode,
		"error_kind":  kind.String(),
	})
	return err
}

// transportError classifies I/O failures: caller cancellation and deadline
// surface as such, everything else is a retryable network fault.
func (c *Client) transportError(op string, ctx context.Context, err error) error {
	kind := core.KindNetwork
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		kind = core.KindCancelled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		kind = core.KindTimeout
	}
	out := core.NewError(kind, op, err)
	out.Provider = Provider
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// EntityCodec round-trips entity lists for the shared cache tier.
type EntityCodec struct{}

func (EntityCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (EntityCodec) Decode(data []byte) (interface{}, error) {
	var out []core.Entity
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
