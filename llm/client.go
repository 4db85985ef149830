package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/personaforge/personaforge/core"
)

// Routing identity for the language-model provider.
const (
	Provider              = "llm"
	EndpointCompletions   = "llm.completions"
	RequestTypeCompletion = "llm.completion"
)

// Config holds connection settings for an OpenAI-compatible completion API.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxTokens   int
	Temperature float64

	Logger core.Logger

	// LimiterFeedback receives provider rate headers after each response.
	LimiterFeedback func(endpoint string, h http.Header)

	// HTTPClient overrides the default transport, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to a chat-completions endpoint.
type Client struct {
	cfg    Config
	http   *http.Client
	logger core.Logger
}

// NewClient creates an LLM client. Credentials are mandatory.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		err := core.NewError(core.KindAuthentication, "llm.NewClient", core.ErrMissingCredentials)
		err.Provider = Provider
		return nil, err
	}
	if cfg.BaseURL == "" {
		return nil, core.NewError(core.KindInvalidInput, "llm.NewClient",
			errors.New("base URL is required"))
	}
	if cfg.Model == "" {
		return nil, core.NewError(core.KindInvalidInput, "llm.NewClient",
			errors.New("model is required"))
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}

	return &Client{cfg: cfg, http: httpClient, logger: cfg.Logger}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	Temperature    float64       `json:"temperature,omitempty"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionRequest is one structured-output completion call.
type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
}

// CompletionResult carries the raw model output plus accounting.
type CompletionResult struct {
	Content string
	Usage   Usage
}

// Complete runs one chat completion in JSON mode.
func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResult, error) {
	const op = "llm.Complete"

	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: req.SystemPrompt},
			{Role: "user", Content: req.UserPrompt},
		},
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		ResponseFormat: &struct {
			Type string `json:"type"`
		}{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, core.NewError(core.KindInvalidInput, op, err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.transportError(op, ctx, err)
	}
	defer resp.Body.Close()

	if c.cfg.LimiterFeedback != nil {
		c.cfg.LimiterFeedback(EndpointCompletions, resp.Header)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, c.transportError(op, ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(op, resp, respBody)
	}

	var decoded chatResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		perr := core.NewError(core.KindParseInvalid, op,
			fmt.Errorf("undecodable completion response: %w", err))
		perr.Provider = Provider
		return nil, perr
	}
	if len(decoded.Choices) == 0 {
		perr := core.NewError(core.KindParseInvalid, op, errors.New("completion returned no choices"))
		perr.Provider = Provider
		return nil, perr
	}

	c.logger.Debug("Completion finished", map[string]interface{}{
		"operation":         "llm_complete",
		"model":             c.cfg.Model,
		"prompt_tokens":     decoded.Usage.PromptTokens,
		"completion_tokens": decoded.Usage.CompletionTokens,
		"finish_reason":     decoded.Choices[0].FinishReason,
	})

	return &CompletionResult{
		Content: decoded.Choices[0].Message.Content,
		Usage:   decoded.Usage,
	}, nil
}

// ParseDraft decodes model output into a persona draft. Markdown code fences
// around the JSON are tolerated. Structural problems classify as
// KindParseInvalid so the orchestrator can issue one corrective retry.
func ParseDraft(content string) (*core.PersonaDraft, error) {
	const op = "llm.ParseDraft"

	cleaned := stripFences(content)
	var draft core.PersonaDraft
	if err := json.Unmarshal([]byte(cleaned), &draft); err != nil {
		perr := core.NewError(core.KindParseInvalid, op,
			fmt.Errorf("persona draft is not valid JSON: %w", err))
		perr.Provider = Provider
		return nil, perr
	}
	if draft.Name == "" || draft.Summary == "" {
		perr := core.NewError(core.KindParseInvalid, op,
			errors.New("persona draft missing name or summary"))
		perr.Provider = Provider
		return nil, perr
	}
	return &draft, nil
}

// stripFences removes a surrounding markdown code fence if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Probe performs a lightweight authenticated call for health checking and
// reports the observed latency.
func (c *Client) Probe(ctx context.Context) (time.Duration, error) {
	const op = "llm.Probe"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/models", nil)
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

func (c *Client) statusError(op string, resp *http.Response, body []byte) error {
	kind := core.KindFromStatus(resp.StatusCode)
	err := core.NewError(kind, op,
		fmt.Errorf("llm api returned status %d: %s", resp.StatusCode, truncate(body, 200)))
	err.Provider = Provider
	err.StatusCode = resp.StatusCode

	if kind == core.KindRateLimited {
		if secs, parseErr := strconv.Atoi(resp.Header.Get("Retry-After")); parseErr == nil && secs > 0 {
			err.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	c.logger.Warn("LLM API error response", map[string]interface{}{
		"operation":   "llm_api_error",
		"status_code": resp.StatusCode,
		"error_kind":  kind.String(),
	})
	return err
}

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
