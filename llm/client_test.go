package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personaforge/personaforge/core"
)

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:    srv.URL,
		APIKey:     "test-key",
		Model:      "gpt-4o-mini",
		MaxTokens:  500,
		HTTPClient: srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func completionBody(content string) string {
	resp := map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"},
		},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 80, "total_tokens": 200},
	}
	b, _ := json.Marshal(resp)
	return string(b)
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(Config{BaseURL: "https://llm.example.com", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, core.KindAuthentication, core.Kind(err))

	_, err = NewClient(Config{APIKey: "k", Model: "m"})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.Kind(err))

	_, err = NewClient(Config{APIKey: "k", BaseURL: "https://llm.example.com"})
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.Kind(err))
}

func TestCompleteSendsJSONModeRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Equal(t, "user", req.Messages[1].Role)
		require.NotNil(t, req.ResponseFormat)
		assert.Equal(t, "json_object", req.ResponseFormat.Type)

		w.Write([]byte(completionBody(`{"name":"Maya"}`)))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	result, err := c.Complete(context.Background(), CompletionRequest{
		SystemPrompt: "You produce personas.",
		UserPrompt:   "Generate one.",
	})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"Maya"}`, result.Content)
	assert.Equal(t, 200, result.Usage.TotalTokens)
}

func TestCompleteNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, core.KindParseInvalid, core.Kind(err))
}

func TestCompleteUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)
	assert.Equal(t, core.KindUpstream, core.Kind(err))
	assert.True(t, core.IsRetryable(err))
}

func TestCompleteRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "12")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), CompletionRequest{UserPrompt: "x"})
	require.Error(t, err)

	var ce *core.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindRateLimited, ce.Kind)
	assert.Equal(t, 12*time.Second, ce.RetryAfter)
}

func TestParseDraft(t *testing.T) {
	draft, err := ParseDraft(`{"name":"Maya Lindqvist","summary":"A thoughtful urban cyclist."}`)
	require.NoError(t, err)
	assert.Equal(t, "Maya Lindqvist", draft.Name)
}

func TestParseDraftStripsCodeFences(t *testing.T) {
	fenced := "```json\n{\"name\":\"Maya\",\"summary\":\"Cyclist.\"}\n```"
	draft, err := ParseDraft(fenced)
	require.NoError(t, err)
	assert.Equal(t, "Maya", draft.Name)

	bare := "```\n{\"name\":\"Maya\",\"summary\":\"Cyclist.\"}\n```"
	draft, err = ParseDraft(bare)
	require.NoError(t, err)
	assert.Equal(t, "Cyclist.", draft.Summary)
}

func TestParseDraftRejectsIncomplete(t *testing.T) {
	_, err := ParseDraft(`{"summary":"no name here"}`)
	require.Error(t, err)
	assert.Equal(t, core.KindParseInvalid, core.Kind(err))

	_, err = ParseDraft("The persona is a cyclist named Maya.")
	require.Error(t, err)
	assert.Equal(t, core.KindParseInvalid, core.Kind(err))
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.Write([]byte(`{"data":[]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	latency, err := c.Probe(context.Background())
	require.NoError(t, err)
	assert.Greater(t, latency, time.Duration(0))
}
