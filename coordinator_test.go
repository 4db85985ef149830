package personaforge

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
	"github.com/personaforge/personaforge/health"
	"github.com/personaforge/personaforge/scheduler"
)

const draftJSON = `{
  "name": "Maya Lindqvist",
  "summary": "A sustainability-minded urban professional who cycles everywhere and cooks at home.",
  "demographics": {"age": 30, "location": "Berlin", "occupation": "Product designer"},
  "psychographics": {"values": ["sustainability"], "motivations": ["low-waste living"], "lifestyle": "urban active"},
  "communication": {"channels": ["instagram"], "tone": "warm"},
  "marketing": {"key_messages": ["durability over disposability"]},
  "confidence": 0.82
}`

func fakeTasteServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/insights":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"entities": []map[string]interface{}{
					{"id": "e1", "name": "Radiohead", "confidence": 0.9},
				},
			})
		case "/status":
			w.Write([]byte(`{"status":"ok"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func fakeLLMServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/completions":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"choices": []map[string]interface{}{
					{"message": map[string]string{"role": "assistant", "content": draftJSON}},
				},
				"usage": map[string]int{"prompt_tokens": 100, "completion_tokens": 50, "total_tokens": 150},
			})
		case "/models":
			w.Write([]byte(`{"data":[]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T) *core.Config {
	cfg := core.DefaultConfig()
	cfg.Backoff.MaxAttempts = 1
	cfg.Enrichment.MinInterRequestDelay = 0
	cfg.Taste.BaseURL = fakeTasteServer(t).URL
	cfg.Taste.APIKey = "taste-key"
	cfg.LLM.BaseURL = fakeLLMServer(t).URL
	cfg.LLM.APIKey = "llm-key"
	return cfg
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	c, err := New(testConfig(t), WithoutRedis(), WithLogger(&core.NoOpLogger{}))
	require.NoError(t, err)
	t.Cleanup(c.Cleanup)
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Taste.APIKey = ""
	_, err := New(cfg, WithoutRedis(), WithLogger(&core.NoOpLogger{}))
	require.Error(t, err)
	assert.Equal(t, core.KindAuthentication, core.Kind(err))

	cfg = core.DefaultConfig()
	cfg.Taste.APIKey = "k"
	cfg.LLM.APIKey = ""
	_, err = New(cfg, WithoutRedis(), WithLogger(&core.NoOpLogger{}))
	require.Error(t, err)
	assert.Equal(t, core.KindAuthentication, core.Kind(err))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Backoff.MaxAttempts = 0
	_, err := New(cfg, WithoutRedis(), WithLogger(&core.NoOpLogger{}))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)
}

func TestGenerateEndToEnd(t *testing.T) {
	c := newTestCoordinator(t)

	brief := &core.Brief{
		Description: "Urban professionals interested in sustainable living",
		Interests:   []string{"cycling", "cooking"},
		Values:      []string{"sustainability"},
		AgeRange:    core.Age25To34,
	}

	results, err := c.Generate(context.Background(), brief)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Maya Lindqvist", results[0].Draft.Name)
	assert.NotEmpty(t, results[0].Insights.Categories)

	snap := c.Stats()
	assert.Greater(t, snap.Requests.TotalRequests, int64(0))
}

func TestGenerateRequiresBrief(t *testing.T) {
	c := newTestCoordinator(t)

	_, err := c.Generate(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, core.KindInvalidInput, core.Kind(err))
}

func TestExecuteRequestEscapeHatch(t *testing.T) {
	c := newTestCoordinator(t)

	v, err := c.ExecuteRequest(context.Background(), scheduler.ExecuteOptions{
		Provider: "taste",
		Endpoint: "taste.custom",
	}, func(ctx context.Context) (interface{}, error) {
		return "raw", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "raw", v)
}

func TestHealthSnapshotAfterStartup(t *testing.T) {
	c := newTestCoordinator(t)

	// The first probe round runs on startup.
	require.Eventually(t, func() bool {
		report := c.HealthSnapshot()
		taste, ok := report.Providers["taste"]
		return ok && taste.Status == health.StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	report := c.HealthSnapshot()
	assert.Equal(t, health.StatusHealthy, report.Overall)
	assert.Contains(t, report.Providers, "llm")
}

func TestUpdateConfigValidatesPatch(t *testing.T) {
	c := newTestCoordinator(t)

	require.Error(t, c.UpdateConfig(nil))

	bad := -1
	err := c.UpdateConfig(&core.ConfigPatch{RequestsPerMinute: &bad})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidConfig)

	good := 120
	require.NoError(t, c.UpdateConfig(&core.ConfigPatch{RequestsPerMinute: &good}))
	assert.Equal(t, 120, c.Scheduler().Config().Limiter.RequestsPerMinute)
}

func TestCleanupRejectsFurtherWork(t *testing.T) {
	c, err := New(testConfig(t), WithoutRedis(), WithLogger(&core.NoOpLogger{}))
	require.NoError(t, err)

	c.Cleanup()
	c.Cleanup()

	_, err = c.ExecuteRequest(context.Background(), scheduler.ExecuteOptions{
		Provider: "taste",
		Endpoint: "taste.custom",
	}, func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	assert.Equal(t, core.KindCleanup, core.Kind(err))
}
