package core

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML files can use human-readable values
// like "200ms" or "5m". Plain integers are treated as nanoseconds.
type Duration time.Duration

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(asInt)
		return nil
	}
	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("%w: duration must be a string or integer", ErrInvalidConfig)
	}
	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("%w: invalid duration %q", ErrInvalidConfig, asString)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full configuration surface of the coordinator. All fields
// are fixed and enumerated; unknown YAML fields are rejected at load time.
type Config struct {
	// Enabled gates the whole coordination layer. When false, requests pass
	// straight to their producers with no limiting, batching, or caching.
	Enabled bool `yaml:"enabled"`

	// FallbackAllowed controls whether partial Taste failures degrade to
	// fallback insights (true) or fail the generation (false).
	FallbackAllowed bool `yaml:"fallback_allowed"`

	Limiter    LimiterConfig    `yaml:"limiter"`
	Backoff    BackoffConfig    `yaml:"backoff"`
	Batching   BatchingConfig   `yaml:"batching"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Cache      CacheConfig      `yaml:"cache"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	Health     HealthConfig     `yaml:"health"`

	Taste ProviderConfig `yaml:"taste"`
	LLM   ProviderConfig `yaml:"llm"`
}

// LimiterConfig holds per-endpoint admission budgets.
type LimiterConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	RequestsPerHour   int `yaml:"requests_per_hour"`
	Burst             int `yaml:"burst"`
}

// BackoffConfig parameterizes the retry engine.
type BackoffConfig struct {
	BaseDelay     Duration `yaml:"base_delay"`
	MaxDelay      Duration `yaml:"max_delay"`
	Multiplier    float64  `yaml:"multiplier"`
	MaxAttempts   int      `yaml:"max_attempts"`
	JitterEnabled bool     `yaml:"jitter_enabled"`
}

// BatchingConfig parameterizes the request batcher.
type BatchingConfig struct {
	MaxBatchSize  int      `yaml:"max_batch_size"`
	BatchDelay    Duration `yaml:"batch_delay"`
	EligibleTypes []string `yaml:"eligible_types"`
}

// BreakerConfig parameterizes the per-adapter circuit breakers.
type BreakerConfig struct {
	FailThreshold int      `yaml:"fail_threshold"`
	WindowFail    Duration `yaml:"window_fail"`
	Cooldown      Duration `yaml:"cooldown"`
	MaxCooldown   Duration `yaml:"max_cooldown"`
}

// CacheConfig parameterizes the response cache.
type CacheConfig struct {
	ByteBudget int64    `yaml:"byte_budget"`
	DefaultTTL Duration `yaml:"default_ttl"`
	// RedisURL enables the optional second-level cache when non-empty.
	RedisURL string `yaml:"redis_url"`
}

// EnrichmentConfig parameterizes the persona orchestrator.
type EnrichmentConfig struct {
	MinInterRequestDelay Duration `yaml:"min_inter_request_delay"`
	CategoryCap          int      `yaml:"category_cap"`
	ValidationThreshold  float64  `yaml:"validation_threshold"`
}

// HealthConfig parameterizes the health monitor.
type HealthConfig struct {
	ProbeInterval    Duration `yaml:"probe_interval"`
	DegradedLatency  Duration `yaml:"degraded_latency"`
	UnhealthyLatency Duration `yaml:"unhealthy_latency"`
	HistorySize      int      `yaml:"history_size"`
}

// ProviderConfig holds per-provider connection settings. Credentials are
// mandatory: an empty APIKey fails initialization of that adapter.
type ProviderConfig struct {
	BaseURL     string   `yaml:"base_url"`
	APIKey      string   `yaml:"api_key"`
	Model       string   `yaml:"model,omitempty"`
	Timeout     Duration `yaml:"timeout"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Temperature float64  `yaml:"temperature,omitempty"`
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:         true,
		FallbackAllowed: true,
		Limiter: LimiterConfig{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			Burst:             10,
		},
		Backoff: BackoffConfig{
			BaseDelay:     Duration(100 * time.Millisecond),
			MaxDelay:      Duration(30 * time.Second),
			Multiplier:    2.0,
			MaxAttempts:   3,
			JitterEnabled: true,
		},
		Batching: BatchingConfig{
			MaxBatchSize:  5,
			BatchDelay:    Duration(200 * time.Millisecond),
			EligibleTypes: []string{"taste.insights"},
		},
		Breaker: BreakerConfig{
			FailThreshold: 5,
			WindowFail:    Duration(60 * time.Second),
			Cooldown:      Duration(30 * time.Second),
			MaxCooldown:   Duration(5 * time.Minute),
		},
		Cache: CacheConfig{
			ByteBudget: 64 << 20, // 64 MiB
			DefaultTTL: Duration(15 * time.Minute),
		},
		Enrichment: EnrichmentConfig{
			MinInterRequestDelay: Duration(time.Second),
			CategoryCap:          10,
			ValidationThreshold:  0.6,
		},
		Health: HealthConfig{
			ProbeInterval:    Duration(5 * time.Minute),
			DegradedLatency:  Duration(2 * time.Second),
			UnhealthyLatency: Duration(10 * time.Second),
			HistorySize:      100,
		},
		Taste: ProviderConfig{
			BaseURL: "https://api.taste.example.com/v2",
			Timeout: Duration(30 * time.Second),
		},
		LLM: ProviderConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Timeout:     Duration(120 * time.Second),
			MaxTokens:   2000,
			Temperature: 0.7,
		},
	}
}

// LoadConfig builds a configuration from defaults, an optional YAML file,
// and environment variables, in that priority order (env wins).
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := cfg.applyYAML(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyYAML decodes strictly: unknown fields are rejected.
func (c *Config) applyYAML(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnv overlays recognized environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("PERSONAFORGE_ENABLED"); v != "" {
		c.Enabled = v == "true"
	}
	if v := os.Getenv("PERSONAFORGE_FALLBACK_ALLOWED"); v != "" {
		c.FallbackAllowed = v == "true"
	}
	if v := os.Getenv("PERSONAFORGE_REQUESTS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limiter.RequestsPerMinute = n
		}
	}
	if v := os.Getenv("PERSONAFORGE_REQUESTS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Limiter.RequestsPerHour = n
		}
	}
	if v := os.Getenv("PERSONAFORGE_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	} else if v := os.Getenv("REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("TASTE_API_KEY"); v != "" {
		c.Taste.APIKey = v
	}
	if v := os.Getenv("TASTE_BASE_URL"); v != "" {
		c.Taste.BaseURL = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
}

// Validate checks invariants across the whole configuration.
func (c *Config) Validate() error {
	if c.Limiter.RequestsPerMinute < 0 || c.Limiter.RequestsPerHour < 0 {
		return fmt.Errorf("%w: rate budgets must be non-negative", ErrInvalidConfig)
	}
	if c.Limiter.Burst < 0 {
		return fmt.Errorf("%w: burst must be non-negative", ErrInvalidConfig)
	}
	if c.Backoff.MaxAttempts < 1 {
		return fmt.Errorf("%w: backoff max attempts must be at least 1, got %d", ErrInvalidConfig, c.Backoff.MaxAttempts)
	}
	if c.Backoff.Multiplier < 1 {
		return fmt.Errorf("%w: backoff multiplier must be >= 1, got %f", ErrInvalidConfig, c.Backoff.Multiplier)
	}
	if c.Backoff.BaseDelay < 0 || c.Backoff.MaxDelay < c.Backoff.BaseDelay {
		return fmt.Errorf("%w: backoff delays must satisfy 0 <= base <= max", ErrInvalidConfig)
	}
	if c.Batching.MaxBatchSize < 1 {
		return fmt.Errorf("%w: max batch size must be at least 1, got %d", ErrInvalidConfig, c.Batching.MaxBatchSize)
	}
	if c.Batching.BatchDelay <= 0 {
		return fmt.Errorf("%w: batch delay must be positive, got %v", ErrInvalidConfig, c.Batching.BatchDelay)
	}
	if c.Breaker.FailThreshold < 1 {
		return fmt.Errorf("%w: breaker fail threshold must be at least 1, got %d", ErrInvalidConfig, c.Breaker.FailThreshold)
	}
	if c.Breaker.Cooldown <= 0 || c.Breaker.MaxCooldown < c.Breaker.Cooldown {
		return fmt.Errorf("%w: breaker cooldowns must satisfy 0 < cooldown <= max", ErrInvalidConfig)
	}
	if c.Cache.ByteBudget < 0 {
		return fmt.Errorf("%w: cache byte budget must be non-negative", ErrInvalidConfig)
	}
	if c.Enrichment.ValidationThreshold < 0 || c.Enrichment.ValidationThreshold > 1 {
		return fmt.Errorf("%w: validation threshold must be in [0,1], got %f", ErrInvalidConfig, c.Enrichment.ValidationThreshold)
	}
	return nil
}

// Clone returns a deep copy. Used for atomic config swaps.
func (c *Config) Clone() *Config {
	dup := *c
	dup.Batching.EligibleTypes = append([]string(nil), c.Batching.EligibleTypes...)
	return &dup
}

// ConfigPatch is a partial update applied atomically via UpdateConfig.
// Nil fields leave the current value untouched.
type ConfigPatch struct {
	Enabled           *bool
	FallbackAllowed   *bool
	RequestsPerMinute *int
	RequestsPerHour   *int
	Burst             *int
	Backoff           *BackoffConfig
	Batching          *BatchingConfig
	Breaker           *BreakerConfig
	CacheByteBudget   *int64
	CacheDefaultTTL   *Duration
}

// Apply returns a validated copy of c with the patch applied.
func (p *ConfigPatch) Apply(c *Config) (*Config, error) {
	next := c.Clone()
	if p.Enabled != nil {
		next.Enabled = *p.Enabled
	}
	if p.FallbackAllowed != nil {
		next.FallbackAllowed = *p.FallbackAllowed
	}
	if p.RequestsPerMinute != nil {
		next.Limiter.RequestsPerMinute = *p.RequestsPerMinute
	}
	if p.RequestsPerHour != nil {
		next.Limiter.RequestsPerHour = *p.RequestsPerHour
	}
	if p.Burst != nil {
		next.Limiter.Burst = *p.Burst
	}
	if p.Backoff != nil {
		next.Backoff = *p.Backoff
	}
	if p.Batching != nil {
		next.Batching = *p.Batching
		next.Batching.EligibleTypes = append([]string(nil), p.Batching.EligibleTypes...)
	}
	if p.Breaker != nil {
		next.Breaker = *p.Breaker
	}
	if p.CacheByteBudget != nil {
		next.Cache.ByteBudget = *p.CacheByteBudget
	}
	if p.CacheDefaultTTL != nil {
		next.Cache.DefaultTTL = *p.CacheDefaultTTL
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}
