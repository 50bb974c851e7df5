// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one LLM provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache with no external dependencies.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Anthropic ProviderConfig
	Gemini    ProviderConfig
	Mistral   ProviderConfig

	// OpenAI-compatible providers.
	XAI        ProviderConfig
	DeepSeek   ProviderConfig
	Groq       ProviderConfig
	Together   ProviderConfig
	Perplexity ProviderConfig
	Cerebras   ProviderConfig
	Moonshot   ProviderConfig
	MiniMax    ProviderConfig
	Qwen       ProviderConfig
	Nebius     ProviderConfig
	NovitaAI   ProviderConfig
	ByteDance  ProviderConfig
	ZAI        ProviderConfig
	CanopyWave ProviderConfig
	Inference  ProviderConfig
	NanoGPT    ProviderConfig

	// Google Vertex AI (uses ADC instead of an API key).
	VertexAI VertexAIConfig

	// AWS Bedrock.
	Bedrock BedrockConfig

	// Azure OpenAI.
	Azure AzureConfig

	// Redis holds the connection URL for the Redis-backed cache and rate limiter.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls request-rate limiting.
	RateLimit RateLimitConfig

	// Failover controls multi-provider fallback behaviour.
	Failover FailoverConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// AppBaseURL is used to construct absolute URLs (e.g. in webhook callbacks).
	AppBaseURL string

	// AllowClientAPIKeys enables forwarding client-supplied Authorization headers
	// directly to the upstream provider. When false (default) the gateway only
	// uses the API keys configured in this file/.env.
	AllowClientAPIKeys bool

	// Credit controls the reserve/settle guard and its ledger backends.
	Credit CreditConfig

	// Pricing holds pricing settings (see PricingConfig).
	Pricing PricingConfig

	// HealthTracker controls the tiered health-probe scheduler.
	HealthTracker HealthTrackerConfig

	// KeyRateLimit controls the per-api-key multi-window rate limiter, distinct
	// from the legacy global RateLimit above.
	KeyRateLimit KeyRateLimitConfig

	// Registry controls how often the canonical model registry re-syncs its
	// snapshot from the catalog.
	Registry RegistryConfig
}

// CreditConfig controls CreditGuard and its SQL/ClickHouse ledger backends.
type CreditConfig struct {
	// SQLDriver selects the balance store dialect: "sqlite" or "postgres".
	// Default: "sqlite".
	SQLDriver string
	// SQLDSN is the data source name for the balance store. For sqlite this is
	// a file path (or ":memory:"); for postgres a standard connection string.
	SQLDSN string
	// ClickHouseAddr is a list of ClickHouse host:port addresses. Empty
	// disables the analytical sink — settlement still works, only the
	// chat_completion_requests/credit_transactions mirror is skipped.
	ClickHouseAddr []string
	// ClickHouseDatabase, ClickHouseUsername, ClickHousePassword authenticate
	// the ClickHouse connection.
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	// ReserveHoldTTL is loaded from CREDIT_RESERVE_HOLD_TTL but no component
	// reads it: credit.Guard.Reserve only checks the balance and holds
	// nothing. Default: 5m.
	ReserveHoldTTL time.Duration
	// SettleMaxRetries bounds how many times SettleAtomic retries on an
	// optimistic-lock version conflict before giving up and journaling a
	// DeductionFailure. Default: 5.
	SettleMaxRetries int
}

// PricingConfig holds pricing settings.
type PricingConfig struct {
	// CatalogPath is loaded from PRICING_CATALOG_PATH but no component reads
	// it: prices come from the registry's provider bindings.
	CatalogPath string
}

// HealthTrackerConfig controls the tiered health-probe scheduler.
type HealthTrackerConfig struct {
	// MaxConcurrentProbes bounds probes in flight at once. Default: 20.
	MaxConcurrentProbes int
	// LeaseTTL is the cross-instance Redis lease held per probe. Default: 60s.
	LeaseTTL time.Duration
	// ProbeTimeout bounds a single probe call. Default: 5s.
	ProbeTimeout time.Duration

	// TierCriticalInterval/TierPopularInterval/TierStandardInterval/
	// TierOnDemandInterval set how often a (provider, canonical_id) pair in
	// each usage tier is probed. Defaults: 5m / 30m / 2h / 4h.
	TierCriticalInterval time.Duration
	TierPopularInterval  time.Duration
	TierStandardInterval time.Duration
	TierOnDemandInterval time.Duration

	// RetierInterval is how often tracked pairs are re-ranked into tiers by
	// trailing usage. Default: 5m.
	RetierInterval time.Duration
}

// KeyRateLimitConfig controls the per-api-key sliding-window limiter.
type KeyRateLimitConfig struct {
	// PerSecond, PerMinute, PerDay are the request caps for each window. 0
	// disables that window.
	PerSecond int
	PerMinute int
	PerDay    int
}

// RegistryConfig controls the canonical model registry's refresh cadence.
type RegistryConfig struct {
	// SyncInterval is how often the registry re-reads its backing catalog and
	// atomically swaps in a fresh snapshot. Default: 1m.
	SyncInterval time.Duration
	// CatalogFreshTTL is how long a cached catalog document is served without
	// triggering a background refresh. Default: 15m.
	CatalogFreshTTL time.Duration
	// CatalogStaleTTL is how much longer, past CatalogFreshTTL, a cached
	// catalog document may still be served while a refresh runs in the
	// background. Default: 10m.
	CatalogStaleTTL time.Duration
}

// ProviderConfig holds configuration for a single LLM provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// VertexAIConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexAIConfig struct {
	// Project is the Google Cloud project ID. Required.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	// AccessKey is the AWS access key ID.
	AccessKey string
	// SecretKey is the AWS secret access key.
	SecretKey string
	// SessionToken is the optional STS session token for temporary credentials.
	SessionToken string
	// Region is the AWS region, e.g. "us-east-1".
	Region string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration.
type AzureConfig struct {
	// Endpoint is the Azure OpenAI resource URL,
	// e.g. "https://myresource.openai.azure.com".
	Endpoint string
	// APIKey is the Azure OpenAI resource key.
	APIKey string
	// APIVersion is the API version string, e.g. "2024-12-01-preview".
	APIVersion string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	// Example: ["gpt-4o-realtime", "claude-3-haiku"]
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against model
	// names. Requests whose model matches any pattern are not cached.
	// Example: ["^ft:", ".*-preview$"]
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 5m.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute allowed globally.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// FailoverConfig controls multi-provider failover.
type FailoverConfig struct {
	// MaxRetries is the maximum number of provider attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// ProviderTimeout is the per-provider HTTP timeout. Default: 30s.
	ProviderTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// At least one provider API key must be configured.
// REDIS_URL is only required when CACHE_MODE=redis.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "5m")

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("PROVIDER_TIMEOUT", "30s")

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	// Client API key mode disabled by default.
	v.SetDefault("ALLOW_CLIENT_API_KEYS", false)

	// Credit guard defaults.
	v.SetDefault("CREDIT_SQL_DRIVER", "sqlite")
	v.SetDefault("CREDIT_SQL_DSN", "gateway.db")
	v.SetDefault("CREDIT_RESERVE_HOLD_TTL", "5m")
	v.SetDefault("CREDIT_SETTLE_MAX_RETRIES", 5)

	// Health tracker defaults.
	v.SetDefault("HEALTH_MAX_CONCURRENT_PROBES", 20)
	v.SetDefault("HEALTH_LEASE_TTL", "60s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "5s")
	v.SetDefault("HEALTH_TIER_CRITICAL_INTERVAL", "5m")
	v.SetDefault("HEALTH_TIER_POPULAR_INTERVAL", "30m")
	v.SetDefault("HEALTH_TIER_STANDARD_INTERVAL", "2h")
	v.SetDefault("HEALTH_TIER_ON_DEMAND_INTERVAL", "4h")
	v.SetDefault("HEALTH_RETIER_INTERVAL", "5m")

	// Per-key rate limit windows: 0 = disabled.
	v.SetDefault("KEY_RPS_LIMIT", 0)
	v.SetDefault("KEY_RPM_LIMIT", 0)
	v.SetDefault("KEY_RPD_LIMIT", 0)

	// Registry sync cadence.
	v.SetDefault("REGISTRY_SYNC_INTERVAL", "1m")
	v.SetDefault("REGISTRY_CATALOG_FRESH_TTL", "15m")
	v.SetDefault("REGISTRY_CATALOG_STALE_TTL", "10m")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI:    ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic: ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Gemini:    ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},
		Mistral:   ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},

		// OpenAI-compatible providers
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},
		Moonshot:   ProviderConfig{APIKey: v.GetString("MOONSHOT_API_KEY")},
		MiniMax:    ProviderConfig{APIKey: v.GetString("MINIMAX_API_KEY")},
		Qwen:       ProviderConfig{APIKey: v.GetString("QWEN_API_KEY")},
		Nebius:     ProviderConfig{APIKey: v.GetString("NEBIUS_API_KEY")},
		NovitaAI:   ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		ByteDance:  ProviderConfig{APIKey: v.GetString("BYTEDANCE_API_KEY")},
		ZAI:        ProviderConfig{APIKey: v.GetString("ZAI_API_KEY")},
		CanopyWave: ProviderConfig{APIKey: v.GetString("CANOPYWAVE_API_KEY")},
		Inference:  ProviderConfig{APIKey: v.GetString("INFERENCE_API_KEY")},
		NanoGPT:    ProviderConfig{APIKey: v.GetString("NANOGPT_API_KEY")},

		// Google Vertex AI
		VertexAI: VertexAIConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		// AWS Bedrock
		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		// Azure OpenAI
		Azure: AzureConfig{
			Endpoint:   v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:     v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion: v.GetString("AZURE_OPENAI_API_VERSION"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
		AppBaseURL:  v.GetString("APP_BASE_URL"),

		AllowClientAPIKeys: v.GetBool("ALLOW_CLIENT_API_KEYS"),

		Credit: CreditConfig{
			SQLDriver:          strings.ToLower(v.GetString("CREDIT_SQL_DRIVER")),
			SQLDSN:             v.GetString("CREDIT_SQL_DSN"),
			ClickHouseAddr:     v.GetStringSlice("CLICKHOUSE_ADDR"),
			ClickHouseDatabase: v.GetString("CLICKHOUSE_DATABASE"),
			ClickHouseUsername: v.GetString("CLICKHOUSE_USERNAME"),
			ClickHousePassword: v.GetString("CLICKHOUSE_PASSWORD"),
			ReserveHoldTTL:     v.GetDuration("CREDIT_RESERVE_HOLD_TTL"),
			SettleMaxRetries:   v.GetInt("CREDIT_SETTLE_MAX_RETRIES"),
		},

		Pricing: PricingConfig{
			CatalogPath: v.GetString("PRICING_CATALOG_PATH"),
		},

		HealthTracker: HealthTrackerConfig{
			MaxConcurrentProbes:  v.GetInt("HEALTH_MAX_CONCURRENT_PROBES"),
			LeaseTTL:             v.GetDuration("HEALTH_LEASE_TTL"),
			ProbeTimeout:         v.GetDuration("HEALTH_PROBE_TIMEOUT"),
			TierCriticalInterval: v.GetDuration("HEALTH_TIER_CRITICAL_INTERVAL"),
			TierPopularInterval:  v.GetDuration("HEALTH_TIER_POPULAR_INTERVAL"),
			TierStandardInterval: v.GetDuration("HEALTH_TIER_STANDARD_INTERVAL"),
			TierOnDemandInterval: v.GetDuration("HEALTH_TIER_ON_DEMAND_INTERVAL"),
			RetierInterval:       v.GetDuration("HEALTH_RETIER_INTERVAL"),
		},

		KeyRateLimit: KeyRateLimitConfig{
			PerSecond: v.GetInt("KEY_RPS_LIMIT"),
			PerMinute: v.GetInt("KEY_RPM_LIMIT"),
			PerDay:    v.GetInt("KEY_RPD_LIMIT"),
		},

		Registry: RegistryConfig{
			SyncInterval:    v.GetDuration("REGISTRY_SYNC_INTERVAL"),
			CatalogFreshTTL: v.GetDuration("REGISTRY_CATALOG_FRESH_TTL"),
			CatalogStaleTTL: v.GetDuration("REGISTRY_CATALOG_STALE_TTL"),
		},
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	// At least one provider must be configured unless client-supplied keys are enabled.
	if !c.AllowClientAPIKeys && !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, ANTHROPIC_API_KEY, GOOGLE_API_KEY, MISTRAL_API_KEY, " +
				"XAI_API_KEY, DEEPSEEK_API_KEY, GROQ_API_KEY, TOGETHER_API_KEY, " +
				"PERPLEXITY_API_KEY, CEREBRAS_API_KEY, MOONSHOT_API_KEY, MINIMAX_API_KEY, " +
				"QWEN_API_KEY, NEBIUS_API_KEY, NOVITA_API_KEY, BYTEDANCE_API_KEY, " +
				"ZAI_API_KEY, CANOPYWAVE_API_KEY, INFERENCE_API_KEY, NANOGPT_API_KEY, " +
				"VERTEX_PROJECT, AWS_ACCESS_KEY_ID, or AZURE_OPENAI_API_KEY). " +
				"Set ALLOW_CLIENT_API_KEYS=true to require clients to supply their own keys.",
		)
	}

	// Redis URL is required when cache mode is "redis".
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	// Validate cache mode value.
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	// Validate log level.
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	// Circuit breaker sanity checks.
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	// Credit guard sanity checks.
	switch c.Credit.SQLDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: invalid CREDIT_SQL_DRIVER %q; must be one of: sqlite, postgres", c.Credit.SQLDriver)
	}
	if c.Credit.SettleMaxRetries < 1 {
		return fmt.Errorf("config: CREDIT_SETTLE_MAX_RETRIES must be ≥ 1, got %d", c.Credit.SettleMaxRetries)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Moonshot.APIKey != "" ||
		c.MiniMax.APIKey != "" ||
		c.Qwen.APIKey != "" ||
		c.Nebius.APIKey != "" ||
		c.NovitaAI.APIKey != "" ||
		c.ByteDance.APIKey != "" ||
		c.ZAI.APIKey != "" ||
		c.CanopyWave.APIKey != "" ||
		c.Inference.APIKey != "" ||
		c.NanoGPT.APIKey != "" ||
		c.VertexAI.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
