// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all application configuration parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`
	Port   int    `env:"PORT" envDefault:"8080"`

	RedisHost string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort int    `env:"REDIS_PORT" envDefault:"6379"`

	OpenAIAPIKey          string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL         string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OpenAIChatModel       string `env:"OPENAI_CHAT_MODEL" envDefault:"gpt-4o-mini"`
	OpenAIVisionModel     string `env:"OPENAI_VISION_MODEL" envDefault:"gpt-4o"`
	OpenAIEmbeddingsModel string `env:"OPENAI_EMBEDDINGS_MODEL" envDefault:"text-embedding-3-small"`
	OpenAITranscribeModel string `env:"OPENAI_TRANSCRIBE_MODEL" envDefault:"whisper-1"`

	GeminiAPIKey          string `env:"GEMINI_API_KEY"`
	GeminiBaseURL         string `env:"GEMINI_BASE_URL" envDefault:"https://generativelanguage.googleapis.com/v1beta"`
	GeminiChatModel       string `env:"GEMINI_CHAT_MODEL" envDefault:"gemini-1.5-flash"`
	GeminiEmbeddingsModel string `env:"GEMINI_EMBEDDINGS_MODEL" envDefault:"text-embedding-004"`

	ServiceAPIKey     string `env:"SERVICE_API_KEY"`
	PrimaryProvider   string `env:"PRIMARY_LLM_PROVIDER" envDefault:"openai"`
	EmbeddingProvider string `env:"EMBEDDING_PROVIDER" envDefault:"openai"`
	// AllowProviderOverride enables per-request provider selection only when
	// the value is exactly the string "true".
	AllowProviderOverride string `env:"ALLOW_PROVIDER_OVERRIDE"`

	WebhookBaseURL string        `env:"WEBHOOK_BASE_URL"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// DBURL enables the Postgres usage ledger when set.
	DBURL string `env:"DB_URL"`

	// Orchestration timing. Defaults are load-bearing: the lock TTL must
	// stay above the provider timeout, and the write timeout above the
	// result wait.
	ProviderTimeout    time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"180s"`
	ResultWaitTimeout  time.Duration `env:"RESULT_WAIT_TIMEOUT" envDefault:"180s"`
	ResultPollInterval time.Duration `env:"RESULT_POLL_INTERVAL" envDefault:"100ms"`
	LockTTL            time.Duration `env:"LOCK_TTL" envDefault:"300s"`
	ResultTTL          time.Duration `env:"RESULT_TTL" envDefault:"300s"`
	QueuePopTimeout    time.Duration `env:"QUEUE_POP_TIMEOUT" envDefault:"1s"`

	// Remote media fetches (Gemini image download, audio download) retry a
	// bounded number of times; provider chat calls never retry in-adapter.
	MediaFetchTimeout time.Duration `env:"MEDIA_FETCH_TIMEOUT" envDefault:"30s"`
	MediaFetchRetries uint64        `env:"MEDIA_FETCH_RETRIES" envDefault:"2"`

	PricingConfigPath string `env:"PRICING_CONFIG_PATH"`

	CORSAllowOrigins string `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	RateLimitPerMin  int    `env:"RATE_LIMIT_PER_MIN" envDefault:"60"`
	// TenantRateLimitPerMin caps admissions per tenant across all replicas
	// via a shared token bucket. Zero disables the cap.
	TenantRateLimitPerMin int           `env:"TENANT_RATE_LIMIT_PER_MIN" envDefault:"0"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	// HTTPWriteTimeout must exceed ResultWaitTimeout or chat replies get cut
	// off mid-wait.
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"200s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"ai-gateway"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the host:port address for both Redis clients.
func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

// ProviderOverrideEnabled reports whether requests may name their provider.
// Only the exact string "true" enables it.
func (c Config) ProviderOverrideEnabled() bool {
	return c.AllowProviderOverride == "true"
}

// AuthEnabled reports whether the service-key check is enforced.
func (c Config) AuthEnabled() bool { return c.ServiceAPIKey != "" }

// LedgerEnabled reports whether usage rows are persisted to Postgres.
func (c Config) LedgerEnabled() bool { return c.DBURL != "" }

// WebhookEnabled reports whether ticket classifications have a target.
func (c Config) WebhookEnabled() bool { return c.WebhookBaseURL != "" }

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// MediaBackoff returns the retry budget for remote media fetches. Test
// environments use a tighter budget so suites stay fast.
func (c Config) MediaBackoff() (initial, maxInterval time.Duration, retries uint64) {
	if c.IsTest() {
		return 10 * time.Millisecond, 50 * time.Millisecond, 1
	}
	return 500 * time.Millisecond, 5 * time.Second, c.MediaFetchRetries
}
