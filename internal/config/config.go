// Package config loads process configuration from the environment via
// envconfig, covering server, database/cache/queue, provider, auth,
// rate-limit, worker, and webhook settings.
package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// Server
	Port         string        `envconfig:"PORT" default:"8080"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"30s"`
	IdleTimeout  time.Duration `envconfig:"IDLE_TIMEOUT" default:"120s"`

	// Database / cache / queue
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	QueueURL    string `envconfig:"QUEUE_URL" required:"true"`
	QueueDLQURL string `envconfig:"QUEUE_DLQ_URL"`

	// WhatsApp Business API
	ProviderBaseURL       string  `envconfig:"PROVIDER_BASE_URL" default:"https://graph.facebook.com"`
	ProviderAPIVersion    string  `envconfig:"PROVIDER_API_VERSION" default:"v19.0"`
	ProviderPhoneNumberID string  `envconfig:"PROVIDER_PHONE_NUMBER_ID"`
	ProviderAccessToken   string  `envconfig:"PROVIDER_ACCESS_TOKEN"`
	ProviderTimeoutMs     int     `envconfig:"PROVIDER_TIMEOUT_MS" default:"30000"`
	UseMockProvider       bool    `envconfig:"USE_MOCK_PROVIDER" default:"false"`
	MockSuccessRate       float64 `envconfig:"MOCK_SUCCESS_RATE" default:"0.95"`
	MockTempFailRate      float64 `envconfig:"MOCK_TEMP_FAIL_RATE" default:"0.03"`
	MockLatencyMs         int     `envconfig:"MOCK_LATENCY_MS" default:"50"`

	// Auth
	APIKeys string `envconfig:"API_KEYS"` // comma-separated bootstrap keys; not read by internal/auth, which resolves keys from the api_keys table

	// Rate limiting
	RateLimitRecipientPerHour int           `envconfig:"RATE_LIMIT_RECIPIENT_PER_HOUR" default:"10"`
	RateLimitTenantPerMinute  int           `envconfig:"RATE_LIMIT_TENANT_PER_MINUTE" default:"100"`
	RateLimitRetention        time.Duration `envconfig:"RATE_LIMIT_RETENTION" default:"168h"`

	// Worker pool / schedulers
	WorkerConcurrency        int           `envconfig:"WORKER_CONCURRENCY" default:"10"`
	WorkerVisibilityTimeoutS int           `envconfig:"WORKER_VISIBILITY_TIMEOUT_S" default:"30"`
	RetrySweepIntervalMs     int           `envconfig:"RETRY_SWEEP_INTERVAL_MS" default:"60000"`
	ScheduledSweepIntervalMs int           `envconfig:"SCHEDULED_SWEEP_INTERVAL_MS" default:"30000"`
	RateLimitJanitorInterval time.Duration `envconfig:"RATE_LIMIT_JANITOR_INTERVAL" default:"1h"`

	// Webhook
	WebhookVerifyToken string `envconfig:"WEBHOOK_VERIFY_TOKEN"`
	WebhookHMACSecret   string `envconfig:"WEBHOOK_HMAC_SECRET"`

	// Observability
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
