package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/iago/genjobs-back/internal/domain"
)

// ProviderConfig holds the credentials and endpoint of one vendor.
type ProviderConfig struct {
	APIKey  string
	BaseURL string
}

// Config centralizes runtime settings for the API and workers.
type Config struct {
	Port string

	LogLevel  string
	LogFormat string

	// APITokens maps bearer tokens to owner ids.
	APITokens      map[string]string
	CallbackSecret string

	DatabaseURL string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisDLQ      string
	RedisGroup    string
	RedisConsumer string

	// IdempotencyBackend is memory, postgres or redis. Empty picks the
	// strongest configured backend.
	IdempotencyBackend string

	// CallbackQueue is local, redis or rabbitmq.
	CallbackQueue       string
	CallbackMaxAttempts int
	AMQPURL             string
	AMQPExchange        string
	AMQPQueue           string

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	RateLimitRPS       float64
	RateLimitBurst     int
	CORSAllowedOrigins []string

	PlansFile string
	BlobDir   string

	Providers          map[domain.Provider]ProviderConfig
	ProviderTimeoutMS  int
	ProviderMaxRetries int
	ProviderRPS        float64
	PikaWebhookURL     string

	ReconcileInterval    time.Duration
	ReconcileConcurrency int
	ReaperInterval       time.Duration
	JobMaxAge            time.Duration
	CompletionRetention  time.Duration

	WorkerEnabled bool
}

func Load() Config {
	return Config{
		Port: getEnv("PORT", "8080"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		APITokens:      parseTokens(getEnv("API_TOKENS", "")),
		CallbackSecret: getEnv("CALLBACK_SECRET", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		RedisStream:   getEnv("REDIS_STREAM", "genjobs_callbacks"),
		RedisDLQ:      getEnv("REDIS_DLQ_STREAM", "genjobs_callbacks_dlq"),
		RedisGroup:    getEnv("REDIS_GROUP", "genjobs_workers"),
		RedisConsumer: getEnv("REDIS_CONSUMER", "api-1"),

		IdempotencyBackend: strings.ToLower(getEnv("IDEMPOTENCY_BACKEND", "")),

		CallbackQueue:       strings.ToLower(getEnv("CALLBACK_QUEUE", "local")),
		CallbackMaxAttempts: getEnvInt("CALLBACK_MAX_ATTEMPTS", 5),
		AMQPURL:             getEnv("AMQP_URL", ""),
		AMQPExchange:        getEnv("AMQP_EXCHANGE", "genjobs"),
		AMQPQueue:           getEnv("AMQP_QUEUE", "genjobs.callbacks"),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", true),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		RateLimitRPS:       getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst:     getEnvInt("RATE_LIMIT_BURST", 40),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),

		PlansFile: getEnv("PLANS_FILE", ""),
		BlobDir:   getEnv("BLOB_DIR", "data/blobs"),

		Providers: map[domain.Provider]ProviderConfig{
			domain.ProviderRunway:     providerFromEnv("RUNWAY"),
			domain.ProviderPika:       providerFromEnv("PIKA"),
			domain.ProviderMiniMax:    providerFromEnv("MINIMAX"),
			domain.ProviderStability:  providerFromEnv("STABILITY"),
			domain.ProviderDALLE3:     providerFromEnv("OPENAI"),
			domain.ProviderOpenAITTS:  providerFromEnv("OPENAI"),
			domain.ProviderElevenLabs: providerFromEnv("ELEVENLABS"),
			domain.ProviderGoogleTTS:  providerFromEnv("GOOGLE_TTS"),
		},
		ProviderTimeoutMS:  getEnvInt("PROVIDER_TIMEOUT_MS", 30000),
		ProviderMaxRetries: getEnvInt("PROVIDER_MAX_RETRIES", 2),
		ProviderRPS:        getEnvFloat("PROVIDER_RPS", 5),
		PikaWebhookURL:     getEnv("PIKA_WEBHOOK_URL", ""),

		ReconcileInterval:    getEnvDuration("RECONCILE_INTERVAL", 5*time.Second),
		ReconcileConcurrency: getEnvInt("RECONCILE_CONCURRENCY", 4),
		ReaperInterval:       getEnvDuration("REAPER_INTERVAL", time.Minute),
		JobMaxAge:            getEnvDuration("JOB_MAX_AGE", 2*time.Hour),
		CompletionRetention:  getEnvDuration("COMPLETION_RETENTION", 24*time.Hour),

		WorkerEnabled: getEnvBool("WORKER_ENABLED", true),
	}
}

func providerFromEnv(prefix string) ProviderConfig {
	return ProviderConfig{
		APIKey:  getEnv(prefix+"_API_KEY", ""),
		BaseURL: getEnv(prefix+"_BASE_URL", ""),
	}
}

// parseTokens reads "token:owner,token2:owner2".
func parseTokens(raw string) map[string]string {
	tokens := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		token, owner, ok := strings.Cut(strings.TrimSpace(pair), ":")
		token, owner = strings.TrimSpace(token), strings.TrimSpace(owner)
		if !ok || token == "" || owner == "" {
			continue
		}
		tokens[token] = owner
	}
	return tokens
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvList(key string) []string {
	values := make([]string, 0)
	for _, raw := range strings.Split(os.Getenv(key), ",") {
		if value := strings.TrimSpace(raw); value != "" {
			values = append(values, value)
		}
	}
	return values
}
