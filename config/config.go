package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration. Values come from the
// environment (optionally seeded from a .env file) with sane defaults.
type Config struct {
	// HTTP server
	ListenAddr string
	JWTSecret  string
	CronToken  string // guards the POST /api/cron/sync trigger

	// MySQL
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// Redis (live sync progress cache; optional)
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// NATS / task queue
	NATSURL         string
	QueueGroup      string
	DurablePrefix   string
	StreamName      string
	QueueMaxRetries int

	// MinIO (dead-letter archive)
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioUseSSL    bool

	// Remote catalog API
	CatalogAPIURL    string
	CatalogPageSize  int
	CatalogRateLimit float64 // requests per second against the remote API

	// Sync pipeline tuning
	SyncPagesPerTask     int           // pages fetched per pagination task invocation
	SyncStaleAfter       time.Duration // a run older than this may be reclaimed
	SyncFinalizeAttempts int           // reschedule budget for the finalizer
	SyncJanitorBatch     int           // rows swept per janitor invocation

	// Credential encryption
	CryptSecret string

	// Logging
	LogLevel      string
	LogOutputPath string
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

// getEnvFloat gets an environment variable as float64 or returns a default value.
func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvBool gets an environment variable as bool or returns a default value.
func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration gets an environment variable as time.Duration or returns a default value.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on existing environment variables and defaults.")
	}

	return &Config{
		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),
		JWTSecret:  getEnv("JWT_SECRET", "tunesync-dev-secret"),
		CronToken:  os.Getenv("CRON_TOKEN"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "tunesync"),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		NATSURL:         getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		QueueGroup:      getEnv("QUEUE_GROUP", "tunesync-workers"),
		DurablePrefix:   getEnv("QUEUE_DURABLE_PREFIX", "tunesync"),
		StreamName:      os.Getenv("QUEUE_STREAM"), // empty: auto-provision per topic
		QueueMaxRetries: getEnvInt("QUEUE_MAX_RETRIES", 5),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", "127.0.0.1:9000"),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:    getEnv("MINIO_BUCKET", "tunesync-dead-letters"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		CatalogAPIURL:    getEnv("CATALOG_API_URL", "https://music.example.com"),
		CatalogPageSize:  getEnvInt("CATALOG_PAGE_SIZE", 100),
		CatalogRateLimit: getEnvFloat("CATALOG_RATE_LIMIT", 5),

		SyncPagesPerTask:     getEnvInt("SYNC_PAGES_PER_TASK", 20),
		SyncStaleAfter:       getEnvDuration("SYNC_STALE_AFTER", 24*time.Hour),
		SyncFinalizeAttempts: getEnvInt("SYNC_FINALIZE_ATTEMPTS", 1000),
		SyncJanitorBatch:     getEnvInt("SYNC_JANITOR_BATCH", 750),

		CryptSecret: getEnv("CRYPT_SECRET", "tunesync-dev-crypt-secret"),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogOutputPath: getEnv("LOG_OUTPUT_PATH", ""),
	}
}
