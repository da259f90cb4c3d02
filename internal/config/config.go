package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr string

	// WebhookSecret is the shared HMAC secret for inbound gateway webhooks.
	// A request failing verification is rejected before any business logic runs.
	WebhookSecret    string
	WebhookTolerance time.Duration

	// ReportSigningSecret signs reconciliation summaries for financial audit.
	ReportSigningSecret string

	HoldTTLDefault time.Duration
	HoldTTLMin     time.Duration
	HoldTTLMax     time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "medvoya-core"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "medvoya"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),

		RedisAddr: strings.TrimSpace(getenv("REDIS_ADDR", "")),

		WebhookSecret:    strings.TrimSpace(getenv("PAYMENT_WEBHOOK_SECRET", "")),
		WebhookTolerance: getenvDuration("PAYMENT_WEBHOOK_TOLERANCE", 5*time.Minute),

		ReportSigningSecret: strings.TrimSpace(getenv("RECONCILIATION_SIGNING_SECRET", "")),

		HoldTTLDefault: getenvDuration("BOOKING_HOLD_TTL_DEFAULT", 30*time.Minute),
		HoldTTLMin:     getenvDuration("BOOKING_HOLD_TTL_MIN", 15*time.Minute),
		HoldTTLMax:     getenvDuration("BOOKING_HOLD_TTL_MAX", 60*time.Minute),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
