package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type RedisConfig struct {
	Addr     string `validate:"required,hostname_port"`
	Password string
	DB       int `validate:"min=0,max=15"`
}

type APNsConfig struct {
	KeyPath    string
	KeyID      string
	TeamID     string
	Topic      string
	Production bool
}

func (c APNsConfig) Enabled() bool {
	return c.KeyPath != "" && c.KeyID != "" && c.TeamID != "" && c.Topic != ""
}

type VAPIDConfig struct {
	PublicKey  string
	PrivateKey string
	Subject    string `validate:"omitempty,startswith=mailto:|url"`
}

type Config struct {
	HTTPAddr          string `validate:"required"`
	DatabaseURL       string `validate:"required"`
	JWTSecret         string `validate:"required"`
	Redis             RedisConfig
	WorkerConcurrency int           `validate:"min=1,max=1000"`
	ProviderTimeout   time.Duration `validate:"min=1s"`
	WebhookTimeout    time.Duration `validate:"min=1s"`
	RateLimitConfig   string
	KMSKeyID          string
	FirebaseEnabled   bool
	FirestoreTracking bool
	SegmentMaxResults int `validate:"min=1"`
	APNs              APNsConfig
	VAPID             VAPIDConfig
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found, using environment", "error", err)
	}

	cfg := &Config{
		HTTPAddr:    getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL: getEnv("DATABASE_URL", databaseURLFromParts()),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", 10),
		ProviderTimeout:   getEnvDuration("PROVIDER_TIMEOUT", 30*time.Second),
		WebhookTimeout:    getEnvDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		RateLimitConfig:   os.Getenv("RATE_LIMIT_CONFIG"),
		KMSKeyID:          os.Getenv("AWS_KMS_KEY_ID"),
		FirebaseEnabled:   os.Getenv("FIREBASE_PROJECT_ID") != "",
		FirestoreTracking: getEnvBool("FIRESTORE_TRACKING", false),
		SegmentMaxResults: getEnvInt("SEGMENT_MAX_RESULTS", 10000),
		APNs: APNsConfig{
			KeyPath:    os.Getenv("APNS_KEY_PATH"),
			KeyID:      os.Getenv("APNS_KEY_ID"),
			TeamID:     os.Getenv("APNS_TEAM_ID"),
			Topic:      os.Getenv("APNS_TOPIC"),
			Production: getEnvBool("APNS_PRODUCTION", false),
		},
		VAPID: VAPIDConfig{
			PublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
			PrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
			Subject:    os.Getenv("VAPID_SUBJECT"),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		slog.Error("Configuration validation failed", "error", err)
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func databaseURLFromParts() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		getEnv("DB_USER", "postgres"),
		getEnv("DB_PASSWORD", "postgres"),
		getEnv("DB_HOST", "localhost"),
		getEnv("DB_PORT", "5432"),
		getEnv("DB_NAME", "pushengine"),
		getEnv("DB_SSLMODE", "disable"))
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or plain milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	slog.Warn("ignoring malformed duration", "variable", key, "value", raw)
	return defaultValue
}
