// Package config loads service settings from the environment and an optional
// .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the service.
type Config struct {
	HTTPAddr            string `validate:"required"`
	DatabaseDSN         string `validate:"required"`
	RedisAddr           string `validate:"required"`
	AWSRegion           string `validate:"required"`
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	BucketName          string        `validate:"required"`
	TokenSecret         string        `validate:"required,min=16"`
	TokenTTL            time.Duration `validate:"gt=0"`
	JWTSecret           string        `validate:"required"`
	JWTAudience         string
	DetectorConcurrency int    `validate:"gte=1,lte=100"`
	LogLevel            string `validate:"oneof=debug info warn error"`
	LogFile             string
	ShutdownTimeout     time.Duration `validate:"gt=0"`
}

// Load reads the environment, falling back to defaults for optional keys.
// A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	tokenTTL, err := getDuration("TOKEN_TTL", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 15*time.Second)
	if err != nil {
		return nil, err
	}
	concurrency, err := getInt("DETECTOR_CONCURRENCY", 10)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:            getEnv("HTTP_ADDR", ":8080"),
		DatabaseDSN:         getEnv("DATABASE_DSN", "host=postgres user=postgres password=postgres dbname=liveness port=5432 sslmode=disable"),
		RedisAddr:           getEnv("REDIS_ADDR", "redis:6379"),
		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey:  os.Getenv("AWS_SECRET_ACCESS_KEY"),
		BucketName:          os.Getenv("BUCKET_NAME"),
		TokenSecret:         os.Getenv("TOKEN_SECRET"),
		TokenTTL:            tokenTTL,
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		JWTAudience:         os.Getenv("JWT_AUDIENCE"),
		DetectorConcurrency: concurrency,
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		LogFile:             os.Getenv("LOG_FILE"),
		ShutdownTimeout:     shutdownTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags on Config.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}
