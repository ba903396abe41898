// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Auth
	JWTSecret string // Secret for signing session tokens

	// Email (Brevo)
	BrevoAPIKey string // Optional; email delivery is skipped without it
	SenderName  string
	SenderEmail string

	// Payments
	StripeSecretKey string // Optional; intent endpoints disabled without it

	// Frontend
	BaseURL string // Base for action links embedded in email

	// Security
	RateLimitRPS int

	// Observability
	OTLPEndpoint string // OTLP gRPC collector; tracing disabled when empty
}

// Defaults
const (
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultSenderName  = "Legit Prove"
	DefaultSenderEmail = "no-reply@legitprove.com"
	DefaultBaseURL     = "https://legitprove.com"
	DefaultRateLimit   = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:     os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		JWTSecret:       os.Getenv("JWT_SECRET"),
		BrevoAPIKey:     os.Getenv("BREVO_API_KEY"),
		SenderName:      getEnv("SENDER_NAME", DefaultSenderName),
		SenderEmail:     getEnv("SENDER_EMAIL", DefaultSenderEmail),
		StripeSecretKey: os.Getenv("STRIPE_SECRET_KEY"),
		BaseURL:         getEnv("BASE_URL", DefaultBaseURL),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.Env == "production" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		// Development-only fallback so demo mode starts with no env at all.
		c.JWTSecret = "dev-secret-do-not-use-in-production"
	}
	if len(c.JWTSecret) < 16 && c.Env == "production" {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
