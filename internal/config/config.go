// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded goose migrations at startup
	RedisURL    string // enables distributed per-key locks (optional)
	CatalogSeed string // YAML fixture with sellers, products and agents (optional)

	// Event bus
	AMQPURL      string
	AMQPExchange string

	// Payment gateway
	PGProvider          string // "hosted" or "stripe"
	PGBaseURL           string
	PGMerchantID        string
	PGSecret            string
	PGTimeout           time.Duration
	PublicBaseURL       string
	StripeSecretKey     string
	StripeWebhookSecret string

	// Ordering & negotiation
	PaymentWindow         time.Duration
	OrderSweepInterval    time.Duration
	NegotiationMaxRounds  int
	NegotiationTTL        time.Duration
	AutoApproveAgents     bool
	DefaultPaymentMethod  string
	GatewayBreakerTrips   int
	GatewayBreakerCooloff time.Duration

	// Security
	AdminSecret  string
	RateLimitRPM int

	// Observability
	OTLPEndpoint string
}

const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultLogFormat     = "json"
	DefaultPGProvider    = "hosted"
	DefaultPGTimeout     = 10 * time.Second
	DefaultPaymentWindow = 24 * time.Hour
	DefaultSweepInterval = time.Minute
	DefaultMaxRounds     = 5
	DefaultNegotiateTTL  = 24 * time.Hour
	DefaultRateLimit     = 120
	DefaultAMQPExchange  = "agentgate.events"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", true),
		RedisURL:              os.Getenv("REDIS_URL"),
		CatalogSeed:           os.Getenv("CATALOG_SEED"),
		AMQPURL:               os.Getenv("AMQP_URL"),
		AMQPExchange:          getEnv("AMQP_EXCHANGE", DefaultAMQPExchange),
		PGProvider:            getEnv("PG_PROVIDER", DefaultPGProvider),
		PGBaseURL:             os.Getenv("PG_BASE_URL"),
		PGMerchantID:          os.Getenv("PG_MERCHANT_ID"),
		PGSecret:              os.Getenv("PG_SECRET"),
		PGTimeout:             getEnvDuration("PG_TIMEOUT", DefaultPGTimeout),
		PublicBaseURL:         getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", DefaultPort)),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentWindow:         getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		OrderSweepInterval:    getEnvDuration("ORDER_SWEEP_INTERVAL", DefaultSweepInterval),
		NegotiationMaxRounds:  int(getEnvInt64("NEGOTIATION_MAX_ROUNDS", DefaultMaxRounds)),
		NegotiationTTL:        getEnvDuration("NEGOTIATION_TTL", DefaultNegotiateTTL),
		AutoApproveAgents:     getEnvBool("AUTO_APPROVE_AGENTS", false),
		DefaultPaymentMethod:  getEnv("DEFAULT_PAYMENT_METHOD", "gateway"),
		GatewayBreakerTrips:   int(getEnvInt64("PG_BREAKER_THRESHOLD", 5)),
		GatewayBreakerCooloff: getEnvDuration("PG_BREAKER_COOLOFF", 30*time.Second),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.PGProvider {
	case "hosted":
		if !c.IsDevelopment() && (c.PGBaseURL == "" || c.PGSecret == "") {
			return fmt.Errorf("PG_BASE_URL and PG_SECRET are required for the hosted gateway outside development")
		}
	case "stripe":
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required when PG_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("PG_PROVIDER must be 'hosted' or 'stripe', got %q", c.PGProvider)
	}

	if c.DefaultPaymentMethod != "wallet" && c.DefaultPaymentMethod != "gateway" {
		return fmt.Errorf("DEFAULT_PAYMENT_METHOD must be 'wallet' or 'gateway'")
	}
	if c.NegotiationMaxRounds < 2 {
		return fmt.Errorf("NEGOTIATION_MAX_ROUNDS must be at least 2")
	}
	if c.PGTimeout <= 0 {
		return fmt.Errorf("PG_TIMEOUT must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
