package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if !had {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "PORT", "9090")
	setEnv(t, "PG_PROVIDER", "")
	setEnv(t, "ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultPGProvider, cfg.PGProvider)
	assert.Equal(t, DefaultPaymentWindow, cfg.PaymentWindow)
	assert.Equal(t, DefaultMaxRounds, cfg.NegotiationMaxRounds)
	assert.Equal(t, "gateway", cfg.DefaultPaymentMethod)
}

func TestLoad_Overrides(t *testing.T) {
	setEnv(t, "PG_TIMEOUT", "3s")
	setEnv(t, "NEGOTIATION_MAX_ROUNDS", "7")
	setEnv(t, "AUTO_APPROVE_AGENTS", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.PGTimeout)
	assert.Equal(t, 7, cfg.NegotiationMaxRounds)
	assert.True(t, cfg.AutoApproveAgents)
}

func TestLoad_StripeRequiresKeys(t *testing.T) {
	setEnv(t, "PG_PROVIDER", "stripe")
	setEnv(t, "STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		return Config{
			Env:                  "development",
			PGProvider:           "hosted",
			PGTimeout:            time.Second,
			DefaultPaymentMethod: "gateway",
			NegotiationMaxRounds: 5,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown provider", mutate: func(c *Config) { c.PGProvider = "paypal" }, wantErr: "PG_PROVIDER"},
		{name: "bad payment method", mutate: func(c *Config) { c.DefaultPaymentMethod = "cash" }, wantErr: "DEFAULT_PAYMENT_METHOD"},
		{name: "too few rounds", mutate: func(c *Config) { c.NegotiationMaxRounds = 1 }, wantErr: "NEGOTIATION_MAX_ROUNDS"},
		{name: "production without admin secret", mutate: func(c *Config) {
			c.Env = "production"
			c.PGBaseURL = "https://pg.example"
			c.PGSecret = "s"
		}, wantErr: "ADMIN_SECRET"},
		{name: "production hosted without PG secret", mutate: func(c *Config) {
			c.Env = "production"
			c.AdminSecret = "a"
		}, wantErr: "PG_BASE_URL"},
		{name: "staging hosted sandbox", mutate: func(c *Config) { c.Env = "staging" }, wantErr: "PG_BASE_URL"},
		{name: "staging hosted without PG secret", mutate: func(c *Config) {
			c.Env = "staging"
			c.PGBaseURL = "https://pg.example"
		}, wantErr: "PG_SECRET"},
		{name: "staging hosted configured", mutate: func(c *Config) {
			c.Env = "staging"
			c.PGBaseURL = "https://pg.example"
			c.PGSecret = "s"
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
