package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// setRequired sets the variables that have no usable default
func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SHOPKEEP_CONTROL_DB_URL", "postgres://shopkeep@localhost/control")
	t.Setenv("SHOPKEEP_CREDENTIAL_MASTER_KEY", "0123456789abcdef0123456789abcdef")
	t.Setenv("SHOPKEEP_JWT_SECRET", "an-adequately-long-signing-secret-value")
}

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{"returns env value when set", "TEST_VAR", "default", "custom", "custom"},
		{"returns default when env not set", "TEST_VAR_NOT_SET", "default", "", "default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv(tt.key, tt.envValue)
			}
			assert.Equal(t, tt.want, getEnv(tt.key, tt.defaultValue))
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{"returns true for 'true'", false, "true", true},
		{"returns true for 'TRUE'", false, "TRUE", true},
		{"returns true for '1'", false, "1", true},
		{"returns false for 'false'", true, "false", false},
		{"returns false for anything else", true, "yes", false},
		{"returns default when unset", true, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				t.Setenv("TEST_BOOL", tt.envValue)
			}
			assert.Equal(t, tt.want, getEnvBool("TEST_BOOL", tt.defaultValue))
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	assert.Equal(t, 42, getEnvInt("TEST_INT", 7))

	t.Setenv("TEST_INT_BAD", "forty-two")
	assert.Equal(t, 7, getEnvInt("TEST_INT_BAD", 7))
	assert.Equal(t, 7, getEnvInt("TEST_INT_UNSET", 7))
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "90s")
	assert.Equal(t, 90*time.Second, getEnvDuration("TEST_DURATION", time.Second))

	t.Setenv("TEST_DURATION_BAD", "ninety")
	assert.Equal(t, time.Second, getEnvDuration("TEST_DURATION_BAD", time.Second))
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, 10, cfg.Tenancy.Pool.MaxOpenConns)
	assert.Equal(t, 15*time.Second, cfg.Tenancy.Cache.ConnectTimeout)
	assert.Equal(t, 3, cfg.Tenancy.Cache.Retry.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.RBAC.CacheTTL)
	assert.Equal(t, 16, cfg.RBAC.MaxChainDepth)
	assert.Equal(t, "*/15 * * * *", cfg.RBAC.JanitorSchedule)
	assert.Equal(t, invalidation.DefaultChannel, cfg.Redis.Channel)
	assert.Empty(t, cfg.Redis.URL)
	assert.True(t, cfg.Audit.DBEnabled)
	assert.Equal(t, 90, cfg.Audit.RetentionDays)
	assert.Equal(t, "0 3 * * *", cfg.Audit.RetentionSchedule)
	assert.Equal(t, "shopkeep", cfg.Auth.Issuer)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("SHOPKEEP_PORT", "8000")
	t.Setenv("SHOPKEEP_TENANT_MAX_OPEN_CONNS", "4")
	t.Setenv("SHOPKEEP_TENANT_CONNECT_TIMEOUT", "5s")
	t.Setenv("SHOPKEEP_TENANT_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("SHOPKEEP_TENANT_RETRY_INITIAL_BACKOFF", "50ms")
	t.Setenv("SHOPKEEP_RBAC_CACHE_TTL", "0s")
	t.Setenv("SHOPKEEP_RBAC_JANITOR_SCHEDULE", "@hourly")
	t.Setenv("SHOPKEEP_REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SHOPKEEP_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, 4, cfg.Tenancy.Pool.MaxOpenConns)
	assert.Equal(t, 5*time.Second, cfg.Tenancy.Cache.ConnectTimeout)
	assert.Equal(t, 5, cfg.Tenancy.Cache.Retry.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Tenancy.Cache.Retry.InitialInterval)
	assert.Equal(t, time.Duration(0), cfg.RBAC.CacheTTL)
	assert.Equal(t, "@hourly", cfg.RBAC.JanitorSchedule)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
}

func TestLoadConfig_MissingRequired(t *testing.T) {
	t.Setenv("SHOPKEEP_CONTROL_DB_URL", "")
	_, err := LoadConfig()
	assert.ErrorContains(t, err, "control database URL is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"same ports", func(c *Config) { c.Server.HealthPort = c.Server.Port }, "must be different"},
		{"short master key", func(c *Config) { c.Tenancy.MasterKey = "short" }, "master key"},
		{"no tenant pool", func(c *Config) { c.Tenancy.Pool.MaxOpenConns = 0 }, "max open connections"},
		{"zero connect timeout", func(c *Config) { c.Tenancy.Cache.ConnectTimeout = 0 }, "connect timeout"},
		{"zero retry attempts", func(c *Config) { c.Tenancy.Cache.Retry.MaxAttempts = 0 }, "max attempts"},
		{"negative cache ttl", func(c *Config) { c.RBAC.CacheTTL = -time.Second }, "TTL"},
		{"cache without size", func(c *Config) { c.RBAC.CacheSize = 0 }, "cache size"},
		{"disabled cache without size", func(c *Config) { c.RBAC.CacheTTL = 0; c.RBAC.CacheSize = 0 }, ""},
		{"chain depth", func(c *Config) { c.RBAC.MaxChainDepth = 0 }, "chain depth"},
		{"bad janitor schedule", func(c *Config) { c.RBAC.JanitorSchedule = "whenever" }, "janitor schedule"},
		{"janitor disabled ignores schedule", func(c *Config) { c.RBAC.JanitorEnabled = false; c.RBAC.JanitorSchedule = "whenever" }, ""},
		{"negative retention", func(c *Config) { c.Audit.RetentionDays = -1 }, "retention days"},
		{"bad retention schedule", func(c *Config) { c.Audit.RetentionSchedule = "nightly" }, "retention schedule"},
		{"retention off ignores schedule", func(c *Config) { c.Audit.RetentionDays = 0; c.Audit.RetentionSchedule = "nightly" }, ""},
		{"redis without channel", func(c *Config) { c.Redis.URL = "redis://x"; c.Redis.Channel = "" }, "channel"},
		{"rate limit zero", func(c *Config) { c.RateLimit.RequestsPerMinute = 0 }, "rate limit"},
		{"short jwt secret", func(c *Config) { c.Auth.JWTSecret = "tiny" }, "JWT secret"},
		{"otel without endpoint", func(c *Config) { c.Observability.OTelEnabled = true; c.Observability.OTelEndpoint = "" }, "endpoint"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			cfg, err := LoadConfig()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
