package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/retry"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	ControlDB     ControlDBConfig
	Tenancy       TenancyConfig
	RBAC          RBACConfig
	Redis         RedisConfig
	RateLimit     RateLimitConfig
	Audit         AuditConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// ControlDBConfig locates the control database holding tenant descriptors and audit records
type ControlDBConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// TenancyConfig sizes tenant pools and bounds tenant opens
type TenancyConfig struct {
	Pool  tenancy.PoolConfig
	Cache tenancy.CacheConfig
	// MasterKey seals tenant database passwords in the control database
	MasterKey string
}

// RBACConfig tunes permission resolution
type RBACConfig struct {
	// CacheTTL of zero disables the effective permission cache
	CacheTTL        time.Duration
	CacheSize       int
	MaxChainDepth   int
	JanitorEnabled  bool
	JanitorSchedule string
}

// RedisConfig configures the invalidation bus. An empty URL runs without
// cross-replica invalidation.
type RedisConfig struct {
	URL     string
	Channel string
}

// RateLimitConfig configures request rate limiting
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int
	Burst             int
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	DBEnabled bool
	FilePath  string
	// RetentionDays of zero keeps audit rows forever
	RetentionDays     int
	RetentionSchedule string
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	JWTSecret string
	Issuer    string
	Leeway    time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel
	LogFile  string

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		ControlDB:     loadControlDBConfig(),
		Tenancy:       loadTenancyConfig(),
		RBAC:          loadRBACConfig(),
		Redis:         loadRedisConfig(),
		RateLimit:     loadRateLimitConfig(),
		Audit:         loadAuditConfig(),
		Auth:          loadAuthConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("SHOPKEEP_HOST", "0.0.0.0"),
		Port:            getEnv("SHOPKEEP_PORT", "8080"),
		ReadTimeout:     getEnvDuration("SHOPKEEP_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("SHOPKEEP_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("SHOPKEEP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("SHOPKEEP_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("SHOPKEEP_HEALTH_PORT", "9090"),
	}
}

func loadControlDBConfig() ControlDBConfig {
	return ControlDBConfig{
		URL:             getEnv("SHOPKEEP_CONTROL_DB_URL", ""),
		MaxOpenConns:    getEnvInt("SHOPKEEP_CONTROL_DB_MAX_OPEN_CONNS", 20),
		MaxIdleConns:    getEnvInt("SHOPKEEP_CONTROL_DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("SHOPKEEP_CONTROL_DB_CONN_MAX_LIFETIME", 30*time.Minute),
	}
}

func loadTenancyConfig() TenancyConfig {
	pool := tenancy.DefaultPoolConfig()
	pool.MaxOpenConns = getEnvInt("SHOPKEEP_TENANT_MAX_OPEN_CONNS", pool.MaxOpenConns)
	pool.MaxIdleConns = getEnvInt("SHOPKEEP_TENANT_MAX_IDLE_CONNS", pool.MaxIdleConns)
	pool.ConnMaxLifetime = getEnvDuration("SHOPKEEP_TENANT_CONN_MAX_LIFETIME", pool.ConnMaxLifetime)
	pool.ConnMaxIdleTime = getEnvDuration("SHOPKEEP_TENANT_CONN_MAX_IDLE_TIME", pool.ConnMaxIdleTime)
	pool.ApplicationName = getEnv("SHOPKEEP_TENANT_APPLICATION_NAME", pool.ApplicationName)

	cache := tenancy.DefaultCacheConfig()
	cache.ConnectTimeout = getEnvDuration("SHOPKEEP_TENANT_CONNECT_TIMEOUT", cache.ConnectTimeout)
	cache.Retry = loadRetryConfig("SHOPKEEP_TENANT_RETRY", cache.Retry)

	return TenancyConfig{
		Pool:      pool,
		Cache:     cache,
		MasterKey: getEnv("SHOPKEEP_CREDENTIAL_MASTER_KEY", ""),
	}
}

func loadRetryConfig(prefix string, def retry.Config) retry.Config {
	return retry.Config{
		MaxAttempts:       getEnvInt(prefix+"_MAX_ATTEMPTS", def.MaxAttempts),
		InitialInterval:   getEnvDuration(prefix+"_INITIAL_BACKOFF", def.InitialInterval),
		MaxInterval:       getEnvDuration(prefix+"_MAX_BACKOFF", def.MaxInterval),
		BackoffMultiplier: def.BackoffMultiplier,
		Jitter:            def.Jitter,
	}
}

func loadRBACConfig() RBACConfig {
	return RBACConfig{
		CacheTTL:        getEnvDuration("SHOPKEEP_RBAC_CACHE_TTL", 30*time.Second),
		CacheSize:       getEnvInt("SHOPKEEP_RBAC_CACHE_SIZE", 10000),
		MaxChainDepth:   getEnvInt("SHOPKEEP_RBAC_MAX_CHAIN_DEPTH", 16),
		JanitorEnabled:  getEnvBool("SHOPKEEP_RBAC_JANITOR_ENABLED", true),
		JanitorSchedule: getEnv("SHOPKEEP_RBAC_JANITOR_SCHEDULE", "*/15 * * * *"),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:     getEnv("SHOPKEEP_REDIS_URL", ""),
		Channel: getEnv("SHOPKEEP_INVALIDATION_CHANNEL", invalidation.DefaultChannel),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("SHOPKEEP_RATE_LIMIT_ENABLED", true),
		RequestsPerMinute: getEnvInt("SHOPKEEP_RATE_LIMIT_PER_MINUTE", 600),
		Burst:             getEnvInt("SHOPKEEP_RATE_LIMIT_BURST", 50),
	}
}

func loadAuditConfig() AuditConfig {
	return AuditConfig{
		DBEnabled:         getEnvBool("SHOPKEEP_AUDIT_DB_ENABLED", true),
		FilePath:          getEnv("SHOPKEEP_AUDIT_FILE", ""),
		RetentionDays:     getEnvInt("SHOPKEEP_AUDIT_RETENTION_DAYS", 90),
		RetentionSchedule: getEnv("SHOPKEEP_AUDIT_RETENTION_SCHEDULE", "0 3 * * *"),
	}
}

func loadAuthConfig() AuthConfig {
	return AuthConfig{
		JWTSecret: getEnv("SHOPKEEP_JWT_SECRET", ""),
		Issuer:    getEnv("SHOPKEEP_JWT_ISSUER", "shopkeep"),
		Leeway:    getEnvDuration("SHOPKEEP_JWT_LEEWAY", 30*time.Second),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("SHOPKEEP_LOG_LEVEL", "info")),
		LogFile:            getEnv("SHOPKEEP_LOG_FILE", ""),
		MetricsEnabled:     getEnvBool("SHOPKEEP_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("SHOPKEEP_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("SHOPKEEP_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("SHOPKEEP_OTEL_SERVICE_NAME", "shopkeep"),
		OTelServiceVersion: getEnv("SHOPKEEP_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("SHOPKEEP_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.ControlDB.URL == "" {
		return fmt.Errorf("control database URL is required")
	}

	// Validate tenancy config
	if len(c.Tenancy.MasterKey) < 16 {
		return fmt.Errorf("credential master key must be at least 16 bytes")
	}
	if c.Tenancy.Pool.MaxOpenConns <= 0 {
		return fmt.Errorf("tenant max open connections must be positive")
	}
	if c.Tenancy.Cache.ConnectTimeout <= 0 {
		return fmt.Errorf("tenant connect timeout must be positive")
	}
	if c.Tenancy.Cache.Retry.MaxAttempts < 1 {
		return fmt.Errorf("tenant retry max attempts must be at least 1")
	}

	// Validate RBAC config
	if c.RBAC.CacheTTL < 0 {
		return fmt.Errorf("permission cache TTL must not be negative")
	}
	if c.RBAC.CacheTTL > 0 && c.RBAC.CacheSize <= 0 {
		return fmt.Errorf("permission cache size must be positive when the cache is enabled")
	}
	if c.RBAC.MaxChainDepth < 1 {
		return fmt.Errorf("template chain depth must be at least 1")
	}
	if c.RBAC.JanitorEnabled {
		if _, err := cron.ParseStandard(c.RBAC.JanitorSchedule); err != nil {
			return fmt.Errorf("invalid janitor schedule %q: %w", c.RBAC.JanitorSchedule, err)
		}
	}

	if c.Audit.RetentionDays < 0 {
		return fmt.Errorf("audit retention days must not be negative")
	}
	if c.Audit.DBEnabled && c.Audit.RetentionDays > 0 {
		if _, err := cron.ParseStandard(c.Audit.RetentionSchedule); err != nil {
			return fmt.Errorf("invalid audit retention schedule %q: %w", c.Audit.RetentionSchedule, err)
		}
	}

	if c.Redis.URL != "" && c.Redis.Channel == "" {
		return fmt.Errorf("invalidation channel is required when Redis is configured")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive when enabled")
	}

	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT secret must be at least 32 bytes")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
