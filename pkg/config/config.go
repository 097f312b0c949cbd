package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Storage       StorageConfig
	Observability ObservabilityConfig
	Billing       BillingConfig
	Gateway       GatewayConfig
	RateLimit     RateLimitConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	MaxBodyBytes    int64

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// StorageConfig selects the subscription store and its connections
type StorageConfig struct {
	Type            string
	PostgresURL     string
	PostgresMaxConn int
	PostgresMinConn int
	ConnectRetry    time.Duration
	RunMigrations   bool

	// RedisURL is optional; without it locks and rate limits stay in-process
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
	OTelSampleRatio    float64
}

// BillingConfig holds ledger and renewal settings
type BillingConfig struct {
	EnforcementEnabled bool
	ProductionMode     bool
	WebhookSecret      string
	AdminSecret        string
	CustomerKeySalt    string
	CallbackBaseURL    string
	PlanCatalogPath    string

	SchedulerEnabled     bool
	SchedulerSchedule    string
	LookaheadWindow      time.Duration
	ChargeTimeout        time.Duration
	MaxConcurrentCharges int
	PendingChargeGrace   time.Duration
	RunLockTTL           time.Duration
	FailureWindow        time.Duration
	FailureThreshold     int

	AuthorizationTTL       time.Duration
	AuthorizationCacheSize int
}

// GatewayConfig holds payment gateway connection settings
type GatewayConfig struct {
	BaseURL   string
	SecretKey string
	Timeout   time.Duration
}

// RateLimitConfig holds consumption endpoint rate limits
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerWindow int
	WindowDuration    time.Duration
	BurstSize         int
}

// LoadConfig loads an optional env file, then configuration from environment
// variables
func LoadConfig() (*Config, error) {
	if err := loadEnvFile(getEnv("TOLLGATE_ENV_FILE", ".env")); err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Observability: loadObservabilityConfig(),
		Billing:       loadBillingConfig(),
		Gateway:       loadGatewayConfig(),
		RateLimit:     loadRateLimitConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadEnvFile applies path to the environment without overriding variables
// that are already set. A missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to access env file %s: %w", path, err)
	}
	if info.IsDir() {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 60*time.Second),
		IdleTimeout:     getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		MaxBodyBytes:    getEnvInt64("TOLLGATE_MAX_BODY_BYTES", 1<<20),
		HealthPort:      getEnv("TOLLGATE_HEALTH_PORT", "9090"),
	}
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		Type:            strings.ToLower(getEnv("TOLLGATE_STORAGE_TYPE", StorageMemory)),
		PostgresURL:     getEnv("TOLLGATE_POSTGRES_URL", ""),
		PostgresMaxConn: getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 20),
		PostgresMinConn: getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 2),
		ConnectRetry:    getEnvDuration("TOLLGATE_POSTGRES_CONNECT_RETRY", 30*time.Second),
		RunMigrations:   getEnvBool("TOLLGATE_RUN_MIGRATIONS", true),
		RedisURL:        getEnv("TOLLGATE_REDIS_URL", ""),
		RedisPassword:   getEnv("TOLLGATE_REDIS_PASSWORD", ""),
		RedisDB:         getEnvInt("TOLLGATE_REDIS_DB", 0),
		RedisMaxRetries: getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 3),
		RedisPoolSize:   getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 10),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
		OTelSampleRatio:    getEnvFloat("TOLLGATE_OTEL_SAMPLE_RATIO", 1.0),
	}
}

func loadBillingConfig() BillingConfig {
	return BillingConfig{
		EnforcementEnabled:     getEnvBool("TOLLGATE_ENFORCEMENT_ENABLED", true),
		ProductionMode:         getEnvBool("TOLLGATE_PRODUCTION_MODE", false),
		WebhookSecret:          getEnv("TOLLGATE_WEBHOOK_SECRET", ""),
		AdminSecret:            getEnv("TOLLGATE_ADMIN_SECRET", ""),
		CustomerKeySalt:        getEnv("TOLLGATE_CUSTOMER_KEY_SALT", "tollgate"),
		CallbackBaseURL:        getEnv("TOLLGATE_CALLBACK_BASE_URL", "http://localhost:8080"),
		PlanCatalogPath:        getEnv("TOLLGATE_PLAN_CATALOG_PATH", ""),
		SchedulerEnabled:       getEnvBool("TOLLGATE_SCHEDULER_ENABLED", true),
		SchedulerSchedule:      getEnv("TOLLGATE_SCHEDULER_SCHEDULE", "0 0 * * *"),
		LookaheadWindow:        getEnvDuration("TOLLGATE_LOOKAHEAD_WINDOW", 24*time.Hour),
		ChargeTimeout:          getEnvDuration("TOLLGATE_CHARGE_TIMEOUT", 30*time.Second),
		MaxConcurrentCharges:   getEnvInt("TOLLGATE_MAX_CONCURRENT_CHARGES", 4),
		PendingChargeGrace:     getEnvDuration("TOLLGATE_PENDING_CHARGE_GRACE", 24*time.Hour),
		RunLockTTL:             getEnvDuration("TOLLGATE_RUN_LOCK_TTL", time.Hour),
		FailureWindow:          getEnvDuration("TOLLGATE_FAILURE_WINDOW", 30*24*time.Hour),
		FailureThreshold:       getEnvInt("TOLLGATE_FAILURE_THRESHOLD", 3),
		AuthorizationTTL:       getEnvDuration("TOLLGATE_AUTHORIZATION_TTL", 30*time.Minute),
		AuthorizationCacheSize: getEnvInt("TOLLGATE_AUTHORIZATION_CACHE_SIZE", 10000),
	}
}

func loadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BaseURL:   getEnv("TOLLGATE_GATEWAY_BASE_URL", "https://api.tosspayments.com"),
		SecretKey: getEnv("TOLLGATE_GATEWAY_SECRET_KEY", ""),
		Timeout:   getEnvDuration("TOLLGATE_GATEWAY_TIMEOUT", 30*time.Second),
	}
}

func loadRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:           getEnvBool("TOLLGATE_RATE_LIMIT_ENABLED", true),
		RequestsPerWindow: getEnvInt("TOLLGATE_RATE_LIMIT_REQUESTS", 600),
		WindowDuration:    getEnvDuration("TOLLGATE_RATE_LIMIT_WINDOW", time.Minute),
		BurstSize:         getEnvInt("TOLLGATE_RATE_LIMIT_BURST", 60),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StoragePostgres:
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("postgres URL is required for postgres storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or postgres)", c.Storage.Type)
	}

	if c.Billing.ProductionMode {
		if c.Billing.WebhookSecret == "" {
			return fmt.Errorf("webhook secret is required in production mode")
		}
		if c.Billing.AdminSecret == "" {
			return fmt.Errorf("admin secret is required in production mode")
		}
		if c.Gateway.SecretKey == "" {
			return fmt.Errorf("gateway secret key is required in production mode")
		}
		if c.Storage.Type == StorageMemory {
			return fmt.Errorf("memory storage is not allowed in production mode")
		}
	}
	if c.Billing.CustomerKeySalt == "" {
		return fmt.Errorf("customer key salt is required")
	}
	if c.Billing.MaxConcurrentCharges <= 0 {
		return fmt.Errorf("max concurrent charges must be positive")
	}
	if c.Billing.ChargeTimeout <= 0 {
		return fmt.Errorf("charge timeout must be positive")
	}
	if c.Billing.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0) {
		return fmt.Errorf("rate limit requests and window must be positive when enabled")
	}

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

// Connection returns the PostgreSQL pool settings
func (s StorageConfig) Connection() postgres.ConnectionConfig {
	cfg := postgres.DefaultConnectionConfig(s.PostgresURL)
	cfg.MaxConns = s.PostgresMaxConn
	cfg.MinConns = s.PostgresMinConn
	cfg.ConnectRetry = s.ConnectRetry
	return cfg
}

// Redis returns the Redis client settings
func (s StorageConfig) Redis() postgres.RedisConfig {
	return postgres.RedisConfig{
		URL:        s.RedisURL,
		Password:   s.RedisPassword,
		DB:         s.RedisDB,
		MaxRetries: s.RedisMaxRetries,
		PoolSize:   s.RedisPoolSize,
	}
}

// OTel returns the OpenTelemetry settings
func (o ObservabilityConfig) OTel() observability.OTelConfig {
	return observability.OTelConfig{
		Enabled:        o.OTelEnabled,
		Endpoint:       o.OTelEndpoint,
		ServiceName:    o.OTelServiceName,
		ServiceVersion: o.OTelServiceVersion,
		Insecure:       o.OTelInsecure,
		SampleRatio:    o.OTelSampleRatio,
	}
}

// Ledger returns the ledger settings
func (b BillingConfig) Ledger() ledger.Config {
	return ledger.Config{EnforcementEnabled: b.EnforcementEnabled}
}

// Settler returns the charge settlement settings
func (b BillingConfig) Settler() billing.SettlerConfig {
	return billing.SettlerConfig{
		ChargeTimeout:    b.ChargeTimeout,
		FailureWindow:    b.FailureWindow,
		FailureThreshold: b.FailureThreshold,
	}
}

// Scheduler returns the renewal scheduler settings
func (b BillingConfig) Scheduler() billing.SchedulerConfig {
	return billing.SchedulerConfig{
		Schedule:             b.SchedulerSchedule,
		LookaheadWindow:      b.LookaheadWindow,
		MaxConcurrentCharges: b.MaxConcurrentCharges,
		PendingChargeGrace:   b.PendingChargeGrace,
		LockTTL:              b.RunLockTTL,
	}
}

// Authorizer returns the credential authorization settings
func (b BillingConfig) Authorizer() billing.AuthorizerConfig {
	return billing.AuthorizerConfig{
		CustomerKeySalt: b.CustomerKeySalt,
		CallbackBaseURL: b.CallbackBaseURL,
		TTL:             b.AuthorizationTTL,
		CacheSize:       b.AuthorizationCacheSize,
	}
}

// Reconciler returns the webhook reconciliation settings
func (b BillingConfig) Reconciler() billing.ReconcilerConfig {
	return billing.ReconcilerConfig{
		WebhookSecret:  b.WebhookSecret,
		ProductionMode: b.ProductionMode,
	}
}

// HTTP returns the gateway HTTP client settings
func (g GatewayConfig) HTTP() gateway.HTTPConfig {
	return gateway.HTTPConfig{
		BaseURL:   g.BaseURL,
		SecretKey: g.SecretKey,
		Timeout:   g.Timeout,
	}
}

// Middleware returns the rate limiter settings
func (r RateLimitConfig) Middleware() *middleware.RateLimitConfig {
	return &middleware.RateLimitConfig{
		RequestsPerWindow: r.RequestsPerWindow,
		WindowDuration:    r.WindowDuration,
		BurstSize:         r.BurstSize,
	}
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
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

// getEnvInt64 returns an int64 environment variable or a default
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
