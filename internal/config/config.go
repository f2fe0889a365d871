package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the signals service.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	ClickHouse ClickHouseConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Log        LogConfig
	Metrics    MetricsConfig
	Geo        GeoConfig
	Signals    SignalsConfig
	Drift      DriftConfig
}

type ServerConfig struct {
	Addr            string
	Env             string
	ShutdownTimeout time.Duration
	// TrustedProxies lists the CIDRs whose forwarding headers are believed.
	TrustedProxies  []string
}

type DatabaseConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	DBName         string
	SSLMode        string
	MaxConns       int
	MinConns       int
	ConnectRetries int
	RunMigrations  bool
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode,
	)
}

type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	PoolSize       int
	ConnectRetries int
}

// ClickHouseConfig configures the analytical event log.
type ClickHouseConfig struct {
	Addrs          []string
	Database       string
	Username       string
	Password       string
	ConnectRetries int
}

type AuthConfig struct {
	Enabled   bool
	MasterKey string
	SkipPaths []string
}

type RateLimitConfig struct {
	Enabled        bool
	IngestRPS      float64
	IngestBurst    int
	ReportingRPS   float64
	ReportingBurst int
}

type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool
	Path      string
	Namespace string
}

// GeoConfig configures GeoIP enrichment of recorded events.
type GeoConfig struct {
	Enabled      bool
	DatabasePath string
	CacheSize    int
	CacheTTL     time.Duration
}

// SignalsConfig holds identifier lifetimes and storage backend choices.
type SignalsConfig struct {
	DistributionTTL time.Duration
	OrganicTTL      time.Duration
	// DistributionParam is the query parameter that marks a distribution link.
	DistributionParam string
	CookieName        string
	CookieDomain      string
	CookieSecure      bool

	DefaultWindowDays  int
	AttributionWorkers int

	// EventLogBackend is one of postgres, clickhouse or memory.
	EventLogBackend string
	// MetricsBackend is one of postgres, redis or memory.
	MetricsBackend string
	// CacheSignals enables the Redis lookup cache in front of the signal store.
	CacheSignals bool
}

// DriftConfig schedules the rollup consistency check.
type DriftConfig struct {
	Enabled   bool
	Interval  time.Duration
	BatchSize int
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Addr:            getEnv("SIGNALS_HTTP_ADDR", ":8080"),
			Env:             getEnv("SIGNALS_ENV", "development"),
			ShutdownTimeout: getDurationEnv("SIGNALS_SHUTDOWN_TIMEOUT", 30*time.Second),
			TrustedProxies:  getSliceEnv("SIGNALS_TRUSTED_PROXIES", nil),
		},
		Database: DatabaseConfig{
			Host:           getEnv("SIGNALS_DB_HOST", "localhost"),
			Port:           getIntEnv("SIGNALS_DB_PORT", 5432),
			User:           getEnv("SIGNALS_DB_USER", "signals"),
			Password:       getEnv("SIGNALS_DB_PASSWORD", "signals_secret"),
			DBName:         getEnv("SIGNALS_DB_NAME", "signals"),
			SSLMode:        getEnv("SIGNALS_DB_SSLMODE", "disable"),
			MaxConns:       getIntEnv("SIGNALS_DB_MAX_CONNS", 25),
			MinConns:       getIntEnv("SIGNALS_DB_MIN_CONNS", 5),
			ConnectRetries: getIntEnv("SIGNALS_DB_CONNECT_RETRIES", 3),
			RunMigrations:  getBoolEnv("SIGNALS_DB_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:           getEnv("SIGNALS_REDIS_ADDR", "localhost:6379"),
			Password:       getEnv("SIGNALS_REDIS_PASSWORD", ""),
			DB:             getIntEnv("SIGNALS_REDIS_DB", 0),
			PoolSize:       getIntEnv("SIGNALS_REDIS_POOL_SIZE", 100),
			ConnectRetries: getIntEnv("SIGNALS_REDIS_CONNECT_RETRIES", 3),
		},
		ClickHouse: ClickHouseConfig{
			Addrs:          getSliceEnv("SIGNALS_CLICKHOUSE_ADDRS", []string{"localhost:9000"}),
			Database:       getEnv("SIGNALS_CLICKHOUSE_DB", "signals"),
			Username:       getEnv("SIGNALS_CLICKHOUSE_USER", "default"),
			Password:       getEnv("SIGNALS_CLICKHOUSE_PASSWORD", ""),
			ConnectRetries: getIntEnv("SIGNALS_CLICKHOUSE_CONNECT_RETRIES", 3),
		},
		Auth: AuthConfig{
			Enabled:   getBoolEnv("SIGNALS_AUTH_ENABLED", true),
			MasterKey: getEnv("SIGNALS_API_KEY_MASTER", ""),
			SkipPaths: getSliceEnv("SIGNALS_AUTH_SKIP_PATHS", []string{"/health", "/metrics", "/signals/issue", "/events"}),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getBoolEnv("SIGNALS_RATE_LIMIT_ENABLED", true),
			IngestRPS:      getFloatEnv("SIGNALS_RATE_LIMIT_INGEST_RPS", 2000),
			IngestBurst:    getIntEnv("SIGNALS_RATE_LIMIT_INGEST_BURST", 200),
			ReportingRPS:   getFloatEnv("SIGNALS_RATE_LIMIT_REPORTING_RPS", 50),
			ReportingBurst: getIntEnv("SIGNALS_RATE_LIMIT_REPORTING_BURST", 10),
		},
		Log: LogConfig{
			Level:  getEnv("SIGNALS_LOG_LEVEL", "info"),
			Format: getEnv("SIGNALS_LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled:   getBoolEnv("SIGNALS_METRICS_ENABLED", true),
			Path:      getEnv("SIGNALS_METRICS_PATH", "/metrics"),
			Namespace: getEnv("SIGNALS_METRICS_NAMESPACE", "signals"),
		},
		Geo: GeoConfig{
			Enabled:      getBoolEnv("SIGNALS_GEO_ENABLED", false),
			DatabasePath: getEnv("SIGNALS_GEO_DB_PATH", "/app/data/GeoLite2-Country.mmdb"),
			CacheSize:    getIntEnv("SIGNALS_GEO_CACHE_SIZE", 100000),
			CacheTTL:     getDurationEnv("SIGNALS_GEO_CACHE_TTL", time.Hour),
		},
		Signals: SignalsConfig{
			DistributionTTL:    getDurationEnv("SIGNALS_DISTRIBUTION_TTL", 7*24*time.Hour),
			OrganicTTL:         getDurationEnv("SIGNALS_ORGANIC_TTL", 30*24*time.Hour),
			DistributionParam:  getEnv("SIGNALS_DISTRIBUTION_PARAM", "ref"),
			CookieName:         getEnv("SIGNALS_COOKIE_NAME", "tw_signal"),
			CookieDomain:       getEnv("SIGNALS_COOKIE_DOMAIN", ""),
			CookieSecure:       getBoolEnv("SIGNALS_COOKIE_SECURE", true),
			DefaultWindowDays:  getIntEnv("SIGNALS_DEFAULT_WINDOW_DAYS", 30),
			AttributionWorkers: getIntEnv("SIGNALS_ATTRIBUTION_WORKERS", 8),
			EventLogBackend:    getEnv("SIGNALS_EVENT_LOG_BACKEND", "postgres"),
			MetricsBackend:     getEnv("SIGNALS_METRICS_BACKEND", "postgres"),
			CacheSignals:       getBoolEnv("SIGNALS_CACHE_SIGNALS", true),
		},
		Drift: DriftConfig{
			Enabled:   getBoolEnv("SIGNALS_DRIFT_CHECK_ENABLED", true),
			Interval:  getDurationEnv("SIGNALS_DRIFT_CHECK_INTERVAL", time.Hour),
			BatchSize: getIntEnv("SIGNALS_DRIFT_CHECK_BATCH", 500),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that required configuration is present and consistent.
func (c *Config) Validate() error {
	if c.Auth.Enabled && c.Auth.MasterKey == "" {
		return fmt.Errorf("SIGNALS_API_KEY_MASTER is required when auth is enabled")
	}
	if c.Signals.DistributionTTL <= 0 || c.Signals.OrganicTTL <= 0 {
		return fmt.Errorf("signal TTLs must be positive")
	}
	if c.Signals.DistributionParam == "" {
		return fmt.Errorf("SIGNALS_DISTRIBUTION_PARAM must not be empty")
	}
	if c.Signals.DefaultWindowDays <= 0 {
		return fmt.Errorf("SIGNALS_DEFAULT_WINDOW_DAYS must be positive")
	}
	switch c.Signals.EventLogBackend {
	case "postgres", "clickhouse", "memory":
	default:
		return fmt.Errorf("unknown event log backend %q", c.Signals.EventLogBackend)
	}
	switch c.Signals.MetricsBackend {
	case "postgres", "redis", "memory":
	default:
		return fmt.Errorf("unknown metrics backend %q", c.Signals.MetricsBackend)
	}
	if c.Drift.Enabled && c.Drift.Interval <= 0 {
		return fmt.Errorf("SIGNALS_DRIFT_CHECK_INTERVAL must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

// Helper functions for reading environment variables

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getIntEnv(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getFloatEnv(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBoolEnv(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getDurationEnv(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getSliceEnv(key string, def []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				result = append(result, p)
			}
		}
		return result
	}
	return def
}
