package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Evidence store backends
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	Server        ServerConfig
	Evidence      EvidenceConfig
	Analytics     AnalyticsConfig
	Governance    GovernanceConfig
	Audit         AuditConfig
	Auth          AuthConfig
	Observability ObservabilityConfig
	Environment   string
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string
	Port               int
	ReadTimeout        time.Duration
	WriteTimeout       time.Duration
	ShutdownTimeout    time.Duration
	CORSAllowedOrigins []string
	TLS                struct {
		Enabled  bool
		CertFile string
		KeyFile  string
	}
}

// EvidenceConfig selects where evidence packs and denial records are kept.
type EvidenceConfig struct {
	Store    string // postgres or memory
	Database DatabaseConfig
}

// DatabaseConfig holds PostgreSQL database configuration.
// When ConnectionString (from DATABASE_URL) is set, it takes precedence over individual fields.
type DatabaseConfig struct {
	ConnectionString string // From DATABASE_URL when set
	Host             string
	Port             int
	User             string
	Password         string
	Database         string
	SSLMode          string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// AnalyticsConfig points at the external analytics engine. An empty URL means
// compile-only: SQL and evidence are produced but never executed.
type AnalyticsConfig struct {
	DatabaseURL      string
	ExecutionTimeout time.Duration
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
}

// GovernanceConfig holds catalog, rule-set and compiler settings.
type GovernanceConfig struct {
	CatalogPath    string // empty = embedded catalog
	RulesPath      string // empty = embedded rule set
	MinGroupSize   int    // raises the rule-set floor, never lowers it
	DefaultLimit   int
	MaxLimit       int
	QueryCacheSize int // 0 disables the compiled-query cache
}

// AuditConfig sizes the asynchronous evidence recorder.
type AuditConfig struct {
	BufferSize   int
	WorkerCount  int
	BatchSize    int
	WriteTimeout time.Duration
}

// AuthConfig holds bearer token validation settings
type AuthConfig struct {
	JWTSecret string
	JWTIssuer string
	AdminRole string
}

// ObservabilityConfig holds logging configuration
type ObservabilityConfig struct {
	LogLevel  string
	LogFormat string // json or text
}

// New creates a new Config instance by loading environment variables
func New(ctx context.Context) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Host:               getEnv("SERVER_HOST", "0.0.0.0"),
			Port:               getPort(),
			ReadTimeout:        getEnvAsDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvAsDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout:    getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSAllowedOrigins: getEnvAsList("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),
			TLS: struct {
				Enabled  bool
				CertFile string
				KeyFile  string
			}{
				Enabled:  getEnvAsBool("TLS_ENABLED", false),
				CertFile: getEnv("TLS_CERT_FILE", "certs/cert.pem"),
				KeyFile:  getEnv("TLS_KEY_FILE", "certs/key.pem"),
			},
		},
		Evidence: EvidenceConfig{
			Store:    strings.ToLower(getEnv("EVIDENCE_STORE", StorePostgres)),
			Database: loadDatabaseConfig(),
		},
		Analytics: AnalyticsConfig{
			DatabaseURL:      getEnv("ANALYTICS_DATABASE_URL", ""),
			ExecutionTimeout: getEnvAsDuration("EXECUTION_TIMEOUT", 30*time.Second),
			MaxOpenConns:     getEnvAsInt("ANALYTICS_MAX_OPEN_CONNS", 10),
			MaxIdleConns:     getEnvAsInt("ANALYTICS_MAX_IDLE_CONNS", 2),
			ConnMaxLifetime:  getEnvAsDuration("ANALYTICS_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Governance: GovernanceConfig{
			CatalogPath:    getEnv("CATALOG_PATH", ""),
			RulesPath:      getEnv("RULES_PATH", ""),
			MinGroupSize:   getEnvAsInt("MIN_GROUP_SIZE", 10),
			DefaultLimit:   getEnvAsInt("DEFAULT_LIMIT", 200),
			MaxLimit:       getEnvAsInt("MAX_LIMIT", 10000),
			QueryCacheSize: getEnvAsInt("QUERY_CACHE_SIZE", 1024),
		},
		Audit: AuditConfig{
			BufferSize:   getEnvAsInt("AUDIT_BUFFER_SIZE", 1024),
			WorkerCount:  getEnvAsInt("AUDIT_WORKER_COUNT", 4),
			BatchSize:    getEnvAsInt("AUDIT_BATCH_SIZE", 32),
			WriteTimeout: getEnvAsDuration("AUDIT_WRITE_TIMEOUT", 5*time.Second),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			JWTIssuer: getEnv("JWT_ISSUER", ""),
			AdminRole: getEnv("ADMIN_ROLE", "admin"),
		},
		Observability: ObservabilityConfig{
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "json"),
		},
	}

	// Validate the configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if all required configuration fields are set
func (c *Config) Validate() error {
	switch c.Evidence.Store {
	case StoreMemory:
		if c.IsProduction() {
			return fmt.Errorf("the memory evidence store is not allowed in production")
		}
	case StorePostgres:
		db := c.Evidence.Database
		if db.ConnectionString == "" && db.Host == "" {
			return fmt.Errorf("database configuration required: set DATABASE_URL or DB_HOST")
		}
		if db.ConnectionString == "" {
			if db.User == "" {
				return fmt.Errorf("database user is required")
			}
			if db.Database == "" {
				return fmt.Errorf("database name is required")
			}
		}
	default:
		return fmt.Errorf("unknown evidence store %q: use %s or %s", c.Evidence.Store, StorePostgres, StoreMemory)
	}

	if c.Analytics.DatabaseURL != "" && c.Analytics.ExecutionTimeout <= 0 {
		return fmt.Errorf("execution timeout must be positive")
	}

	g := c.Governance
	if g.MinGroupSize < 1 {
		return fmt.Errorf("minimum group size must be at least 1")
	}
	if g.DefaultLimit <= 0 {
		return fmt.Errorf("default limit must be positive")
	}
	if g.MaxLimit < g.DefaultLimit {
		return fmt.Errorf("max limit %d is below the default limit %d", g.MaxLimit, g.DefaultLimit)
	}
	if g.QueryCacheSize < 0 {
		return fmt.Errorf("query cache size cannot be negative")
	}

	if c.Audit.BufferSize <= 0 || c.Audit.WorkerCount <= 0 || c.Audit.BatchSize <= 0 {
		return fmt.Errorf("audit buffer size, worker count and batch size must be positive")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	if c.Auth.AdminRole == "" {
		return fmt.Errorf("admin role is required")
	}

	if c.Observability.LogLevel == "" {
		return fmt.Errorf("log level is required")
	}

	return nil
}

// IsProduction returns true if running in production environment
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development environment
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// ExecutionEnabled reports whether an analytics engine is configured.
func (c *Config) ExecutionEnabled() bool {
	return c.Analytics.DatabaseURL != ""
}

// DSN returns the PostgreSQL connection string.
// Uses ConnectionString (from DATABASE_URL) when set; otherwise builds from individual fields.
func (c *DatabaseConfig) DSN() string {
	if c.ConnectionString != "" {
		return c.ConnectionString
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LogString returns a safe string for logging (no password). Parses ConnectionString when set.
func (c *DatabaseConfig) LogString() string {
	if c.ConnectionString != "" {
		return redactURL(c.ConnectionString)
	}
	return fmt.Sprintf("host=%s port=%d database=%s", c.Host, c.Port, c.Database)
}

// LogString returns the analytics engine location without credentials.
func (c *AnalyticsConfig) LogString() string {
	if c.DatabaseURL == "" {
		return "disabled"
	}
	return redactURL(c.DatabaseURL)
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "host=<from connection string>"
	}
	port := u.Port()
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("host=%s port=%s database=%s", u.Hostname(), port, strings.TrimPrefix(u.Path, "/"))
}

// loadDatabaseConfig loads database config from DATABASE_URL or DB_* env vars
func loadDatabaseConfig() DatabaseConfig {
	pool := DatabaseConfig{
		MaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvAsDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
	}
	if dbURL := getEnv("DATABASE_URL", ""); dbURL != "" {
		pool.ConnectionString = dbURL
		return pool
	}
	pool.Host = getEnv("DB_HOST", "localhost")
	pool.Port = getEnvAsInt("DB_PORT", 5432)
	pool.User = getEnv("DB_USER", "dev")
	pool.Password = getEnv("DB_PASSWORD", "evidence_password")
	pool.Database = getEnv("DB_NAME", "evidence")
	pool.SSLMode = getEnv("DB_SSLMODE", "disable")
	return pool
}

// Address returns the HTTP server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Helper functions

// getPort returns the server port from PORT or SERVER_PORT env vars (default: 8080)
func getPort() int {
	if value := os.Getenv("PORT"); value != "" {
		if p, err := strconv.Atoi(value); err == nil {
			return p
		}
	}
	return getEnvAsInt("SERVER_PORT", 8080)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
