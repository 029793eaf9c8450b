// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Projection backends.
const (
	ProjectionSQL    = "sql"
	ProjectionRedis  = "redis"
	ProjectionMemory = "memory"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8081).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address the gRPC server listens on (e.g. :8080).
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// DatabaseURL is the Postgres DSN. Empty selects the in-memory event store (development only).
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// DBMaxOpenConns caps the pool; 0 leaves database/sql's default.
	DBMaxOpenConns int `mapstructure:"DB_MAX_OPEN_CONNS"`

	// ProjectionBackend is sql, redis, or memory.
	ProjectionBackend string `mapstructure:"PROJECTION_BACKEND"`
	// RedisAddr is used when ProjectionBackend is redis (e.g. localhost:6379).
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisKeyPrefix namespaces all projection keys.
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA P-256) or a path to one.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path; derived from the private key when empty.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTHMACSecret selects HS256 when set and no private key is configured. At least 32 bytes.
	JWTHMACSecret string `mapstructure:"JWT_HMAC_SECRET"`
	// JWTIssuer is the iss claim.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// TokenTTL is the token lifetime, independent of session expiry.
	TokenTTL time.Duration `mapstructure:"TOKEN_TTL"`

	// SessionDefaultTTL applies when a start or renew request carries no TTL.
	SessionDefaultTTL time.Duration `mapstructure:"SESSION_DEFAULT_TTL"`
	// SessionMaxTTL bounds requested TTLs.
	SessionMaxTTL time.Duration `mapstructure:"SESSION_MAX_TTL"`
	// DefaultPermissions is a comma-separated list granted when a start request names none.
	DefaultPermissions string `mapstructure:"DEFAULT_PERMISSIONS"`
	// GrantablePermissions is a comma-separated allow-list for start requests; empty allows any.
	GrantablePermissions string `mapstructure:"GRANTABLE_PERMISSIONS"`
	// PermissionPolicyFile is an optional Rego module replacing the built-in permission policy.
	PermissionPolicyFile string `mapstructure:"PERMISSION_POLICY_FILE"`

	// OperationTimeout bounds each service operation.
	OperationTimeout time.Duration `mapstructure:"OPERATION_TIMEOUT"`
	// ConflictRetries is how many times renew/terminate rebuild and retry after a version conflict.
	ConflictRetries int `mapstructure:"CONFLICT_RETRIES"`
	// ProjectionRetries is how many times a separate-store projection upsert is retried.
	ProjectionRetries int `mapstructure:"PROJECTION_RETRIES"`
	// ReconcileInterval is the sweep cadence; 0 disables the in-server sweep.
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL"`
	// ReconcileBatchSize is how many aggregate ids each sweep page reads.
	ReconcileBatchSize int `mapstructure:"RECONCILE_BATCH_SIZE"`
	// ReconcileInServer runs the sweep inside the API server as well as in cmd/worker.
	ReconcileInServer bool `mapstructure:"RECONCILE_IN_SERVER"`

	// CORSAllowedOrigins is a comma-separated list of origins for the HTTP API.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// OTelEndpoint is the OTLP gRPC collector; empty disables export.
	OTelEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTelInsecure forces plaintext to the collector.
	OTelInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// OTelServiceName is the service.name resource attribute.
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8081")
	v.SetDefault("GRPC_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("DB_MAX_OPEN_CONNS", 0)
	v.SetDefault("PROJECTION_BACKEND", ProjectionSQL)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_KEY_PREFIX", "sessions:")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_HMAC_SECRET", "")
	v.SetDefault("JWT_ISSUER", "session-control-plane")
	v.SetDefault("JWT_AUDIENCE", "session-api")
	v.SetDefault("TOKEN_TTL", "1h")
	v.SetDefault("SESSION_DEFAULT_TTL", "1h")
	v.SetDefault("SESSION_MAX_TTL", "24h")
	v.SetDefault("DEFAULT_PERMISSIONS", "session:read,session:renew,session:terminate,compute:manage")
	v.SetDefault("GRANTABLE_PERMISSIONS", "")
	v.SetDefault("PERMISSION_POLICY_FILE", "")
	v.SetDefault("OPERATION_TIMEOUT", "5s")
	v.SetDefault("CONFLICT_RETRIES", 1)
	v.SetDefault("PROJECTION_RETRIES", 3)
	v.SetDefault("RECONCILE_INTERVAL", "1m")
	v.SetDefault("RECONCILE_BATCH_SIZE", 100)
	v.SetDefault("RECONCILE_IN_SERVER", false)
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "session-control-plane")
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.GRPCAddr == "" {
		return errors.New("config: GRPC_ADDR must be set")
	}
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.ProjectionBackend {
	case ProjectionSQL:
		if c.DatabaseURL == "" {
			return errors.New("config: PROJECTION_BACKEND=sql requires DATABASE_URL")
		}
	case ProjectionRedis:
		if c.RedisAddr == "" {
			return errors.New("config: PROJECTION_BACKEND=redis requires REDIS_ADDR")
		}
	case ProjectionMemory:
	default:
		return fmt.Errorf("config: PROJECTION_BACKEND must be one of sql, redis, memory; got %q", c.ProjectionBackend)
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when APP_ENV=production")
		}
		if c.ProjectionBackend == ProjectionMemory {
			return errors.New("config: PROJECTION_BACKEND=memory is not allowed when APP_ENV=production")
		}
		if c.JWTPrivateKey == "" && c.JWTHMACSecret == "" {
			return errors.New("config: JWT_PRIVATE_KEY or JWT_HMAC_SECRET must be set when APP_ENV=production")
		}
	}
	if c.JWTHMACSecret != "" && len(c.JWTHMACSecret) < 32 {
		return errors.New("config: JWT_HMAC_SECRET must be at least 32 bytes")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: TOKEN_TTL must be positive")
	}
	if c.SessionDefaultTTL <= 0 {
		return errors.New("config: SESSION_DEFAULT_TTL must be positive")
	}
	if c.SessionMaxTTL < c.SessionDefaultTTL {
		return errors.New("config: SESSION_MAX_TTL must be at least SESSION_DEFAULT_TTL")
	}
	if c.OperationTimeout <= 0 {
		return errors.New("config: OPERATION_TIMEOUT must be positive")
	}
	if c.ConflictRetries < 0 || c.ProjectionRetries < 0 {
		return errors.New("config: CONFLICT_RETRIES and PROJECTION_RETRIES must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("config: RECONCILE_INTERVAL must not be negative")
	}
	if c.ReconcileBatchSize <= 0 {
		c.ReconcileBatchSize = 100
	}
	if grantable := c.GrantablePermissionsList(); len(grantable) > 0 {
		for _, p := range c.DefaultPermissionsList() {
			if !contains(grantable, p) {
				return fmt.Errorf("config: default permission %q is not in GRANTABLE_PERMISSIONS", p)
			}
		}
	}
	return nil
}

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.Env == "production" }

// UseMemoryEventStore reports whether no database is configured.
func (c *Config) UseMemoryEventStore() bool { return c.DatabaseURL == "" }

// DefaultPermissionsList returns DefaultPermissions split on commas.
func (c *Config) DefaultPermissionsList() []string { return splitList(c.DefaultPermissions) }

// GrantablePermissionsList returns GrantablePermissions split on commas.
func (c *Config) GrantablePermissionsList() []string { return splitList(c.GrantablePermissions) }

// CORSOrigins returns CORSAllowedOrigins split on commas.
func (c *Config) CORSOrigins() []string { return splitList(c.CORSAllowedOrigins) }

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
