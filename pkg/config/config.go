// Package config loads ledgerd settings from 12-factor environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/evidence-ledger/pkg/audit"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/blob"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/idempotency"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/observability"
	"github.com/Mindburn-Labs/evidence-ledger/pkg/tenants"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds server configuration.
type Config struct {
	Port     string
	LogLevel string

	Store       string
	DatabaseURL string
	SQLitePath  string

	Blob blob.Config

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret string
	JWTIssuer string

	TenantsFile       string
	DefaultTenantMode tenants.Mode
	QACallerPolicy    string

	ReservationTTL time.Duration
	SweepInterval  time.Duration

	RateLimitRPS   float64
	RateLimitBurst int

	OTelEnabled  bool
	OTelEndpoint string

	ChainGenesisSalt string
}

// Load loads configuration from environment variables. Every malformed value
// is reported, not only the first.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		Port:        getenv("PORT", "8080"),
		LogLevel:    strings.ToUpper(getenv("LOG_LEVEL", "INFO")),
		Store:       strings.ToLower(getenv("LEDGER_STORE", StoreSQLite)),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  getenv("SQLITE_PATH", "data/ledger.db"),
		Blob: blob.Config{
			Backend: strings.ToLower(getenv("BLOB_BACKEND", blob.BackendFile)),
			Dir:     getenv("BLOB_DIR", "data/blobs"),
			S3: blob.S3Config{
				Bucket:   os.Getenv("S3_BUCKET"),
				Region:   getenv("S3_REGION", "us-east-1"),
				Endpoint: os.Getenv("S3_ENDPOINT"),
				Prefix:   os.Getenv("S3_PREFIX"),
			},
			GCS: blob.GCSConfig{
				Bucket: os.Getenv("GCS_BUCKET"),
				Prefix: os.Getenv("GCS_PREFIX"),
			},
		},
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		JWTIssuer:        os.Getenv("JWT_ISSUER"),
		TenantsFile:      os.Getenv("TENANTS_FILE"),
		QACallerPolicy:   os.Getenv("QA_CALLER_POLICY"),
		OTelEndpoint:     getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		ChainGenesisSalt: getenv("CHAIN_GENESIS_SALT", audit.DefaultGenesisSecret),
	}

	mode, err := tenants.ParseMode(getenv("DEFAULT_TENANT_MODE", string(tenants.ModeLive)))
	if err != nil {
		errs = append(errs, fmt.Errorf("DEFAULT_TENANT_MODE: %w", err))
	}
	cfg.DefaultTenantMode = mode

	cfg.RedisDB = intEnv("REDIS_DB", 0, &errs)
	cfg.ReservationTTL = durationEnv("RESERVATION_TTL", idempotency.DefaultTTL, &errs)
	cfg.SweepInterval = durationEnv("SWEEP_INTERVAL", 15*time.Minute, &errs)
	cfg.RateLimitRPS = floatEnv("RATE_LIMIT_RPS", 50, &errs)
	cfg.RateLimitBurst = intEnv("RATE_LIMIT_BURST", 100, &errs)
	cfg.OTelEnabled = boolEnv("OTEL_ENABLED", false, &errs)

	switch cfg.Store {
	case StoreSQLite, StorePostgres, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("LEDGER_STORE: unknown backend %q", cfg.Store))
	}
	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL: required when LEDGER_STORE=postgres"))
	}
	switch cfg.Blob.Backend {
	case blob.BackendFile, blob.BackendMemory:
	case blob.BackendS3:
		if cfg.Blob.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET: required when BLOB_BACKEND=s3"))
		}
	case blob.BackendGCS:
		if cfg.Blob.GCS.Bucket == "" {
			errs = append(errs, errors.New("GCS_BUCKET: required when BLOB_BACKEND=gcs"))
		}
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND: unknown backend %q", cfg.Blob.Backend))
	}
	if _, err := ParseLogLevel(cfg.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}

	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// RequireServe checks settings only the HTTP server needs.
func (c *Config) RequireServe() error {
	if c.JWTSecret == "" {
		return errors.New("config: JWT_SECRET is required to serve")
	}
	return nil
}

// Redis returns the reservation backend settings; ok is false when Redis is
// not configured and reservations stay in process.
func (c *Config) Redis() (cfg idempotency.RedisConfig, ok bool) {
	if c.RedisAddr == "" {
		return idempotency.RedisConfig{}, false
	}
	return idempotency.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword, DB: c.RedisDB}, true
}

// Observability returns the telemetry settings for version.
func (c *Config) Observability(version string) *observability.Config {
	o := observability.DefaultConfig()
	o.ServiceVersion = version
	o.Enabled = c.OTelEnabled
	o.OTLPEndpoint = c.OTelEndpoint
	return o
}

// ParseLogLevel maps LOG_LEVEL to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, err
	}
	return l, nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func floatEnv(key string, def float64, errs *[]error) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func boolEnv(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return b
}

func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}
