// Package config loads launchd settings from the environment.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Storage backends for the payment history.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageSQLite = "sqlite"
)

// ServerConfig holds listener addresses and shutdown behavior.
type ServerConfig struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	AppEnv          string
}

// StorageConfig selects where history and the step journal live.
type StorageConfig struct {
	Backend     string
	SQLitePath  string
	DatabaseURL string
}

// RedisConfig holds Redis connection and behavior settings.
type RedisConfig struct {
	URL                string
	Stream             string
	KeyPrefix          string
	DialTimeout        *time.Duration
	ReadTimeout        *time.Duration
	WriteTimeout       *time.Duration
	PoolSize           *int
	MinIdleConns       *int
	MaxRetries         *int
	HealthcheckTimeout time.Duration
	StatusTTL          time.Duration
	StreamMaxLen       int64
	EnableOTel         bool
	TLSConfig          *tls.Config
}

// RemoteConfig points at the ledger, fee oracle, deployment authority and
// status endpoints. An empty URL selects the in-process stand-in.
type RemoteConfig struct {
	LedgerURL   string
	FeeURL      string
	DeployerURL string
	StatusURL   string
	Bearer      string
	Timeout     time.Duration
}

// LaunchConfig holds payment saga settings.
type LaunchConfig struct {
	Owner           string
	Token           string
	Spender         string
	PlatformFeeRate decimal.Decimal
	ApprovalTTL     time.Duration
	QuoteTTL        time.Duration
	FeeSchedulePath string
}

// SyncConfig tunes status polling. Unset values fall back to the engine defaults.
type SyncConfig struct {
	FastInterval   time.Duration
	SlowInterval   time.Duration
	ErrorBackoff   time.Duration
	HealthInterval time.Duration
	PollTimeout    time.Duration
	ErrorCeiling   int
}

// ReliabilityConfig controls the guards around remote calls.
type ReliabilityConfig struct {
	RetryAttempts     int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
	BreakerFailures   int
	BreakerReset      time.Duration
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// GRPCConfig holds ingress rate limiting settings.
type GRPCConfig struct {
	RateLimitInterval time.Duration
	RateLimitBurst    int
}

// LoadServer reads listener settings from env.
func LoadServer() (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddr: stringOr("HTTP_ADDR", ":8080"),
		GRPCAddr: stringOr("GRPC_ADDR", ":50051"),
		AppEnv:   strings.TrimSpace(os.Getenv("APP_ENV")),
	}
	var err error
	if cfg.ShutdownTimeout, err = durationOr("SHUTDOWN_TIMEOUT", 5*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadStorage reads the storage backend selection from env.
func LoadStorage() (StorageConfig, error) {
	cfg := StorageConfig{
		Backend:     strings.ToLower(stringOr("STORAGE_BACKEND", StorageMemory)),
		SQLitePath:  stringOr("SQLITE_PATH", "launchpad.db"),
		DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL")),
	}
	switch cfg.Backend {
	case StorageMemory, StorageRedis, StorageSQLite:
	default:
		return cfg, fmt.Errorf("STORAGE_BACKEND: unknown backend %q", cfg.Backend)
	}
	return cfg, nil
}

// LoadRedis reads Redis config from env.
func LoadRedis() (RedisConfig, error) {
	cfg := RedisConfig{
		Stream:    strings.TrimSpace(os.Getenv("REDIS_STREAM")),
		KeyPrefix: strings.TrimSpace(os.Getenv("REDIS_KEY_PREFIX")),
	}

	url, err := requiredString("REDIS_URL")
	if err != nil {
		return cfg, err
	}
	cfg.URL = url

	if cfg.DialTimeout, err = optionalDuration("REDIS_DIAL_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.ReadTimeout, err = optionalDuration("REDIS_READ_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.WriteTimeout, err = optionalDuration("REDIS_WRITE_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.PoolSize, err = optionalInt("REDIS_POOL_SIZE"); err != nil {
		return cfg, err
	}
	if cfg.MinIdleConns, err = optionalInt("REDIS_MIN_IDLE_CONNS"); err != nil {
		return cfg, err
	}
	if cfg.MaxRetries, err = optionalInt("REDIS_MAX_RETRIES"); err != nil {
		return cfg, err
	}

	if cfg.HealthcheckTimeout, err = requiredDuration("REDIS_HEALTHCHECK_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.StatusTTL, err = durationOr("REDIS_STATUS_TTL", 0); err != nil {
		return cfg, err
	}
	if cfg.StreamMaxLen, err = int64Or("REDIS_STREAM_MAXLEN", 10000); err != nil {
		return cfg, err
	}

	if cfg.EnableOTel, err = optionalBool("REDIS_OTEL"); err != nil {
		return cfg, err
	}

	if cfg.TLSConfig, err = loadRedisTLSFromEnv(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// RedisConfigured reports whether REDIS_URL is set at all.
func RedisConfigured() bool {
	return strings.TrimSpace(os.Getenv("REDIS_URL")) != ""
}

// LoadRemote reads collaborator endpoints from env.
func LoadRemote() (RemoteConfig, error) {
	cfg := RemoteConfig{
		LedgerURL:   strings.TrimSpace(os.Getenv("LEDGER_URL")),
		FeeURL:      strings.TrimSpace(os.Getenv("FEE_ORACLE_URL")),
		DeployerURL: strings.TrimSpace(os.Getenv("DEPLOYER_URL")),
		StatusURL:   strings.TrimSpace(os.Getenv("STATUS_URL")),
		Bearer:      strings.TrimSpace(os.Getenv("REMOTE_BEARER_TOKEN")),
	}
	var err error
	if cfg.Timeout, err = durationOr("REMOTE_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadLaunch reads payment saga settings from env.
func LoadLaunch() (LaunchConfig, error) {
	cfg := LaunchConfig{
		Owner:           stringOr("LAUNCH_OWNER", "local-owner"),
		Token:           stringOr("LAUNCH_TOKEN", "ckusdc"),
		Spender:         stringOr("LAUNCH_SPENDER", "factory"),
		FeeSchedulePath: strings.TrimSpace(os.Getenv("FEE_SCHEDULE_FILE")),
	}

	rawRate := stringOr("PLATFORM_FEE_RATE", "2")
	rate, err := decimal.NewFromString(rawRate)
	if err != nil {
		return cfg, fmt.Errorf("PLATFORM_FEE_RATE: %w", err)
	}
	if rate.IsNegative() {
		return cfg, errors.New("PLATFORM_FEE_RATE must be >= 0")
	}
	cfg.PlatformFeeRate = rate

	if cfg.ApprovalTTL, err = durationOr("APPROVAL_TTL", time.Hour); err != nil {
		return cfg, err
	}
	if cfg.QuoteTTL, err = durationOr("QUOTE_TTL", 10*time.Minute); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadSync reads polling overrides from env.
func LoadSync() (SyncConfig, error) {
	var cfg SyncConfig
	var err error
	if cfg.FastInterval, err = durationOr("SYNC_FAST_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.SlowInterval, err = durationOr("SYNC_SLOW_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.ErrorBackoff, err = durationOr("SYNC_ERROR_BACKOFF", 0); err != nil {
		return cfg, err
	}
	if cfg.HealthInterval, err = durationOr("SYNC_HEALTH_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.PollTimeout, err = durationOr("SYNC_POLL_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if cfg.ErrorCeiling, err = intOr("SYNC_ERROR_CEILING", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadReliability reads retry, breaker and rate limit settings from env.
func LoadReliability() (ReliabilityConfig, error) {
	var cfg ReliabilityConfig
	var err error
	if cfg.RetryAttempts, err = intOr("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return cfg, err
	}
	if cfg.RetryBaseDelay, err = durationOr("RETRY_BASE_DELAY", 200*time.Millisecond); err != nil {
		return cfg, err
	}
	if cfg.RetryMaxDelay, err = durationOr("RETRY_MAX_DELAY", 2*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BreakerFailures, err = intOr("BREAKER_MAX_FAILURES", 5); err != nil {
		return cfg, err
	}
	if cfg.BreakerReset, err = durationOr("BREAKER_RESET_TIMEOUT", 10*time.Second); err != nil {
		return cfg, err
	}
	if cfg.RateLimitInterval, err = durationOr("REMOTE_RATE_LIMIT_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if cfg.RateLimitBurst, err = intOr("REMOTE_RATE_LIMIT_BURST", 0); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadGRPC reads gRPC ingress rate limit settings from env. Both are optional;
// leaving either at zero disables the limit.
func LoadGRPC() (GRPCConfig, error) {
	interval, err := durationOr("GRPC_RATE_LIMIT_INTERVAL", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	burst, err := intOr("GRPC_RATE_LIMIT_BURST", 0)
	if err != nil {
		return GRPCConfig{}, err
	}
	return GRPCConfig{
		RateLimitInterval: interval,
		RateLimitBurst:    burst,
	}, nil
}

func loadRedisTLSFromEnv() (*tls.Config, error) {
	caFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CA_FILE"))
	certFile := strings.TrimSpace(os.Getenv("REDIS_TLS_CERT_FILE"))
	keyFile := strings.TrimSpace(os.Getenv("REDIS_TLS_KEY_FILE"))
	serverName := strings.TrimSpace(os.Getenv("REDIS_TLS_SERVER_NAME"))
	insecureStr := strings.TrimSpace(os.Getenv("REDIS_TLS_INSECURE_SKIP_VERIFY"))

	if caFile == "" && certFile == "" && keyFile == "" && serverName == "" && insecureStr == "" {
		return nil, nil
	}
	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("REDIS_TLS_CERT_FILE and REDIS_TLS_KEY_FILE must be set together")
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: serverName,
	}

	if insecureStr != "" {
		insecure, err := strconv.ParseBool(insecureStr)
		if err != nil {
			return nil, fmt.Errorf("REDIS_TLS_INSECURE_SKIP_VERIFY: %w", err)
		}
		tlsConfig.InsecureSkipVerify = insecure
	}

	if caFile != "" {
		pemData, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read REDIS_TLS_CA_FILE: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, errors.New("REDIS_TLS_CA_FILE contains no valid certificates")
		}
		tlsConfig.RootCAs = pool
	}

	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load redis TLS keypair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}
