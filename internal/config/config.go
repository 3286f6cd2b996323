// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Dispatch modes for realm exports.
const (
	// DispatchSync runs the export inside the HTTP request and records the URI before responding.
	DispatchSync = "sync"
	// DispatchQueue records a pending export and publishes a job to Kafka for cmd/worker.
	DispatchQueue = "queue"
)

// Storage backends for new exports.
const (
	StorageLocal = "local"
	StorageS3    = "s3"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCHealthAddr is the address of the gRPC health service (e.g. :9090).
	GRPCHealthAddr string `mapstructure:"GRPC_HEALTH_ADDR"`
	// DatabaseURL is the Postgres DSN.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file. Only cmd/seed signs tokens.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used to validate bearer tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim checked on access tokens.
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim checked on access tokens.
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// TrustedProxies is a comma-separated list of proxy CIDRs or addresses whose forwarding headers
	// are trusted for the audit client IP. Empty trusts none.
	TrustedProxies string `mapstructure:"TRUSTED_PROXIES"`
	// ExternalURL is the public base URL of this server; local export URIs are built from it.
	ExternalURL string `mapstructure:"EXTERNAL_URL"`

	// ExportStorage is StorageLocal or StorageS3. Empty picks local when LocalUploadsDir is set.
	// Both backends stay readable whenever they are configured.
	ExportStorage string `mapstructure:"EXPORT_STORAGE"`
	// LocalUploadsDir is the root of the local storage backend.
	LocalUploadsDir string `mapstructure:"LOCAL_UPLOADS_DIR"`
	S3Endpoint      string `mapstructure:"S3_ENDPOINT"`
	S3Region        string `mapstructure:"S3_REGION"`
	S3AccessKey     string `mapstructure:"S3_ACCESS_KEY"`
	S3SecretKey     string `mapstructure:"S3_SECRET_KEY"`
	S3UseSSL        bool   `mapstructure:"S3_USE_SSL"`
	// S3AvatarBucket is the bucket export tarballs are uploaded to.
	S3AvatarBucket string `mapstructure:"S3_AVATAR_BUCKET"`
	// S3PublicURLTemplate is a fmt template taking the bucket name; the object key is appended after "/".
	S3PublicURLTemplate string `mapstructure:"S3_PUBLIC_URL_TEMPLATE"`

	// ExportThreads is the worker count handed to the export routine.
	ExportThreads int `mapstructure:"EXPORT_THREADS"`
	// ExportRateLimit is the number of export events an org may have before further requests are refused.
	ExportRateLimit int `mapstructure:"EXPORT_RATE_LIMIT"`
	// ExportRateLimitWindow limits the counted events to a trailing window (e.g. "168h"). "0" counts all events.
	ExportRateLimitWindow string `mapstructure:"EXPORT_RATE_LIMIT_WINDOW"`
	// ExportTmpDir is the parent of transient export directories; empty uses os.TempDir().
	ExportTmpDir string `mapstructure:"EXPORT_TMP_DIR"`
	// ExportDispatchMode is DispatchSync or DispatchQueue.
	ExportDispatchMode string `mapstructure:"EXPORT_DISPATCH_MODE"`
	// ExportLockTTL is how long a per-org export lock outlives a holder that stopped renewing it (e.g. "30m").
	ExportLockTTL string `mapstructure:"EXPORT_LOCK_TTL"`
	// ExportPolicyFile is an optional Rego file overriding the built-in export policy.
	ExportPolicyFile string `mapstructure:"EXPORT_POLICY_FILE"`

	// RedisURL enables the Redis-backed per-org export lock; empty uses an in-process lock.
	RedisURL string `mapstructure:"REDIS_URL"`

	// KafkaBrokers is a comma-separated list of Kafka broker addresses (e.g. "localhost:9092").
	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// ExportKafkaTopic carries export jobs in queue dispatch mode.
	ExportKafkaTopic string `mapstructure:"EXPORT_KAFKA_TOPIC"`
	// TelemetryKafkaTopic receives export lifecycle events when brokers are set.
	TelemetryKafkaTopic string `mapstructure:"TELEMETRY_KAFKA_TOPIC"`
	// KafkaGroupID is the consumer group ID for the export worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`

	// OTLPEndpoint is the OTLP gRPC collector endpoint; empty disables export of traces, metrics and logs.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext to the collector even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_HEALTH_ADDR", ":9090")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_ISSUER", "realm-export-auth")
	v.SetDefault("JWT_AUDIENCE", "realm-export-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TRUSTED_PROXIES", "")
	v.SetDefault("EXTERNAL_URL", "http://localhost:8080")
	v.SetDefault("EXPORT_STORAGE", "")
	v.SetDefault("LOCAL_UPLOADS_DIR", "")
	v.SetDefault("S3_ENDPOINT", "s3.amazonaws.com")
	v.SetDefault("S3_REGION", "")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_USE_SSL", true)
	v.SetDefault("S3_AVATAR_BUCKET", "")
	v.SetDefault("S3_PUBLIC_URL_TEMPLATE", "https://%s.s3.amazonaws.com:443")
	v.SetDefault("EXPORT_THREADS", 6)
	v.SetDefault("EXPORT_RATE_LIMIT", 5)
	v.SetDefault("EXPORT_RATE_LIMIT_WINDOW", "0")
	v.SetDefault("EXPORT_TMP_DIR", "")
	v.SetDefault("EXPORT_DISPATCH_MODE", DispatchSync)
	v.SetDefault("EXPORT_LOCK_TTL", "30m")
	v.SetDefault("EXPORT_POLICY_FILE", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("EXPORT_KAFKA_TOPIC", "realm-export-jobs")
	v.SetDefault("TELEMETRY_KAFKA_TOPIC", "realm-export-telemetry")
	v.SetDefault("KAFKA_GROUP_ID", "realm-export-worker")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	if c.ExportThreads <= 0 {
		return errors.New("config: EXPORT_THREADS must be positive")
	}
	if c.ExportRateLimit <= 0 {
		return errors.New("config: EXPORT_RATE_LIMIT must be positive")
	}
	switch c.ExportDispatchMode {
	case DispatchSync:
	case DispatchQueue:
		if len(c.KafkaBrokersList()) == 0 {
			return errors.New("config: EXPORT_DISPATCH_MODE=queue requires KAFKA_BROKERS")
		}
	default:
		return fmt.Errorf("config: EXPORT_DISPATCH_MODE must be %q or %q, got %q", DispatchSync, DispatchQueue, c.ExportDispatchMode)
	}
	switch c.ExportStorage {
	case "":
	case StorageLocal:
		if !c.HasLocalUploads() {
			return errors.New("config: EXPORT_STORAGE=local requires LOCAL_UPLOADS_DIR")
		}
	case StorageS3:
	default:
		return fmt.Errorf("config: EXPORT_STORAGE must be %q or %q, got %q", StorageLocal, StorageS3, c.ExportStorage)
	}
	if !c.UsesLocalUploads() && c.S3AvatarBucket == "" {
		return errors.New("config: S3_AVATAR_BUCKET is required when exports go to object storage")
	}
	if !strings.Contains(c.S3PublicURLTemplate, "%s") {
		return errors.New("config: S3_PUBLIC_URL_TEMPLATE must contain %s for the bucket name")
	}
	if _, err := time.ParseDuration(c.ExportRateLimitWindow); err != nil {
		return fmt.Errorf("config: EXPORT_RATE_LIMIT_WINDOW: %w", err)
	}
	return nil
}

// UsesLocalUploads reports whether new exports are stored under LocalUploadsDir rather than object storage.
func (c *Config) UsesLocalUploads() bool {
	if c == nil {
		return false
	}
	switch c.ExportStorage {
	case StorageLocal:
		return true
	case StorageS3:
		return false
	}
	return c.HasLocalUploads()
}

// HasLocalUploads reports whether a local uploads directory is configured, whichever backend is active.
func (c *Config) HasLocalUploads() bool {
	return c != nil && strings.TrimSpace(c.LocalUploadsDir) != ""
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// LockTTL parses ExportLockTTL. Returns 30m if unset or invalid.
func (c *Config) LockTTL() time.Duration {
	d, err := time.ParseDuration(c.ExportLockTTL)
	if err != nil || d <= 0 {
		return 30 * time.Minute
	}
	return d
}

// RateLimitWindow parses ExportRateLimitWindow. Zero means every prior export event counts.
func (c *Config) RateLimitWindow() time.Duration {
	d, err := time.ParseDuration(c.ExportRateLimitWindow)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// TmpDir returns the parent directory for transient export directories.
func (c *Config) TmpDir() string {
	if c.ExportTmpDir != "" {
		return c.ExportTmpDir
	}
	return os.TempDir()
}

// S3PublicURL returns the URL prefix under which objects in the export bucket are addressed.
func (c *Config) S3PublicURL() string {
	return fmt.Sprintf(c.S3PublicURLTemplate, c.S3AvatarBucket)
}

// TrustedProxiesList returns the entries of TrustedProxies.
func (c *Config) TrustedProxiesList() []string {
	return splitList(c.TrustedProxies)
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if Kafka is enabled (non-empty list) and to create writers and readers.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
