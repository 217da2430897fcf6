// Package config loads 12-factor configuration for the daemon and CLI from
// environment variables.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds process configuration.
type Config struct {
	LogLevel string

	// Governance inputs.
	ManifestPath  string
	PublicKeyPath string
	CostModelPath string

	// Audit chain.
	AuditDir        string
	AnchorDir       string // write file anchors here when set
	AnchorFile      string // cross-check anchors from here on verify
	RedisAddr       string // publish anchors to a Redis stream when set
	S3Bucket        string // archive closed segments to S3 when set
	GCSBucket       string // archive closed segments to GCS when set
	ArchivePrefix   string // object key prefix for archived segments
	MaxSegmentBytes int64

	// Ticket store; empty means in-memory.
	DatabaseURL    string
	DatabaseDriver string

	// Participant providers.
	ProviderBaseURL string
	ProviderAPIKey  string
	ProviderRPS     int // participant calls per second; 0 means unlimited

	// Observability.
	OTLPEndpoint string
	OTelEnabled  bool

	// Enforcement overrides.
	EnergyMode     string // empty keeps the manifest's mode
	SessionTimeout time.Duration
}

// Load reads configuration from environment variables, applying safe local
// defaults for anything unset.
func Load() *Config {
	return &Config{
		LogLevel: getenv("LOG_LEVEL", "INFO"),

		ManifestPath:  getenv("RT_MANIFEST", "manifest.json"),
		PublicKeyPath: getenv("RT_MANIFEST_KEY", "manifest.pub"),
		CostModelPath: getenv("RT_COST_MODEL", "costmodel.yaml"),

		AuditDir:        getenv("RT_AUDIT_DIR", "./audit"),
		AnchorDir:       os.Getenv("RT_ANCHOR_DIR"),
		AnchorFile:      os.Getenv("RT_ANCHOR_FILE"),
		RedisAddr:       os.Getenv("RT_REDIS_ADDR"),
		S3Bucket:        os.Getenv("RT_S3_BUCKET"),
		GCSBucket:       os.Getenv("RT_GCS_BUCKET"),
		ArchivePrefix:   getenv("RT_ARCHIVE_PREFIX", "audit"),
		MaxSegmentBytes: getint64("RT_MAX_SEGMENT_BYTES", 10<<20),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "postgres"),

		ProviderBaseURL: getenv("RT_PROVIDER_URL", "http://localhost:1234/v1"),
		ProviderAPIKey:  os.Getenv("RT_PROVIDER_API_KEY"),
		ProviderRPS:     int(getint64("RT_PROVIDER_RPS", 0)),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTelEnabled:  os.Getenv("OTEL_SDK_DISABLED") != "true",

		EnergyMode:     os.Getenv("RT_ENERGY_MODE"),
		SessionTimeout: getduration("RT_SESSION_TIMEOUT", 2*time.Minute),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint64(key string, fallback int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
