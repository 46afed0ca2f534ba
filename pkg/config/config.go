// Package config loads gateway configuration from the environment.
//
// Config-file loading is explicitly out of scope (spec.md §1); this
// package only reads os.Getenv with sane defaults, following the
// teacher's config.Load convention.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds gateway-wide configuration.
type Config struct {
	ListenAddr string

	PostgresDSN   string
	RedisAddr     string
	DynamoRegion  string
	DynamoTable   string

	// StateBackend selects which state store the cmd/gateway wiring
	// constructs: "memory", "redis", "postgres" or "dynamodb".
	// LockBackend and AuditBackend are read but do not select an
	// implementation: cmd/gateway always locks through the state store
	// and always uses the in-memory audit backend.
	StateBackend string
	LockBackend  string
	AuditBackend string

	// ComplianceMode enables the audit hash chain for every tenant and
	// leaves every audit record without an expiry; there is no
	// per-tenant override.
	ComplianceMode bool

	// SyncAuditWrite blocks the dispatcher on the audit write instead
	// of enqueueing it (spec.md §4.4 step 4).
	SyncAuditWrite bool

	// EncryptionKeyHex is a 32-byte AES-256 key, hex-encoded, used by
	// the audit store's encrypting decorator. Empty disables encryption.
	EncryptionKeyHex string

	// AuditRetention is how long a non-compliance-hold audit record
	// survives before the retention worker reaps it (spec.md §4.7).
	AuditRetention time.Duration

	DefaultProviderTimeout time.Duration
	WorkerTickInterval     time.Duration
}

// Load reads Config from the environment, applying defaults suitable
// for local development against in-memory backends.
func Load() *Config {
	return &Config{
		ListenAddr:             getenv("GATEWAY_LISTEN_ADDR", ":8080"),
		PostgresDSN:            getenv("GATEWAY_POSTGRES_DSN", "postgres://gateway@localhost:5432/gateway?sslmode=disable"),
		RedisAddr:              getenv("GATEWAY_REDIS_ADDR", "localhost:6379"),
		DynamoRegion:           getenv("GATEWAY_DYNAMO_REGION", "us-east-1"),
		DynamoTable:            getenv("GATEWAY_DYNAMO_TABLE", "gateway_state"),
		StateBackend:           getenv("GATEWAY_STATE_BACKEND", "memory"),
		LockBackend:            getenv("GATEWAY_LOCK_BACKEND", "memory"),
		AuditBackend:           getenv("GATEWAY_AUDIT_BACKEND", "memory"),
		ComplianceMode:         getenvBool("GATEWAY_COMPLIANCE_MODE", false),
		SyncAuditWrite:         getenvBool("GATEWAY_SYNC_AUDIT_WRITE", false),
		EncryptionKeyHex:       os.Getenv("GATEWAY_AUDIT_ENCRYPTION_KEY"),
		AuditRetention:         getenvDuration("GATEWAY_AUDIT_RETENTION", 2160*time.Hour),
		DefaultProviderTimeout: getenvDuration("GATEWAY_PROVIDER_TIMEOUT", 30*time.Second),
		WorkerTickInterval:     getenvDuration("GATEWAY_WORKER_TICK", 5*time.Second),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
