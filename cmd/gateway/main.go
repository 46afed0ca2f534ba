// Command gateway is the minimal wiring example for the action
// gateway library: it loads Config from the environment, constructs
// the state store StateBackend selects and the in-memory audit backend
// with its decorators, wires a Dispatcher and its background Workers,
// and blocks until SIGINT/SIGTERM. LockBackend and AuditBackend are
// only logged: locking always runs on the state store. It is not the HTTP/SSE API surface spec.md
// excludes — that remains a Non-goal — it exists only so the library
// is runnable, the way the teacher's cmd/helm/main.go wires its
// kernel behind a handful of env-driven backend choices.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/breaker"
	"github.com/actiongate/gateway/pkg/chain"
	"github.com/actiongate/gateway/pkg/config"
	"github.com/actiongate/gateway/pkg/gateway"
	"github.com/actiongate/gateway/pkg/lock"
	"github.com/actiongate/gateway/pkg/metrics"
	"github.com/actiongate/gateway/pkg/provider"
	"github.com/actiongate/gateway/pkg/quota"
	"github.com/actiongate/gateway/pkg/ratelimit"
	"github.com/actiongate/gateway/pkg/redact"
	"github.com/actiongate/gateway/pkg/retry"
	"github.com/actiongate/gateway/pkg/rule"
	"github.com/actiongate/gateway/pkg/statestore"
	"github.com/actiongate/gateway/pkg/tenants"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	ctx := context.Background()

	stateStore, err := buildStateStore(ctx, cfg)
	if err != nil {
		log.Fatalf("gateway: build state store: %v", err)
	}

	auditLog, err := buildAuditBackend(cfg, stateStore)
	if err != nil {
		log.Fatalf("gateway: build audit backend: %v", err)
	}

	metricsProvider, err := metrics.New(ctx, metrics.DefaultConfig())
	if err != nil {
		slog.Warn("metrics provider disabled", "error", err)
		metricsProvider = nil
	}

	deps := gateway.Deps{
		Rules:           rule.NewStore(),
		StateStore:      stateStore,
		Tenants:         tenants.New(stateStore),
		Quota:           quota.New(stateStore),
		RateLimit:       ratelimit.New(stateStore, ratelimit.FailOpen),
		Breakers:        breaker.NewRegistry(5, cfg.DefaultProviderTimeout*10, cfg.DefaultProviderTimeout*4),
		Providers:       provider.NewRegistry(),
		AuditLog:        auditLog,
		MetricsProvider: metricsProvider,
		Stream:          gateway.NewStream(),
		Config:          cfg,
		Env:             rule.Env{},
		RetryPolicy:     retry.Policy{BaseMs: 200, MaxMs: 5000, MaxJitterMs: 250, MaxAttempts: 3},

		ChainDefinitions: map[string]chain.Definition{},
		ApprovalSecret:   approvalSecret(cfg),
		NotifyFunc:       nil,
	}

	d := gateway.New(deps)

	workers := gateway.NewWorkers(d, stateStore, auditLog, cfg.WorkerTickInterval)
	workers.Start(ctx)
	defer workers.Stop()

	go serveHealth(cfg.ListenAddr)

	log.Printf("[gateway] ready: state=%s lock=%s audit=%s compliance=%v",
		cfg.StateBackend, cfg.LockBackend, cfg.AuditBackend, cfg.ComplianceMode)
	log.Println("[gateway] press ctrl+c to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[gateway] shutting down")
	return 0
}

// approvalSecret derives the HMAC secret approval.Manager signs
// decision links with from the audit encryption key when configured,
// falling back to a fixed development secret otherwise (never used
// for anything compliance-sensitive, only approval-link tamper checks).
func approvalSecret(cfg *config.Config) []byte {
	if cfg.EncryptionKeyHex != "" {
		if key, err := hex.DecodeString(cfg.EncryptionKeyHex); err == nil {
			return key
		}
	}
	return []byte("gateway-dev-approval-secret")
}

func serveHealth(addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("health server stopped", "error", err)
	}
}

// buildStateStore constructs the statestore.Store cfg.StateBackend
// selects. "memory" is the default for local development; the other
// backends expect their respective DSN/address/table env vars.
func buildStateStore(ctx context.Context, cfg *config.Config) (statestore.Store, error) {
	switch cfg.StateBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		return statestore.NewRedis(client), nil

	case "postgres":
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		store := statestore.NewPostgres(db)
		if err := store.Init(ctx); err != nil {
			return nil, fmt.Errorf("init postgres schema: %w", err)
		}
		return store, nil

	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DynamoRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		client := dynamodb.NewFromConfig(awsCfg)
		return statestore.NewDynamoDB(client, cfg.DynamoTable), nil

	default:
		return statestore.NewMemory(), nil
	}
}

// buildAuditBackend composes the audit.Backend decorator stack per
// spec.md §4.7: Encrypting(Redacting(Raw)), with the hash chain
// wrapping the whole stack when ComplianceMode is enabled.
func buildAuditBackend(cfg *config.Config, stateStore statestore.Store) (audit.Backend, error) {
	var raw audit.Backend
	switch cfg.AuditBackend {
	default:
		raw = audit.NewMemory()
	}

	redactor := redact.New([]string{"password", "ssn", "secret", "token", "api_key"}, nil)
	backend := audit.Backend(audit.NewRedactingBackend(raw, redactor))

	if cfg.EncryptionKeyHex != "" {
		key, err := hex.DecodeString(cfg.EncryptionKeyHex)
		if err != nil {
			return nil, fmt.Errorf("decode GATEWAY_AUDIT_ENCRYPTION_KEY: %w", err)
		}
		encrypting, err := audit.NewEncryptingBackend(backend, key)
		if err != nil {
			return nil, fmt.Errorf("build encrypting audit backend: %w", err)
		}
		backend = encrypting
	}

	if cfg.ComplianceMode {
		locker := lock.NewStateStoreLocker(stateStore, "_system", "_audit_chain")
		backend = audit.NewChainingBackend(backend, locker, cfg.WorkerTickInterval)
	}

	return backend, nil
}
