package statestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/actiongate/gateway/pkg/errs"
)

// Postgres is a Store backed by a single upsert-shaped table, grounded
// on the teacher's ON CONFLICT upsert pattern (budget/postgres_store.go)
// and its lease-style conditional UPDATE (store/ledger/sql_ledger.go).
//
// RefreshesTTLOnIncrement = false: increment does not extend
// expires_at past its original value — the row's expiry is fixed at
// creation. This is the alternate valid answer spec.md §9 calls out;
// asserted explicitly by the conformance suite.
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an existing *sql.DB. Callers must have created the
// table via Init.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS gateway_state (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	version BIGINT NOT NULL,
	expires_at TIMESTAMPTZ,
	written_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func (p *Postgres) Init(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, postgresSchema)
	return err
}

func (p *Postgres) liveRow(ctx context.Context, key Key) (Entry, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT value, version, expires_at, written_at FROM gateway_state WHERE key = $1`, key.Canonical())

	var value string
	var version int64
	var expiresAt sql.NullTime
	var writtenAt time.Time
	if err := row.Scan(&value, &version, &expiresAt, &writtenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errs.Wrap(errs.KindConnection, "postgres select", err)
	}

	e := Entry{Value: value, Version: uint64(version), WrittenAt: writtenAt}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	if e.Expired(time.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (p *Postgres) Get(ctx context.Context, key Key) (Entry, bool, error) {
	return p.liveRow(ctx, key)
}

func (p *Postgres) Set(ctx context.Context, key Key, value string, ttl time.Duration) error {
	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_state (key, value, version, expires_at, written_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = gateway_state.version + 1,
			expires_at = EXCLUDED.expires_at,
			written_at = now()
	`, key.Canonical(), value, expiresAt)
	if err != nil {
		return errs.Wrap(errs.KindConnection, "postgres set", err)
	}
	return nil
}

func (p *Postgres) CheckAndSet(ctx context.Context, key Key, value string, ttl time.Duration) (bool, error) {
	if _, ok, err := p.liveRow(ctx, key); err != nil {
		return false, err
	} else if ok {
		return false, nil
	}

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO gateway_state (key, value, version, expires_at, written_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = 1,
			expires_at = EXCLUDED.expires_at,
			written_at = now()
		WHERE gateway_state.expires_at IS NOT NULL AND gateway_state.expires_at <= now()
	`, key.Canonical(), value, expiresAt)
	if err != nil {
		return false, errs.Wrap(errs.KindConnection, "postgres check_and_set", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) Delete(ctx context.Context, key Key) (bool, error) {
	if _, ok, err := p.liveRow(ctx, key); err != nil || !ok {
		return false, err
	}
	res, err := p.db.ExecContext(ctx, `DELETE FROM gateway_state WHERE key = $1`, key.Canonical())
	if err != nil {
		return false, errs.Wrap(errs.KindConnection, "postgres delete", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (p *Postgres) Increment(ctx context.Context, key Key, delta int64, ttl time.Duration) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindConnection, "postgres increment begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT value, expires_at FROM gateway_state WHERE key = $1 FOR UPDATE`, key.Canonical())
	var currentStr string
	var expiresAt sql.NullTime
	err = row.Scan(&currentStr, &expiresAt)

	var current int64
	expired := false
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return 0, errs.Wrap(errs.KindConnection, "postgres increment select", err)
	default:
		if expiresAt.Valid && !expiresAt.Time.After(time.Now()) {
			expired = true
			current = 0
		} else {
			current = parseInt(currentStr)
		}
	}

	newVal := current + delta
	var newExpiry interface{}
	if ttl > 0 && (err != nil || expired) {
		// Only set expiry on create (or recreate-from-expired); fixed
		// expiry thereafter, per this backend's documented choice.
		newExpiry = time.Now().Add(ttl)
	} else if expiresAt.Valid && !expired {
		newExpiry = expiresAt.Time
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO gateway_state (key, value, version, expires_at, written_at)
		VALUES ($1, $2, 1, $3, now())
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = gateway_state.version + 1,
			expires_at = CASE WHEN $4 THEN gateway_state.expires_at ELSE EXCLUDED.expires_at END,
			written_at = now()
	`, key.Canonical(), formatInt(newVal), newExpiry, !expired && err == nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindConnection, "postgres increment upsert", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindConnection, "postgres increment commit", err)
	}
	return newVal, nil
}

func (p *Postgres) CompareAndSwap(ctx context.Context, key Key, expectedVersion uint64, newValue string, ttl time.Duration) (CASResult, error) {
	entry, ok, err := p.liveRow(ctx, key)
	if err != nil {
		return CASResult{}, err
	}
	currentVersion := uint64(0)
	currentValue := ""
	if ok {
		currentVersion = entry.Version
		currentValue = entry.Value
	}
	if currentVersion != expectedVersion {
		return CASResult{Status: CASConflict, CurrentValue: currentValue, CurrentVersion: currentVersion}, nil
	}

	var expiresAt interface{}
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	var res sql.Result
	if ok {
		res, err = p.db.ExecContext(ctx, `
			UPDATE gateway_state SET value = $1, version = $2, expires_at = $3, written_at = now()
			WHERE key = $4 AND version = $5
		`, newValue, expectedVersion+1, expiresAt, key.Canonical(), expectedVersion)
	} else {
		res, err = p.db.ExecContext(ctx, `
			INSERT INTO gateway_state (key, value, version, expires_at, written_at)
			VALUES ($1, $2, 1, $3, now())
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				version = 1,
				expires_at = EXCLUDED.expires_at,
				written_at = now()
			WHERE gateway_state.expires_at IS NOT NULL AND gateway_state.expires_at <= now()
		`, key.Canonical(), newValue, expiresAt)
	}
	if err != nil {
		return CASResult{}, errs.Wrap(errs.KindConnection, "postgres compare_and_swap", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Lost the race between liveRow and the write; report conflict.
		entry, _, _ := p.liveRow(ctx, key)
		return CASResult{Status: CASConflict, CurrentValue: entry.Value, CurrentVersion: entry.Version}, nil
	}

	return CASResult{Status: CASOk, CurrentValue: newValue, CurrentVersion: expectedVersion + 1}, nil
}

func (p *Postgres) ScanKeysByKind(ctx context.Context, kind Kind) ([]KeyValue, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value, version, expires_at, written_at FROM gateway_state
		WHERE key LIKE '%:%:' || $1 || ':%' AND (expires_at IS NULL OR expires_at > now())
	`, kind.String())
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "postgres scan", err)
	}
	defer func() { _ = rows.Close() }()

	var out []KeyValue
	for rows.Next() {
		var k, v string
		var version int64
		var expiresAt sql.NullTime
		var writtenAt time.Time
		if err := rows.Scan(&k, &v, &version, &expiresAt, &writtenAt); err != nil {
			return nil, errs.Wrap(errs.KindSerialization, "postgres scan row", err)
		}
		parsed, ok := ParseCanonical(k)
		if !ok || parsed.Kind != kind {
			continue
		}
		e := Entry{Value: v, Version: uint64(version), WrittenAt: writtenAt}
		if expiresAt.Valid {
			e.ExpiresAt = &expiresAt.Time
		}
		out = append(out, KeyValue{Key: parsed, Entry: e})
	}
	return out, rows.Err()
}
