// Package lock defines the distributed-lock primitive for mutual
// exclusion across gateway instances. Its user in this repository is the
// audit hash chain's writes; group flush and chain step advancement use
// state-store compare-and-swap, and scheduled dispatch claims use Delete.
// Grounded on the teacher's lease-based obligation locking
// (store/ledger/sql_ledger.go's AcquireLease).
package lock

import (
	"context"
	"time"

	"github.com/actiongate/gateway/pkg/errs"
)

// Guard represents a held lock. It is fate-sharing with its holder:
// letting it go without Release is safe because the TTL eventually
// expires it, but Release is preferred for promptness.
type Guard interface {
	// Extend attempts to push the lock's expiry out by duration. Returns
	// errs.ErrLockExpired if the caller no longer holds the lock.
	Extend(ctx context.Context, duration time.Duration) error

	// Release gives up the lock early.
	Release(ctx context.Context) error

	// IsHeld reports whether this guard still owns the lock, without a
	// round trip where the backend can answer locally.
	IsHeld(ctx context.Context) (bool, error)
}

// Locker is the distributed-lock interface. Its cross-node
// mutual-exclusion guarantee is only as strong as its backend: backends
// with synchronous transactions (relational, quorum KV) provide strict
// exclusion; asynchronously-replicated backends may briefly admit two
// holders during failover (spec.md §4.1).
type Locker interface {
	// TryAcquire attempts to acquire name non-blocking, returning
	// ok=false if already held.
	TryAcquire(ctx context.Context, name string, ttl time.Duration) (guard Guard, ok bool, err error)

	// Acquire polls at a small interval until it acquires name or
	// timeout elapses, in which case it returns errs.KindTimeout.
	Acquire(ctx context.Context, name string, ttl, timeout time.Duration) (Guard, error)
}

const defaultPollInterval = 20 * time.Millisecond

// AcquireWithPolling is the shared Acquire loop every backend's
// TryAcquire-based Locker can delegate to.
func AcquireWithPolling(ctx context.Context, l Locker, name string, ttl, timeout time.Duration) (Guard, error) {
	deadline := time.Now().Add(timeout)
	for {
		guard, ok, err := l.TryAcquire(ctx, name, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return guard, nil
		}
		if time.Now().After(deadline) {
			return nil, errs.New(errs.KindTimeout, "lock acquire timed out: "+name)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(defaultPollInterval):
		}
	}
}
