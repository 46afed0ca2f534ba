package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/statestore"
)

// Workers runs the dispatcher's background ticks: flushing due groups,
// firing due scheduled dispatches, and reaping expired audit records
// (spec.md §2's worker component, §4.5/§4.6/§4.7). Grounded on
// the teacher's ticker-driven reconciliation loops, generalized to one
// Workers struct owning several independent tickers on a shared
// interval.
type Workers struct {
	dispatcher *Dispatcher
	stateStore statestore.Store
	auditLog   audit.Backend
	tick       time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewWorkers constructs a Workers bound to d. tick must be positive;
// callers should pass config.Config.WorkerTickInterval.
func NewWorkers(d *Dispatcher, stateStore statestore.Store, auditLog audit.Backend, tick time.Duration) *Workers {
	if tick <= 0 {
		tick = 5 * time.Second
	}
	return &Workers{dispatcher: d, stateStore: stateStore, auditLog: auditLog, tick: tick}
}

// Start launches every worker loop in its own goroutine. Stop must be
// called to release them.
func (w *Workers) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(3)
	go w.run(ctx, "group-flush", w.flushGroups)
	go w.run(ctx, "scheduled-dispatch", w.runScheduled)
	go w.run(ctx, "audit-retention", w.reapExpiredAudit)
}

// Stop cancels every worker loop and waits for them to exit.
func (w *Workers) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *Workers) run(ctx context.Context, name string, tick func(ctx context.Context)) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	slog.Debug("worker started", "worker", name)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopped", "worker", name)
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

// flushGroups wraps group.Manager.FlushDue, which re-dispatches every
// group whose wait window has elapsed (spec.md §4.5).
func (w *Workers) flushGroups(ctx context.Context) {
	n, err := w.dispatcher.groups.FlushDue(ctx)
	if err != nil {
		slog.Error("group flush failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("flushed due groups", "count", n)
	}
}

// runScheduled scans KindScheduled rows and re-dispatches any whose
// ScheduledFor has passed (spec.md §4.6's Schedule verdict). A row is
// claimed by deleting it before dispatch, so a second worker racing on
// the same key sees it already gone.
func (w *Workers) runScheduled(ctx context.Context) {
	rows, err := w.stateStore.ScanKeysByKind(ctx, statestore.KindScheduled)
	if err != nil {
		slog.Error("scheduled scan failed", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, kv := range rows {
		var row scheduledRow
		if err := json.Unmarshal([]byte(kv.Entry.Value), &row); err != nil {
			slog.Error("scheduled row decode failed", "key", kv.Key.Canonical(), "error", err)
			continue
		}
		if row.ScheduledFor.After(now) {
			continue
		}

		claimed, err := w.stateStore.Delete(ctx, kv.Key)
		if err != nil {
			slog.Error("scheduled row claim failed", "key", kv.Key.Canonical(), "error", err)
			continue
		}
		if !claimed {
			continue // another worker already claimed this row
		}

		act := row.Action
		act.ScheduledDispatch = true
		if _, err := w.dispatcher.Dispatch(ctx, act); err != nil {
			slog.Error("scheduled dispatch failed", "action_id", act.ID, "error", err)
		}
	}
}

// reapExpiredAudit deletes audit records whose retention window has
// elapsed. Compliance-hold records (ExpiresAt nil) are never touched
// by CleanupExpired, so this never removes a record the dispatcher
// deliberately exempted (spec.md §4.7).
func (w *Workers) reapExpiredAudit(ctx context.Context) {
	n, err := w.auditLog.CleanupExpired(ctx, time.Now().UTC())
	if err != nil {
		slog.Error("audit retention cleanup failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("reaped expired audit records", "count", n)
	}
}
