package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/actiongate/gateway/pkg/action"
	"github.com/actiongate/gateway/pkg/audit"
	"github.com/actiongate/gateway/pkg/statestore"
)

func TestRunScheduledDispatchesDueRowsAndSkipsFutureOnes(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	ctx := context.Background()
	due := action.New("ns", "t1", "sms", "reminder")
	require.NoError(t, rig.dispatcher.scheduleDispatch(ctx, due, time.Now().Add(-time.Minute)))

	future := action.New("ns", "t1", "sms", "reminder")
	require.NoError(t, rig.dispatcher.scheduleDispatch(ctx, future, time.Now().Add(time.Hour)))

	w := NewWorkers(rig.dispatcher, rig.store, rig.auditLog, time.Hour)
	w.runScheduled(ctx)

	require.Equal(t, 1, stub.calls)

	rows, err := rig.store.ScanKeysByKind(ctx, statestore.KindScheduled)
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func TestFlushGroupsRedispatchesDueGroup(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	ctx := context.Background()
	act := action.New("ns", "t1", "sms", "digest_item")
	require.NoError(t, rig.dispatcher.groups.AddEvent(ctx, "ns", "t1", "daily-digest", -time.Minute, act))

	w := NewWorkers(rig.dispatcher, rig.store, rig.auditLog, time.Hour)
	w.flushGroups(ctx)

	require.Equal(t, 1, stub.calls)
}

func TestReapExpiredAuditRemovesExpiredRows(t *testing.T) {
	rig := newTestRig(t)
	rig.rules.Put("ns", "t1", allowAllRuleSet())
	stub := &stubProvider{name: "sms"}
	rig.providers.Register(stub)

	ctx := context.Background()
	rig.dispatcher.cfg.AuditRetention = time.Nanosecond

	act := action.New("ns", "t1", "sms", "signup")
	_, err := rig.dispatcher.Dispatch(ctx, act)
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)

	w := NewWorkers(rig.dispatcher, rig.store, rig.auditLog, time.Hour)
	w.reapExpiredAudit(ctx)

	rows, err := rig.auditLog.Query(ctx, audit.Query{Namespace: "ns", Tenant: "t1"})
	require.NoError(t, err)
	require.Empty(t, rows)
}

func TestWorkersStartStopDoesNotPanic(t *testing.T) {
	rig := newTestRig(t)
	w := NewWorkers(rig.dispatcher, rig.store, rig.auditLog, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	time.Sleep(25 * time.Millisecond)
	w.Stop()
}
