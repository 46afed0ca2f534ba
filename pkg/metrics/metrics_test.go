package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "actiongate", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.True(t, config.Insecure)
	require.False(t, config.Enabled)
}

func TestNewProviderDisabledDoesNotDial(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceName: "gw", ServiceVersion: "dev", Environment: "test"})
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestRecordMetricsDoNotPanicWhenDisabled(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	ctx := context.Background()
	p.RecordDispatch(ctx, "tenant-a", "sms", "dispatched")
	p.RecordVerdict(ctx, "rule-dedup", "suppress")
	p.RecordProviderCall(ctx, "sms", 25*time.Millisecond, true)
	p.RecordBreakerTransition(ctx, "sms", "CLOSED", "OPEN")
	p.RecordQueueDepth(ctx, "group", 3)
}

func TestShutdown(t *testing.T) {
	p, err := New(context.Background(), DefaultConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}
