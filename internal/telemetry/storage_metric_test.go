package internaltelemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	sums := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					sums[m.Name] += dp.Value
				}
			}
		}
	}
	return sums
}

func TestStorageMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewStorageMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.PageEnqueued(ctx, "log")
	m.PageEnqueued(ctx, "log")
	m.PageEnqueued(ctx, "data")
	m.PageWritten(ctx, "log", 3*time.Microsecond)
	m.WriteFailed(ctx, "data")
	m.PagesDropped(ctx, 1)
	m.CheckpointDone(ctx, 4)

	sums := collectSums(t, reader)
	require.Equal(t, int64(3), sums["gojodb.storage.queue.enqueued_total"])
	require.Equal(t, int64(1), sums["gojodb.storage.queue.written_total"])
	require.Equal(t, int64(1), sums["gojodb.storage.queue.depth"])
	require.Equal(t, int64(1), sums["gojodb.storage.queue.failures_total"])
	require.Equal(t, int64(4), sums["gojodb.storage.checkpoint.pages_total"])
	require.Equal(t, int64(1), sums["gojodb.storage.checkpoint.runs_total"])
}

func TestStorageMetrics_NilAndNoop(t *testing.T) {
	var m *StorageMetrics
	ctx := context.Background()
	require.NotPanics(t, func() {
		m.PageEnqueued(ctx, "log")
		m.PageWritten(ctx, "log", time.Millisecond)
		m.CheckpointDone(ctx, 1)
	})

	noop := NewNoopStorageMetrics()
	require.NotNil(t, noop)
	require.NotPanics(t, func() { noop.PageEnqueued(ctx, "data") })
}
