package internaltelemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the metric instruments for the write queue and checkpoints.
// A nil *StorageMetrics records nothing.
type StorageMetrics struct {
	PagesEnqueuedCounter    metric.Int64Counter
	PagesWrittenCounter     metric.Int64Counter
	WriteLatencyHistogram   metric.Int64Histogram
	QueueDepthUpDownCounter metric.Int64UpDownCounter
	WriteFailuresCounter    metric.Int64Counter
	CheckpointPagesCounter  metric.Int64Counter
	CheckpointsCounter      metric.Int64Counter
}

// NewStorageMetrics creates and registers all the metrics for the storage core.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	pagesEnqueued, err := meter.Int64Counter(
		"gojodb.storage.queue.enqueued_total",
		metric.WithDescription("Total number of pages handed to the write queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	pagesWritten, err := meter.Int64Counter(
		"gojodb.storage.queue.written_total",
		metric.WithDescription("Total number of pages physically written by the queue worker."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeLatency, err := meter.Int64Histogram(
		"gojodb.storage.queue.write_duration",
		metric.WithDescription("Latency of a single page write."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64UpDownCounter(
		"gojodb.storage.queue.depth",
		metric.WithDescription("Pages enqueued but not yet written."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	writeFailures, err := meter.Int64Counter(
		"gojodb.storage.queue.failures_total",
		metric.WithDescription("Page writes that halted the queue."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpointPages, err := meter.Int64Counter(
		"gojodb.storage.checkpoint.pages_total",
		metric.WithDescription("Pages copied from the log file into the data file."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	checkpoints, err := meter.Int64Counter(
		"gojodb.storage.checkpoint.runs_total",
		metric.WithDescription("Completed checkpoints."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &StorageMetrics{
		PagesEnqueuedCounter:    pagesEnqueued,
		PagesWrittenCounter:     pagesWritten,
		WriteLatencyHistogram:   writeLatency,
		QueueDepthUpDownCounter: queueDepth,
		WriteFailuresCounter:    writeFailures,
		CheckpointPagesCounter:  checkpointPages,
		CheckpointsCounter:      checkpoints,
	}, nil
}

// NewNoopStorageMetrics returns instruments backed by a no-op meter.
func NewNoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

func originAttr(origin string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("origin", origin))
}

func (m *StorageMetrics) PageEnqueued(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.PagesEnqueuedCounter.Add(ctx, 1, originAttr(origin))
	m.QueueDepthUpDownCounter.Add(ctx, 1)
}

func (m *StorageMetrics) PageWritten(ctx context.Context, origin string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.PagesWrittenCounter.Add(ctx, 1, originAttr(origin))
	m.WriteLatencyHistogram.Record(ctx, elapsed.Microseconds(), originAttr(origin))
	m.QueueDepthUpDownCounter.Add(ctx, -1)
}

// PagesDropped accounts for pending pages discarded by a queue reset.
func (m *StorageMetrics) PagesDropped(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.QueueDepthUpDownCounter.Add(ctx, int64(-n))
}

func (m *StorageMetrics) WriteFailed(ctx context.Context, origin string) {
	if m == nil {
		return
	}
	m.WriteFailuresCounter.Add(ctx, 1, originAttr(origin))
}

func (m *StorageMetrics) CheckpointDone(ctx context.Context, pages int) {
	if m == nil {
		return
	}
	m.CheckpointsCounter.Add(ctx, 1)
	m.CheckpointPagesCounter.Add(ctx, int64(pages))
}
