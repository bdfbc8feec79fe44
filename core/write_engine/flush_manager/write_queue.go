package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/gojodb/internal/telemetry"
	"go.uber.org/zap"
)

// pendingWrite is a queued page tagged with the origin and position it had
// when it was enqueued.
type pendingWrite struct {
	buf      *pagemanager.PageBuffer
	origin   pagemanager.FileOrigin
	position int64
}

// WriteQueue is the write-behind queue between page mutators and the backing
// stores. Any number of goroutines may Enqueue; a single worker goroutine
// drains pages in enqueue order and writes each one at its recorded
// position, then releases the queue's share of the buffer.
//
// Caller contract: share the buffer (PageBuffer.Share) before Enqueue and do
// not mutate its bytes again until the queue has released it. If Enqueue
// returns an error the share still belongs to the caller.
//
// A failed write is not retried. The queue halts, reports the failure to
// Wait and to every later Enqueue/Run, and stays halted until Reset.
type WriteQueue struct {
	streams [2]io.WriterAt // indexed by FileOrigin

	mu       sync.Mutex
	cond     *sync.Cond // broadcast when the worker stops
	pending  []pendingWrite
	inFlight int
	running  bool
	err      error
	failed   *pendingWrite // page whose write halted the queue

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
}

// NewWriteQueue creates a queue writing data-origin pages to data and
// log-origin pages to log. Either stream may be nil if the caller never
// enqueues pages of that origin.
func NewWriteQueue(data, log io.WriterAt, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) *WriteQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &WriteQueue{
		logger:  logger.Named("write_queue"),
		metrics: metrics,
	}
	q.streams[pagemanager.FileOriginData] = data
	q.streams[pagemanager.FileOriginLog] = log
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends buf to the pending list. It never blocks on I/O and does
// not start the worker; call Run for that.
func (q *WriteQueue) Enqueue(buf *pagemanager.PageBuffer) error {
	origin := buf.GetOrigin()
	if int(origin) >= len(q.streams) || q.streams[origin] == nil {
		return fmt.Errorf("%w: %s", ErrNoStream, origin)
	}

	q.mu.Lock()
	if q.err != nil {
		err := q.err
		q.mu.Unlock()
		return err
	}
	q.pending = append(q.pending, pendingWrite{buf: buf, origin: origin, position: buf.GetPosition()})
	q.mu.Unlock()

	q.metrics.PageEnqueued(context.Background(), origin.String())
	return nil
}

// Run starts the worker if pages are pending and no worker is active.
// Concurrent calls coalesce into one worker.
func (q *WriteQueue) Run() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.startWorkerLocked()
	return nil
}

// startWorkerLocked MUST be called with q.mu locked.
func (q *WriteQueue) startWorkerLocked() {
	if q.running || len(q.pending) == 0 {
		return
	}
	q.running = true
	go q.worker()
}

// Wait blocks until every page enqueued so far has been written and the
// worker is idle, starting the worker if needed. It returns the halting
// error if a write failed.
func (q *WriteQueue) Wait() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.running || (q.err == nil && len(q.pending) > 0) {
		q.startWorkerLocked()
		q.cond.Wait()
	}
	return q.err
}

// Length is the number of enqueued pages not yet written.
func (q *WriteQueue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) + q.inFlight
}

// Err returns the error that halted the queue, or nil.
func (q *WriteQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}

// Reset discards pending pages, releases the queue's share on each of them
// (and on the page whose write failed) and clears the halted state. It is the
// owner's recovery hook and returns the number of discarded pages.
func (q *WriteQueue) Reset() int {
	q.mu.Lock()
	dropped := q.pending
	q.pending = nil
	if q.failed != nil {
		dropped = append(dropped, *q.failed)
		q.failed = nil
	}
	for q.running {
		q.cond.Wait()
	}
	q.err = nil
	q.mu.Unlock()

	for _, w := range dropped {
		if _, err := w.buf.Release(); err != nil {
			q.logger.Error("release of discarded page failed", zap.Uint32("page_id", uint32(w.buf.GetPageID())), zap.Error(err))
		}
	}
	q.metrics.PagesDropped(context.Background(), len(dropped))
	q.logger.Warn("write queue reset", zap.Int("discarded_pages", len(dropped)))
	return len(dropped)
}

// worker drains the pending list until it is empty or a write fails.
func (q *WriteQueue) worker() {
	ctx := context.Background()
	for {
		q.mu.Lock()
		if q.err != nil || len(q.pending) == 0 {
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			return
		}
		w := q.pending[0]
		q.pending[0] = pendingWrite{}
		q.pending = q.pending[1:]
		q.inFlight = 1
		q.mu.Unlock()

		err := q.write(ctx, w)

		q.mu.Lock()
		q.inFlight = 0
		if err != nil {
			q.err = fmt.Errorf("%w: %w", ErrQueueHalted, err)
			if !errors.Is(err, ErrShareCounterUnderflow) {
				q.failed = &w
			}
			q.running = false
			q.cond.Broadcast()
			q.mu.Unlock()
			q.metrics.WriteFailed(ctx, w.origin.String())
			q.logger.Error("page write failed, halting write queue",
				zap.Uint32("page_id", uint32(w.buf.GetPageID())),
				zap.Stringer("origin", w.origin),
				zap.Int64("position", w.position),
				zap.Error(err))
			return
		}
		q.mu.Unlock()
	}
}

func (q *WriteQueue) write(ctx context.Context, w pendingWrite) error {
	start := time.Now()
	if err := WritePage(q.streams[w.origin], w.position, w.buf.GetData()); err != nil {
		return err
	}
	q.metrics.PageWritten(ctx, w.origin.String(), time.Since(start))
	// The share is dropped only after the write returned.
	if _, err := w.buf.Release(); err != nil {
		return err
	}
	return nil
}
