// Package engine owns the data file, the log file and everything that writes
// to them: the page pool, the write queue, the version index and the
// checkpointer.
package engine

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/gojodb/config"
	"github.com/sushant-115/gojodb/core/diagnostics"
	"github.com/sushant-115/gojodb/core/pageformat"
	"github.com/sushant-115/gojodb/core/storage_engine/common"
	"github.com/sushant-115/gojodb/core/transaction"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	"github.com/sushant-115/gojodb/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/gojodb/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Options struct {
	Logger  *zap.Logger
	Metrics *internaltelemetry.StorageMetrics
	Tracer  trace.Tracer
}

// Engine is safe for concurrent use. Page writers run in parallel with each
// other; Checkpoint, Recover and Close exclude them.
type Engine struct {
	id  string
	cfg config.StorageConfig

	data *flushmanager.FileStream
	log  *flushmanager.FileStream

	pool    *memtable.BufferPoolManager
	queue   *flushmanager.WriteQueue
	index   *wal.VersionIndex
	logs    *wal.LogManager
	txns    *transaction.Monitor
	limiter *rate.Limiter

	// Writers hold it shared; checkpoint, recover and close hold it exclusively.
	mu     sync.RWMutex
	closed bool
	// Serializes Commit against Rollback.
	commitMu sync.Mutex

	logger  *zap.Logger
	metrics *internaltelemetry.StorageMetrics
	tracer  trace.Tracer
}

// Open opens (creating if needed) the data and log files named by cfg,
// rebuilds the version index from the log above the checkpoint watermark
// stored in the header page and writes a header page into an empty data file.
func Open(ctx context.Context, cfg config.StorageConfig, opts Options) (*Engine, error) {
	if cfg.LogFile == "" {
		cfg.LogFile = config.LogFileFor(cfg.DataFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Tracer == nil {
		opts.Tracer = nooptrace.NewTracerProvider().Tracer("")
	}

	id := uuid.NewString()
	logger := opts.Logger.Named("engine").With(zap.String("engine_id", id))

	data, err := flushmanager.OpenFileStream(cfg.DataFile)
	if err != nil {
		return nil, err
	}
	logFile, err := flushmanager.OpenFileStream(cfg.LogFile)
	if err != nil {
		_ = data.Close()
		return nil, err
	}
	closeFiles := func() {
		_ = logFile.Close()
		_ = data.Close()
	}

	checkpointed, err := readCheckpointVersion(data)
	if err != nil {
		closeFiles()
		return nil, err
	}
	index := wal.NewVersionIndex()
	restored, err := wal.RestoreIndex(ctx, logFile, index, checkpointed)
	if err != nil {
		closeFiles()
		return nil, fmt.Errorf("restore version index from %s: %w", cfg.LogFile, err)
	}
	// A watermark past the end of the log means the log was truncated before
	// the header was reset.
	staleWatermark := checkpointed > 0 && restored.LastVersion+1 < checkpointed
	if staleWatermark {
		logger.Warn("checkpoint watermark ahead of log, restoring from the start",
			zap.Uint32("watermark", checkpointed),
			zap.Uint32("last_version", restored.LastVersion))
		index.Clear()
		if restored, err = wal.RestoreIndex(ctx, logFile, index, 0); err != nil {
			closeFiles()
			return nil, fmt.Errorf("restore version index from %s: %w", cfg.LogFile, err)
		}
	}

	pool, err := memtable.NewBufferPoolManager(cfg.PoolSize, logger)
	if err != nil {
		closeFiles()
		return nil, err
	}
	queue := flushmanager.NewWriteQueue(data, logFile, logger, opts.Metrics)
	logs, err := wal.NewLogManager(queue, index, restored.NextPosition, logger)
	if err != nil {
		closeFiles()
		return nil, err
	}

	e := &Engine{
		id:      id,
		cfg:     cfg,
		data:    data,
		log:     logFile,
		pool:    pool,
		queue:   queue,
		index:   index,
		logs:    logs,
		txns:    transaction.NewMonitor(restored.LastVersion, restored.HighestSeen),
		limiter: common.NewLimiter(cfg.CheckpointBytesPerSec),
		logger:  logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
	}

	if err := e.initDataFile(); err != nil {
		closeFiles()
		return nil, err
	}
	if staleWatermark {
		if err := e.writeHeaderLocked(func(h *pageformat.HeaderPage) { h.CheckpointVersion = 0 }); err != nil {
			closeFiles()
			return nil, err
		}
	}

	logger.Info("engine opened",
		zap.String("data_file", cfg.DataFile),
		zap.String("log_file", cfg.LogFile),
		zap.Int("restored_transactions", restored.Transactions),
		zap.Int("restored_pages", restored.Pages),
		zap.Int("skipped_pages", restored.Skipped),
		zap.Int("folded_transactions", restored.Folded),
		zap.Uint32("last_version", restored.LastVersion))
	return e, nil
}

// readCheckpointVersion returns the watermark stored in the header page, or 0
// for an empty data file.
func readCheckpointVersion(data *flushmanager.FileStream) (uint32, error) {
	size, err := data.Size()
	if err != nil || size == 0 {
		return 0, err
	}
	bp := common.GetPage()
	defer common.PutPage(bp)
	if err := flushmanager.ReadPage(data, 0, *bp); err != nil {
		return 0, err
	}
	h, err := pageformat.DecodeHeaderPage(*bp)
	if err != nil {
		return 0, fmt.Errorf("read header page of %s: %w", data.Path(), err)
	}
	return h.CheckpointVersion, nil
}

// writeHeaderLocked rewrites the header page in place through update and
// syncs the data file. The caller holds e.mu exclusively with the queue
// drained, or has not published the engine yet.
func (e *Engine) writeHeaderLocked(update func(h *pageformat.HeaderPage)) error {
	bp := common.GetPage()
	defer common.PutPage(bp)
	raw := *bp
	if err := flushmanager.ReadPage(e.data, 0, raw); err != nil {
		return err
	}
	h, err := pageformat.DecodeHeaderPage(raw)
	if err != nil {
		return fmt.Errorf("read header page: %w", err)
	}
	update(h)
	if err := h.Encode(raw); err != nil {
		return err
	}
	if err := flushmanager.WritePage(e.data, 0, raw); err != nil {
		return err
	}
	return e.data.Sync()
}

func (e *Engine) initDataFile() error {
	size, err := e.data.Size()
	if err != nil {
		return err
	}
	if size > 0 {
		return nil
	}
	buf := pagemanager.NewPageBuffer(0)
	if err := pageformat.NewHeaderPage(time.Now()).Encode(buf.GetData()); err != nil {
		return err
	}
	if err := e.enqueueData(buf); err != nil {
		return err
	}
	return e.queue.Wait()
}

// ID is the engine instance ID carried in its log fields.
func (e *Engine) ID() string { return e.id }

// AcquirePage borrows a buffer for pageID from the pool. The buffer holds
// whatever the pool cached for the page, or zeros.
func (e *Engine) AcquirePage(pageID pagemanager.PageID) (*pagemanager.PageBuffer, error) {
	return e.pool.Acquire(pageID)
}

// ReleasePage returns a buffer obtained from AcquirePage.
func (e *Engine) ReleasePage(buf *pagemanager.PageBuffer) error {
	return e.pool.Release(buf)
}

// Begin starts a transaction. Its ID is stamped on every page it writes and
// its ReadVersion is the snapshot it reads at.
func (e *Engine) Begin() (*transaction.Transaction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.writableLocked(); err != nil {
		return nil, err
	}
	txn := e.txns.Begin()
	if err := e.logs.Register(txn.ID); err != nil {
		_ = e.txns.Abort(txn.ID)
		return nil, err
	}
	return txn, nil
}

// WriteLogPage appends buf to the log as a page of the open transaction
// txnID. The caller keeps its own share and must not modify buf until the
// queue has written it.
func (e *Engine) WriteLogPage(txnID uint32, buf *pagemanager.PageBuffer) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.writableLocked(); err != nil {
		return 0, err
	}
	if err := e.txns.Running(txnID); err != nil {
		return 0, err
	}
	if err := e.backpressure(); err != nil {
		return 0, err
	}
	pos, err := e.logs.AppendPage(buf, txnID)
	return pos, e.halted(err)
}

// Commit appends buf as the confirming page of the open transaction txnID,
// publishes the transaction's pages to readers under a new commit version
// and closes it. It returns the commit version.
func (e *Engine) Commit(txnID uint32, buf *pagemanager.PageBuffer) (uint32, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.writableLocked(); err != nil {
		return 0, err
	}
	if err := e.backpressure(); err != nil {
		return 0, err
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if err := e.txns.Running(txnID); err != nil {
		return 0, err
	}
	_, version, err := e.logs.Confirm(buf, txnID)
	if err != nil {
		return 0, e.halted(err)
	}
	return version, e.txns.Commit(txnID, version)
}

// Rollback closes txnID without publishing its pages.
func (e *Engine) Rollback(txnID uint32) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.commitMu.Lock()
	defer e.commitMu.Unlock()
	if err := e.txns.Abort(txnID); err != nil {
		return err
	}
	n := e.logs.Discard(txnID)
	e.logger.Debug("transaction rolled back", zap.Uint32("txn_id", txnID), zap.Int("discarded_pages", n))
	return nil
}

// WriteDataPage writes buf directly to its slot in the data file, bypassing
// the log. A page with log versions not yet checkpointed is refused with
// ErrPageInLog; a write to page 0 must be a header page and keeps the
// engine's checkpoint watermark.
func (e *Engine) WriteDataPage(buf *pagemanager.PageBuffer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.writableLocked(); err != nil {
		return err
	}
	pageID := buf.GetPageID()
	if len(e.index.Versions(pageID)) > 0 {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageInLog, pageID)
	}
	if pageID == 0 {
		if _, err := pageformat.DecodeHeaderPage(buf.GetData()); err != nil {
			return err
		}
		pageformat.SetCheckpointVersion(buf.GetData(), e.index.LastCheckpointed())
	}
	if err := e.backpressure(); err != nil {
		return err
	}
	return e.halted(e.enqueueData(buf))
}

func (e *Engine) enqueueData(buf *pagemanager.PageBuffer) error {
	buf.SetOrigin(pagemanager.FileOriginData)
	if err := buf.SetPosition(int64(buf.GetPageID()) * pagemanager.PageSize); err != nil {
		return err
	}
	buf.Share()
	if err := e.queue.Enqueue(buf); err != nil {
		if _, relErr := buf.Release(); relErr != nil {
			e.logger.Error("release after failed enqueue", zap.Error(relErr))
		}
		return err
	}
	return e.queue.Run()
}

// ReadVersion is the newest commit version, the default visibility bound for
// readers. A transaction reads at its own ReadVersion; only those snapshots
// are kept stable across Checkpoint.
func (e *Engine) ReadVersion() uint32 { return e.txns.ReadVersion() }

// ReadPage copies into dst the newest version of pageID visible at
// maxVisible: from the log when the index has one, otherwise from the data
// file. Pages past the end of the data file read as zeros. Pending writes are
// drained first so the returned bytes are what is on disk.
func (e *Engine) ReadPage(pageID pagemanager.PageID, maxVisible uint32, dst []byte) (pagemanager.FileOrigin, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return 0, flushmanager.ErrEngineClosed
	}
	if e.queue.Length() > 0 {
		if err := e.queue.Wait(); err != nil {
			return 0, e.halted(err)
		}
	}

	if pos, ok := e.index.Resolve(pageID, maxVisible); ok {
		return pagemanager.FileOriginLog, flushmanager.ReadPage(e.log, pos, dst)
	}

	pos := int64(pageID) * pagemanager.PageSize
	size, err := e.data.Size()
	if err != nil {
		return 0, err
	}
	if pos+pagemanager.PageSize > size {
		clear(dst)
		return pagemanager.FileOriginData, nil
	}
	return pagemanager.FileOriginData, flushmanager.ReadPage(e.data, pos, dst)
}

// Checkpoint drains the write queue, then folds into the data file every log
// version that no open transaction's snapshot still needs, and stores the new
// watermark in the header page. When nothing remains indexed and no
// transaction is open, the log file is truncated and versions start over.
func (e *Engine) Checkpoint(ctx context.Context) (wal.CheckpointResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return wal.CheckpointResult{}, flushmanager.ErrEngineClosed
	}
	return e.checkpointLocked(ctx)
}

func (e *Engine) checkpointLocked(ctx context.Context) (res wal.CheckpointResult, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.Checkpoint")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := e.queue.Wait(); err != nil {
		return res, e.halted(err)
	}

	safe := e.txns.SafeVersion()
	watermark := e.index.LastCheckpointed()
	span.SetAttributes(attribute.Int64("gojodb.checkpoint.safe_version", int64(safe)))
	start := time.Now()
	res, err = e.index.Checkpoint(ctx, wal.CheckpointRequest{
		SafeVersion: safe,
		Log:         e.log,
		Data:        e.data,
		Limiter:     e.limiter,
	})
	if err != nil {
		return res, err
	}
	if res.Watermark != watermark {
		if err := e.writeHeaderLocked(func(h *pageformat.HeaderPage) {
			h.CheckpointVersion = res.Watermark
			h.LastCheckpoint = time.Now()
			h.CheckpointCounter++
		}); err != nil {
			return res, err
		}
	}

	truncated := false
	logSize, err := e.log.Size()
	if err != nil {
		return res, err
	}
	if logSize > 0 && e.index.Len() == 0 && len(e.txns.Open()) == 0 && e.logs.OpenTransactions() == 0 {
		if err := e.log.Truncate(0); err != nil {
			return res, err
		}
		if err := e.logs.Truncated(); err != nil {
			return res, err
		}
		e.index.Clear()
		e.txns.Reset(0)
		if err := e.writeHeaderLocked(func(h *pageformat.HeaderPage) { h.CheckpointVersion = 0 }); err != nil {
			return res, err
		}
		res.Watermark = 0
		truncated = true
	}

	e.metrics.CheckpointDone(ctx, res.PagesCopied)
	span.SetAttributes(
		attribute.Int("gojodb.checkpoint.pages", res.PagesCopied),
		attribute.Bool("gojodb.checkpoint.log_truncated", truncated))
	e.logger.Info("checkpoint complete",
		zap.Uint32("safe_version", safe),
		zap.Int("pages_copied", res.PagesCopied),
		zap.Int("remaining_versions", res.Remaining),
		zap.Bool("log_truncated", truncated),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// Backup checkpoints and then copies the data file into dst at the
// checkpoint rate. The copy reflects every commit version below the oldest
// snapshot an open transaction reads at.
func (e *Engine) Backup(ctx context.Context, dst *flushmanager.FileStream) (common.CopyResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return common.CopyResult{}, flushmanager.ErrEngineClosed
	}
	if _, err := e.checkpointLocked(ctx); err != nil {
		return common.CopyResult{}, err
	}
	res, err := common.CopyThrottled(ctx, e.data, dst, e.limiter)
	if err != nil {
		return res, err
	}
	if err := dst.Sync(); err != nil {
		return res, err
	}
	e.logger.Info("backup complete", zap.String("target", dst.Path()), zap.Int("pages", res.Pages), zap.String("blake3", res.Checksum))
	return res, nil
}

// Recover clears a halted write queue. Pages that were still pending are
// discarded, open transactions are aborted and the version index is rebuilt
// from what actually reached the log file. It returns the number of discarded
// pages.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, flushmanager.ErrEngineClosed
	}

	dropped := e.queue.Reset()
	e.logs.DiscardAll()

	checkpointed := e.index.LastCheckpointed()
	e.index.Clear()
	res, err := wal.RestoreIndex(ctx, e.log, e.index, checkpointed)
	if err != nil {
		return dropped, fmt.Errorf("rebuild version index: %w", err)
	}
	aborted := e.txns.Reset(res.LastVersion)
	e.logger.Warn("engine recovered",
		zap.Int("discarded_pages", dropped),
		zap.Int("aborted_transactions", len(aborted)),
		zap.Int("restored_pages", res.Pages),
		zap.Uint32("last_version", res.LastVersion))
	return dropped, nil
}

// Err reports why the engine is halted, or nil.
func (e *Engine) Err() error {
	if err := e.queue.Err(); err != nil {
		return fmt.Errorf("%w: %w", flushmanager.ErrEngineHalted, err)
	}
	return nil
}

// PendingPages is the number of enqueued pages not yet written.
func (e *Engine) PendingPages() int { return e.queue.Length() }

// DumpData iterates over the data file.
func (e *Engine) DumpData() iter.Seq2[*pageformat.Record, error] {
	return diagnostics.DumpData(e.data)
}

// DumpWal iterates over the log file, annotating indexed versions.
func (e *Engine) DumpWal() iter.Seq2[*pageformat.Record, error] {
	return diagnostics.DumpWal(e.log, e.index)
}

// Close waits for pending writes and closes both files. A halted queue does
// not prevent closing; its error is returned.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	waitErr := e.queue.Wait()
	if waitErr != nil {
		e.queue.Reset()
	}
	logErr := e.log.Close()
	dataErr := e.data.Close()
	e.logger.Info("engine closed")
	if waitErr != nil {
		return fmt.Errorf("%w: %w", flushmanager.ErrEngineHalted, waitErr)
	}
	if logErr != nil {
		return logErr
	}
	return dataErr
}

// writableLocked MUST be called with e.mu held.
func (e *Engine) writableLocked() error {
	if e.closed {
		return flushmanager.ErrEngineClosed
	}
	return e.Err()
}

// backpressure blocks the writer until the queue drains once it holds
// MaxPendingPages.
func (e *Engine) backpressure() error {
	if e.cfg.MaxPendingPages <= 0 || e.queue.Length() < e.cfg.MaxPendingPages {
		return nil
	}
	return e.halted(e.queue.Wait())
}

func (e *Engine) halted(err error) error {
	if err == nil {
		return nil
	}
	if e.queue.Err() != nil {
		return fmt.Errorf("%w: %w", flushmanager.ErrEngineHalted, err)
	}
	return err
}
