package wal

import (
	"fmt"
	"sync"

	"github.com/sushant-115/gojodb/core/pageformat"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

type pendingPage struct {
	pageID   pagemanager.PageID
	position int64
}

// LogManager appends page versions to the log file through the write queue.
// Pages of a transaction are indexed only when the transaction confirms, so
// readers never resolve to a version of an unfinished transaction.
type LogManager struct {
	queue *flushmanager.WriteQueue
	index *VersionIndex

	mu           sync.Mutex // serializes position allocation with Enqueue
	nextPosition int64
	pending      map[uint32][]pendingPage // registered txnID -> pages appended, not yet confirmed

	logger *zap.Logger
}

// NewLogManager creates a log writer that allocates positions starting at
// nextPosition, usually the current length of the log file.
func NewLogManager(queue *flushmanager.WriteQueue, index *VersionIndex, nextPosition int64, logger *zap.Logger) (*LogManager, error) {
	if nextPosition < 0 || nextPosition%pagemanager.PageSize != 0 {
		return nil, fmt.Errorf("%w: log length %d", flushmanager.ErrMisalignedPosition, nextPosition)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogManager{
		queue:        queue,
		index:        index,
		nextPosition: nextPosition,
		pending:      make(map[uint32][]pendingPage),
		logger:       logger.Named("log_manager"),
	}, nil
}

// Register opens txnID for appends. Transaction ID 0 marks folded pages and
// cannot be registered.
func (lm *LogManager) Register(txnID uint32) error {
	if txnID == 0 {
		return fmt.Errorf("%w: transaction id 0 is reserved", flushmanager.ErrTransactionNotOpen)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.pending[txnID]; !ok {
		lm.pending[txnID] = nil
	}
	return nil
}

// AppendPage writes buf to the end of the log as a page of transaction txnID.
// The buffer is stamped with txnID, given a log position and shared with the
// write queue; the caller must not modify it until the queue releases it.
func (lm *LogManager) AppendPage(buf *pagemanager.PageBuffer, txnID uint32) (int64, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.pending[txnID]; !ok {
		return 0, fmt.Errorf("%w: %d", flushmanager.ErrTransactionNotOpen, txnID)
	}
	pos, err := lm.appendLocked(buf, txnID, false)
	if err != nil {
		return 0, err
	}
	lm.pending[txnID] = append(lm.pending[txnID], pendingPage{pageID: buf.GetPageID(), position: pos})
	return pos, nil
}

// Confirm appends buf as the confirming (last) page of txnID and publishes
// every page the transaction appended to the version index under a new
// commit version, which it returns. Nothing is appended for a transaction
// that is not registered.
func (lm *LogManager) Confirm(buf *pagemanager.PageBuffer, txnID uint32) (int64, uint32, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if _, ok := lm.pending[txnID]; !ok {
		return 0, 0, fmt.Errorf("%w: %d", flushmanager.ErrTransactionNotOpen, txnID)
	}
	pos, err := lm.appendLocked(buf, txnID, true)
	if err != nil {
		return 0, 0, err
	}

	pages := append(lm.pending[txnID], pendingPage{pageID: buf.GetPageID(), position: pos})
	delete(lm.pending, txnID)
	version, err := lm.index.publish(pages)
	if err != nil {
		return pos, 0, err
	}
	lm.logger.Debug("transaction confirmed in log",
		zap.Uint32("txn_id", txnID),
		zap.Uint32("version", version),
		zap.Int("pages", len(pages)),
		zap.Int64("confirm_position", pos))
	return pos, version, nil
}

// Discard closes txnID and forgets its unconfirmed pages. They stay in the
// log file but are never indexed, and RestoreIndex skips them.
func (lm *LogManager) Discard(txnID uint32) int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := len(lm.pending[txnID])
	delete(lm.pending, txnID)
	return n
}

// DiscardAll closes every registered transaction and returns how many there
// were.
func (lm *LogManager) DiscardAll() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	n := len(lm.pending)
	lm.pending = make(map[uint32][]pendingPage)
	return n
}

// NextPosition returns the position the next appended page will get.
func (lm *LogManager) NextPosition() int64 {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextPosition
}

// Truncated resets position allocation after the log file was truncated to
// zero. It fails while any transaction is registered.
func (lm *LogManager) Truncated() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if len(lm.pending) > 0 {
		return fmt.Errorf("cannot reset log with %d open transactions", len(lm.pending))
	}
	lm.nextPosition = 0
	return nil
}

// OpenTransactions returns the number of registered transactions.
func (lm *LogManager) OpenTransactions() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return len(lm.pending)
}

// appendLocked MUST be called with lm.mu locked.
func (lm *LogManager) appendLocked(buf *pagemanager.PageBuffer, txnID uint32, confirmed bool) (int64, error) {
	pos := lm.nextPosition
	if err := buf.SetPosition(pos); err != nil {
		return 0, err
	}
	buf.SetOrigin(pagemanager.FileOriginLog)
	pageformat.SetTransaction(buf.GetData(), txnID, confirmed)

	buf.Share()
	if err := lm.queue.Enqueue(buf); err != nil {
		if _, relErr := buf.Release(); relErr != nil {
			lm.logger.Error("release after failed enqueue", zap.Error(relErr))
		}
		return 0, err
	}
	lm.nextPosition += pagemanager.PageSize
	if err := lm.queue.Run(); err != nil {
		return pos, err
	}
	return pos, nil
}
