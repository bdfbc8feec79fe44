package memtable

import (
	"container/list" // For LRU
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// BufferPoolManager owns page buffer allocations. Callers borrow buffers with
// Acquire and hand them back with Release; the write queue borrows them the
// same way through the share counter. A buffer whose counter drops to zero
// stays cached (so a later Acquire of the same page finds it) and becomes an
// eviction candidate in LRU order.
type BufferPoolManager struct {
	poolSize  int
	pageTable map[pagemanager.PageID]*pagemanager.PageBuffer
	lruList   *list.List // unshared buffers, front = most recently freed
	mu        sync.Mutex
	logger    *zap.Logger
}

// NewBufferPoolManager creates a pool holding at most poolSize buffers.
func NewBufferPoolManager(poolSize int, logger *zap.Logger) (*BufferPoolManager, error) {
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		poolSize:  poolSize,
		pageTable: make(map[pagemanager.PageID]*pagemanager.PageBuffer, poolSize),
		lruList:   list.New(),
		logger:    logger.Named("buffer_pool"),
	}
	bpm.logger.Info("BufferPoolManager initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", pagemanager.PageSize))
	return bpm, nil
}

// Acquire returns the cached buffer for pageID with its share counter
// incremented, or a fresh zero-filled buffer holding one share.
func (bpm *BufferPoolManager) Acquire(pageID pagemanager.PageID) (*pagemanager.PageBuffer, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Cached
	if buf, ok := bpm.pageTable[pageID]; ok {
		if elem := buf.GetLruElement(); elem != nil {
			bpm.lruList.Remove(elem)
			buf.SetLruElement(nil)
		}
		buf.Share()
		bpm.logger.Debug("page found in buffer pool", zap.Uint32("page_id", uint32(pageID)), zap.Int32("shares", buf.GetShareCounter()))
		return buf, nil
	}

	// 2. Room for a new allocation
	if len(bpm.pageTable) < bpm.poolSize {
		buf := pagemanager.NewPageBuffer(pageID)
		buf.SetOnFree(bpm.onFree)
		buf.Share()
		bpm.pageTable[pageID] = buf
		return buf, nil
	}

	// 3. Reuse the least recently freed buffer
	victim, err := bpm.getVictimInternal()
	if err != nil {
		bpm.logger.Error("failed to get victim buffer", zap.Uint32("page_id", uint32(pageID)), zap.Error(err))
		return nil, err
	}
	bpm.logger.Debug("evicting buffer", zap.Uint32("old_page_id", uint32(victim.GetPageID())), zap.Uint32("page_id", uint32(pageID)))
	delete(bpm.pageTable, victim.GetPageID())
	victim.Reset()
	victim.SetPageID(pageID)
	victim.Share()
	bpm.pageTable[pageID] = victim
	return victim, nil
}

// getVictimInternal pops the least recently freed buffer.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimInternal() (*pagemanager.PageBuffer, error) {
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		buf := e.Value.(*pagemanager.PageBuffer)
		// Re-shared after it was freed but before it left the list.
		if buf.GetShareCounter() != 0 {
			continue
		}
		bpm.lruList.Remove(e)
		buf.SetLruElement(nil)
		return buf, nil
	}
	return nil, flushmanager.ErrBufferPoolFull
}

// Release drops one share of buf. Releasing an unshared buffer is an
// invariant violation and returns ErrShareCounterUnderflow.
func (bpm *BufferPoolManager) Release(buf *pagemanager.PageBuffer) error {
	if _, err := buf.Release(); err != nil {
		bpm.logger.Error("release of unshared buffer", zap.Uint32("page_id", uint32(buf.GetPageID())), zap.Error(err))
		return err
	}
	return nil
}

// onFree is called by a buffer when its last share is released, possibly from
// the write queue worker.
func (bpm *BufferPoolManager) onFree(buf *pagemanager.PageBuffer) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	if cached, ok := bpm.pageTable[buf.GetPageID()]; !ok || cached != buf {
		return
	}
	// A concurrent Acquire may have shared it again already.
	if buf.GetShareCounter() != 0 || buf.GetLruElement() != nil {
		return
	}
	buf.SetLruElement(bpm.lruList.PushFront(buf))
}

// Len returns the number of buffers currently allocated.
func (bpm *BufferPoolManager) Len() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.pageTable)
}

// Free returns the number of allocated buffers with no holders.
func (bpm *BufferPoolManager) Free() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.lruList.Len()
}

// Invalidate drops pageID from the cache if no one holds it, forcing the next
// Acquire to start from a zeroed buffer.
func (bpm *BufferPoolManager) Invalidate(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	buf, ok := bpm.pageTable[pageID]
	if !ok || buf.GetShareCounter() != 0 {
		return false
	}
	if elem := buf.GetLruElement(); elem != nil {
		bpm.lruList.Remove(elem)
		buf.SetLruElement(nil)
	}
	delete(bpm.pageTable, pageID)
	return true
}
