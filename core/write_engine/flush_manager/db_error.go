package flushmanager

import (
	"errors"

	"github.com/sushant-115/gojodb/core/pageformat"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	// Corruption: fatal to the operation that detects it.
	ErrShareCounterUnderflow = pagemanager.ErrShareCounterUnderflow
	ErrDuplicateWalPosition  = errors.New("duplicate wal position for page")
	ErrUnknownPageType       = pageformat.ErrUnknownPageType
	ErrInvalidPageData       = pageformat.ErrInvalidPage

	// I/O
	ErrIO                 = errors.New("i/o error")
	ErrShortWrite         = errors.New("short page write")
	ErrNoStream           = errors.New("no backing stream for page origin")
	ErrMisalignedPosition = errors.New("position is not page aligned")

	// Buffer pool
	ErrBufferPoolFull = errors.New("buffer pool is full and no pages can be evicted")

	// Write queue / owner state
	ErrQueueHalted  = errors.New("write queue halted after a failed write")
	ErrEngineHalted = errors.New("engine halted, recovery required")
	ErrEngineClosed = errors.New("engine is closed")
	ErrPageInLog    = errors.New("page has versions in the log that are not checkpointed")

	// Log
	ErrTransactionNotOpen = errors.New("transaction not open in log")
)
