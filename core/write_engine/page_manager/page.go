package pagemanager

import (
	"container/list" // For LRU
	"errors"
	"fmt"
	"sync/atomic"
)

// --- Page Management ---

// PageSize is the fixed size of every page on disk and in memory.
const PageSize = 8192

// MaxPageID marks an unset page link (empty prev/next pointers).
const MaxPageID PageID = 0xFFFFFFFF

// PageID identifies a logical page within its owning file.
type PageID uint32

// FileOrigin tells which backing store a physical page instance belongs to.
type FileOrigin byte

const (
	FileOriginData FileOrigin = iota
	FileOriginLog
)

func (o FileOrigin) String() string {
	switch o {
	case FileOriginData:
		return "data"
	case FileOriginLog:
		return "log"
	default:
		return fmt.Sprintf("origin(%d)", byte(o))
	}
}

// ErrShareCounterUnderflow is returned when a buffer is released more times
// than it was shared.
var ErrShareCounterUnderflow = errors.New("page buffer share counter underflow")

// PageBuffer is an in-memory copy of one disk page plus its identity.
//
// Lifetime is tracked by an explicit share counter: a holder increments it
// before handing the buffer to anyone else (pool user, write queue) and
// decrements it when done. The buffer is reusable only at zero.
type PageBuffer struct {
	id       PageID
	origin   FileOrigin
	position int64
	shares   atomic.Int32
	data     []byte

	// set by the pool that owns the allocation
	onFree     func(*PageBuffer)
	lruElement *list.Element
}

// NewPageBuffer creates a zero-filled buffer for pageID.
func NewPageBuffer(id PageID) *PageBuffer {
	return &PageBuffer{
		id:   id,
		data: make([]byte, PageSize),
	}
}

// NewPageBufferFrom wraps an existing PageSize byte slice.
func NewPageBufferFrom(id PageID, data []byte) (*PageBuffer, error) {
	if len(data) != PageSize {
		return nil, fmt.Errorf("page buffer must be %d bytes, got %d", PageSize, len(data))
	}
	return &PageBuffer{id: id, data: data}, nil
}

func (p *PageBuffer) Reset() {
	p.id = 0
	p.origin = FileOriginData
	p.position = 0
	p.shares.Store(0)
	clear(p.data)
}

func (p *PageBuffer) GetData() []byte                    { return p.data }
func (p *PageBuffer) SetData(newData []byte)             { copy(p.data, newData) }
func (p *PageBuffer) GetPageID() PageID                  { return p.id }
func (p *PageBuffer) SetPageID(id PageID)                { p.id = id }
func (p *PageBuffer) GetOrigin() FileOrigin              { return p.origin }
func (p *PageBuffer) SetOrigin(origin FileOrigin)        { p.origin = origin }
func (p *PageBuffer) GetPosition() int64                 { return p.position }
func (p *PageBuffer) GetShareCounter() int32             { return p.shares.Load() }
func (p *PageBuffer) SetShareCounter(n int32)            { p.shares.Store(n) }
func (p *PageBuffer) GetLruElement() *list.Element       { return p.lruElement }
func (p *PageBuffer) SetLruElement(elem *list.Element)   { p.lruElement = elem }
func (p *PageBuffer) SetOnFree(fn func(buf *PageBuffer)) { p.onFree = fn }

// SetPosition records the absolute byte offset of the page in its store.
// Positions must be page aligned.
func (p *PageBuffer) SetPosition(position int64) error {
	if position < 0 || position%PageSize != 0 {
		return fmt.Errorf("position %d is not a multiple of page size %d", position, PageSize)
	}
	p.position = position
	return nil
}

// Share registers one more holder and returns the new count.
func (p *PageBuffer) Share() int32 {
	return p.shares.Add(1)
}

// Release drops one holder. Releasing a buffer with no holders leaves the
// counter at zero and returns ErrShareCounterUnderflow. When the last holder
// releases, the owning pool (if any) is notified.
func (p *PageBuffer) Release() (int32, error) {
	for {
		cur := p.shares.Load()
		if cur <= 0 {
			return cur, fmt.Errorf("%w: page %d (%s@%d)", ErrShareCounterUnderflow, p.id, p.origin, p.position)
		}
		if p.shares.CompareAndSwap(cur, cur-1) {
			if cur == 1 && p.onFree != nil {
				p.onFree(p)
			}
			return cur - 1, nil
		}
	}
}
