// Package pageformat defines the binary layout of data and log file pages:
// the 32-byte header every page carries and the typed bodies of header and
// collection pages.
package pageformat

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

var (
	ErrUnknownPageType = errors.New("unknown page type")
	ErrPageOverflow    = errors.New("page content exceeds page size")
	ErrInvalidPage     = errors.New("invalid page content")
)

// PageType discriminates the page body.
type PageType byte

const (
	PageTypeEmpty PageType = iota
	PageTypeHeader
	PageTypeCollection
	PageTypeIndex
	PageTypeData
)

func (t PageType) String() string {
	switch t {
	case PageTypeEmpty:
		return "Empty"
	case PageTypeHeader:
		return "Header"
	case PageTypeCollection:
		return "Collection"
	case PageTypeIndex:
		return "Index"
	case PageTypeData:
		return "Data"
	default:
		return fmt.Sprintf("PageType(%d)", byte(t))
	}
}

func (t PageType) Valid() bool { return t <= PageTypeData }

// PageHeaderSize is the size of the header common to all pages.
const PageHeaderSize = 32

// SlotSize is the size of one footer slot entry.
const SlotSize = 4

// Header field offsets.
const (
	offPageID           = 0  // uint32
	offPageType         = 4  // byte
	offPrevPageID       = 5  // uint32
	offNextPageID       = 9  // uint32
	offInitialSlot      = 13 // byte
	offTransactionID    = 14 // uint32
	offIsConfirmed      = 18 // byte
	offColID            = 19 // uint32
	offItemsCount       = 23 // byte
	offUsedBytes        = 24 // uint16
	offFragmentedBytes  = 26 // uint16
	offNextFreePosition = 28 // uint16
	offHighestIndex     = 30 // byte
)

// BasePage is the decoded common page header.
type BasePage struct {
	PageID           pagemanager.PageID
	PageType         PageType
	PrevPageID       pagemanager.PageID
	NextPageID       pagemanager.PageID
	InitialSlot      byte
	TransactionID    uint32
	IsConfirmed      bool
	ColID            pagemanager.PageID
	ItemsCount       byte
	UsedBytes        uint16
	FragmentedBytes  uint16
	NextFreePosition uint16
	HighestIndex     byte
}

// NewBasePage returns the header of a fresh page of the given type.
func NewBasePage(id pagemanager.PageID, t PageType) BasePage {
	return BasePage{
		PageID:           id,
		PageType:         t,
		PrevPageID:       pagemanager.MaxPageID,
		NextPageID:       pagemanager.MaxPageID,
		ColID:            pagemanager.MaxPageID,
		NextFreePosition: PageHeaderSize,
		HighestIndex:     255,
	}
}

// FreeBytes is the space left for new items.
func (p *BasePage) FreeBytes() int {
	if p.ItemsCount == 255 {
		return 0
	}
	footer := 0
	if p.ItemsCount > 0 {
		footer = (int(p.HighestIndex) + 1) * SlotSize
	}
	free := pagemanager.PageSize - PageHeaderSize - int(p.UsedBytes) - footer
	if free < 0 {
		return 0
	}
	return free
}

// ReadBasePage decodes the common header of raw.
func ReadBasePage(raw []byte) (BasePage, error) {
	if len(raw) != pagemanager.PageSize {
		return BasePage{}, fmt.Errorf("%w: page is %d bytes", ErrInvalidPage, len(raw))
	}
	le := binary.LittleEndian
	return BasePage{
		PageID:           pagemanager.PageID(le.Uint32(raw[offPageID:])),
		PageType:         PageType(raw[offPageType]),
		PrevPageID:       pagemanager.PageID(le.Uint32(raw[offPrevPageID:])),
		NextPageID:       pagemanager.PageID(le.Uint32(raw[offNextPageID:])),
		InitialSlot:      raw[offInitialSlot],
		TransactionID:    le.Uint32(raw[offTransactionID:]),
		IsConfirmed:      raw[offIsConfirmed] != 0,
		ColID:            pagemanager.PageID(le.Uint32(raw[offColID:])),
		ItemsCount:       raw[offItemsCount],
		UsedBytes:        le.Uint16(raw[offUsedBytes:]),
		FragmentedBytes:  le.Uint16(raw[offFragmentedBytes:]),
		NextFreePosition: le.Uint16(raw[offNextFreePosition:]),
		HighestIndex:     raw[offHighestIndex],
	}, nil
}

// WriteTo encodes the header into the first PageHeaderSize bytes of raw.
func (p *BasePage) WriteTo(raw []byte) error {
	if len(raw) != pagemanager.PageSize {
		return fmt.Errorf("%w: page is %d bytes", ErrInvalidPage, len(raw))
	}
	le := binary.LittleEndian
	le.PutUint32(raw[offPageID:], uint32(p.PageID))
	raw[offPageType] = byte(p.PageType)
	le.PutUint32(raw[offPrevPageID:], uint32(p.PrevPageID))
	le.PutUint32(raw[offNextPageID:], uint32(p.NextPageID))
	raw[offInitialSlot] = p.InitialSlot
	le.PutUint32(raw[offTransactionID:], p.TransactionID)
	raw[offIsConfirmed] = boolByte(p.IsConfirmed)
	le.PutUint32(raw[offColID:], uint32(p.ColID))
	raw[offItemsCount] = p.ItemsCount
	le.PutUint16(raw[offUsedBytes:], p.UsedBytes)
	le.PutUint16(raw[offFragmentedBytes:], p.FragmentedBytes)
	le.PutUint16(raw[offNextFreePosition:], p.NextFreePosition)
	raw[offHighestIndex] = p.HighestIndex
	raw[31] = 0
	return nil
}

// SetTransaction stamps raw with the writing transaction and its confirm flag
// without touching the rest of the header.
func SetTransaction(raw []byte, txnID uint32, confirmed bool) {
	binary.LittleEndian.PutUint32(raw[offTransactionID:], txnID)
	raw[offIsConfirmed] = boolByte(confirmed)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// timestamps are stored as unix milliseconds, 0 for the zero time
func putTime(b []byte, t time.Time) {
	var ms int64
	if !t.IsZero() {
		ms = t.UnixMilli()
	}
	binary.LittleEndian.PutUint64(b, uint64(ms))
}

func readTime(b []byte) time.Time {
	ms := int64(binary.LittleEndian.Uint64(b))
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// cursor is a bounds-checked little endian reader/writer over a page body.
type cursor struct {
	buf []byte
	pos int
	err error
}

func (c *cursor) need(n int) bool {
	if c.err != nil {
		return false
	}
	if c.pos+n > len(c.buf) {
		c.err = ErrPageOverflow
		return false
	}
	return true
}

func (c *cursor) putByte(v byte) {
	if c.need(1) {
		c.buf[c.pos] = v
		c.pos++
	}
}

func (c *cursor) putUint16(v uint16) {
	if c.need(2) {
		binary.LittleEndian.PutUint16(c.buf[c.pos:], v)
		c.pos += 2
	}
}

func (c *cursor) putUint32(v uint32) {
	if c.need(4) {
		binary.LittleEndian.PutUint32(c.buf[c.pos:], v)
		c.pos += 4
	}
}

func (c *cursor) putBytes(v []byte) {
	if c.need(len(v)) {
		copy(c.buf[c.pos:], v)
		c.pos += len(v)
	}
}

func (c *cursor) byte() byte {
	if !c.need(1) {
		return 0
	}
	v := c.buf[c.pos]
	c.pos++
	return v
}

func (c *cursor) uint16() uint16 {
	if !c.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(c.buf[c.pos:])
	c.pos += 2
	return v
}

func (c *cursor) uint32() uint32 {
	if !c.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(c.buf[c.pos:])
	c.pos += 4
	return v
}

func (c *cursor) bytes(n int) []byte {
	if !c.need(n) {
		return nil
	}
	v := c.buf[c.pos : c.pos+n]
	c.pos += n
	return v
}
