package pageformat

import (
	"encoding/binary"
	"fmt"
	"time"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// MaxCollectionNameLength bounds collection names stored in a collection page.
const MaxCollectionNameLength = 60

const (
	offCollectionName = 32  // uint8 length + 60 bytes
	offFreeDataPageID = 96  // uint32
	offDocumentCount  = 100 // uint64
	offSequence       = 108 // uint64
	offColCreation    = 116 // int64
	offIndexes        = 128
)

// PageAddress locates an item slot inside a page.
type PageAddress struct {
	PageID pagemanager.PageID
	Index  byte
}

// IndexDescriptor describes one index of a collection.
type IndexDescriptor struct {
	Slot           byte
	Name           string
	Expression     string
	Unique         bool
	HeadNode       PageAddress
	MaxLevel       byte
	KeyCount       uint32
	UniqueKeyCount uint32
}

// CollectionPage is the root page of a collection.
type CollectionPage struct {
	BasePage

	CollectionName string
	FreeDataPageID pagemanager.PageID
	DocumentCount  uint64
	Sequence       uint64
	CreationTime   time.Time
	Indexes        []IndexDescriptor
}

// Encode writes the collection page into raw (PageSize bytes).
func (p *CollectionPage) Encode(raw []byte) error {
	if n := len(p.CollectionName); n == 0 || n > MaxCollectionNameLength {
		return fmt.Errorf("%w: collection name %q", ErrInvalidPage, p.CollectionName)
	}
	if len(p.Indexes) > 255 {
		return fmt.Errorf("%w: %d indexes", ErrPageOverflow, len(p.Indexes))
	}
	p.PageType = PageTypeCollection
	if err := p.BasePage.WriteTo(raw); err != nil {
		return err
	}
	le := binary.LittleEndian
	clear(raw[offCollectionName:offFreeDataPageID])
	raw[offCollectionName] = byte(len(p.CollectionName))
	copy(raw[offCollectionName+1:], p.CollectionName)
	le.PutUint32(raw[offFreeDataPageID:], uint32(p.FreeDataPageID))
	le.PutUint64(raw[offDocumentCount:], p.DocumentCount)
	le.PutUint64(raw[offSequence:], p.Sequence)
	putTime(raw[offColCreation:], p.CreationTime)

	clear(raw[offIndexes:])
	c := &cursor{buf: raw[offIndexes:]}
	c.putByte(byte(len(p.Indexes)))
	for _, idx := range p.Indexes {
		if len(idx.Name) > 255 || len(idx.Expression) > 0xFFFF {
			return fmt.Errorf("%w: index %q", ErrPageOverflow, idx.Name)
		}
		c.putByte(idx.Slot)
		c.putByte(byte(len(idx.Name)))
		c.putBytes([]byte(idx.Name))
		c.putUint16(uint16(len(idx.Expression)))
		c.putBytes([]byte(idx.Expression))
		c.putByte(boolByte(idx.Unique))
		c.putUint32(uint32(idx.HeadNode.PageID))
		c.putByte(idx.HeadNode.Index)
		c.putByte(idx.MaxLevel)
		c.putUint32(idx.KeyCount)
		c.putUint32(idx.UniqueKeyCount)
	}
	if c.err != nil {
		return fmt.Errorf("index list: %w", c.err)
	}
	return nil
}

// DecodeCollectionPage parses raw as a collection page.
func DecodeCollectionPage(raw []byte) (*CollectionPage, error) {
	base, err := ReadBasePage(raw)
	if err != nil {
		return nil, err
	}
	if base.PageType != PageTypeCollection {
		return nil, fmt.Errorf("%w: page %d is %s, not Collection", ErrInvalidPage, base.PageID, base.PageType)
	}
	nameLen := int(raw[offCollectionName])
	if nameLen > MaxCollectionNameLength {
		return nil, fmt.Errorf("%w: collection name length %d", ErrInvalidPage, nameLen)
	}
	le := binary.LittleEndian
	p := &CollectionPage{
		BasePage:       base,
		CollectionName: string(raw[offCollectionName+1 : offCollectionName+1+nameLen]),
		FreeDataPageID: pagemanager.PageID(le.Uint32(raw[offFreeDataPageID:])),
		DocumentCount:  le.Uint64(raw[offDocumentCount:]),
		Sequence:       le.Uint64(raw[offSequence:]),
		CreationTime:   readTime(raw[offColCreation:]),
	}

	c := &cursor{buf: raw[offIndexes:]}
	count := int(c.byte())
	p.Indexes = make([]IndexDescriptor, 0, count)
	for i := 0; i < count; i++ {
		var idx IndexDescriptor
		idx.Slot = c.byte()
		idx.Name = string(c.bytes(int(c.byte())))
		idx.Expression = string(c.bytes(int(c.uint16())))
		idx.Unique = c.byte() != 0
		idx.HeadNode.PageID = pagemanager.PageID(c.uint32())
		idx.HeadNode.Index = c.byte()
		idx.MaxLevel = c.byte()
		idx.KeyCount = c.uint32()
		idx.UniqueKeyCount = c.uint32()
		if c.err != nil {
			return nil, fmt.Errorf("index entry %d: %w", i, c.err)
		}
		p.Indexes = append(p.Indexes, idx)
	}
	return p, nil
}
