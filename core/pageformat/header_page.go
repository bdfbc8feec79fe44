package pageformat

import (
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// HeaderInfo is the magic string at the start of the header page body.
const HeaderInfo = "** This is a LiteDB file **"

// FileVersion is the page format version written in the header page.
const FileVersion byte = 8

const (
	offHeaderInfo        = 32  // 27 bytes
	offFileVersion       = 59  // byte
	offFreeEmptyPageID   = 60  // uint32
	offLastPageID        = 64  // uint32
	offCreationTime      = 68  // int64
	offLastCommit        = 76  // int64
	offLastCheckpoint    = 84  // int64
	offLastAnalyze       = 92  // int64
	offLastVacuum        = 100 // int64
	offLastShrink        = 108 // int64
	offCommitCounter     = 116 // uint32
	offCheckpointCounter = 120 // uint32
	offUserVersion       = 124 // int32
	offCheckpointVersion = 128 // uint32
	offCollections       = 192
)

// HeaderPage is page 0 of the data file.
type HeaderPage struct {
	BasePage

	FreeEmptyPageID   pagemanager.PageID
	LastPageID        pagemanager.PageID
	CreationTime      time.Time
	LastCommit        time.Time
	LastCheckpoint    time.Time
	LastAnalyze       time.Time
	LastVacuum        time.Time
	LastShrink        time.Time
	CommitCounter     uint32
	CheckpointCounter uint32
	UserVersion       int32

	// CheckpointVersion is the log watermark: commit versions below it are
	// already in the data file. Zero after the log was truncated.
	CheckpointVersion uint32

	// Collections maps collection name to its collection page.
	Collections map[string]pagemanager.PageID
}

// NewHeaderPage returns an initialized header page.
func NewHeaderPage(now time.Time) *HeaderPage {
	return &HeaderPage{
		BasePage:        NewBasePage(0, PageTypeHeader),
		FreeEmptyPageID: pagemanager.MaxPageID,
		CreationTime:    now,
		Collections:     map[string]pagemanager.PageID{},
	}
}

// CollectionNames returns the directory names in sorted order.
func (h *HeaderPage) CollectionNames() []string {
	names := make([]string, 0, len(h.Collections))
	for name := range h.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode writes the header page into raw (PageSize bytes).
func (h *HeaderPage) Encode(raw []byte) error {
	h.PageType = PageTypeHeader
	if err := h.BasePage.WriteTo(raw); err != nil {
		return err
	}
	le := binary.LittleEndian
	copy(raw[offHeaderInfo:offFileVersion], HeaderInfo)
	raw[offFileVersion] = FileVersion
	le.PutUint32(raw[offFreeEmptyPageID:], uint32(h.FreeEmptyPageID))
	le.PutUint32(raw[offLastPageID:], uint32(h.LastPageID))
	putTime(raw[offCreationTime:], h.CreationTime)
	putTime(raw[offLastCommit:], h.LastCommit)
	putTime(raw[offLastCheckpoint:], h.LastCheckpoint)
	putTime(raw[offLastAnalyze:], h.LastAnalyze)
	putTime(raw[offLastVacuum:], h.LastVacuum)
	putTime(raw[offLastShrink:], h.LastShrink)
	le.PutUint32(raw[offCommitCounter:], h.CommitCounter)
	le.PutUint32(raw[offCheckpointCounter:], h.CheckpointCounter)
	le.PutUint32(raw[offUserVersion:], uint32(h.UserVersion))
	le.PutUint32(raw[offCheckpointVersion:], h.CheckpointVersion)

	clear(raw[offCollections:])
	c := &cursor{buf: raw[offCollections:]}
	c.putUint16(uint16(len(h.Collections)))
	for _, name := range h.CollectionNames() {
		if len(name) == 0 || len(name) > 255 {
			return fmt.Errorf("%w: collection name %q", ErrInvalidPage, name)
		}
		c.putByte(byte(len(name)))
		c.putBytes([]byte(name))
		c.putUint32(uint32(h.Collections[name]))
	}
	if c.err != nil {
		return fmt.Errorf("collection directory: %w", c.err)
	}
	return nil
}

// SetCheckpointVersion stamps the log watermark into an encoded header page.
func SetCheckpointVersion(raw []byte, version uint32) {
	binary.LittleEndian.PutUint32(raw[offCheckpointVersion:], version)
}

// DecodeHeaderPage parses raw as a header page.
func DecodeHeaderPage(raw []byte) (*HeaderPage, error) {
	base, err := ReadBasePage(raw)
	if err != nil {
		return nil, err
	}
	if base.PageType != PageTypeHeader {
		return nil, fmt.Errorf("%w: page %d is %s, not Header", ErrInvalidPage, base.PageID, base.PageType)
	}
	if string(raw[offHeaderInfo:offFileVersion]) != HeaderInfo {
		return nil, fmt.Errorf("%w: bad header magic", ErrInvalidPage)
	}
	le := binary.LittleEndian
	h := &HeaderPage{
		BasePage:          base,
		FreeEmptyPageID:   pagemanager.PageID(le.Uint32(raw[offFreeEmptyPageID:])),
		LastPageID:        pagemanager.PageID(le.Uint32(raw[offLastPageID:])),
		CreationTime:      readTime(raw[offCreationTime:]),
		LastCommit:        readTime(raw[offLastCommit:]),
		LastCheckpoint:    readTime(raw[offLastCheckpoint:]),
		LastAnalyze:       readTime(raw[offLastAnalyze:]),
		LastVacuum:        readTime(raw[offLastVacuum:]),
		LastShrink:        readTime(raw[offLastShrink:]),
		CommitCounter:     le.Uint32(raw[offCommitCounter:]),
		CheckpointCounter: le.Uint32(raw[offCheckpointCounter:]),
		UserVersion:       int32(le.Uint32(raw[offUserVersion:])),
		CheckpointVersion: le.Uint32(raw[offCheckpointVersion:]),
	}

	c := &cursor{buf: raw[offCollections:]}
	count := int(c.uint16())
	h.Collections = make(map[string]pagemanager.PageID, count)
	for i := 0; i < count; i++ {
		name := string(c.bytes(int(c.byte())))
		id := pagemanager.PageID(c.uint32())
		if c.err != nil {
			return nil, fmt.Errorf("collection directory entry %d: %w", i, c.err)
		}
		h.Collections[name] = id
	}
	return h, nil
}
