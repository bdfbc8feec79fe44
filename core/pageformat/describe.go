package pageformat

import (
	"fmt"
	"time"
)

// Record is the read-only projection of one page produced by Describe.
type Record struct {
	Position      int64  `json:"_position"`
	PageID        uint32 `json:"pageID"`
	PageType      string `json:"pageType"`
	PrevPageID    uint32 `json:"prevPageID"`
	NextPageID    uint32 `json:"nextPageID"`
	ItemCount     int    `json:"itemCount"`
	FreeBytes     int    `json:"freeBytes"`
	TransactionID uint32 `json:"transactionID"`

	// Set by WAL-aware readers only.
	Version *uint32 `json:"version,omitempty"`
	// BLAKE3 of the raw page, set by diagnostic readers.
	Checksum string `json:"checksum,omitempty"`

	Header     *HeaderRecord     `json:"header,omitempty"`
	Collection *CollectionRecord `json:"collection,omitempty"`
}

type HeaderRecord struct {
	FreeEmptyPageID   uint32            `json:"freeEmptyPageID"`
	LastPageID        uint32            `json:"lastPageID"`
	CreationTime      time.Time         `json:"creationTime"`
	LastCommit        time.Time         `json:"lastCommit"`
	LastCheckpoint    time.Time         `json:"lastCheckpoint"`
	LastAnalyze       time.Time         `json:"lastAnalyze"`
	LastVacuum        time.Time         `json:"lastVacuum"`
	LastShrink        time.Time         `json:"lastShrink"`
	CommitCounter     uint32            `json:"commitCounter"`
	CheckpointCounter uint32            `json:"checkpointCounter"`
	UserVersion       int32             `json:"userVersion"`
	CheckpointVersion uint32            `json:"checkpointVersion"`
	Collections       []CollectionEntry `json:"collections"`
}

type CollectionEntry struct {
	Name   string `json:"name"`
	PageID uint32 `json:"pageID"`
}

type CollectionRecord struct {
	CollectionName string        `json:"collectionName"`
	FreeDataPageID uint32        `json:"freeDataPageID"`
	DocumentCount  uint64        `json:"documentCount"`
	Sequence       uint64        `json:"sequence"`
	CreationTime   time.Time     `json:"creationTime"`
	Indexes        []IndexRecord `json:"indexes"`
}

type IndexRecord struct {
	Slot           byte   `json:"slot"`
	Name           string `json:"name"`
	Expression     string `json:"expression"`
	Unique         bool   `json:"unique"`
	HeadPageID     uint32 `json:"headPageID"`
	MaxLevel       byte   `json:"maxLevel"`
	KeyCount       uint32 `json:"keyCount"`
	UniqueKeyCount uint32 `json:"uniqueKeyCount"`
}

// Describe projects the raw page stored at position into a Record. Header
// pages include the collection directory and collection pages the index
// list; other page types carry only the common fields.
func Describe(position int64, raw []byte) (*Record, error) {
	base, err := ReadBasePage(raw)
	if err != nil {
		return nil, err
	}
	if !base.PageType.Valid() {
		return nil, fmt.Errorf("%w: %d at position %d", ErrUnknownPageType, byte(base.PageType), position)
	}

	rec := &Record{
		Position:      position,
		PageID:        uint32(base.PageID),
		PageType:      base.PageType.String(),
		PrevPageID:    uint32(base.PrevPageID),
		NextPageID:    uint32(base.NextPageID),
		ItemCount:     int(base.ItemsCount),
		FreeBytes:     base.FreeBytes(),
		TransactionID: base.TransactionID,
	}

	switch base.PageType {
	case PageTypeHeader:
		h, err := DecodeHeaderPage(raw)
		if err != nil {
			return nil, fmt.Errorf("describe header page at %d: %w", position, err)
		}
		hr := &HeaderRecord{
			FreeEmptyPageID:   uint32(h.FreeEmptyPageID),
			LastPageID:        uint32(h.LastPageID),
			CreationTime:      h.CreationTime,
			LastCommit:        h.LastCommit,
			LastCheckpoint:    h.LastCheckpoint,
			LastAnalyze:       h.LastAnalyze,
			LastVacuum:        h.LastVacuum,
			LastShrink:        h.LastShrink,
			CommitCounter:     h.CommitCounter,
			CheckpointCounter: h.CheckpointCounter,
			UserVersion:       h.UserVersion,
			CheckpointVersion: h.CheckpointVersion,
			Collections:       make([]CollectionEntry, 0, len(h.Collections)),
		}
		for _, name := range h.CollectionNames() {
			hr.Collections = append(hr.Collections, CollectionEntry{Name: name, PageID: uint32(h.Collections[name])})
		}
		rec.Header = hr

	case PageTypeCollection:
		c, err := DecodeCollectionPage(raw)
		if err != nil {
			return nil, fmt.Errorf("describe collection page at %d: %w", position, err)
		}
		cr := &CollectionRecord{
			CollectionName: c.CollectionName,
			FreeDataPageID: uint32(c.FreeDataPageID),
			DocumentCount:  c.DocumentCount,
			Sequence:       c.Sequence,
			CreationTime:   c.CreationTime,
			Indexes:        make([]IndexRecord, 0, len(c.Indexes)),
		}
		for _, idx := range c.Indexes {
			cr.Indexes = append(cr.Indexes, IndexRecord{
				Slot:           idx.Slot,
				Name:           idx.Name,
				Expression:     idx.Expression,
				Unique:         idx.Unique,
				HeadPageID:     uint32(idx.HeadNode.PageID),
				MaxLevel:       idx.MaxLevel,
				KeyCount:       idx.KeyCount,
				UniqueKeyCount: idx.UniqueKeyCount,
			})
		}
		rec.Collection = cr
	}
	return rec, nil
}
