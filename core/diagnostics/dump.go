// Package diagnostics reads data and log files page by page and projects each
// page into a pageformat.Record for offline inspection.
package diagnostics

import (
	"encoding/hex"
	"errors"
	"fmt"
	"iter"

	"github.com/sushant-115/gojodb/core/pageformat"
	"github.com/sushant-115/gojodb/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"github.com/sushant-115/gojodb/core/write_engine/wal"
	"github.com/zeebo/blake3"
)

// VersionLookup annotates log records with the version the index holds for
// them. *wal.VersionIndex implements it.
type VersionLookup interface {
	VersionAt(pageID pagemanager.PageID, position int64) (uint32, bool)
}

var _ VersionLookup = (*wal.VersionIndex)(nil)

// DumpData yields one record per page of the data file.
func DumpData(s common.SizedReaderAt) iter.Seq2[*pageformat.Record, error] {
	return dump(s, nil)
}

// DumpWal yields one record per page of the log file. Records of pages the
// index knows about carry their Version; index may be nil.
func DumpWal(s common.SizedReaderAt, index VersionLookup) iter.Seq2[*pageformat.Record, error] {
	return dump(s, index)
}

// dump takes the stream length when iteration starts and never reads past
// it. Pages that fail to decode are yielded as errors and skipped; an I/O
// error ends the iteration.
func dump(s common.SizedReaderAt, index VersionLookup) iter.Seq2[*pageformat.Record, error] {
	return func(yield func(*pageformat.Record, error) bool) {
		length, err := s.Size()
		if err != nil {
			yield(nil, err)
			return
		}

		bp := common.GetPage()
		defer common.PutPage(bp)
		raw := *bp

		for pos := int64(0); pos+pagemanager.PageSize <= length; pos += pagemanager.PageSize {
			if err := flushmanager.ReadPage(s, pos, raw); err != nil {
				yield(nil, err)
				return
			}
			rec, err := pageformat.Describe(pos, raw)
			if err != nil {
				if errors.Is(err, pageformat.ErrUnknownPageType) || errors.Is(err, pageformat.ErrInvalidPage) || errors.Is(err, pageformat.ErrPageOverflow) {
					if !yield(nil, fmt.Errorf("page at %d: %w", pos, err)) {
						return
					}
					continue
				}
				yield(nil, err)
				return
			}
			sum := blake3.Sum256(raw)
			rec.Checksum = hex.EncodeToString(sum[:])
			if index != nil {
				if v, ok := index.VersionAt(pagemanager.PageID(rec.PageID), pos); ok {
					rec.Version = &v
				}
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
