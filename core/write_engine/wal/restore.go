package wal

import (
	"context"
	"fmt"

	"github.com/sushant-115/gojodb/core/pageformat"
	"github.com/sushant-115/gojodb/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

type RestoreResult struct {
	Pages        int    // versions indexed
	Transactions int    // confirmed transactions found, folded ones included
	Folded       int    // confirmed transactions below the checkpoint watermark
	Skipped      int    // pages of transactions that never confirmed
	LastVersion  uint32 // commit version of the last confirmed transaction
	HighestSeen  uint32 // highest transaction ID on any page, confirmed or not
	NextPosition int64  // log length at scan time
}

// RestoreIndex scans the log from the start and rebuilds index. Each
// confirming page gives its transaction the next commit version, in log
// order. Versions below checkpointed were already folded into the data file:
// they are counted but not indexed, and checkpointed becomes the index
// watermark. The log length is read once; pages appended during the scan are
// ignored. index must be empty.
func RestoreIndex(ctx context.Context, log common.SizedReaderAt, index *VersionIndex, checkpointed uint32) (RestoreResult, error) {
	var res RestoreResult
	length, err := log.Size()
	if err != nil {
		return res, err
	}
	if length%pagemanager.PageSize != 0 {
		return res, fmt.Errorf("%w: log length %d", flushmanager.ErrMisalignedPosition, length)
	}
	res.NextPosition = length

	bp := common.GetPage()
	defer common.PutPage(bp)
	raw := *bp

	index.mu.Lock()
	index.lastCheckpointed = checkpointed
	index.mu.Unlock()

	open := make(map[uint32][]pendingPage)
	for pos := int64(0); pos < length; pos += pagemanager.PageSize {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := flushmanager.ReadPage(log, pos, raw); err != nil {
			return res, err
		}
		base, err := pageformat.ReadBasePage(raw)
		if err != nil {
			return res, err
		}
		txnID := base.TransactionID
		if txnID == 0 {
			continue
		}
		if txnID > res.HighestSeen {
			res.HighestSeen = txnID
		}
		open[txnID] = append(open[txnID], pendingPage{pageID: base.PageID, position: pos})
		if !base.IsConfirmed {
			continue
		}

		pages := open[txnID]
		delete(open, txnID)
		res.Transactions++
		if index.LastVersion()+1 < checkpointed {
			index.skipVersion()
			res.Folded++
		} else {
			if _, err := index.publish(pages); err != nil {
				return res, err
			}
			res.Pages += len(pages)
		}
		res.LastVersion = index.LastVersion()
	}
	for _, pages := range open {
		res.Skipped += len(pages)
	}
	return res, nil
}
