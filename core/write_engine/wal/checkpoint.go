package wal

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/sushant-115/gojodb/core/pageformat"
	"github.com/sushant-115/gojodb/core/storage_engine/common"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"golang.org/x/time/rate"
)

// CheckpointRequest describes one checkpoint run.
type CheckpointRequest struct {
	// Versions strictly below SafeVersion are folded into the data file.
	SafeVersion uint32
	Log         io.ReaderAt
	Data        io.WriterAt
	// Optional; nil copies at full speed.
	Limiter *rate.Limiter
}

type CheckpointResult struct {
	PagesCopied int
	BytesCopied int64
	Watermark   uint32 // lastCheckpointed after the run
	Remaining   int    // versions still indexed
}

// Checkpoint copies, for every page, the newest version in
// [lastCheckpointed, SafeVersion) from the log to pageID*PageSize in the data
// file, in page ID order. The index is only trimmed and the watermark only
// advanced once every copy succeeded, so a failed or cancelled run can be
// repeated. The index is locked exclusively for the whole run.
func (vi *VersionIndex) Checkpoint(ctx context.Context, req CheckpointRequest) (CheckpointResult, error) {
	vi.mu.Lock()
	defer vi.mu.Unlock()

	res := CheckpointResult{Watermark: vi.lastCheckpointed}
	if req.SafeVersion <= vi.lastCheckpointed {
		res.Remaining = vi.countLocked()
		return res, nil
	}
	if req.Log == nil || req.Data == nil {
		return res, flushmanager.ErrNoStream
	}

	type copyJob struct {
		pageID pagemanager.PageID
		from   Version
	}
	jobs := make([]copyJob, 0, len(vi.pages))
	for pageID, versions := range vi.pages {
		i := firstAtOrAbove(versions, req.SafeVersion)
		if i == 0 {
			continue
		}
		jobs = append(jobs, copyJob{pageID: pageID, from: versions[i-1]})
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].pageID < jobs[b].pageID })

	bp := common.GetPage()
	defer common.PutPage(bp)
	raw := *bp

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := common.Throttle(ctx, req.Limiter, len(raw)); err != nil {
			return res, err
		}
		if err := flushmanager.ReadPage(req.Log, job.from.Position, raw); err != nil {
			return res, fmt.Errorf("checkpoint read page %d at %d: %w", job.pageID, job.from.Position, err)
		}
		base, err := pageformat.ReadBasePage(raw)
		if err != nil {
			return res, err
		}
		if base.PageID != job.pageID {
			return res, fmt.Errorf("%w: log position %d holds page %d, index says %d",
				flushmanager.ErrInvalidPageData, job.from.Position, base.PageID, job.pageID)
		}
		pageformat.SetTransaction(raw, 0, false)
		if err := flushmanager.WritePage(req.Data, int64(job.pageID)*pagemanager.PageSize, raw); err != nil {
			return res, fmt.Errorf("checkpoint write page %d: %w", job.pageID, err)
		}
		res.PagesCopied++
		res.BytesCopied += int64(len(raw))
	}

	for pageID, versions := range vi.pages {
		i := firstAtOrAbove(versions, req.SafeVersion)
		if i == len(versions) {
			delete(vi.pages, pageID)
			continue
		}
		if i > 0 {
			vi.pages[pageID] = append([]Version(nil), versions[i:]...)
		}
	}
	vi.lastCheckpointed = req.SafeVersion
	res.Watermark = req.SafeVersion
	res.Remaining = vi.countLocked()
	return res, nil
}

func firstAtOrAbove(versions []Version, version uint32) int {
	return sort.Search(len(versions), func(i int) bool { return versions[i].Version >= version })
}

func (vi *VersionIndex) countLocked() int {
	n := 0
	for _, versions := range vi.pages {
		n += len(versions)
	}
	return n
}
