package common

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"

	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"github.com/zeebo/blake3"
	"golang.org/x/time/rate"
)

var pagePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, pagemanager.PageSize)
		return &b
	},
}

// GetPage borrows a PageSize scratch buffer. Return it with PutPage.
func GetPage() *[]byte { return pagePool.Get().(*[]byte) }

func PutPage(b *[]byte) { pagePool.Put(b) }

// NewLimiter returns a byte-rate limiter with a one-page burst, or nil when
// bytesPerSec is not positive (unthrottled).
func NewLimiter(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := pagemanager.PageSize
	if bytesPerSec > int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// Throttle waits until limiter allows n more bytes. A nil limiter never waits.
func Throttle(ctx context.Context, limiter *rate.Limiter, n int) error {
	if limiter == nil {
		return ctx.Err()
	}
	if err := limiter.WaitN(ctx, n); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}
	return nil
}

// CopyResult summarizes a stream copy.
type CopyResult struct {
	Pages    int
	Bytes    int64
	Checksum string // hex BLAKE3 of the copied bytes
}

// SizedReaderAt is the read side of a backing store.
type SizedReaderAt interface {
	io.ReaderAt
	Size() (int64, error)
}

// CopyThrottled copies src page by page into dst, starting both at offset 0,
// honoring limiter and ctx. The length of src is taken once at the start.
func CopyThrottled(ctx context.Context, src SizedReaderAt, dst io.WriterAt, limiter *rate.Limiter) (CopyResult, error) {
	var res CopyResult
	length, err := src.Size()
	if err != nil {
		return res, err
	}
	if length%pagemanager.PageSize != 0 {
		return res, fmt.Errorf("%w: source length %d", flushmanager.ErrMisalignedPosition, length)
	}

	bp := GetPage()
	defer PutPage(bp)
	buf := *bp
	hasher := blake3.New()

	for pos := int64(0); pos < length; pos += pagemanager.PageSize {
		if err := Throttle(ctx, limiter, len(buf)); err != nil {
			return res, err
		}
		if err := flushmanager.ReadPage(src, pos, buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return res, err
		}
		if err := flushmanager.WritePage(dst, pos, buf); err != nil {
			return res, err
		}
		_, _ = hasher.Write(buf)
		res.Pages++
		res.Bytes += int64(len(buf))
	}
	res.Checksum = hex.EncodeToString(hasher.Sum(nil))
	return res, nil
}
