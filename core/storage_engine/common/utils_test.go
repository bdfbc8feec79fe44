package common

import (
	"bytes"
	"context"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/gojodb/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
	"github.com/zeebo/blake3"
)

func TestNewLimiter(t *testing.T) {
	require.Nil(t, NewLimiter(0))
	require.Nil(t, NewLimiter(-1))

	l := NewLimiter(1024)
	require.NotNil(t, l)
	require.Equal(t, pagemanager.PageSize, l.Burst())

	l = NewLimiter(1 << 20)
	require.Equal(t, 1<<20, l.Burst())
}

func TestThrottle_NilLimiterHonorsContext(t *testing.T) {
	require.NoError(t, Throttle(context.Background(), nil, 1<<30))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, Throttle(ctx, nil, 1), context.Canceled)
	require.Error(t, Throttle(ctx, NewLimiter(1<<20), pagemanager.PageSize))
}

func TestCopyThrottled(t *testing.T) {
	dir := t.TempDir()
	src, err := flushmanager.OpenFileStream(filepath.Join(dir, "src.db"))
	require.NoError(t, err)
	defer src.Close()
	dst, err := flushmanager.OpenFileStream(filepath.Join(dir, "dst.db"))
	require.NoError(t, err)
	defer dst.Close()

	var all []byte
	for i := 0; i < 3; i++ {
		page := bytes.Repeat([]byte{byte(i + 1)}, pagemanager.PageSize)
		require.NoError(t, flushmanager.WritePage(src, int64(i)*pagemanager.PageSize, page))
		all = append(all, page...)
	}

	res, err := CopyThrottled(context.Background(), src, dst, NewLimiter(64<<20))
	require.NoError(t, err)
	require.Equal(t, 3, res.Pages)
	require.Equal(t, int64(3*pagemanager.PageSize), res.Bytes)

	sum := blake3.Sum256(all)
	require.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)

	size, err := dst.Size()
	require.NoError(t, err)
	require.Equal(t, int64(len(all)), size)
	got := make([]byte, pagemanager.PageSize)
	require.NoError(t, flushmanager.ReadPage(dst, 2*pagemanager.PageSize, got))
	require.Equal(t, byte(3), got[0])
}

func TestCopyThrottled_MisalignedSource(t *testing.T) {
	dir := t.TempDir()
	src, err := flushmanager.OpenFileStream(filepath.Join(dir, "src.db"))
	require.NoError(t, err)
	defer src.Close()
	_, err = src.WriteAt([]byte("short"), 0)
	require.NoError(t, err)

	_, err = CopyThrottled(context.Background(), src, nil, nil)
	require.ErrorIs(t, err, flushmanager.ErrMisalignedPosition)
}

// shrunkSource reports a length larger than the bytes it holds, like a file
// truncated after its size was read.
type shrunkSource struct {
	*bytes.Reader
	size int64
}

func (s shrunkSource) Size() (int64, error) { return s.size, nil }

func TestCopyThrottled_StopsAtEndOfShrunkSource(t *testing.T) {
	dst, err := flushmanager.OpenFileStream(filepath.Join(t.TempDir(), "dst.db"))
	require.NoError(t, err)
	defer dst.Close()

	page := bytes.Repeat([]byte{7}, pagemanager.PageSize)
	src := shrunkSource{Reader: bytes.NewReader(page), size: 3 * pagemanager.PageSize}

	res, err := CopyThrottled(context.Background(), src, dst, nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
	sum := blake3.Sum256(page)
	require.Equal(t, hex.EncodeToString(sum[:]), res.Checksum)
}
