package flushmanager

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/gojodb/core/write_engine/page_manager"
)

// --- Backing stores ---

// Stream is a positioned, page-granular backing store (the data file or the
// log file). The core never opens or closes the underlying handle itself.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
}

// FileStream is a Stream over an *os.File.
type FileStream struct {
	filePath string
	file     *os.File
	mu       sync.Mutex // guards Truncate/Close against each other
}

// OpenFileStream opens filePath for read/write, creating it if needed.
func OpenFileStream(filePath string) (*FileStream, error) {
	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrIO, filePath, err)
	}
	return &FileStream{filePath: filePath, file: file}, nil
}

func (fs *FileStream) Path() string { return fs.filePath }

func (fs *FileStream) WriteAt(p []byte, off int64) (int, error) {
	return fs.file.WriteAt(p, off)
}

func (fs *FileStream) ReadAt(p []byte, off int64) (int, error) {
	return fs.file.ReadAt(p, off)
}

func (fs *FileStream) Size() (int64, error) {
	info, err := fs.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %w", ErrIO, fs.filePath, err)
	}
	return info.Size(), nil
}

// Sync flushes written pages to stable storage.
func (fs *FileStream) Sync() error {
	return fs.file.Sync()
}

// Truncate cuts the file to size bytes.
func (fs *FileStream) Truncate(size int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if err := fs.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate %s: %w", ErrIO, fs.filePath, err)
	}
	return nil
}

func (fs *FileStream) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	syncErr := fs.file.Sync()
	closeErr := fs.file.Close()
	fs.file = nil
	return errors.Join(syncErr, closeErr)
}

// ReadPage reads the page stored at position into dst (PageSize bytes).
func ReadPage(s io.ReaderAt, position int64, dst []byte) error {
	if position%pagemanager.PageSize != 0 {
		return fmt.Errorf("%w: %d", ErrMisalignedPosition, position)
	}
	if len(dst) != pagemanager.PageSize {
		return fmt.Errorf("%w: read buffer is %d bytes", ErrInvalidPageData, len(dst))
	}
	n, err := s.ReadAt(dst, position)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(dst)) {
		return fmt.Errorf("%w: read page at %d: %w", ErrIO, position, err)
	}
	return nil
}

// WritePage writes exactly one page at position.
func WritePage(s io.WriterAt, position int64, src []byte) error {
	if position%pagemanager.PageSize != 0 {
		return fmt.Errorf("%w: %d", ErrMisalignedPosition, position)
	}
	n, err := s.WriteAt(src, position)
	if err != nil {
		return fmt.Errorf("%w: write page at %d: %w", ErrIO, position, err)
	}
	if n != len(src) {
		return fmt.Errorf("%w: wrote %d of %d bytes at %d", ErrShortWrite, n, len(src), position)
	}
	return nil
}
