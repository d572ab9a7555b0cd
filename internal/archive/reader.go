package archive

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/barecat/barecat/internal/barepath"
	"github.com/barecat/barecat/internal/index"
)

// Read returns a freshly allocated copy of path's bytes, owned by the
// caller.
func (a *Archive) Read(path string) ([]byte, error) {
	f, err := a.lookupFile(path)
	if err != nil {
		return nil, err
	}
	data, err := a.shards.ReadAt(int(f.Shard), f.Offset, f.Size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShardIO, err)
	}
	return data, nil
}

// WithMapped invokes fn with a zero-copy borrow of path's bytes, mapped
// directly from the shard. The borrow is only valid for the duration of
// fn; fn must not retain the slice.
func (a *Archive) WithMapped(path string, fn func([]byte) error) error {
	f, err := a.lookupFile(path)
	if err != nil {
		return err
	}
	borrowed, err := a.shards.Map(int(f.Shard), f.Offset, f.Size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShardIO, err)
	}
	return fn(borrowed)
}

// ReadFromAddress bypasses the index entirely, reading a copy of the bytes
// at (shard, offset, size).
func (a *Archive) ReadFromAddress(shardIdx int, offset, size int64) ([]byte, error) {
	data, err := a.shards.ReadAt(shardIdx, offset, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShardIO, err)
	}
	return data, nil
}

// CRC32CFromAddress computes the Castagnoli CRC32 over the bytes at
// (shard, offset, size), borrowed via mmap rather than copied.
func (a *Archive) CRC32CFromAddress(shardIdx int, offset, size int64) (uint32, error) {
	borrowed, err := a.shards.Map(shardIdx, offset, size)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrShardIO, err)
	}
	return crc32.Checksum(borrowed, crc32cTable), nil
}

func (a *Archive) lookupFile(path string) (*index.FileRecord, error) {
	norm, err := barepath.Normalize(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	f, err := a.idx.LookupFile(context.Background(), norm)
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return f, nil
}

// fileStream implements io.ReadSeekCloser over a buffered copy of a blob's
// bytes, for Archive.OpenStream's seekable read-only stream.
type fileStream struct {
	data []byte
	pos  int64
}

func (s *fileStream) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *fileStream) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = s.pos + offset
	case io.SeekEnd:
		newPos = int64(len(s.data)) + offset
	default:
		return 0, fmt.Errorf("archive: invalid whence %d", whence)
	}
	if newPos < 0 {
		return 0, fmt.Errorf("archive: negative seek position %d", newPos)
	}
	s.pos = newPos
	return newPos, nil
}

func (s *fileStream) Close() error { return nil }

// OpenStream returns a seekable read-only stream over path's bytes.
func (a *Archive) OpenStream(path string) (io.ReadSeekCloser, error) {
	data, err := a.Read(path)
	if err != nil {
		return nil, err
	}
	return &fileStream{data: data}, nil
}
