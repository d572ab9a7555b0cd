// Package shard owns the numbered concatenation files that hold blob
// bytes: opening, creating, appending, reading, mapping, and truncating
// <base>-shard-NNNNN files.
package shard

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sys/unix"
)

// maxOpenFDs bounds how many shard *os.File handles a Store keeps open at
// once. Archives with far more shards than this stay correct: a shard's
// length and any live mapping survive eviction, only the raw file
// descriptor is closed and lazily reopened on next access.
const maxOpenFDs = 256

// NameWidth is the number of zero-padded decimal digits in a shard file's
// numeric suffix: "<base>-shard-NNNNN".
const NameWidth = 5

var (
	ErrShardIO           = errors.New("shard: i/o error")
	ErrShardCapExceeded  = errors.New("shard: blob exceeds shard size cap")
	ErrBorrowOutlivesMap = errors.New("shard: borrowed region outlives mapping")
)

// Name returns the on-disk filename for shard index i of an archive with
// the given base path.
func Name(base string, i int) string {
	return fmt.Sprintf("%s-shard-%0*d", base, NameWidth, i)
}

// ParseIndex extracts the numeric suffix from a shard filename produced by
// Name, or ok=false if name doesn't match the "<base>-shard-NNNNN" shape.
func ParseIndex(base, name string) (idx int, ok bool) {
	prefix := filepath.Base(base) + "-shard-"
	b := filepath.Base(name)
	if !strings.HasPrefix(b, prefix) {
		return 0, false
	}
	suffix := b[len(prefix):]
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// handle is one shard's metadata, which persists for the Store's whole
// lifetime, plus a file descriptor that may be closed and reopened by the
// fd-bounding LRU. mu guards file/mapped/length together.
type handle struct {
	mu     sync.RWMutex
	file   *os.File // nil if evicted by the fd LRU; reopened lazily
	mapped []byte   // nil unless Map has been called and not yet unmapped
	length int64
}

// Store owns every open shard handle for one archive session. A single
// Store is used by both the allocator/writer and the reader; mutating
// calls (Append, Truncate, Rollover) are the writer's exclusive province;
// the advisory lock in internal/archive enforces that only one writer
// session exists at a time.
type Store struct {
	mu       sync.Mutex
	base     string
	readonly bool
	handles  map[int]*handle
	lastIdx  int // highest shard index known to exist; -1 if none
	fds      *lru.Cache[int, *handle]
}

// OpenReadonly globs <base>-shard-* and opens every shard found, sorted
// numerically, for reading only.
func OpenReadonly(base string) (*Store, error) {
	return open(base, true)
}

// OpenOrCreateWritable opens every existing shard for an archive, creating
// shard 0 if none exist yet, ready for both reading and appending.
func OpenOrCreateWritable(base string) (*Store, error) {
	s, err := open(base, false)
	if err != nil {
		return nil, err
	}
	if s.lastIdx < 0 {
		if err := s.createShard(0); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func open(base string, readonly bool) (*Store, error) {
	s := &Store{base: base, readonly: readonly, handles: map[int]*handle{}, lastIdx: -1}
	fds, err := lru.NewWithEvict[int, *handle](maxOpenFDs, evictFD)
	if err != nil {
		return nil, fmt.Errorf("%w: construct fd cache: %v", ErrShardIO, err)
	}
	s.fds = fds

	matches, err := filepath.Glob(base + "-shard-*")
	if err != nil {
		return nil, fmt.Errorf("%w: glob %s: %v", ErrShardIO, base, err)
	}

	var indices []int
	for _, m := range matches {
		if idx, ok := ParseIndex(base, m); ok {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)

	for _, idx := range indices {
		flag := os.O_RDWR
		if readonly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(Name(base, idx), flag, 0o644)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("%w: open shard %d: %v", ErrShardIO, idx, err)
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			s.Close()
			return nil, fmt.Errorf("%w: stat shard %d: %v", ErrShardIO, idx, err)
		}
		h := &handle{file: f, length: info.Size()}
		s.handles[idx] = h
		s.fds.Add(idx, h)
		if idx > s.lastIdx {
			s.lastIdx = idx
		}
	}

	return s, nil
}

// evictFD is the fd LRU's eviction callback: it closes the handle's file
// descriptor unless the handle is currently mmap'd, in which case the
// mapping pins it open until Truncate/WriteAt/Close tears it down.
func evictFD(_ int, h *handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mapped != nil || h.file == nil {
		return
	}
	h.file.Close()
	h.file = nil
}

func (s *Store) createShard(idx int) error {
	f, err := os.OpenFile(Name(s.base, idx), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create shard %d: %v", ErrShardIO, idx, err)
	}
	h := &handle{file: f, length: 0}
	s.handles[idx] = h
	s.fds.Add(idx, h)
	if idx > s.lastIdx {
		s.lastIdx = idx
	}
	return nil
}

// LastShard returns the highest existing shard index, or -1 if the archive
// has no shards yet (only possible for a readonly store on an empty base).
func (s *Store) LastShard() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIdx
}

// Length returns shard idx's current length in bytes.
func (s *Store) Length(idx int) (int64, error) {
	h, err := s.handleFor(idx)
	if err != nil {
		return 0, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.length, nil
}

// handleFor returns idx's handle, reopening its file descriptor if the fd
// LRU has evicted it, and marks it as recently used.
func (s *Store) handleFor(idx int) (*handle, error) {
	s.mu.Lock()
	h, ok := s.handles[idx]
	readonly := s.readonly
	base := s.base
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no shard %d open", ErrShardIO, idx)
	}

	h.mu.Lock()
	if h.file == nil {
		flag := os.O_RDWR
		if readonly {
			flag = os.O_RDONLY
		}
		f, err := os.OpenFile(Name(base, idx), flag, 0o644)
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("%w: reopen shard %d: %v", ErrShardIO, idx, err)
		}
		h.file = f
	}
	h.mu.Unlock()

	s.fds.Add(idx, h)
	return h, nil
}

// Append seeks to end, writes p, and returns the pre-write end as the
// offset p now begins at. Callers (the allocator) are responsible for
// ensuring the write would not exceed the shard size cap; Append itself
// performs no cap check.
func (s *Store) Append(idx int, p []byte) (offset int64, err error) {
	if s.readonly {
		return 0, fmt.Errorf("%w: store is read-only", ErrShardIO)
	}
	h, err := s.handleFor(idx)
	if err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	off := h.length
	n, err := h.file.WriteAt(p, off)
	if err != nil {
		return off, fmt.Errorf("%w: append to shard %d: %v", ErrShardIO, idx, err)
	}
	h.length += int64(n)
	return off, nil
}

// WriteAt writes p at an arbitrary offset within shard idx, used by the
// defragmenter to move a file's bytes to their packed position. The whole
// range [offset, offset+len(p)) must lie within the shard's current length:
// WriteAt does not extend the shard (the defragmenter appends instead when
// a move reaches past the end).
func (s *Store) WriteAt(idx int, offset int64, p []byte) error {
	if s.readonly {
		return fmt.Errorf("%w: store is read-only", ErrShardIO)
	}
	h, err := s.handleFor(idx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if offset < 0 || offset+int64(len(p)) > h.length {
		return fmt.Errorf("%w: write [%d,%d) exceeds shard %d length %d", ErrShardIO, offset, offset+int64(len(p)), idx, h.length)
	}
	if _, err := h.file.WriteAt(p, offset); err != nil {
		return fmt.Errorf("%w: write shard %d at %d: %v", ErrShardIO, idx, offset, err)
	}
	if h.mapped != nil {
		unix.Munmap(h.mapped)
		h.mapped = nil
	}
	return nil
}

// ReadAt reads size bytes from shard idx at offset into a freshly
// allocated buffer owned by the caller.
func (s *Store) ReadAt(idx int, offset, size int64) ([]byte, error) {
	h, err := s.handleFor(idx)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if offset < 0 || offset+size > h.length {
		return nil, fmt.Errorf("%w: read [%d,%d) exceeds shard %d length %d", ErrShardIO, offset, offset+size, idx, h.length)
	}
	buf := make([]byte, size)
	if _, err := h.file.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: read shard %d at %d: %v", ErrShardIO, idx, offset, err)
	}
	return buf, nil
}

// Map establishes (or reuses) a PROT_READ/MAP_PRIVATE mapping of shard idx
// and returns a borrowed slice for [offset, offset+size). A mapping shorter
// than the shard's current length (the shard grew since it was taken) is
// replaced by a fresh one. The returned slice is only valid until the
// mapping is torn down by Close, invalidated by Truncate/WriteAt on this
// shard, or replaced by a later Map call; see Archive.WithMapped for the
// scoped-access wrapper that enforces this.
func (s *Store) Map(idx int, offset, size int64) ([]byte, error) {
	h, err := s.handleFor(idx)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.mapped != nil && int64(len(h.mapped)) < h.length {
		unix.Munmap(h.mapped)
		h.mapped = nil
	}
	if h.mapped == nil {
		if h.length == 0 {
			h.mu.Unlock()
			if size == 0 {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: shard %d is empty", ErrShardIO, idx)
		}
		data, err := unix.Mmap(int(h.file.Fd()), 0, int(h.length), unix.PROT_READ, unix.MAP_PRIVATE)
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("%w: mmap shard %d: %v", ErrShardIO, idx, err)
		}
		h.mapped = data
	}
	mapped := h.mapped
	h.mu.Unlock()

	if offset < 0 || offset+size > int64(len(mapped)) {
		return nil, fmt.Errorf("%w: borrow [%d,%d) exceeds shard %d mapping length %d", ErrShardIO, offset, offset+size, idx, len(mapped))
	}
	return mapped[offset : offset+size], nil
}

// ReadBorrowed copies a mapped region into dst, guarding against SIGBUS
// from a storage failure underneath the mapping the way the reference
// cache-device mmap path does, so a faulting page surfaces as an error
// instead of crashing the process.
func ReadBorrowed(dst []byte, src []byte) (n int, err error) {
	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: page fault reading mapped region: %v", ErrShardIO, r)
		}
	}()
	n = copy(dst, src)
	return n, nil
}

// Truncate shortens (or, for defrag's final pass, sets the exact final
// length of) shard idx. Any live mapping for the shard is invalidated and
// will be re-established by the next Map call.
func (s *Store) Truncate(idx int, length int64) error {
	h, err := s.handleFor(idx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.file.Truncate(length); err != nil {
		return fmt.Errorf("%w: truncate shard %d to %d: %v", ErrShardIO, idx, length, err)
	}
	h.length = length
	if h.mapped != nil {
		unix.Munmap(h.mapped)
		h.mapped = nil
	}
	return nil
}

// Rollover creates shard (LastShard()+1) and returns its index. The
// allocator calls this when the next write would overrun the current
// last shard's cap.
func (s *Store) Rollover() (int, error) {
	if s.readonly {
		return 0, fmt.Errorf("%w: store is read-only", ErrShardIO)
	}
	s.mu.Lock()
	next := s.lastIdx + 1
	s.mu.Unlock()

	if err := s.createShard(next); err != nil {
		return 0, err
	}
	return next, nil
}

// RemoveTrailingEmpty deletes shard idx's file if it is both empty and the
// current last shard: defrag's cleanup step after compaction leaves a
// trailing shard with nothing in it.
func (s *Store) RemoveTrailingEmpty(idx int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[idx]
	if !ok || idx != s.lastIdx {
		return nil
	}
	h.mu.Lock()
	length := h.length
	h.mu.Unlock()
	if length != 0 {
		return nil
	}

	if h.mapped != nil {
		unix.Munmap(h.mapped)
	}
	if h.file != nil {
		h.file.Close()
	}
	delete(s.handles, idx)
	s.fds.Remove(idx)
	if err := os.Remove(Name(s.base, idx)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove trailing empty shard %d: %v", ErrShardIO, idx, err)
	}

	s.lastIdx = -1
	for i := range s.handles {
		if i > s.lastIdx {
			s.lastIdx = i
		}
	}
	return nil
}

// Close unmaps and closes every open shard handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for _, h := range s.handles {
		h.mu.Lock()
		if h.mapped != nil {
			if err := unix.Munmap(h.mapped); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: munmap: %v", ErrShardIO, err)
			}
			h.mapped = nil
		}
		if h.file != nil {
			if err := h.file.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("%w: close: %v", ErrShardIO, err)
			}
			h.file = nil
		}
		h.mu.Unlock()
	}
	return firstErr
}
