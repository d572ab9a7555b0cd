// Package archive is the public engine facade: it wires internal/index and
// internal/shard together behind one open session API, enforcing the
// single-writer discipline with an advisory file lock.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/barecat/barecat/internal/index"
	"github.com/barecat/barecat/internal/shard"
)

// OpenMode selects how an archive's index and shards are opened.
type OpenMode int

const (
	ReadOnly OpenMode = iota
	ReadWrite
	CreateNew
	AppendMode
	Overwrite
)

// Metadata carries the optional POSIX-ish attributes a blob or directory
// may record: mode, uid, gid, mtime, all optional.
type Metadata struct {
	Mode    *uint32
	UID     *uint32
	GID     *uint32
	MtimeNs *int64
}

// RenameFlags controls collision handling for Archive.Rename: replace the
// destination, fail if it exists, or atomically exchange the two paths.
type RenameFlags int

const (
	RenameReplace RenameFlags = iota
	RenameNoReplace
	RenameExchange
)

// Option configures an Archive at Open time.
type Option func(*options)

type options struct {
	shardSizeLimit int64
	busyTimeout    time.Duration
	logger         *logrus.Entry
}

// WithShardSizeLimit overrides config.shard_size_limit for a newly created
// archive (ignored when opening an existing one; the stored value wins).
func WithShardSizeLimit(n int64) Option {
	return func(o *options) { o.shardSizeLimit = n }
}

// WithBusyTimeout overrides the SQLite busy_timeout used for the index
// connection.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithLogger attaches a logrus entry used for warn-level diagnostics:
// orphan regions, defrag truncate failures, trigger/recount divergence.
func WithLogger(l *logrus.Entry) Option {
	return func(o *options) { o.logger = l }
}

// Archive is one open session against a Barecat archive, owning the index
// connection and every open shard handle for its lifetime.
type Archive struct {
	base       string
	mode       OpenMode
	readonly   bool
	appendOnly bool

	idx    *index.Store
	shards *shard.Store
	lock   *flock.Flock
	log    *logrus.Entry

	closed bool
}

// Open opens or creates the archive rooted at base.
func Open(base string, mode OpenMode, opts ...Option) (*Archive, error) {
	cfg := options{busyTimeout: index.DefaultBusyTimeout, logger: logrus.WithField("archive", base)}
	for _, o := range opts {
		o(&cfg)
	}

	if mode == Overwrite {
		removeArchiveFiles(base)
		mode = CreateNew
	}

	readonly := mode == ReadOnly

	var idxMode index.Mode
	switch mode {
	case ReadOnly:
		idxMode = index.ModeReadOnly
	case CreateNew:
		idxMode = index.ModeCreateNew
	default:
		idxMode = index.ModeReadWrite
	}

	var lk *flock.Flock
	if !readonly {
		lk = flock.New(base + "-sqlite-index.lock")
		ok, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("archive: acquire writer lock: %w", err)
		}
		if !ok {
			return nil, ErrConcurrentWriter
		}
	}

	idx, err := index.Open(index.Config{Path: base + "-sqlite-index", Mode: idxMode, BusyTimeout: cfg.busyTimeout})
	if err != nil {
		if lk != nil {
			lk.Unlock()
		}
		return nil, fmt.Errorf("archive: open index: %w", translateIndexErr(err))
	}

	if mode == CreateNew && cfg.shardSizeLimit > 0 {
		if err := idx.SetConfigInt(context.Background(), "shard_size_limit", cfg.shardSizeLimit); err != nil {
			idx.Close()
			if lk != nil {
				lk.Unlock()
			}
			return nil, fmt.Errorf("archive: set shard_size_limit: %w", err)
		}
	}

	var shards *shard.Store
	if readonly {
		shards, err = shard.OpenReadonly(base)
	} else {
		shards, err = shard.OpenOrCreateWritable(base)
	}
	if err != nil {
		idx.Close()
		if lk != nil {
			lk.Unlock()
		}
		return nil, fmt.Errorf("archive: open shards: %w", err)
	}

	a := &Archive{
		base:       base,
		mode:       mode,
		readonly:   readonly,
		appendOnly: mode == AppendMode,
		idx:        idx,
		shards:     shards,
		lock:       lk,
		log:        cfg.logger,
	}
	return a, nil
}

func removeArchiveFiles(base string) {
	os.Remove(base + "-sqlite-index")
	for i := 0; ; i++ {
		name := shard.Name(base, i)
		if _, err := os.Stat(name); err != nil {
			break
		}
		os.Remove(name)
	}
}

// Close releases every shard handle, the index connection, and the writer
// lock if held.
func (a *Archive) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	var firstErr error
	if err := a.shards.Close(); err != nil {
		firstErr = err
	}
	if err := a.idx.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if a.lock != nil {
		if err := a.lock.Unlock(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Archive) requireWritable() error {
	if a.readonly {
		return ErrReadOnly
	}
	return nil
}

// requireNotAppendOnly additionally rejects mutations that append-only
// sessions must not perform: deletion, rename, attribute changes, and
// truncation. Write, Mkdir, BulkImport, Defrag, and Recount check only
// requireWritable, so append-only sessions may run them.
func (a *Archive) requireNotAppendOnly() error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	if a.appendOnly {
		return ErrAppendOnly
	}
	return nil
}

func translateIndexErr(err error) error {
	switch {
	case errors.Is(err, index.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, index.ErrExists):
		return ErrAlreadyExists
	case errors.Is(err, index.ErrDirNotEmpty):
		return ErrDirNotEmpty
	case errors.Is(err, index.ErrIsDir):
		return ErrIsDir
	case errors.Is(err, index.ErrNotDir):
		return ErrNotDir
	case errors.Is(err, index.ErrCorruptIndex):
		return ErrCorruptIndex
	default:
		return err
	}
}
