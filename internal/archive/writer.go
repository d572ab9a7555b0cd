package archive

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"

	"github.com/barecat/barecat/internal/barepath"
	"github.com/barecat/barecat/internal/index"
)

// crc32cTable is the Castagnoli polynomial table the stored crc32c field
// is checksummed against. hash/crc32 already implements this table in the
// standard library (see DESIGN.md for why it stays on stdlib).
var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Write assigns a (shard, offset) for data and records it as path,
// implementing a four-step allocate-append-record-tolerate algorithm.
func (a *Archive) Write(path string, data []byte, meta *Metadata) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if barepath.IsRoot(norm) {
		return fmt.Errorf("%w: cannot write to root", ErrInvalidPath)
	}

	ctx := context.Background()
	size := int64(len(data))

	limit, err := a.idx.ShardSizeLimit(ctx)
	if err != nil {
		return err
	}
	if size > limit {
		return fmt.Errorf("%w: blob of %d bytes exceeds shard cap %d", ErrBlobTooLarge, size, limit)
	}

	shardIdx, err := a.resolveWriteShard(ctx, size, limit)
	if err != nil {
		return err
	}

	offset, err := a.shards.Append(shardIdx, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrShardIO, err)
	}

	sum := crc32.Checksum(data, crc32cTable)

	rec := &index.FileRecord{
		Path:   norm,
		Parent: barepath.Parent(norm),
		Shard:  int64(shardIdx),
		Offset: offset,
		Size:   size,
		CRC32C: &sum,
	}
	if meta != nil {
		rec.Mode, rec.UID, rec.GID, rec.MtimeNs = meta.Mode, meta.UID, meta.GID, meta.MtimeNs
	}

	// A failure here leaves the appended bytes an orphan region, tolerated
	// on next open and reclaimed by defrag.
	err = a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.idx.EnsureDirPath(ctx, tx, rec.Parent, nil, nil, nil, nil); err != nil {
			return err
		}
		return a.idx.InsertFile(ctx, tx, rec)
	})
	if err != nil {
		a.log.WithField("path", norm).WithError(err).Warn("write committed bytes but failed to record file; bytes are now an orphan region")
		return translateIndexErr(err)
	}

	return nil
}

// resolveWriteShard rolls over to a new shard when the pending write would
// overrun the current last shard's cap.
func (a *Archive) resolveWriteShard(ctx context.Context, size, limit int64) (int, error) {
	last := a.shards.LastShard()
	length, err := a.shards.Length(last)
	if err != nil {
		return 0, err
	}
	if length+size > limit {
		next, err := a.shards.Rollover()
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrShardCapExceeded, err)
		}
		return next, nil
	}
	return last, nil
}

// Mkdir creates an empty directory at path, creating any missing ancestor
// directories first.
func (a *Archive) Mkdir(path string, meta *Metadata) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	norm, err := barepath.Normalize(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}

	ctx := context.Background()
	var mode, uid, gid *uint32
	var mtime *int64
	if meta != nil {
		mode, uid, gid, mtime = meta.Mode, meta.UID, meta.GID, meta.MtimeNs
	}

	return a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.idx.EnsureDirPath(ctx, tx, barepath.Parent(norm), nil, nil, nil, nil); err != nil {
			return err
		}
		return translateIndexErr(a.idx.InsertDir(ctx, tx, norm, mode, uid, gid, mtime))
	})
}
