package archive

import (
	"context"
	"database/sql"
	"fmt"
	"hash/crc32"

	"github.com/barecat/barecat/internal/barepath"
	"github.com/barecat/barecat/internal/index"
)

// ImportEntry is one blob to be ingested by BulkImport.
type ImportEntry struct {
	Path string
	Data []byte
	Meta *Metadata
}

// BulkImport disables aggregate-maintaining triggers, appends and records
// every entry directly, then runs a single Recount pass: aggregates off,
// rebuild in one pass, for ingesting large batches without paying
// per-insert trigger overhead.
//
// entries is drained eagerly; for archives too large to hold in memory,
// callers should chunk their own iteration and call BulkImport repeatedly
// (each call's Recount sees a consistent, fully-applied batch).
func (a *Archive) BulkImport(entries []ImportEntry) error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	ctx := context.Background()

	limit, err := a.idx.ShardSizeLimit(ctx)
	if err != nil {
		return err
	}

	err = a.idx.WithTx(ctx, func(tx *sql.Tx) error {
		if err := a.idx.SetUseTriggers(ctx, tx, false); err != nil {
			return err
		}

		for _, e := range entries {
			norm, err := barepath.Normalize(e.Path)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidPath, err)
			}
			size := int64(len(e.Data))
			if size > limit {
				return fmt.Errorf("%w: %s is %d bytes", ErrBlobTooLarge, norm, size)
			}

			shardIdx, err := a.resolveWriteShard(ctx, size, limit)
			if err != nil {
				return err
			}
			offset, err := a.shards.Append(shardIdx, e.Data)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrShardIO, err)
			}

			sum := crc32.Checksum(e.Data, crc32cTable)
			rec := &index.FileRecord{
				Path:   norm,
				Parent: barepath.Parent(norm),
				Shard:  int64(shardIdx),
				Offset: offset,
				Size:   size,
				CRC32C: &sum,
			}
			if e.Meta != nil {
				rec.Mode, rec.UID, rec.GID, rec.MtimeNs = e.Meta.Mode, e.Meta.UID, e.Meta.GID, e.Meta.MtimeNs
			}

			if err := a.idx.EnsureDirPath(ctx, tx, rec.Parent, nil, nil, nil, nil); err != nil {
				return err
			}
			if err := a.idx.InsertFile(ctx, tx, rec); err != nil {
				return translateIndexErr(err)
			}
		}

		return a.idx.SetUseTriggers(ctx, tx, true)
	})
	if err != nil {
		return err
	}

	return a.idx.Recount(ctx)
}
