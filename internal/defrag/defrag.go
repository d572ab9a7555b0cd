// Package defrag implements two compaction strategies: an exhaustive
// forward-pack and a quick first-fit-from-end. Both reclaim gap bytes
// left behind by deletes, truncates, and orphaned partial writes.
package defrag

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/barecat/barecat/internal/index"
	"github.com/barecat/barecat/internal/shard"
)

// Mode selects which compaction strategy Run applies.
type Mode int

const (
	Full Mode = iota
	Quick
)

// Run applies mode's compaction strategy against idx and shards.
func Run(ctx context.Context, mode Mode, idx *index.Store, shards *shard.Store, log *logrus.Entry) error {
	switch mode {
	case Full:
		return runFull(ctx, idx, shards, log)
	case Quick:
		return runQuick(ctx, idx, shards, log)
	default:
		return fmt.Errorf("defrag: unknown mode %d", mode)
	}
}

// runFull walks files in ascending (shard, offset) order from the start of
// shard 0, moving each file backward to close any gap before it, then
// truncates every shard to its final packed length.
func runFull(ctx context.Context, idx *index.Store, shards *shard.Store, log *logrus.Entry) error {
	limit, err := idx.ShardSizeLimit(ctx)
	if err != nil {
		return err
	}
	lastShard := shards.LastShard()

	var files []*index.FileRecord
	if err := idx.IterateOrderedFiles(ctx, false, func(f *index.FileRecord) error {
		files = append(files, f)
		return nil
	}); err != nil {
		return err
	}

	cursorShard, cursorOffset := 0, int64(0)
	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cursorOffset+f.Size > limit {
			if err := shards.Truncate(cursorShard, cursorOffset); err != nil {
				log.WithError(err).WithField("shard", cursorShard).Warn("defrag: truncating packed shard failed; archive remains consistent but untrimmed")
			}
			cursorShard++
			cursorOffset = 0
		}
		if err := relocate(ctx, idx, shards, f, cursorShard, cursorOffset, log); err != nil {
			return err
		}
		cursorOffset += f.Size
	}

	if err := shards.Truncate(cursorShard, cursorOffset); err != nil {
		log.WithError(err).Warn("defrag: final truncate failed; archive remains consistent but untrimmed")
	}
	for i := lastShard; i > cursorShard; i-- {
		if err := shards.Truncate(i, 0); err != nil {
			log.WithError(err).WithField("shard", i).Warn("defrag: truncating now-empty trailing shard failed")
			continue
		}
		if err := shards.RemoveTrailingEmpty(i); err != nil {
			log.WithError(err).WithField("shard", i).Warn("defrag: removing empty trailing shard failed")
		}
	}
	return nil
}

func relocate(ctx context.Context, idx *index.Store, shards *shard.Store, f *index.FileRecord, dstShard int, dstOffset int64, log *logrus.Entry) error {
	if f.Shard == int64(dstShard) && f.Offset == dstOffset {
		return nil
	}
	data, err := shards.ReadAt(int(f.Shard), f.Offset, f.Size)
	if err != nil {
		return fmt.Errorf("defrag: read %s for move: %w", f.Path, err)
	}
	if err := growAndWrite(shards, dstShard, dstOffset, data); err != nil {
		return fmt.Errorf("defrag: write %s to (%d,%d): %w", f.Path, dstShard, dstOffset, err)
	}
	err = idx.WithTx(ctx, func(tx *sql.Tx) error {
		return idx.RelocateFile(ctx, tx, f.Path, int64(dstShard), dstOffset)
	})
	if err != nil {
		return fmt.Errorf("defrag: record move of %s: %w", f.Path, err)
	}
	f.Shard, f.Offset = int64(dstShard), dstOffset
	return nil
}

// growAndWrite writes data at offset in shard dst. A write that lies within
// dst's current length overwrites in place. One that reaches past the end
// first cuts dst back to offset (nothing live remains there: every file
// still on dst has already been packed below the cursor) or zero-pads it
// up to offset, then appends.
func growAndWrite(shards *shard.Store, dst int, offset int64, data []byte) error {
	length, err := shards.Length(dst)
	if err != nil {
		return err
	}
	if offset+int64(len(data)) <= length {
		return shards.WriteAt(dst, offset, data)
	}
	if offset < length {
		if err := shards.Truncate(dst, offset); err != nil {
			return err
		}
		length = offset
	}
	if offset > length {
		if _, err := shards.Append(dst, make([]byte, offset-length)); err != nil {
			return err
		}
	}
	_, err = shards.Append(dst, data)
	return err
}

// runQuick walks files from the highest (shard, offset) backward, placing
// each into the earliest gap that fits it. Terminates as soon as one file
// has no fitting gap, on the heuristic that earlier files (lower offset)
// have even less room ahead of them.
func runQuick(ctx context.Context, idx *index.Store, shards *shard.Store, log *logrus.Entry) error {
	gaps, err := computeGaps(ctx, idx, shards)
	if err != nil {
		return err
	}

	var files []*index.FileRecord
	if err := idx.IterateOrderedFiles(ctx, true, func(f *index.FileRecord) error {
		files = append(files, f)
		return nil
	}); err != nil {
		return err
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		gi := firstFit(gaps, f.Size)
		if gi < 0 {
			log.WithField("path", f.Path).Info("defrag: no fitting gap, stopping quick pass")
			break
		}
		g := gaps[gi]

		if err := relocate(ctx, idx, shards, f, g.shard, g.offset, log); err != nil {
			return err
		}

		gaps = consumeGap(gaps, gi, f.Size)
		gaps = insertGap(gaps, gapRegion{shard: int(f.Shard), offset: f.Offset, size: f.Size})
	}
	return nil
}

type gapRegion struct {
	shard  int
	offset int64
	size   int64
}

// computeGaps enumerates every region of every shard not covered by a
// file, in ascending (shard, offset) order, including any trailing
// unreferenced bytes (orphans from an interrupted write).
func computeGaps(ctx context.Context, idx *index.Store, shards *shard.Store) ([]gapRegion, error) {
	var files []*index.FileRecord
	if err := idx.IterateOrderedFiles(ctx, false, func(f *index.FileRecord) error {
		files = append(files, f)
		return nil
	}); err != nil {
		return nil, err
	}

	var gaps []gapRegion
	prevEnd := map[int]int64{}
	for _, f := range files {
		pe := prevEnd[int(f.Shard)]
		if f.Offset > pe {
			gaps = append(gaps, gapRegion{shard: int(f.Shard), offset: pe, size: f.Offset - pe})
		}
		prevEnd[int(f.Shard)] = f.Offset + f.Size
	}
	for i := 0; i <= shards.LastShard(); i++ {
		length, err := shards.Length(i)
		if err != nil {
			continue
		}
		pe := prevEnd[i]
		if pe < length {
			gaps = append(gaps, gapRegion{shard: i, offset: pe, size: length - pe})
		}
	}
	sort.Slice(gaps, func(a, b int) bool {
		if gaps[a].shard != gaps[b].shard {
			return gaps[a].shard < gaps[b].shard
		}
		return gaps[a].offset < gaps[b].offset
	})
	return gaps, nil
}

// firstFit returns the index of the earliest gap (by shard, offset) at
// least as large as size, or -1 if none fits.
func firstFit(gaps []gapRegion, size int64) int {
	for i, g := range gaps {
		if g.size >= size {
			return i
		}
	}
	return -1
}

// consumeGap shrinks gaps[i] by size bytes from its front, removing it
// entirely if fully consumed.
func consumeGap(gaps []gapRegion, i int, size int64) []gapRegion {
	gaps[i].offset += size
	gaps[i].size -= size
	if gaps[i].size == 0 {
		gaps = append(gaps[:i], gaps[i+1:]...)
	}
	return gaps
}

// insertGap inserts g into gaps, keeping (shard, offset) order.
func insertGap(gaps []gapRegion, g gapRegion) []gapRegion {
	i := sort.Search(len(gaps), func(i int) bool {
		if gaps[i].shard != g.shard {
			return gaps[i].shard > g.shard
		}
		return gaps[i].offset >= g.offset
	})
	gaps = append(gaps, gapRegion{})
	copy(gaps[i+1:], gaps[i:])
	gaps[i] = g
	return gaps
}
