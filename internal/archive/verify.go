package archive

import (
	"context"
	"hash/crc32"

	"github.com/barecat/barecat/internal/index"
)

// ChecksumMismatch reports a file whose stored crc32c disagrees with the
// bytes actually found at its (shard, offset, size).
type ChecksumMismatch struct {
	Path     string
	Expected uint32
	Actual   uint32
}

// Verify checks crc32c for path (or, if path is "", every file in the
// archive that has a recorded checksum) against the bytes on disk,
// returning every mismatch found.
func (a *Archive) Verify(path string) ([]ChecksumMismatch, error) {
	ctx := context.Background()

	if path != "" {
		f, err := a.lookupFile(path)
		if err != nil {
			return nil, err
		}
		return verifyOne(a, f), nil
	}

	var mismatches []ChecksumMismatch
	err := a.idx.IterateOrderedFiles(ctx, false, func(f *index.FileRecord) error {
		mismatches = append(mismatches, verifyOne(a, f)...)
		return nil
	})
	return mismatches, err
}

func verifyOne(a *Archive, f *index.FileRecord) []ChecksumMismatch {
	if f.CRC32C == nil {
		return nil
	}
	data, err := a.shards.ReadAt(int(f.Shard), f.Offset, f.Size)
	if err != nil {
		return []ChecksumMismatch{{Path: f.Path, Expected: *f.CRC32C}}
	}
	actual := crc32.Checksum(data, crc32cTable)
	if actual != *f.CRC32C {
		return []ChecksumMismatch{{Path: f.Path, Expected: *f.CRC32C, Actual: actual}}
	}
	return nil
}

// Recount forces a directory-aggregate rebuild from ground truth, logging
// every divergence it finds before correcting it.
func (a *Archive) Recount() error {
	if err := a.requireWritable(); err != nil {
		return err
	}
	ctx := context.Background()
	mismatches, err := a.idx.VerifyAggregates(ctx)
	if err != nil {
		return err
	}
	for _, m := range mismatches {
		a.log.WithField("mismatch", m).Warn("aggregate divergence detected before recount")
	}
	return a.idx.Recount(ctx)
}
