package defrag

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/barecat/barecat/internal/barepath"
	"github.com/barecat/barecat/internal/index"
	"github.com/barecat/barecat/internal/shard"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.ErrorLevel)
	return logrus.NewEntry(l)
}

type fixture struct {
	idx    *index.Store
	shards *shard.Store
	ctx    context.Context
}

func newFixture(t *testing.T, shardSizeLimit int64) *fixture {
	t.Helper()
	base := filepath.Join(t.TempDir(), "arc")
	idx, err := index.Open(index.Config{Path: base + "-sqlite-index", Mode: index.ModeCreateNew})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	require.NoError(t, idx.SetConfigInt(ctx, "shard_size_limit", shardSizeLimit))

	shards, err := shard.OpenOrCreateWritable(base)
	require.NoError(t, err)
	t.Cleanup(func() { shards.Close() })

	return &fixture{idx: idx, shards: shards, ctx: ctx}
}

// write inserts a file directly at the shard's current append position,
// bypassing any allocator policy so tests can set up precise layouts.
func (f *fixture) write(t *testing.T, path string, shardIdx int, data []byte) {
	t.Helper()
	offset, err := f.shards.Append(shardIdx, data)
	require.NoError(t, err)
	rec := &index.FileRecord{
		Path:   path,
		Parent: barepath.Parent(path),
		Shard:  int64(shardIdx),
		Offset: offset,
		Size:   int64(len(data)),
	}
	err = f.idx.WithTx(f.ctx, func(tx *sql.Tx) error {
		if err := f.idx.EnsureDirPath(f.ctx, tx, rec.Parent, nil, nil, nil, nil); err != nil {
			return err
		}
		return f.idx.InsertFile(f.ctx, tx, rec)
	})
	require.NoError(t, err)
}

func (f *fixture) deleteFile(t *testing.T, path string) {
	t.Helper()
	err := f.idx.WithTx(f.ctx, func(tx *sql.Tx) error {
		return f.idx.DeleteFile(f.ctx, tx, path)
	})
	require.NoError(t, err)
}

func (f *fixture) read(t *testing.T, path string) []byte {
	t.Helper()
	rec, err := f.idx.LookupFile(f.ctx, path)
	require.NoError(t, err)
	data, err := f.shards.ReadAt(int(rec.Shard), rec.Offset, rec.Size)
	require.NoError(t, err)
	return data
}

func TestRunFullPacksAcrossGap(t *testing.T) {
	fx := newFixture(t, 100)
	fx.write(t, "a", 0, []byte("AAAAAAAAAA")) // 10 bytes, offset 0
	fx.write(t, "b", 0, []byte("BBBBBBBBBB")) // 10 bytes, offset 10
	fx.write(t, "c", 0, []byte("CCCCCCCCCC")) // 10 bytes, offset 20
	fx.deleteFile(t, "b")

	require.NoError(t, Run(fx.ctx, Full, fx.idx, fx.shards, testLogger()))

	assert := func(path string, want []byte) {
		got := fx.read(t, path)
		if string(got) != string(want) {
			t.Fatalf("%s: got %q want %q", path, got, want)
		}
	}
	assert("a", []byte("AAAAAAAAAA"))
	assert("c", []byte("CCCCCCCCCC"))

	rec, err := fx.idx.LookupFile(fx.ctx, "c")
	require.NoError(t, err)
	require.Equal(t, int64(0), rec.Shard)
	require.Equal(t, int64(10), rec.Offset)

	length, err := fx.shards.Length(0)
	require.NoError(t, err)
	require.Equal(t, int64(20), length)
}

func TestRunQuickFillsFirstFittingGap(t *testing.T) {
	fx := newFixture(t, 1000)
	fx.write(t, "a", 0, []byte("1111111111")) // offset 0, size 10
	fx.write(t, "b", 0, []byte("22"))         // offset 10, size 2
	fx.write(t, "c", 0, []byte("3333333333")) // offset 12, size 10
	fx.deleteFile(t, "b")                     // gap (10,2) opens up

	fx.write(t, "d", 0, []byte("44")) // appended at offset 22, size 2: fits the gap

	require.NoError(t, Run(fx.ctx, Quick, fx.idx, fx.shards, testLogger()))

	rec, err := fx.idx.LookupFile(fx.ctx, "d")
	require.NoError(t, err)
	require.Equal(t, int64(10), rec.Offset)
	require.Equal(t, []byte("44"), fx.read(t, "d"))

	// untouched files keep their data intact
	require.Equal(t, []byte("1111111111"), fx.read(t, "a"))
	require.Equal(t, []byte("3333333333"), fx.read(t, "c"))
}

func TestComputeGapsIncludesTrailingBytes(t *testing.T) {
	fx := newFixture(t, 1000)
	fx.write(t, "a", 0, []byte("12345"))

	gaps, err := computeGaps(fx.ctx, fx.idx, fx.shards)
	require.NoError(t, err)
	require.Len(t, gaps, 0) // no gap: file fills the shard exactly to its length

	_, err = fx.shards.Append(0, make([]byte, 5))
	require.NoError(t, err)
	// now shard length is 10 but nothing references bytes [5,10): simulate by
	// removing the index row while the bytes remain, as an orphan would.
	fx.deleteFile(t, "a")

	gaps, err = computeGaps(fx.ctx, fx.idx, fx.shards)
	require.NoError(t, err)
	require.Len(t, gaps, 1)
	require.Equal(t, int64(0), gaps[0].offset)
	require.Equal(t, int64(10), gaps[0].size)
}

func TestFirstFitAndGapBookkeeping(t *testing.T) {
	gaps := []gapRegion{
		{shard: 0, offset: 0, size: 5},
		{shard: 0, offset: 20, size: 10},
	}
	i := firstFit(gaps, 8)
	require.Equal(t, 1, i)

	gaps = consumeGap(gaps, i, 8)
	require.Len(t, gaps, 2)
	require.Equal(t, int64(28), gaps[1].offset)
	require.Equal(t, int64(2), gaps[1].size)

	gaps = insertGap(gaps, gapRegion{shard: 0, offset: 10, size: 3})
	require.Len(t, gaps, 3)
	require.Equal(t, int64(10), gaps[1].offset)
}
