package index

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(Config{Path: filepath.Join(dir, "index.sqlite"), Mode: ModeCreateNew})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func mustInsertFile(t *testing.T, ctx context.Context, s *Store, path string, size int64) {
	t.Helper()
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.EnsureDirPath(ctx, tx, parentOf(path), nil, nil, nil, nil))
		// Place each file right after the last one, as the allocator would:
		// (shard, offset) is unique.
		var offset int64
		if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(offset + size), 0) FROM files WHERE shard = 0`).Scan(&offset); err != nil {
			return err
		}
		return s.InsertFile(ctx, tx, &FileRecord{Path: path, Parent: parentOf(path), Shard: 0, Offset: offset, Size: size})
	})
	require.NoError(t, err)
}

func parentOf(path string) string {
	i := -1
	for j := len(path) - 1; j >= 0; j-- {
		if path[j] == '/' {
			i = j
			break
		}
	}
	if i < 0 {
		return ""
	}
	return path[:i]
}

func TestRootExistsAfterOpen(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	root, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.True(t, root.IsRoot())
	assert.Equal(t, int64(0), root.NumFilesTree)
}

func TestInsertFilePropagatesAggregatesToRoot(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	mustInsertFile(t, ctx, s, "a/b/c.txt", 100)

	root, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), root.NumFilesTree)
	assert.Equal(t, int64(100), root.SizeTree)
	assert.Equal(t, int64(1), root.NumSubdirs)

	a, err := s.LookupDir(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.NumFilesTree)
	assert.Equal(t, int64(100), a.SizeTree)

	ab, err := s.LookupDir(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), ab.NumFiles)
	assert.Equal(t, int64(1), ab.NumFilesTree)
}

func TestDeleteFileDecrementsAggregates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "a/b/c.txt", 100)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteFile(ctx, tx, "a/b/c.txt")
	})
	require.NoError(t, err)

	root, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), root.NumFilesTree)
	assert.Equal(t, int64(0), root.SizeTree)
}

// TestRenameDirDoesNotDoubleCountDescendants covers the directory-rename
// aggregate-propagation scenario: moving a/b to e under the root must leave
// root's num_files_tree and size_tree exactly where they were, since the
// subtree changes location but not membership; root only gains e as a
// direct subdir.
func TestRenameDirDoesNotDoubleCountDescendants(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "a/b/c.txt", 100)
	mustInsertFile(t, ctx, s, "a/b/d.txt", 50)

	rootBefore, err := s.LookupDir(ctx, "")
	require.NoError(t, err)

	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.RenameDirRoot(ctx, tx, "a/b", "e"))
		require.NoError(t, s.SetUseTriggers(ctx, tx, false))
		require.NoError(t, s.RewriteDescendantFilePath(ctx, tx, "a/b/c.txt", "e/c.txt"))
		require.NoError(t, s.RewriteDescendantFilePath(ctx, tx, "a/b/d.txt", "e/d.txt"))
		return s.SetUseTriggers(ctx, tx, true)
	})
	require.NoError(t, err)

	rootAfter, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, rootBefore.NumFilesTree, rootAfter.NumFilesTree)
	assert.Equal(t, rootBefore.SizeTree, rootAfter.SizeTree)
	assert.Equal(t, rootBefore.NumSubdirs+1, rootAfter.NumSubdirs, "moving a/b to e under root adds e as a direct subdir of root")

	e, err := s.LookupDir(ctx, "e")
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.NumFilesTree)
	assert.Equal(t, int64(150), e.SizeTree)

	_, err = s.LookupDir(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)

	a, err := s.LookupDir(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), a.NumSubdirs)
	assert.Equal(t, int64(0), a.NumFilesTree)
}

func TestRecountMatchesTriggerMaintainedAggregates(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "x/y/1.bin", 10)
	mustInsertFile(t, ctx, s, "x/y/2.bin", 20)
	mustInsertFile(t, ctx, s, "x/z/3.bin", 5)

	before, err := s.LookupDir(ctx, "")
	require.NoError(t, err)

	require.NoError(t, s.Recount(ctx))

	after, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, before.NumFilesTree, after.NumFilesTree)
	assert.Equal(t, before.SizeTree, after.SizeTree)

	mismatches, err := s.VerifyAggregates(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)
}

func TestBulkImportWithTriggersDisabledThenRecount(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		require.NoError(t, s.SetUseTriggers(ctx, tx, false))
		for i, p := range []string{"p/q/1", "p/q/2", "p/r/3"} {
			require.NoError(t, s.EnsureDirPath(ctx, tx, parentOf(p), nil, nil, nil, nil))
			require.NoError(t, s.InsertFile(ctx, tx, &FileRecord{Path: p, Parent: parentOf(p), Shard: 0, Offset: int64(i), Size: 1}))
		}
		return s.SetUseTriggers(ctx, tx, true)
	})
	require.NoError(t, err)

	root, err := s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), root.NumFilesTree, "aggregates must stay zero while triggers were disabled")

	require.NoError(t, s.Recount(ctx))

	root, err = s.LookupDir(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), root.NumFilesTree)
	assert.Equal(t, int64(3), root.SizeTree)
}

func TestDeleteDirRequiresEmpty(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "a/f.txt", 1)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.DeleteDir(ctx, tx, "a")
	})
	assert.Error(t, err) // not empty: a still has a file row

	has, err := s.HasChildren(ctx, "a")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestInsertFileDuplicatePathFails(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "a/f.txt", 1)

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		return s.InsertFile(ctx, tx, &FileRecord{Path: "a/f.txt", Parent: "a", Shard: 0, Offset: 99, Size: 1})
	})
	assert.ErrorIs(t, err, ErrExists)
}

func TestGlobCandidateFilesRangeScan(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	mustInsertFile(t, ctx, s, "a/x1", 1)
	mustInsertFile(t, ctx, s, "a/b/x2", 1)
	mustInsertFile(t, ctx, s, "a/b/y3", 1)

	var got []string
	err := s.GlobCandidateFiles(ctx, "a/", "a0", func(f *FileRecord) error {
		got = append(got, f.Path)
		return nil
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/x1", "a/b/x2", "a/b/y3"}, got)
}
