package archive

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestArchive(t *testing.T, opts ...Option) *Archive {
	t.Helper()
	base := filepath.Join(t.TempDir(), "arc")
	a, err := Open(base, CreateNew, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

// TestScenario1ShardRolloverAndAggregates writes two files that together
// exceed a small shard cap and checks the root's aggregate size/count.
func TestScenario1ShardRolloverAndAggregates(t *testing.T) {
	a := openTestArchive(t, WithShardSizeLimit(100))

	require.NoError(t, a.Write("a/x", bytes.Repeat([]byte{0x41}, 60), nil))
	require.NoError(t, a.Write("a/y", bytes.Repeat([]byte{0x42}, 60), nil))

	st, err := a.Stat("")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.NumFiles)
	assert.Equal(t, int64(120), st.Size)

	got, err := a.Read("a/x")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x41}, 60), got)
}

// TestScenario2DeleteThenFullDefrag deletes the first of two files and
// checks a full defrag relocates the survivor to the start of the shard.
func TestScenario2DeleteThenFullDefrag(t *testing.T) {
	a := openTestArchive(t, WithShardSizeLimit(100))
	require.NoError(t, a.Write("a/x", bytes.Repeat([]byte{0x41}, 60), nil))
	require.NoError(t, a.Write("a/y", bytes.Repeat([]byte{0x42}, 60), nil))

	require.NoError(t, a.Delete("a/x"))

	st, err := a.Stat("a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.NumFiles)
	assert.Equal(t, int64(60), st.Size)

	require.NoError(t, a.Defrag(DefragFull))

	got, err := a.Read("a/y")
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0x42}, 60), got)

	f, err := a.lookupFile("a/y")
	require.NoError(t, err)
	assert.Equal(t, int64(0), f.Shard)
	assert.Equal(t, int64(0), f.Offset)
}

// TestScenario3ListdirLargeDirectory inserts 1000 files into one
// directory and checks the listing and aggregate stat both agree.
func TestScenario3ListdirLargeDirectory(t *testing.T) {
	a := openTestArchive(t)
	for i := 0; i < 1000; i++ {
		require.NoError(t, a.Write(pathN(i), bytes.Repeat([]byte{0x00}, 10), nil))
	}

	_, files, err := a.ListDir("d")
	require.NoError(t, err)
	assert.Len(t, files, 1000)

	st, err := a.Stat("d")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), st.NumFiles)
	assert.Equal(t, int64(10000), st.Size)
}

func pathN(i int) string {
	return "d/" + padded(i)
}

func padded(i int) string {
	s := "0000" + itoa(i)
	return s[len(s)-4:]
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{byte('0' + i%10)}, b...)
		i /= 10
	}
	return string(b)
}

func TestWriteDuplicatePathFails(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("f", []byte("x"), nil))
	err := a.Write("f", []byte("y"), nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestWriteBlobTooLarge(t *testing.T) {
	a := openTestArchive(t, WithShardSizeLimit(10))
	err := a.Write("f", bytes.Repeat([]byte{1}, 20), nil)
	assert.ErrorIs(t, err, ErrBlobTooLarge)
}

func TestRenameDirMovesDescendants(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("a/b/c.txt", []byte("1"), nil))
	require.NoError(t, a.Write("a/b/d.txt", []byte("2"), nil))

	require.NoError(t, a.Rename("a/b", "e", RenameReplace))

	_, err := a.Read("a/b/c.txt")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := a.Read("e/c.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got)

	got, err = a.Read("e/d.txt")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), got)
}

func TestDeleteRecursiveRemovesSubtree(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("a/b/c.txt", []byte("1"), nil))
	require.NoError(t, a.Write("a/b/d.txt", []byte("2"), nil))

	require.NoError(t, a.DeleteRecursive("a"))

	exists, err := a.Exists("a")
	require.NoError(t, err)
	assert.False(t, exists)

	root, err := a.Stat("")
	require.NoError(t, err)
	assert.Equal(t, int64(0), root.NumFiles)
}

func TestGlobDoubleStarMatchesAllDepths(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("a/x1", []byte("1"), nil))
	require.NoError(t, a.Write("a/b/x2", []byte("2"), nil))
	require.NoError(t, a.Write("a/b/y3", []byte("3"), nil))

	matches, err := a.Glob("**/x*")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/x1", "a/b/x2"}, matches)
}

func TestVerifyDetectsChecksumMismatch(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("f", []byte("hello"), nil))

	f, err := a.lookupFile("f")
	require.NoError(t, err)
	require.NoError(t, a.shards.Truncate(int(f.Shard), f.Offset))
	_, err = a.shards.Append(int(f.Shard), []byte("HELLO"))
	require.NoError(t, err)

	mismatches, err := a.Verify("f")
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "f", mismatches[0].Path)
}

func TestBulkImportThenRecountMatches(t *testing.T) {
	a := openTestArchive(t)
	entries := []ImportEntry{
		{Path: "p/1", Data: []byte("aa")},
		{Path: "p/2", Data: []byte("bb")},
		{Path: "q/3", Data: []byte("cc")},
	}
	require.NoError(t, a.BulkImport(entries))

	root, err := a.Stat("")
	require.NoError(t, err)
	assert.Equal(t, int64(3), root.NumFiles)
	assert.Equal(t, int64(6), root.Size)

	got, err := a.Read("p/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("aa"), got)
}

func TestRecountFixesCorruptedAggregate(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("a/x", []byte("hello"), nil))

	_, err := a.idx.DB().Exec(`UPDATE dirs SET size_tree = 999 WHERE path = 'a'`)
	require.NoError(t, err)

	st, err := a.Stat("a")
	require.NoError(t, err)
	assert.Equal(t, int64(999), st.Size)

	require.NoError(t, a.Recount())

	st, err = a.Stat("a")
	require.NoError(t, err)
	assert.Equal(t, int64(5), st.Size)
}

func TestRecountRequiresWritable(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc")
	a, err := Open(base, CreateNew)
	require.NoError(t, err)
	require.NoError(t, a.Write("f", []byte("x"), nil))
	require.NoError(t, a.Close())

	ro, err := Open(base, ReadOnly)
	require.NoError(t, err)
	defer ro.Close()

	err = ro.Recount()
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestWithMappedZeroCopy(t *testing.T) {
	a := openTestArchive(t)
	require.NoError(t, a.Write("f", []byte("zero-copy"), nil))

	err := a.WithMapped("f", func(b []byte) error {
		assert.Equal(t, []byte("zero-copy"), b)
		return nil
	})
	require.NoError(t, err)
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc")
	w, err := Open(base, CreateNew)
	require.NoError(t, err)
	require.NoError(t, w.Write("f", []byte("x"), nil))
	require.NoError(t, w.Close())

	r, err := Open(base, ReadOnly)
	require.NoError(t, err)
	defer r.Close()

	err = r.Write("g", []byte("y"), nil)
	assert.ErrorIs(t, err, ErrReadOnly)

	got, err := r.Read("f")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got)
}

func TestConcurrentWriterRejected(t *testing.T) {
	base := filepath.Join(t.TempDir(), "arc")
	a, err := Open(base, CreateNew)
	require.NoError(t, err)
	defer a.Close()

	_, err = Open(base, ReadWrite)
	assert.ErrorIs(t, err, ErrConcurrentWriter)
}

// TestAggregatesStayConsistentUnderRandomOps runs a scripted, seeded
// sequence of writes, mkdirs, deletes, and renames and checks, after every
// committed step, that the trigger-maintained directory aggregates agree
// with an independent recount from ground truth. This is invariant (4)'s
// property test: aggregates must never drift from the files and dirs
// tables they summarize, no matter what sequence of mutations produced
// them.
func TestAggregatesStayConsistentUnderRandomOps(t *testing.T) {
	a := openTestArchive(t)
	rng := rand.New(rand.NewSource(1))

	var liveFiles []string
	var liveSubdirs []string

	const topDirs = 4
	const steps = 300

	for i := 0; i < steps; i++ {
		switch rng.Intn(5) {
		case 0: // write a file under a random top-level directory
			path := fmt.Sprintf("d%d/f%d", rng.Intn(topDirs), i)
			data := bytes.Repeat([]byte{byte(i)}, rng.Intn(40))
			if err := a.Write(path, data, nil); err == nil {
				liveFiles = append(liveFiles, path)
			}

		case 1: // create a subdirectory under a random top-level directory
			parent := fmt.Sprintf("d%d", rng.Intn(topDirs))
			path := fmt.Sprintf("%s/sub%d", parent, i)
			if err := a.Mkdir(path, nil); err == nil {
				liveSubdirs = append(liveSubdirs, path)
			}

		case 2: // delete a random live file
			if len(liveFiles) > 0 {
				idx := rng.Intn(len(liveFiles))
				if err := a.Delete(liveFiles[idx]); err == nil {
					liveFiles = append(liveFiles[:idx], liveFiles[idx+1:]...)
				}
			}

		case 3: // rename a random live file to another top-level directory
			if len(liveFiles) > 0 {
				idx := rng.Intn(len(liveFiles))
				newPath := fmt.Sprintf("d%d/r%d", rng.Intn(topDirs), i)
				if err := a.Rename(liveFiles[idx], newPath, RenameNoReplace); err == nil {
					liveFiles[idx] = newPath
				}
			}

		case 4: // rename a random subdirectory (with whatever it carries) to another top-level directory
			if len(liveSubdirs) > 0 {
				idx := rng.Intn(len(liveSubdirs))
				newPath := fmt.Sprintf("d%d/moved%d", rng.Intn(topDirs), i)
				if err := a.Rename(liveSubdirs[idx], newPath, RenameNoReplace); err == nil {
					liveSubdirs[idx] = newPath
				}
			}
		}

		mismatches, err := a.idx.VerifyAggregates(context.Background())
		require.NoError(t, err)
		require.Empty(t, mismatches, "step %d", i)
	}
}
