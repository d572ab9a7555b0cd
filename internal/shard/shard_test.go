package shard

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendReadRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	payload := bytes.Repeat([]byte{0x41}, 60)
	off, err := s.Append(0, payload)
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	got, err := s.ReadAt(0, off, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRolloverCreatesNextShard(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(0, bytes.Repeat([]byte{0x41}, 60))
	require.NoError(t, err)

	idx, err := s.Rollover()
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
	assert.Equal(t, 1, s.LastShard())

	off, err := s.Append(1, bytes.Repeat([]byte{0x42}, 60))
	require.NoError(t, err)
	assert.Equal(t, int64(0), off)

	l0, err := s.Length(0)
	require.NoError(t, err)
	assert.Equal(t, int64(60), l0)
}

func TestMapReturnsBorrowedBytes(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	payload := []byte("hello world")
	_, err = s.Append(0, payload)
	require.NoError(t, err)

	borrowed, err := s.Map(0, 0, int64(len(payload)))
	require.NoError(t, err)
	assert.Equal(t, payload, borrowed)

	dst := make([]byte, len(payload))
	n, err := ReadBorrowed(dst, borrowed)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, dst)
}

func TestTruncateInvalidatesMapping(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(0, bytes.Repeat([]byte{0x41}, 60))
	require.NoError(t, err)
	_, err = s.Map(0, 0, 60)
	require.NoError(t, err)

	require.NoError(t, s.Truncate(0, 10))
	l, err := s.Length(0)
	require.NoError(t, err)
	assert.Equal(t, int64(10), l)

	_, err = s.Map(0, 0, 10)
	require.NoError(t, err)
}

func TestRemoveTrailingEmptyShard(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	idx, err := s.Rollover()
	require.NoError(t, err)
	require.NoError(t, s.RemoveTrailingEmpty(idx))
	assert.Equal(t, 0, s.LastShard())
}

func TestOpenReadonlyGlobsExistingShards(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	w, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	_, err = w.Append(0, []byte("abc"))
	require.NoError(t, err)
	_, err = w.Rollover()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := OpenReadonly(base)
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, 1, r.LastShard())

	l0, err := r.Length(0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), l0)
}

func TestFDEvictionReopensTransparently(t *testing.T) {
	base := filepath.Join(t.TempDir(), "archive")
	s, err := OpenOrCreateWritable(base)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append(0, []byte("first"))
	require.NoError(t, err)

	for i := 1; i <= maxOpenFDs+5; i++ {
		idx, err := s.Rollover()
		require.NoError(t, err)
		_, err = s.Append(idx, []byte("x"))
		require.NoError(t, err)
	}

	// shard 0's fd was evicted long ago; reads must still succeed via the
	// lazy reopen path, and its recorded length must be unaffected.
	got, err := s.ReadAt(0, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	l0, err := s.Length(0)
	require.NoError(t, err)
	assert.Equal(t, int64(5), l0)
}

func TestParseIndex(t *testing.T) {
	idx, ok := ParseIndex("/tmp/archive", "/tmp/archive-shard-00042")
	require.True(t, ok)
	assert.Equal(t, 42, idx)

	_, ok = ParseIndex("/tmp/archive", "/tmp/archive-sqlite-index")
	assert.False(t, ok)
}
