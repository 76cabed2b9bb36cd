package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	return New(dir)
}

func TestPutFileThenGetFile(t *testing.T) {
	s := newTestStore(t)
	err := s.PutFile("host:/proj", "src/main.go", []byte("package main"), FileMeta{Size: 12, Mtime: 100, Hash: 42})
	require.NoError(t, err)

	data, meta, ok := s.GetFile("host:/proj", "src/main.go")
	require.True(t, ok)
	assert.Equal(t, "package main", string(data))
	assert.Equal(t, uint64(42), meta.Hash)
}

func TestGetFileMissingReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	_, _, ok := s.GetFile("host:/proj", "nope.txt")
	assert.False(t, ok)
}

// Cache consistency: a metadata entry whose size
// disagrees with the on-disk file is treated as absent.
func TestGetFileSizeMismatchTreatedAsAbsent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutFile("h", "a.txt", []byte("12345"), FileMeta{Size: 5}))

	// Corrupt the on-disk file without going through PutFile.
	fp := s.filePath("h", "a.txt")
	require.NoError(t, os.WriteFile(fp, []byte("1234567890"), 0o644))

	_, _, ok := s.GetFile("h", "a.txt")
	assert.False(t, ok)
}

func TestRemoveFileDeletesDataAndMetadata(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutFile("h", "a.txt", []byte("x"), FileMeta{Size: 1}))
	require.NoError(t, s.RemoveFile("h", "a.txt"))

	_, _, ok := s.GetFile("h", "a.txt")
	assert.False(t, ok)
	all, err := s.ListFiles("h")
	require.NoError(t, err)
	assert.NotContains(t, all, "a.txt")
}

func TestClearPathRemovesWholeSubtree(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutFile("h", "a.txt", []byte("x"), FileMeta{Size: 1}))
	require.NoError(t, s.ClearPath("h"))

	_, err := os.Stat(s.serverPathDir("h"))
	assert.True(t, os.IsNotExist(err))
}

func TestUsageSumsFileSizes(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.PutFile("h", "a.txt", []byte("12345"), FileMeta{Size: 5}))
	require.NoError(t, s.PutFile("h", "b.txt", []byte("123"), FileMeta{Size: 3}))

	u, err := s.Usage("h")
	require.NoError(t, err)
	assert.Equal(t, uint64(8), u.TotalBytes)
	assert.Equal(t, 2, u.FileCount)
}

func TestServerPathEscapesSeparators(t *testing.T) {
	s := newTestStore(t)
	dir := s.serverPathDir("host:/a/b/c")
	assert.Equal(t, filepath.Join(s.baseDir, "host:_a_b_c"), dir)
}
