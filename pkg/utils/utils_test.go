/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: utils_test.go
Description: Tests for the file copy and JSON result helpers.
*/

package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCopyFileReplacesDestination(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "seed")
	dst := filepath.Join(dir, "copy")
	require.NoError(t, os.WriteFile(src, []byte("seed data"), 0600))
	require.NoError(t, os.WriteFile(dst, []byte("much longer stale content"), 0644))

	require.NoError(t, CopyFile(src, dst))
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "seed data", string(data))

	assert.Error(t, CopyFile(filepath.Join(dir, "missing"), dst))
}

func TestCopyDirFlatSkipsSubdirectories(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b"), []byte("22"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "nested", "c"), []byte("3"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(src, "nested"), filepath.Join(src, "dirlink")))

	n, err := CopyDirFlat(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := os.ReadDir(dst)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"a", "b"}, names)

	_, err = CopyDirFlat(filepath.Join(src, "missing"), dst)
	assert.Error(t, err)
}

func TestCopyDirFlatFollowsSymlinks(t *testing.T) {
	seeds := t.TempDir()
	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(seeds, "seed"), []byte("linked seed"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "plain"), []byte("plain seed"), 0644))
	require.NoError(t, os.Symlink(filepath.Join(seeds, "seed"), filepath.Join(src, "linked")))

	n, err := CopyDirFlat(src, dst)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	data, err := os.ReadFile(filepath.Join(dst, "linked"))
	require.NoError(t, err)
	assert.Equal(t, "linked seed", string(data))

	info, err := os.Lstat(filepath.Join(dst, "linked"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular(), "the copy holds the target contents, not a link")
}

func TestWriteJSONRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results", "summary.json")
	type result struct {
		RunID string `json:"run_id"`
		Count int    `json:"count"`
	}

	require.NoError(t, WriteJSON(path, result{RunID: "abc", Count: 3}))
	assert.NoFileExists(t, path+".tmp")

	var got result
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, result{RunID: "abc", Count: 3}, got)
}
