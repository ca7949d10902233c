package vcs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeOutput(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func TestCommitWithFullOutput(t *testing.T) {
	h := NewHistory(t.TempDir(), 10)
	out := writeOutput(t, map[string]string{
		"index.html":   "<html></html>",
		"src/app.js":   "console.log(1)",
		"node_modules/left-pad/index.js": "module.exports = x => x",
	})

	hash, err := h.Commit(context.Background(), 1, "v-1", "initial build", out, true)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	dir := h.projectDir(1)
	assert.FileExists(t, filepath.Join(dir, "metadata", "v-1.json"))
	assert.FileExists(t, filepath.Join(dir, "versions", "v-1", "index.html"))
	assert.FileExists(t, filepath.Join(dir, "versions", "v-1", "src", "app.js"))
	assert.NoFileExists(t, filepath.Join(dir, "versions", "v-1", "node_modules", "left-pad", "index.js"))
}

func TestCommitMetadataOnly(t *testing.T) {
	h := NewHistory(t.TempDir(), 10)
	out := writeOutput(t, map[string]string{"index.html": "<html></html>"})

	_, err := h.Commit(context.Background(), 1, "v-1", "metadata only", out, false)
	require.NoError(t, err)

	dir := h.projectDir(1)
	assert.FileExists(t, filepath.Join(dir, "metadata", "v-1.json"))
	assert.NoDirExists(t, filepath.Join(dir, "versions", "v-1"))
}

func TestTrimWindowPrunesOldFullOutput(t *testing.T) {
	h := NewHistory(t.TempDir(), 2)
	out := writeOutput(t, map[string]string{"index.html": "<html></html>"})

	ids := []string{"v-1", "v-2", "v-3", "v-4"}
	for _, id := range ids {
		_, err := h.Commit(context.Background(), 1, id, "build "+id, out, true)
		require.NoError(t, err)
	}

	require.NoError(t, h.TrimWindow(context.Background(), 1, "v-4", ids))

	retained, err := h.RetainedVersions(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v-3", "v-4"}, retained)

	// Metadata survives pruning for every version.
	dir := h.projectDir(1)
	for _, id := range ids {
		assert.FileExists(t, filepath.Join(dir, "metadata", id+".json"))
	}
}

func TestTrimWindowNoOpInsideWindow(t *testing.T) {
	h := NewHistory(t.TempDir(), 5)
	out := writeOutput(t, map[string]string{"index.html": "<html></html>"})

	ids := []string{"v-1", "v-2"}
	for _, id := range ids {
		_, err := h.Commit(context.Background(), 1, id, "build", out, true)
		require.NoError(t, err)
	}
	require.NoError(t, h.TrimWindow(context.Background(), 1, "v-2", ids))

	retained, err := h.RetainedVersions(1)
	require.NoError(t, err)
	assert.ElementsMatch(t, ids, retained)
}

func TestCommitHistoryIsAppendOnly(t *testing.T) {
	base := t.TempDir()
	h := NewHistory(base, 1)
	out := writeOutput(t, map[string]string{"index.html": "<html></html>"})

	ids := []string{"v-1", "v-2", "v-3"}
	for _, id := range ids {
		_, err := h.Commit(context.Background(), 1, id, "build", out, true)
		require.NoError(t, err)
	}
	require.NoError(t, h.TrimWindow(context.Background(), 1, "v-3", ids))

	// Every build commit plus the trim commit is in the log.
	repo, err := git.PlainOpen(h.projectDir(1))
	require.NoError(t, err)
	iter, err := repo.Log(&git.LogOptions{})
	require.NoError(t, err)
	count := 0
	require.NoError(t, iter.ForEach(func(c *object.Commit) error {
		count++
		return nil
	}))
	assert.Equal(t, 4, count)
}

func TestRetainedVersionsEmptyProject(t *testing.T) {
	h := NewHistory(t.TempDir(), 3)
	retained, err := h.RetainedVersions(42)
	require.NoError(t, err)
	assert.Empty(t, retained)
}
