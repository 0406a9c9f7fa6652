package baseline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMarkdown(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("# report"), 0o644))
}

func TestCheckNewFilesReportsMissingEngines(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{
		"insight": filepath.Join(root, "insight"),
		"media":   filepath.Join(root, "media"),
		"query":   filepath.Join(root, "query"),
	}
	writeMarkdown(t, dirs["insight"], "a.md")
	writeMarkdown(t, dirs["insight"], "b.md")
	writeMarkdown(t, dirs["insight"], "c.md")
	writeMarkdown(t, dirs["media"], "a.md")
	writeMarkdown(t, dirs["media"], "b.md")
	writeMarkdown(t, dirs["query"], "a.md")
	writeMarkdown(t, dirs["query"], "b.md")
	writeMarkdown(t, dirs["query"], "c.md")
	writeMarkdown(t, dirs["query"], "d.md")

	store := New(filepath.Join(root, "report_baseline.json"))
	_, err := store.Initialize(dirs)
	require.NoError(t, err)

	writeMarkdown(t, dirs["insight"], "new.md")

	readiness, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.False(t, readiness.Ready)
	assert.Equal(t, []string{"media", "query"}, readiness.Missing)
	assert.Equal(t, 1, readiness.Delta["insight"])
}

func TestCheckNewFilesIsSideEffectFree(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{"insight": filepath.Join(root, "insight")}
	writeMarkdown(t, dirs["insight"], "a.md")

	store := New(filepath.Join(root, "report_baseline.json"))
	_, err := store.Initialize(dirs)
	require.NoError(t, err)

	first, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	second, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestInitializeIsIdempotentOnStableInputs(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{"insight": filepath.Join(root, "insight")}
	writeMarkdown(t, dirs["insight"], "a.md")
	writeMarkdown(t, dirs["insight"], "b.md")

	store := New(filepath.Join(root, "report_baseline.json"))
	first, err := store.Initialize(dirs)
	require.NoError(t, err)
	second, err := store.Initialize(dirs)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestMissingSnapshotFileImpliesEmptyBaseline(t *testing.T) {
	root := t.TempDir()
	dirs := map[string]string{"insight": filepath.Join(root, "insight")}
	writeMarkdown(t, dirs["insight"], "a.md")

	store := New(filepath.Join(root, "report_baseline.json"))
	readiness, err := store.CheckNewFiles(dirs)
	require.NoError(t, err)
	assert.True(t, readiness.Ready)
	assert.Equal(t, 1, readiness.Current["insight"])
}

func TestLatestFilesPicksMostRecentMtime(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "insight")
	require.NoError(t, os.MkdirAll(dir, 0o755))

	older := filepath.Join(dir, "older.md")
	newer := filepath.Join(dir, "newer.md")
	require.NoError(t, os.WriteFile(older, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("y"), 0o644))
	now := mustStat(t, newer).ModTime()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Hour), now.Add(-time.Hour)))

	store := New(filepath.Join(root, "report_baseline.json"))
	latest, err := store.LatestFiles(map[string]string{"insight": dir})
	require.NoError(t, err)
	assert.Equal(t, newer, latest["insight"])
}

func mustStat(t *testing.T, path string) os.FileInfo {
	t.Helper()
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info
}
