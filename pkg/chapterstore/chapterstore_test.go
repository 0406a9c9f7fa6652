package chapterstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettafish/orchestrator/pkg/ir"
)

func TestSafeSlugStripsIllegalCharsAndFallsBack(t *testing.T) {
	assert.Equal(t, "section", SafeSlug("!!!"))
	assert.Equal(t, "section", SafeSlug(""))
	assert.Equal(t, "市场-分析", SafeSlug("市场 分析"))
	assert.Equal(t, "hello-world", SafeSlug("hello!!!world"))
}

func TestStartSessionCreatesEmptyManifest(t *testing.T) {
	store := New(t.TempDir())
	runDir, err := store.StartSession("report-1", map[string]any{"query": "q"})
	require.NoError(t, err)

	manifest, err := store.LoadManifest(runDir)
	require.NoError(t, err)
	assert.Equal(t, "report-1", manifest.ReportID)
	assert.Empty(t, manifest.Chapters)
}

func TestBeginChapterThenPersistChapterRoundTripsThroughLoadChapters(t *testing.T) {
	store := New(t.TempDir())
	runDir, err := store.StartSession("report-1", nil)
	require.NoError(t, err)

	metaB := ChapterMeta{ChapterID: "S2", Title: "Second", Slug: "second", Order: 20}
	metaA := ChapterMeta{ChapterID: "S1", Title: "First", Slug: "first", Order: 10}

	_, err = store.BeginChapter(runDir, metaB)
	require.NoError(t, err)
	_, err = store.BeginChapter(runDir, metaA)
	require.NoError(t, err)

	payloadB := ir.ChapterPayload{ChapterID: "S2", Title: "Second", Anchor: "section-2", Order: 20,
		Blocks: []ir.Block{{"type": "paragraph", "inlines": []any{map[string]any{"text": "b"}}}}}
	payloadA := ir.ChapterPayload{ChapterID: "S1", Title: "First", Anchor: "section-1", Order: 10,
		Blocks: []ir.Block{{"type": "paragraph", "inlines": []any{map[string]any{"text": "a"}}}}}

	_, err = store.PersistChapter(runDir, metaB, payloadB, nil)
	require.NoError(t, err)
	_, err = store.PersistChapter(runDir, metaA, payloadA, nil)
	require.NoError(t, err)

	loaded, err := store.LoadChapters(runDir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "S1", loaded[0].ChapterID)
	assert.Equal(t, "S2", loaded[1].ChapterID)
	assert.Less(t, loaded[0].Order, loaded[1].Order)
}

func TestPersistChapterWithErrorsMarksInvalidAndIsExcludedFromLoad(t *testing.T) {
	store := New(t.TempDir())
	runDir, err := store.StartSession("report-1", nil)
	require.NoError(t, err)

	meta := ChapterMeta{ChapterID: "S1", Title: "Bad", Slug: "bad", Order: 10}
	_, err = store.BeginChapter(runDir, meta)
	require.NoError(t, err)

	payload := ir.ChapterPayload{ChapterID: "S1", Title: "Bad", Order: 10}
	_, err = store.PersistChapter(runDir, meta, payload, []string{"blocks must be a non-empty array"})
	require.NoError(t, err)

	manifest, err := store.LoadManifest(runDir)
	require.NoError(t, err)
	require.Len(t, manifest.Chapters, 1)
	assert.Equal(t, StatusInvalid, manifest.Chapters[0].Status)
	assert.NotEmpty(t, manifest.Chapters[0].Errors)

	loaded, err := store.LoadChapters(runDir)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestUpsertWithSameRecordYieldsSameManifest(t *testing.T) {
	store := New(t.TempDir())
	runDir, err := store.StartSession("report-1", nil)
	require.NoError(t, err)

	meta := ChapterMeta{ChapterID: "S1", Title: "First", Slug: "first", Order: 10}
	_, err = store.BeginChapter(runDir, meta)
	require.NoError(t, err)

	first, err := store.LoadManifest(runDir)
	require.NoError(t, err)

	_, err = store.BeginChapter(runDir, meta)
	require.NoError(t, err)
	second, err := store.LoadManifest(runDir)
	require.NoError(t, err)

	require.Len(t, first.Chapters, 1)
	require.Len(t, second.Chapters, 1)
	assert.Equal(t, first.Chapters[0].ChapterID, second.Chapters[0].ChapterID)
	assert.Equal(t, first.Chapters[0].Status, second.Chapters[0].Status)
}

func TestCaptureStreamWritesAndCloseIsIdempotent(t *testing.T) {
	store := New(t.TempDir())
	runDir, err := store.StartSession("report-1", nil)
	require.NoError(t, err)

	meta := ChapterMeta{ChapterID: "S1", Title: "First", Slug: "first", Order: 10}
	chapterDir, err := store.BeginChapter(runDir, meta)
	require.NoError(t, err)

	w, err := store.CaptureStream(chapterDir)
	require.NoError(t, err)
	_, err = w.Write([]byte("streamed tokens"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	data, err := os.ReadFile(filepath.Join(chapterDir, "stream.raw"))
	require.NoError(t, err)
	assert.Equal(t, "streamed tokens", string(data))
}
