package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettafish/orchestrator/pkg/ir"
)

func TestBuildSortsByOrderAndAssignsChapterIDs(t *testing.T) {
	chapters := []ir.ChapterPayload{
		{Title: "Second", Order: 20},
		{Title: "First", Order: 10},
	}
	doc := Build("report-1", "Title", nil, chapters, nil)

	require.Len(t, doc.Chapters, 2)
	assert.Equal(t, "First", doc.Chapters[0].Title)
	assert.Equal(t, "Second", doc.Chapters[1].Title)
	assert.Equal(t, "S1", doc.Chapters[0].ChapterID)
	assert.Equal(t, "S2", doc.Chapters[1].ChapterID)
	assert.Equal(t, "report-1", doc.ReportID)
}

func TestBuildAnchorsAreUniqueAndOrderNonDecreasing(t *testing.T) {
	chapters := []ir.ChapterPayload{
		{ChapterID: "a", Anchor: "dup", Order: 1},
		{ChapterID: "b", Anchor: "dup", Order: 2},
		{ChapterID: "c", Anchor: "dup", Order: 3},
	}
	doc := Build("report-1", "Title", nil, chapters, nil)

	seen := map[string]bool{}
	lastOrder := -1
	for _, c := range doc.Chapters {
		assert.False(t, seen[c.Anchor], "duplicate anchor: %s", c.Anchor)
		seen[c.Anchor] = true
		assert.GreaterOrEqual(t, c.Order, lastOrder)
		lastOrder = c.Order
	}
	assert.Equal(t, "dup", doc.Chapters[0].Anchor)
	assert.Equal(t, "dup-2", doc.Chapters[1].Anchor)
	assert.Equal(t, "dup-3", doc.Chapters[2].Anchor)
}

func TestBuildAnchorPrecedenceTOCOverridesChapterAnchor(t *testing.T) {
	chapters := []ir.ChapterPayload{
		{ChapterID: "s1", Anchor: "own-anchor", Order: 1},
	}
	toc := []TOCEntry{{ChapterID: "s1", Anchor: "toc-anchor"}}
	doc := Build("report-1", "Title", nil, chapters, toc)

	assert.Equal(t, "toc-anchor", doc.Chapters[0].Anchor)
}

func TestBuildAnchorFallsBackToSectionIndex(t *testing.T) {
	chapters := []ir.ChapterPayload{{ChapterID: "s1", Order: 1}}
	doc := Build("report-1", "Title", nil, chapters, nil)
	assert.Equal(t, "section-1", doc.Chapters[0].Anchor)
}

func TestBuildInsertsHeadingForErrorPlaceholderChapters(t *testing.T) {
	chapters := []ir.ChapterPayload{
		{
			ChapterID: "s1",
			Title:     "Broken Chapter",
			Order:     1,
			Blocks:    []ir.Block{{"type": "paragraph"}},
			Meta:      map[string]any{"errorPlaceholder": true},
		},
	}
	doc := Build("report-1", "Title", nil, chapters, nil)

	require.NotEmpty(t, doc.Chapters[0].Blocks)
	headingType, _ := doc.Chapters[0].Blocks[0]["type"].(string)
	assert.Equal(t, "heading", headingType)
}

func TestBuildStampsGeneratedAtWhenAbsent(t *testing.T) {
	doc := Build("report-1", "Title", nil, nil, nil)
	assert.NotEmpty(t, doc.GeneratedAt)
	assert.Equal(t, doc.GeneratedAt, doc.Meta["generatedAt"])
}
