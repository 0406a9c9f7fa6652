// Package compose stitches validated chapters into a final DocumentIR
// (spec §4.6).
//
// Grounded on ReportEngine/core/stitcher.py's DocumentComposer
// (_build_toc_anchor_map, _ensure_unique_anchor) anchor-assignment
// precedence and collision suffixing, re-expressed with a plain Go map
// for the "used anchors" set in place of the original's set/dict hybrid.
package compose

import (
	"fmt"
	"sort"
	"time"

	"github.com/bettafish/orchestrator/pkg/ir"
)

// TOCEntry is one entry of the caller-supplied table-of-contents plan
// (highest-precedence anchor source).
type TOCEntry struct {
	ChapterID string
	Anchor    string
}

// Build sorts chapters by order, assigns missing chapterIds (S{index}),
// resolves each chapter's anchor by the spec's precedence — (1) a TOC
// override for this chapterId, (2) the chapter's own anchor, (3)
// "section-{index}" — deduplicating collisions with "-2", "-3", ... and
// assembles the final DocumentIR.
func Build(reportID, title string, metadata map[string]any, chapters []ir.ChapterPayload, tocPlan []TOCEntry) ir.DocumentIR {
	sorted := make([]ir.ChapterPayload, len(chapters))
	copy(sorted, chapters)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	tocByChapterID := make(map[string]string, len(tocPlan))
	for _, t := range tocPlan {
		tocByChapterID[t.ChapterID] = t.Anchor
	}

	usedAnchors := make(map[string]bool, len(sorted))

	for i := range sorted {
		c := &sorted[i]
		if c.ChapterID == "" {
			c.ChapterID = fmt.Sprintf("S%d", i+1)
		}

		candidate := resolveAnchorCandidate(c, i, tocByChapterID)
		c.Anchor = dedupeAnchor(candidate, usedAnchors)
		usedAnchors[c.Anchor] = true

		if meta := c.Meta; meta != nil {
			if errPlaceholder, _ := meta["errorPlaceholder"].(bool); errPlaceholder {
				ensureHeadingBlock(c)
			}
		}
	}

	if metadata == nil {
		metadata = map[string]any{}
	}
	if _, ok := metadata["generatedAt"]; !ok {
		metadata["generatedAt"] = time.Now().UTC().Format(time.RFC3339)
	}

	return ir.DocumentIR{
		Version:     ir.Version,
		ReportID:    reportID,
		Title:       title,
		Chapters:    sorted,
		Meta:        metadata,
		GeneratedAt: metadata["generatedAt"].(string),
	}
}

func resolveAnchorCandidate(c *ir.ChapterPayload, index int, tocByChapterID map[string]string) string {
	if anchor, ok := tocByChapterID[c.ChapterID]; ok && anchor != "" {
		return anchor
	}
	if c.Anchor != "" {
		return c.Anchor
	}
	return fmt.Sprintf("section-%d", index+1)
}

func dedupeAnchor(candidate string, used map[string]bool) string {
	if !used[candidate] {
		return candidate
	}
	for n := 2; ; n++ {
		next := fmt.Sprintf("%s-%d", candidate, n)
		if !used[next] {
			return next
		}
	}
}

func ensureHeadingBlock(c *ir.ChapterPayload) {
	for _, b := range c.Blocks {
		if t, _ := b["type"].(string); t == "heading" {
			return
		}
	}
	heading := ir.Block{
		"type":   "heading",
		"level":  1,
		"text":   c.Title,
		"anchor": c.Anchor,
	}
	c.Blocks = append([]ir.Block{heading}, c.Blocks...)
}
