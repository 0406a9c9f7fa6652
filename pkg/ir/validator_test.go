package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paragraphBlock(text string) map[string]any {
	return map[string]any{
		"type":    "paragraph",
		"inlines": []any{map[string]any{"text": text}},
	}
}

func baseChapter(blocks ...any) map[string]any {
	return map[string]any{
		"chapterId": "S1",
		"title":     "Overview",
		"anchor":    "section-1",
		"order":     10,
		"blocks":    blocks,
	}
}

func TestValidateChapterAcceptsWellFormedParagraph(t *testing.T) {
	v := NewValidator()
	ok, errs := v.ValidateChapter(baseChapter(paragraphBlock("hello world")))
	assert.True(t, ok)
	assert.Empty(t, errs)
}

func TestValidateChapterRejectsMissingRequiredFields(t *testing.T) {
	v := NewValidator()
	ok, errs := v.ValidateChapter(map[string]any{"title": "x"})
	assert.False(t, ok)
	assert.Contains(t, errs, "missing chapter.chapterId")
	assert.Contains(t, errs, "missing chapter.blocks")
}

func TestValidateChapterRejectsUnknownBlockType(t *testing.T) {
	v := NewValidator()
	ok, errs := v.ValidateChapter(baseChapter(map[string]any{"type": "banner"}))
	require.False(t, ok)
	assert.Contains(t, errs[0], "blocks[0].type is not supported")
}

func TestValidateSwotTableRejectsIllegalImpact(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type": "swotTable",
		"strengths": []any{
			map[string]any{"title": "fast growth", "impact": "massive"},
		},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	require.False(t, ok)
	found := false
	for _, e := range errs {
		if strings.Contains(e, "impact only allows impact ratings") {
			found = true
		}
	}
	assert.True(t, found, "expected impact-enum error, got: %v", errs)
}

func TestValidateSwotTableAcceptsLegalImpact(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type": "swotTable",
		"strengths": []any{
			map[string]any{"title": "fast growth", "impact": "高"},
		},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	assert.True(t, ok, "errors: %v", errs)
}

func TestValidateEngineQuoteEnforcesEngineAndTitle(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type":   "engineQuote",
		"engine": "insight",
		"title":  "媒体引擎",
		"blocks": []any{paragraphBlock("quote body")},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	require.False(t, ok)
	found := false
	for _, e := range errs {
		if strings.Contains(e, "must be consistent with engine") {
			found = true
		}
	}
	assert.True(t, found, "errors: %v", errs)
}

func TestValidateListRequiresNestedBlockArrays(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type":     "list",
		"listType": "bullet",
		"items":    []any{[]any{paragraphBlock("item one")}},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	assert.True(t, ok, "errors: %v", errs)
}

func TestValidateListRejectsIllegalListType(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type":     "list",
		"listType": "weird",
		"items":    []any{[]any{paragraphBlock("item one")}},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	require.False(t, ok)
	assert.Contains(t, errs[0], "listType value is illegal")
}

func TestValidateCalloutRejectsIllegalTone(t *testing.T) {
	v := NewValidator()
	block := map[string]any{
		"type":   "callout",
		"tone":   "urgent",
		"blocks": []any{paragraphBlock("body")},
	}
	ok, errs := v.ValidateChapter(baseChapter(block))
	require.False(t, ok)
	assert.Contains(t, errs[0], "tone illegal value")
}
