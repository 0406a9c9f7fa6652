package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bettafish/orchestrator/pkg/jsonrepair"
	"github.com/bettafish/orchestrator/pkg/llmclient"
	"github.com/bettafish/orchestrator/pkg/template"
)

// TOCPlanEntry is one table-of-contents entry proposed by the document
// layout stage (spec §4.8.1 stage 3). At most one entry may carry
// AllowSwot, and at most one may carry AllowPest.
type TOCPlanEntry struct {
	ChapterID   string
	Anchor      string
	Display     string
	Description string
	AllowSwot   bool
	AllowPest   bool
}

// DocumentLayout is stage 3's result.
type DocumentLayout struct {
	Title       string
	Subtitle    string
	Tagline     string
	TocTitle    string
	Hero        string
	ThemeTokens []string
	TocPlan     []TOCPlanEntry
	LayoutNotes string
}

var defaultThemeTokens = []string{"analytical", "executive", "zh-CN"}

// designLayout runs stage 3: an LLM proposes document-level framing
// (title/subtitle/tagline/hero/theme) and a TOC plan, constrained so at
// most one section is flagged for a SWOT table and at most one for a PEST
// table (spec §4.8.1 stage 3 invariant). Hard LLM failures propagate;
// only structural-format failures are retried (spec §4.8.2).
func designLayout(
	ctx context.Context,
	logger *slog.Logger,
	client llmclient.Client,
	cfg Config,
	query string,
	sections []template.Section,
	handler StreamHandler,
) (DocumentLayout, error) {
	result, err := runStageWithRetry(logger, cfg.StructuralRetryAttempts, "DocumentLayoutNode",
		[]string{"title", "tocPlan"},
		func() (any, error) { return callDocumentLayoutLLM(ctx, client, query, sections) },
		nil)
	if err != nil {
		return DocumentLayout{}, err
	}

	layout := parseLayout(result)
	enforceSingleFlag(layout.TocPlan)

	emit(handler, "layout_designed", map[string]any{
		"title":    layout.Title,
		"subtitle": layout.Subtitle,
	})
	return layout, nil
}

func callDocumentLayoutLLM(ctx context.Context, client llmclient.Client, query string, sections []template.Section) (any, error) {
	var outline strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&outline, "- %s (%s)\n", chapterTitle(s), s.ChapterID)
	}

	system := "You design the front matter and table of contents for a BettaFish public-opinion " +
		"report. Given the query and the chapter outline, respond with JSON: " +
		`{"title","subtitle","tagline","tocTitle","hero","themeTokens":[...],"layoutNotes",` +
		`"tocPlan":[{"chapterId","anchor","display","description","allowSwot","allowPest"}]}. ` +
		"At most one tocPlan entry may have allowSwot=true, and at most one may have allowPest=true."

	resp, err := client.Complete(ctx, llmclient.Request{
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: system},
			{Role: llmclient.RoleUser, Content: fmt.Sprintf("Query: %s\n\nChapters:\n%s", query, outline.String())},
		},
		Temperature: 0.4,
	})
	if err != nil {
		return nil, err
	}
	return jsonrepair.Parse(resp.Content, "DocumentLayoutNode", jsonrepair.Options{ExpectedKeys: []string{"title", "tocPlan"}})
}

func parseLayout(m map[string]any) DocumentLayout {
	layout := DocumentLayout{
		Title:       asString(m["title"]),
		Subtitle:    asString(m["subtitle"]),
		Tagline:     asString(m["tagline"]),
		TocTitle:    asString(m["tocTitle"]),
		Hero:        asString(m["hero"]),
		LayoutNotes: asString(m["layoutNotes"]),
	}
	if tokens, ok := m["themeTokens"].([]any); ok {
		for _, t := range tokens {
			if s, ok := t.(string); ok {
				layout.ThemeTokens = append(layout.ThemeTokens, s)
			}
		}
	}
	if len(layout.ThemeTokens) == 0 {
		layout.ThemeTokens = append([]string(nil), defaultThemeTokens...)
	}
	if plan, ok := m["tocPlan"].([]any); ok {
		for _, item := range plan {
			if e, ok := item.(map[string]any); ok {
				layout.TocPlan = append(layout.TocPlan, TOCPlanEntry{
					ChapterID:   asString(e["chapterId"]),
					Anchor:      asString(e["anchor"]),
					Display:     asString(e["display"]),
					Description: asString(e["description"]),
					AllowSwot:   asBool(e["allowSwot"]),
					AllowPest:   asBool(e["allowPest"]),
				})
			}
		}
	}
	return layout
}

// enforceSingleFlag clears every AllowSwot/AllowPest after the first
// occurrence, so an LLM that violates the at-most-one invariant is
// silently corrected rather than rejected (spec §4.8.1 stage 3
// invariant).
func enforceSingleFlag(plan []TOCPlanEntry) {
	swotSeen, pestSeen := false, false
	for i := range plan {
		if plan[i].AllowSwot {
			if swotSeen {
				plan[i].AllowSwot = false
			}
			swotSeen = true
		}
		if plan[i].AllowPest {
			if pestSeen {
				plan[i].AllowPest = false
			}
			pestSeen = true
		}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
