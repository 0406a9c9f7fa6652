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

// ChapterBudget is one chapter's word-count target (spec §4.8.1 stage 4).
type ChapterBudget struct {
	ChapterID   string
	TargetWords int
	MinWords    int
	MaxWords    int
	Emphasis    []string
	Rationale   string
	Sections    []string
}

// WordPlan is stage 4's normalized result.
type WordPlan struct {
	TotalWords       int
	GlobalGuidelines []string
	Chapters         map[string]ChapterBudget
}

// buildWordPlan runs stage 4: the LLM allocates a word budget per
// chapter. Structural anomalies (list instead of dict, malformed chapter
// entries) are retried/normalized via normalizeWordPlan (spec §4.8.2).
func buildWordPlan(
	ctx context.Context,
	logger *slog.Logger,
	client llmclient.Client,
	cfg Config,
	query string,
	sections []template.Section,
	handler StreamHandler,
) (WordPlan, error) {
	result, err := runStageWithRetry(logger, cfg.StructuralRetryAttempts, "WordBudgetNode",
		[]string{"totalWords", "chapters"},
		func() (any, error) { return callWordBudgetLLM(ctx, client, query, sections) },
		func(m map[string]any) (map[string]any, error) { return normalizeWordPlan(m, "WordBudgetNode") },
	)
	if err != nil {
		return WordPlan{}, err
	}

	plan := parseWordPlan(result, sections)
	emit(handler, "word_plan_ready", map[string]any{
		"totalWords":   plan.TotalWords,
		"chapterCount": len(plan.Chapters),
	})
	return plan, nil
}

func callWordBudgetLLM(ctx context.Context, client llmclient.Client, query string, sections []template.Section) (any, error) {
	var outline strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&outline, "- %s (%s)\n", chapterTitle(s), s.ChapterID)
	}

	system := "You allocate a total word budget across report chapters. Respond with JSON: " +
		`{"totalWords": <int>, "globalGuidelines": ["..."], "chapters": [` +
		`{"chapterId","targetWords","minWords","maxWords","emphasis":["..."],"rationale"}]}`

	resp, err := client.Complete(ctx, llmclient.Request{
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: system},
			{Role: llmclient.RoleUser, Content: fmt.Sprintf("Query: %s\n\nChapters:\n%s", query, outline.String())},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, err
	}
	return jsonrepair.Parse(resp.Content, "WordBudgetNode", jsonrepair.Options{ExpectedKeys: []string{"totalWords", "chapters"}})
}

func parseWordPlan(m map[string]any, sections []template.Section) WordPlan {
	plan := WordPlan{Chapters: make(map[string]ChapterBudget, len(sections))}

	if tw, ok := m["totalWords"].(float64); ok {
		plan.TotalWords = int(tw)
	} else {
		plan.TotalWords = 10000
	}

	if guidelines, ok := m["globalGuidelines"].([]any); ok {
		for _, g := range guidelines {
			if s, ok := g.(string); ok {
				plan.GlobalGuidelines = append(plan.GlobalGuidelines, s)
			}
		}
	}

	entries, _ := m["chapters"].([]any)
	byID := make(map[string]map[string]any, len(entries))
	for _, e := range entries {
		if cm, ok := e.(map[string]any); ok {
			if id := asString(cm["chapterId"]); id != "" {
				byID[id] = cm
			}
		}
	}

	even := plan.TotalWords / maxInt(len(sections), 1)
	for _, s := range sections {
		budget := ChapterBudget{
			ChapterID:   s.ChapterID,
			TargetWords: even,
			MinWords:    even / 2,
			MaxWords:    even * 2,
		}
		if cm, ok := byID[s.ChapterID]; ok {
			if v, ok := cm["targetWords"].(float64); ok {
				budget.TargetWords = int(v)
			}
			if v, ok := cm["minWords"].(float64); ok {
				budget.MinWords = int(v)
			}
			if v, ok := cm["maxWords"].(float64); ok {
				budget.MaxWords = int(v)
			}
			budget.Rationale = asString(cm["rationale"])
			if emph, ok := cm["emphasis"].([]any); ok {
				for _, v := range emph {
					if s, ok := v.(string); ok {
						budget.Emphasis = append(budget.Emphasis, s)
					}
				}
			}
		}
		plan.Chapters[s.ChapterID] = budget
	}
	return plan
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
