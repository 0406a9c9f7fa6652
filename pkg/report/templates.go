package report

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bettafish/orchestrator/pkg/jsonrepair"
	"github.com/bettafish/orchestrator/pkg/llmclient"
)

// templateCandidate is one locally-available .md template (spec §4.8.1
// stage 1), grounded on ReportEngine/nodes/template_selection_node.py's
// _get_available_templates.
type templateCandidate struct {
	Name        string
	Content     string
	Description string
}

// loadTemplates enumerates the .md files directly under templateDir. A
// missing or empty directory yields no candidates, which is itself the
// signal to skip the LLM and fall back to the builtin template (spec §8
// scenario E1).
func loadTemplates(templateDir string) []templateCandidate {
	if templateDir == "" {
		return nil
	}
	entries, err := os.ReadDir(templateDir)
	if err != nil {
		return nil
	}
	var out []templateCandidate
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(templateDir, e.Name()))
		if err != nil {
			continue
		}
		content := string(data)
		description := firstLine(content)
		out = append(out, templateCandidate{
			Name:        strings.TrimSuffix(e.Name(), ".md"),
			Content:     content,
			Description: description,
		})
	}
	return out
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return strings.TrimSpace(s[:idx])
	}
	return strings.TrimSpace(s)
}

// templateSelection is stage 1's result (spec §4.8.1).
type templateSelection struct {
	TemplateName    string
	TemplateContent string
	SelectionReason string
}

// selectTemplate runs stage 1: comprehensive query/reports/forum log plus
// the local template library go to the LLM, which picks the best
// skeleton. Any failure — no candidates, a hard LLM error, or exhausted
// structural retries — falls back to the builtin template, mirroring
// agent.py's "no preset template -> skip straight to fallback" and
// "_llm_template_selection raises -> fallback" behavior.
func selectTemplate(
	ctx context.Context,
	logger *slog.Logger,
	client llmclient.Client,
	cfg Config,
	query string,
	reports map[string]string,
	forumLog string,
	templateDir string,
	handler StreamHandler,
) templateSelection {
	candidates := loadTemplates(templateDir)
	if len(candidates) == 0 || client == nil {
		return fallbackSelection(handler, "no template library available")
	}

	result, err := runStageWithRetry(logger, cfg.StructuralRetryAttempts, "TemplateSelectionNode",
		[]string{"template_name", "selection_reason"},
		func() (any, error) {
			return callTemplateSelectionLLM(ctx, client, query, reports, forumLog, candidates)
		}, nil)
	if err != nil {
		logger.Warn("report: template selection failed, using fallback", "error", err)
		return fallbackSelection(handler, "LLM template selection failed: "+err.Error())
	}

	name, _ := result["template_name"].(string)
	reason, _ := result["selection_reason"].(string)

	var content string
	for _, c := range candidates {
		if c.Name == name {
			content = c.Content
			break
		}
	}
	if content == "" {
		return fallbackSelection(handler, "LLM selected an unknown template: "+name)
	}

	emit(handler, "template_selected", map[string]any{
		"templateName":    name,
		"selectionReason": reason,
	})
	return templateSelection{TemplateName: name, TemplateContent: content, SelectionReason: reason}
}

func fallbackSelection(handler StreamHandler, reason string) templateSelection {
	emit(handler, "template_selected", map[string]any{
		"templateName":    builtinFallbackTemplateName,
		"selectionReason": reason,
	})
	return templateSelection{
		TemplateName:    builtinFallbackTemplateName,
		TemplateContent: builtinFallbackTemplateContent,
		SelectionReason: reason,
	}
}

func callTemplateSelectionLLM(
	ctx context.Context,
	client llmclient.Client,
	query string,
	reports map[string]string,
	forumLog string,
	candidates []templateCandidate,
) (any, error) {
	var list strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&list, "- %s: %s\n", c.Name, c.Description)
	}

	system := "You are a report architect for BettaFish. Given a user query, three analysis-engine " +
		"reports, and a forum discussion log, choose the single best report template from the " +
		"candidate list. Respond with a JSON object: " +
		`{"template_name": "<one of the candidate names>", "selection_reason": "<why>"}.`

	user := fmt.Sprintf(
		"Query: %s\n\nQuery engine report:\n%s\n\nMedia engine report:\n%s\n\nInsight engine report:\n%s\n\nForum log:\n%s\n\nCandidate templates:\n%s",
		query, reports["query_engine"], reports["media_engine"], reports["insight_engine"], forumLog, list.String(),
	)

	resp, err := client.Complete(ctx, llmclient.Request{
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: system},
			{Role: llmclient.RoleUser, Content: user},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return nil, err
	}

	return jsonrepair.Parse(resp.Content, "TemplateSelectionNode",
		jsonrepair.Options{ExpectedKeys: []string{"template_name", "selection_reason"}})
}

// templateOverview summarizes the selected template for manifest
// persistence (spec §4.8.1 step 2 persistence artifact).
func templateOverview(sel templateSelection) map[string]any {
	return map[string]any{
		"templateName":    sel.TemplateName,
		"selectionReason": sel.SelectionReason,
	}
}
