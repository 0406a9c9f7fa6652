package report

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bettafish/orchestrator/pkg/chapterstore"
	"github.com/bettafish/orchestrator/pkg/ir"
	"github.com/bettafish/orchestrator/pkg/jsonrepair"
	"github.com/bettafish/orchestrator/pkg/llmclient"
	"github.com/bettafish/orchestrator/pkg/metrics"
	"github.com/bettafish/orchestrator/pkg/quarantine"
	"github.com/bettafish/orchestrator/pkg/template"
)

var chapterExpectedKeys = []string{"chapterId", "title", "anchor", "blocks"}

// chapterDeps bundles the collaborators one generateChapter call needs,
// to keep its own parameter list from sprawling further.
type chapterDeps struct {
	Logger      *slog.Logger
	Primary     llmclient.Client
	Fallbacks   []llmclient.Client
	Store       *chapterstore.Store
	Validator   *ir.Validator
	Quarantine  *quarantine.Writer
	Config      Config
	StreamEvent StreamHandler
}

// generateChapter runs the full per-chapter recovery ladder described in
// spec §4.8.1 stage 5 / §4.8.2: stream from the primary client, repair and
// validate the JSON, retry on structural problems, retry on content-safety
// provider errors, track the best sparse candidate across attempts, and
// fall back to a warning-annotated sparse chapter or a cross-engine rescue
// call when attempts are exhausted. Grounded on
// ReportEngine/agent.py's chapter generation loop.
func generateChapter(
	ctx context.Context,
	deps chapterDeps,
	runDir string,
	section template.Section,
	genCtx GenerationContext,
	budget ChapterBudget,
) (ir.ChapterPayload, error) {
	meta := chapterstore.ChapterMeta{
		ChapterID: section.ChapterID,
		Title:     chapterTitle(section),
		Slug:      section.Slug,
		Order:     section.Order,
	}

	emit(deps.StreamEvent, "chapter_status", map[string]any{
		"chapterId": section.ChapterID, "title": meta.Title, "status": "running",
	})

	chapterDir, err := deps.Store.BeginChapter(runDir, meta)
	if err != nil {
		return ir.ChapterPayload{}, fmt.Errorf("report: begin chapter %s: %w", section.ChapterID, err)
	}

	maxAttempts := deps.Config.chapterMaxAttempts()
	var bestSparse map[string]any
	bestSparseScore := -1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate, bodyChars, genErr := runChapterAttempt(ctx, deps, chapterDir, section, meta, genCtx, budget)

		if genErr == nil {
			metrics.ChapterAttemptsTotal.WithLabelValues("ok").Inc()
			payload := toPayload(candidate, section)
			jsonPath, persistErr := deps.Store.PersistChapter(runDir, meta, payload, nil)
			_ = jsonPath
			if persistErr != nil {
				return ir.ChapterPayload{}, persistErr
			}
			emit(deps.StreamEvent, "chapter_status", map[string]any{
				"chapterId": section.ChapterID, "title": meta.Title, "status": "completed", "attempt": attempt,
			})
			return payload, nil
		}

		lastErr = genErr

		if !isStructuredChapterError(genErr) {
			if !isContentSafetyError(genErr) {
				deps.Store.PersistChapter(runDir, meta, ir.ChapterPayload{
					ChapterID: section.ChapterID, Title: meta.Title, Order: section.Order,
				}, []string{genErr.Error()})
				return ir.ChapterPayload{}, fmt.Errorf("report: chapter %s: %w", section.ChapterID, genErr)
			}
			metrics.ChapterAttemptsTotal.WithLabelValues("content_filter").Inc()
			emit(deps.StreamEvent, "chapter_status", map[string]any{
				"chapterId": section.ChapterID, "title": meta.Title, "status": statusFor(attempt, maxAttempts),
				"attempt": attempt, "error": genErr.Error(), "reason": "content_filter",
			})
			if attempt >= maxAttempts {
				break
			}
			continue
		}

		if ce, ok := genErr.(*ChapterContentError); ok {
			if bodyChars > bestSparseScore {
				bestSparse = ce.Candidate
				bestSparseScore = bodyChars
			}
		}

		willFallback := isContentErr(genErr) && attempt >= maxAttempts &&
			attempt >= deps.Config.ContentSparseMinAttempts && bestSparse != nil

		status := "retrying"
		if attempt >= maxAttempts && !willFallback {
			status = "error"
		}
		metrics.ChapterAttemptsTotal.WithLabelValues(outcomeLabel(genErr)).Inc()
		emit(deps.StreamEvent, "chapter_status", map[string]any{
			"chapterId": section.ChapterID, "title": meta.Title, "status": status,
			"attempt": attempt, "error": genErr.Error(),
		})

		if willFallback {
			deps.Logger.Warn("report: chapter reached max attempts, keeping sparse fallback",
				"chapter", section.ChapterID, "bodyCharacters", bestSparseScore)
			finalized := finalizeSparseChapter(bestSparse)
			payload := toPayload(finalized, section)
			if _, err := deps.Store.PersistChapter(runDir, meta, payload, nil); err != nil {
				return ir.ChapterPayload{}, err
			}
			metrics.ChapterAttemptsTotal.WithLabelValues("sparse").Inc()
			emit(deps.StreamEvent, "chapter_status", map[string]any{
				"chapterId": section.ChapterID, "title": meta.Title, "status": "completed",
				"attempt": attempt, "warning": "content_sparse_fallback", "warningMessage": contentSparseWarningText,
			})
			return payload, nil
		}

		if attempt >= maxAttempts {
			break
		}
	}

	if payload, ok := rescueChapter(ctx, deps, section, meta, genCtx, budget); ok {
		metrics.ChapterAttemptsTotal.WithLabelValues("rescued").Inc()
		if _, err := deps.Store.PersistChapter(runDir, meta, payload, nil); err != nil {
			return ir.ChapterPayload{}, err
		}
		emit(deps.StreamEvent, "chapter_status", map[string]any{
			"chapterId": section.ChapterID, "title": meta.Title, "status": "completed", "warning": "cross_engine_rescue",
		})
		return payload, nil
	}

	metrics.ChapterAttemptsTotal.WithLabelValues("failed").Inc()
	errs := []string{lastErr.Error()}
	if _, err := deps.Store.PersistChapter(runDir, meta, ir.ChapterPayload{
		ChapterID: section.ChapterID, Title: meta.Title, Order: section.Order,
	}, errs); err != nil {
		deps.Logger.Error("report: persist failed chapter record", "error", err)
	}
	return ir.ChapterPayload{}, fmt.Errorf("report: chapter %s: %w", section.ChapterID, lastErr)
}

func isContentErr(err error) bool {
	_, ok := err.(*ChapterContentError)
	return ok
}

func outcomeLabel(err error) string {
	switch err.(type) {
	case *ChapterContentError:
		return "sparse"
	case *ChapterValidationError:
		return "validation"
	case *ChapterJSONParseError:
		return "json_parse"
	default:
		return "retrying"
	}
}

// runChapterAttempt performs one streamed LLM call for a chapter, parses
// and validates the result, and classifies any failure into the
// structured error types the outer retry ladder understands. Returns the
// parsed candidate map, its body-character count, and an error.
func runChapterAttempt(
	ctx context.Context,
	deps chapterDeps,
	chapterDir string,
	section template.Section,
	meta chapterstore.ChapterMeta,
	genCtx GenerationContext,
	budget ChapterBudget,
) (map[string]any, int, error) {
	system, user := buildChapterPrompt(section, genCtx, budget)

	writer, err := deps.Store.CaptureStream(chapterDir)
	if err != nil {
		return nil, 0, fmt.Errorf("report: open chapter stream: %w", err)
	}
	defer writer.Close()

	chunks, errs := deps.Primary.Stream(ctx, llmclient.Request{
		Messages: []llmclient.Message{
			{Role: llmclient.RoleSystem, Content: system},
			{Role: llmclient.RoleUser, Content: user},
		},
		Temperature: 0.5,
	})

	var raw strings.Builder
	for chunk := range chunks {
		if chunk.Content != "" {
			writer.Write([]byte(chunk.Content))
			raw.WriteString(chunk.Content)
			emit(deps.StreamEvent, "chapter_chunk", map[string]any{
				"chapterId": section.ChapterID, "title": meta.Title, "delta": chunk.Content,
			})
		}
	}
	if err := <-errs; err != nil {
		if isContentSafetyError(err) {
			return nil, 0, err
		}
		return nil, 0, err
	}

	rawText := raw.String()
	parsed, err := jsonrepair.Parse(rawText, "ChapterGenerationNode-"+section.ChapterID,
		jsonrepair.Options{ExpectedKeys: chapterExpectedKeys})
	if err != nil {
		if deps.Quarantine != nil {
			deps.Quarantine.Write("chapter-"+section.ChapterID, rawText, err.Error())
		}
		return nil, 0, &ChapterJSONParseError{Section: section.ChapterID, Reason: err.Error()}
	}

	candidate, ok := parsed.(map[string]any)
	if !ok {
		return nil, 0, &ChapterJSONParseError{Section: section.ChapterID, Reason: "parsed value is not an object"}
	}
	fillChapterDefaults(candidate, section)

	ok2, verrs := deps.Validator.ValidateChapter(candidate)
	if !ok2 {
		return nil, 0, &ChapterValidationError{Section: section.ChapterID, Errors: verrs}
	}

	bodyChars := countBodyCharacters(candidate)
	if bodyChars < deps.Config.ContentSparseMinChars {
		return nil, bodyChars, &ChapterContentError{Section: section.ChapterID, Candidate: candidate, BodyCharacters: bodyChars}
	}

	return candidate, bodyChars, nil
}

// rescueChapter is the cross-engine fallback: each fallback client is
// tried in order with a non-streamed completion plus a JSON-recovery
// framing, the first one to parse and validate wins (spec §4.8.2 cross-
// engine fallback, §4.8.1's "ordered fallback_llm_clients").
func rescueChapter(
	ctx context.Context,
	deps chapterDeps,
	section template.Section,
	meta chapterstore.ChapterMeta,
	genCtx GenerationContext,
	budget ChapterBudget,
) (ir.ChapterPayload, bool) {
	if len(deps.Fallbacks) == 0 {
		return ir.ChapterPayload{}, false
	}

	system, user := buildChapterPrompt(section, genCtx, budget)
	recoverySystem := system + "\n\nYour previous output could not be parsed as JSON. " +
		"Respond with ONLY a single valid JSON object, no prose, no markdown fences."

	for _, client := range deps.Fallbacks {
		resp, err := client.Complete(ctx, llmclient.Request{
			Messages: []llmclient.Message{
				{Role: llmclient.RoleSystem, Content: recoverySystem},
				{Role: llmclient.RoleUser, Content: user},
			},
			Temperature: 0.3,
		})
		if err != nil {
			deps.Logger.Warn("report: rescue client failed", "client", client.Label(), "error", err)
			continue
		}

		parsed, err := jsonrepair.Parse(resp.Content, "ChapterRescue-"+section.ChapterID,
			jsonrepair.Options{ExpectedKeys: chapterExpectedKeys})
		if err != nil {
			continue
		}
		candidate, ok := parsed.(map[string]any)
		if !ok {
			continue
		}
		fillChapterDefaults(candidate, section)

		ok2, _ := deps.Validator.ValidateChapter(candidate)
		if !ok2 {
			continue
		}
		return toPayload(candidate, section), true
	}
	return ir.ChapterPayload{}, false
}

func fillChapterDefaults(candidate map[string]any, section template.Section) {
	if _, ok := candidate["chapterId"]; !ok {
		candidate["chapterId"] = section.ChapterID
	}
	if _, ok := candidate["title"]; !ok {
		candidate["title"] = chapterTitle(section)
	}
	if anchor := chapterAnchor(section); anchor != "" {
		candidate["anchor"] = anchor
	} else if _, ok := candidate["anchor"]; !ok {
		candidate["anchor"] = ""
	}
	if _, ok := candidate["order"]; !ok {
		candidate["order"] = float64(section.Order)
	}
}

func toPayload(candidate map[string]any, section template.Section) ir.ChapterPayload {
	payload := ir.ChapterPayload{
		ChapterID: asString(candidate["chapterId"]),
		Title:     asString(candidate["title"]),
		Anchor:    asString(candidate["anchor"]),
		Order:     section.Order,
	}
	if blocksRaw, ok := candidate["blocks"].([]any); ok {
		for _, b := range blocksRaw {
			if bm, ok := b.(map[string]any); ok {
				payload.Blocks = append(payload.Blocks, ir.Block(bm))
			}
		}
	}
	if m, ok := candidate["meta"].(map[string]any); ok {
		payload.Meta = m
	}
	return payload
}

// countBodyCharacters sums the rune length of every inline "text" run
// across all paragraph-shaped blocks, the sparse-detection signal (spec
// §4.8.2 "ChapterContentError (low body character count)").
func countBodyCharacters(candidate map[string]any) int {
	blocks, _ := candidate["blocks"].([]any)
	total := 0
	for _, b := range blocks {
		bm, ok := b.(map[string]any)
		if !ok {
			continue
		}
		inlines, ok := bm["inlines"].([]any)
		if !ok {
			continue
		}
		for _, in := range inlines {
			im, ok := in.(map[string]any)
			if !ok {
				continue
			}
			total += len([]rune(asString(im["text"])))
		}
	}
	return total
}

// finalizeSparseChapter inserts a warning paragraph right after the
// chapter's heading block (or at the front if no heading exists) and
// flags meta.contentSparseWarning, per spec §8 scenario E4, ported from
// agent.py's _ensure_sparse_warning_block.
func finalizeSparseChapter(candidate map[string]any) map[string]any {
	out := make(map[string]any, len(candidate))
	for k, v := range candidate {
		out[k] = v
	}

	warningBlock := map[string]any{
		"type": "paragraph",
		"inlines": []any{
			map[string]any{
				"text":  contentSparseWarningText,
				"marks": []any{map[string]any{"type": "italic"}},
			},
		},
		"meta": map[string]any{"role": "content-sparse-warning"},
	}

	blocks, _ := out["blocks"].([]any)
	if len(blocks) > 0 {
		inserted := false
		newBlocks := make([]any, 0, len(blocks)+1)
		for _, b := range blocks {
			newBlocks = append(newBlocks, b)
			if !inserted {
				if bm, ok := b.(map[string]any); ok && bm["type"] == "heading" {
					newBlocks = append(newBlocks, warningBlock)
					inserted = true
				}
			}
		}
		if !inserted {
			newBlocks = append([]any{warningBlock}, newBlocks...)
		}
		out["blocks"] = newBlocks
	} else {
		out["blocks"] = []any{warningBlock}
	}

	if meta, ok := out["meta"].(map[string]any); ok {
		meta["contentSparseWarning"] = true
		out["meta"] = meta
	} else {
		out["meta"] = map[string]any{"contentSparseWarning": true}
	}
	return out
}

// buildChapterPrompt renders the system/user messages for one chapter
// generation call, folding in the shared generation context, this
// chapter's word budget, and its outline.
func buildChapterPrompt(section template.Section, genCtx GenerationContext, budget ChapterBudget) (string, string) {
	system := "You write one chapter of a BettaFish public-opinion report as a single JSON object: " +
		`{"chapterId","title","anchor","order","blocks":[...]}. ` +
		"Each block has a \"type\" from the allowed set (heading, paragraph, list, table, swotTable, " +
		"pestTable, blockquote, engineQuote, callout, kpiGrid, widget, code, math, figure, hr, toc). " +
		"Every paragraph block has a non-empty \"inlines\" array of {\"text\", \"marks\"?} runs. " +
		"Respond with ONLY the JSON object."

	var outline strings.Builder
	for _, o := range section.Outline {
		fmt.Fprintf(&outline, "- %s\n", o)
	}

	var emphasis string
	if len(budget.Emphasis) > 0 {
		emphasis = strings.Join(budget.Emphasis, ", ")
	}

	user := fmt.Sprintf(
		"Query: %s\n\nChapter: %s (%s)\nOutline:\n%s\nTarget words: %d (min %d, max %d)\nEmphasis: %s\nRationale: %s\n\n"+
			"Query engine report:\n%s\n\nMedia engine report:\n%s\n\nInsight engine report:\n%s\n\nForum log:\n%s",
		genCtx.Query, chapterTitle(section), section.ChapterID, outline.String(),
		budget.TargetWords, budget.MinWords, budget.MaxWords, emphasis, budget.Rationale,
		genCtx.Reports["query_engine"], genCtx.Reports["media_engine"], genCtx.Reports["insight_engine"], genCtx.ForumLog,
	)
	return system, user
}
