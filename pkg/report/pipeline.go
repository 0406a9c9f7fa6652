package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/bettafish/orchestrator/pkg/chapterstore"
	"github.com/bettafish/orchestrator/pkg/compose"
	"github.com/bettafish/orchestrator/pkg/ir"
	"github.com/bettafish/orchestrator/pkg/llmclient"
	"github.com/bettafish/orchestrator/pkg/metrics"
	"github.com/bettafish/orchestrator/pkg/quarantine"
)

// Pipeline runs the full seven-stage report orchestration described in
// spec §4.8.1: template selection, slicing, layout, word budgeting,
// per-chapter generation, compose stitch, and render handoff. Grounded
// on ReportEngine/agent.py's ReportAgent.run, re-expressed as a single Go
// value with its collaborators injected rather than imported at call
// sites.
type Pipeline struct {
	Config Config

	TemplateDir string
	Store       *chapterstore.Store
	Validator   *ir.Validator
	Quarantine  *quarantine.Writer
	Logger      *slog.Logger

	// SelectionClient drives stage 1 (template selection) and stage 3
	// (document layout) and stage 4 (word budget). PrimaryChapterClient
	// streams each chapter's content. FallbackClients are tried in order
	// for the cross-engine rescue ladder (spec §4.8.2).
	SelectionClient      llmclient.Client
	PrimaryChapterClient llmclient.Client
	FallbackClients      []llmclient.Client

	// Render, if set, turns a finished DocumentIR into HTML for the
	// "html_rendered"/"report_saved" events. It may be nil, in which case
	// the pipeline stops after producing the DocumentIR.
	Render func(ir.DocumentIR) (string, error)
}

// Input is one report generation request (spec §4.8.1 step 0).
type Input struct {
	ReportID string
	Query    string
	Reports  [3]string // [query_engine, media_engine, insight_engine]
	ForumLog string
}

// Result is the pipeline's final output (spec §4.8.5).
type Result struct {
	RunDir     string
	Document   ir.DocumentIR
	HTML       string
	ReportPath string
}

// Run executes every stage in order, persisting intermediate artifacts to
// <chapterstore base>/<reportId>/ and emitting the streaming contract
// through handler. Cancellation is honored between stages and between
// chapter generation attempts (spec §5).
func (p *Pipeline) Run(ctx context.Context, in Input, handler StreamHandler) (Result, error) {
	cfg := p.Config.withDefaults()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	start := time.Now()
	defer func() { metrics.ReportPipelineDuration.Observe(time.Since(start).Seconds()) }()

	emit(handler, "agent_start", map[string]any{"reportId": in.ReportID, "query": in.Query})

	runDir, err := p.Store.StartSession(in.ReportID, map[string]any{"query": in.Query})
	if err != nil {
		return Result{}, fmt.Errorf("report: start session: %w", err)
	}
	emit(handler, "storage_ready", map[string]any{"runDir": runDir})

	reports := normalizeReports(in.Reports)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Stage 1: template selection.
	selection := selectTemplate(ctx, logger, p.SelectionClient, cfg, in.Query, reports, in.ForumLog, p.TemplateDir, handler)
	if err := writeJSONArtifact(runDir, "template_overview.json", templateOverview(selection)); err != nil {
		logger.Warn("report: persist template overview", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Stage 2: slicing.
	sections := sliceSections(selection.TemplateName, selection.TemplateContent)
	emit(handler, "template_sliced", map[string]any{"sectionCount": len(sections)})

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Stage 3: document layout.
	layout, err := designLayout(ctx, logger, p.SelectionClient, cfg, in.Query, sections, handler)
	if err != nil {
		return Result{}, fmt.Errorf("report: document layout: %w", err)
	}
	if err := writeJSONArtifact(runDir, "document_layout.json", layout); err != nil {
		logger.Warn("report: persist document layout", "error", err)
	}

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	// Stage 4: word budget.
	wordPlan, err := buildWordPlan(ctx, logger, p.SelectionClient, cfg, in.Query, sections, handler)
	if err != nil {
		return Result{}, fmt.Errorf("report: word budget: %w", err)
	}
	if err := writeJSONArtifact(runDir, "word_plan.json", wordPlan); err != nil {
		logger.Warn("report: persist word plan", "error", err)
	}

	// Stage 5: per-chapter generation, sequential in outline order (spec
	// §4.8.1 step 5: "sequential, one at a time, in section order" so
	// later chapters can lean on earlier context via forum.log and the
	// shared GenerationContext; concurrency is intentionally not used
	// here since the LLM streaming output is itself the rate limiter).
	genCtx := GenerationContext{
		Query:        in.Query,
		Reports:      reports,
		ForumLog:     in.ForumLog,
		TemplateName: selection.TemplateName,
		ThemeTokens:  layout.ThemeTokens,
	}

	deps := chapterDeps{
		Logger:      logger,
		Primary:     p.PrimaryChapterClient,
		Fallbacks:   p.FallbackClients,
		Store:       p.Store,
		Validator:   p.Validator,
		Quarantine:  p.Quarantine,
		Config:      cfg,
		StreamEvent: handler,
	}

	chapters := make([]ir.ChapterPayload, 0, len(sections))
	for _, section := range sections {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		budget, ok := wordPlan.Chapters[section.ChapterID]
		if !ok {
			budget = ChapterBudget{ChapterID: section.ChapterID, TargetWords: wordPlan.TotalWords / maxInt(len(sections), 1)}
		}

		payload, err := generateChapter(ctx, deps, runDir, section, genCtx, budget)
		if err != nil {
			emit(handler, "error", map[string]any{"stage": "chapter", "chapterId": section.ChapterID, "error": err.Error()})
			return Result{}, fmt.Errorf("report: %w", err)
		}
		chapters = append(chapters, payload)
	}

	emit(handler, "chapters_compiled", map[string]any{"chapterCount": len(chapters)})

	// Stage 6: stitch.
	tocPlan := make([]compose.TOCEntry, 0, len(layout.TocPlan))
	for _, t := range layout.TocPlan {
		tocPlan = append(tocPlan, compose.TOCEntry{ChapterID: t.ChapterID, Anchor: t.Anchor})
	}
	doc := compose.Build(in.ReportID, layout.Title, map[string]any{
		"subtitle":    layout.Subtitle,
		"tagline":     layout.Tagline,
		"hero":        layout.Hero,
		"themeTokens": layout.ThemeTokens,
		"query":       in.Query,
	}, chapters, tocPlan)

	if err := writeJSONArtifact(runDir, "document_ir.json", doc); err != nil {
		logger.Warn("report: persist document ir", "error", err)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "document_ir"), 0o755); err == nil {
		writeJSONArtifact(filepath.Join(runDir, "document_ir"), "index.json", doc)
	}

	result := Result{RunDir: runDir, Document: doc}

	// Stage 7: render handoff.
	if p.Render != nil {
		html, err := p.Render(doc)
		if err != nil {
			emit(handler, "error", map[string]any{"stage": "render", "error": err.Error()})
			return result, fmt.Errorf("report: render: %w", err)
		}
		result.HTML = html
		emit(handler, "html_rendered", map[string]any{"bytes": len(html)})

		reportPath := filepath.Join(runDir, "report.html")
		if err := os.WriteFile(reportPath, []byte(html), 0o644); err != nil {
			return result, fmt.Errorf("report: write report.html: %w", err)
		}
		result.ReportPath = reportPath
		emit(handler, "report_saved", map[string]any{"path": reportPath})
	}

	emit(handler, "metrics", map[string]any{"durationSeconds": time.Since(start).Seconds()})
	return result, nil
}

func writeJSONArtifact(runDir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal %s: %w", name, err)
	}
	tmp := filepath.Join(runDir, name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("report: write %s: %w", name, err)
	}
	return os.Rename(tmp, filepath.Join(runDir, name))
}

// isStructuredChapterError reports whether err is one of the three
// structured chapter errors the per-chapter retry ladder understands
// (JSON parse, validation, sparse content), as opposed to a raw,
// unclassified error from the LLM client itself.
func isStructuredChapterError(err error) bool {
	switch err.(type) {
	case *ChapterJSONParseError, *ChapterValidationError, *ChapterContentError:
		return true
	default:
		return false
	}
}

func statusFor(attempt, maxAttempts int) string {
	if attempt >= maxAttempts {
		return "error"
	}
	return "retrying"
}

// ActiveRuns tracks in-flight pipeline runs so an HTTP cancel endpoint
// can signal them without the pipeline needing to know about HTTP at all
// (spec §4.10 POST /api/report/{id}/cancel).
type ActiveRuns struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewActiveRuns constructs an empty run registry.
func NewActiveRuns() *ActiveRuns {
	return &ActiveRuns{cancels: make(map[string]context.CancelFunc)}
}

// Register associates reportID with cancel for the lifetime of one Run
// call; callers should defer Unregister.
func (a *ActiveRuns) Register(reportID string, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels[reportID] = cancel
}

// Unregister removes reportID's cancel func once its run has finished.
func (a *ActiveRuns) Unregister(reportID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cancels, reportID)
}

// Cancel invokes reportID's registered cancel func, if any is currently
// running. It returns false if no matching run is in flight.
func (a *ActiveRuns) Cancel(reportID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.cancels[reportID]
	if !ok {
		return false
	}
	cancel()
	return true
}
