// Package report implements the ReportPipeline (spec §4.8): the staged
// LLM orchestration that turns a query, three engine reports, and a
// forum log into a validated Document IR.
//
// Grounded on ReportEngine/agent.py's ReportAgent (stage sequencing,
// the chapter-generation recovery ladder, stage-level structural
// retry) and ReportEngine/nodes/*.py for each stage's output shape.
package report

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config tunes the pipeline's retry ladders (spec §4.8.2).
type Config struct {
	StructuralRetryAttempts  int
	ContentSparseMinAttempts int
	ChapterJSONMaxAttempts   int
	// ContentSparseMinChars is the body-character floor below which a
	// parsed-and-validated chapter is still rejected as too sparse to
	// keep (spec §4.8.2: "ChapterContentError (low body character
	// count)"). The spec leaves the exact threshold unspecified; 120 is
	// this implementation's choice.
	ContentSparseMinChars int
	JSONErrorLogDir       string
}

func (c Config) withDefaults() Config {
	if c.StructuralRetryAttempts <= 0 {
		c.StructuralRetryAttempts = 2
	}
	if c.ContentSparseMinAttempts <= 0 {
		c.ContentSparseMinAttempts = 3
	}
	if c.ChapterJSONMaxAttempts <= 0 {
		c.ChapterJSONMaxAttempts = c.ContentSparseMinAttempts
	}
	if c.ContentSparseMinChars <= 0 {
		c.ContentSparseMinChars = 120
	}
	return c
}

func (c Config) chapterMaxAttempts() int {
	if c.ContentSparseMinAttempts > c.ChapterJSONMaxAttempts {
		return c.ContentSparseMinAttempts
	}
	return c.ChapterJSONMaxAttempts
}

// contentSparseWarningText is the localized warning paragraph inserted
// into a finalized sparse chapter (spec §8 scenario E4).
const contentSparseWarningText = "本章节由LLM生成的内容字数可能过低，如有需要可尝试重新运行程序。"

// StageOutputFormatError is raised when a stage's LLM call returns
// something other than a usable object (spec §4.8.2).
type StageOutputFormatError struct {
	Stage  string
	Reason string
}

func (e *StageOutputFormatError) Error() string {
	return fmt.Sprintf("report: %s: %s", e.Stage, e.Reason)
}

// ChapterJSONParseError means a chapter's raw LLM output could not be
// parsed as JSON even after jsonrepair's cascade.
type ChapterJSONParseError struct {
	Section string
	Reason  string
}

func (e *ChapterJSONParseError) Error() string {
	return fmt.Sprintf("report: chapter %s: json parse: %s", e.Section, e.Reason)
}

// ChapterContentError means a chapter parsed and validated but its body
// is too sparse to accept outright; Candidate/BodyCharacters feed the
// sparse-fallback ladder (spec §4.8.2).
type ChapterContentError struct {
	Section        string
	Candidate      map[string]any
	BodyCharacters int
}

func (e *ChapterContentError) Error() string {
	return fmt.Sprintf("report: chapter %s: sparse content (%d characters)", e.Section, e.BodyCharacters)
}

// ChapterValidationError means IRValidator rejected the chapter.
type ChapterValidationError struct {
	Section string
	Errors  []string
}

func (e *ChapterValidationError) Error() string {
	return fmt.Sprintf("report: chapter %s: validation failed: %s", e.Section, strings.Join(e.Errors, "; "))
}

// contentSafetyKeywords are matched case-insensitively against any LLM
// error message; a match is treated as retryable regardless of error
// type (spec §4.8.2, §12 supplemented feature, ported from
// ReportEngine/agent.py's _should_retry_inappropriate_content_error).
var contentSafetyKeywords = []string{
	"inappropriate content",
	"content violation",
	"content moderation",
	"model-studio/error-code",
}

func isContentSafetyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range contentSafetyKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// StreamHandler receives pipeline progress events (spec §4.8.4). It must
// be failure-isolated: pipeline code recovers a panic in the handler and
// logs it, never letting a handler fault abort the run.
type StreamHandler func(eventType string, payload map[string]any)

func emit(handler StreamHandler, eventType string, payload map[string]any) {
	if handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Warn("report: stream handler panicked", "event", eventType, "panic", r)
		}
	}()
	handler(eventType, payload)
}

// GenerationContext is the shared context passed into every per-chapter
// generation call (spec §4.8.1 step 5).
type GenerationContext struct {
	Query        string
	Reports      map[string]string
	ForumLog     string
	TemplateName string
	ThemeTokens  []string
}
