package report

import (
	"strings"

	"github.com/bettafish/orchestrator/pkg/template"
)

// builtinFallbackTemplateName marks a selection result as the pipeline's
// own last-resort template rather than anything loaded from disk or
// chosen by the LLM (spec §8 scenario E1: empty report directory, no
// template library available).
const builtinFallbackTemplateName = "builtin-fallback"

// builtinFallbackTemplateContent is rendered when stage 1 cannot produce
// any template at all. It parses, under sliceSections, into exactly one
// section numbered "1.0" so a report can still be produced end to end.
const builtinFallbackTemplateContent = "## 1.0 综合分析\n\n围绕核心问题给出完整、独立的分析。\n"

// sliceSections turns template markdown into ordered sections (spec
// §4.8.1 stage 2). The builtin fallback template is parsed through the
// same path as any other template; ParseSections's heading branch
// (level <= 2) captures "1.0 综合分析" as the section title verbatim,
// leaving Number unset, so the fallback also sets Number explicitly to
// keep anchor derivation (see chapterAnchor) consistent for this path.
func sliceSections(templateName, templateContent string) []template.Section {
	sections := template.ParseSections(templateContent)
	if templateName == builtinFallbackTemplateName && len(sections) == 1 {
		sections[0].Number = "1.0"
		sections[0].Title = "综合分析"
	}
	return sections
}

// chapterTitle renders a section's display title, prefixing its outline
// number when the template carried one (numbered templates produce
// sections like {Number: "2.1", Title: "竞品格局"} -> "2.1 竞品格局").
func chapterTitle(s template.Section) string {
	if s.Number == "" {
		return s.Title
	}
	return s.Number + " " + s.Title
}

// chapterAnchor derives a stable anchor from a section's outline number,
// dashing its dots ("1.0" -> "section-1-0"). Sections without a number
// return "" so compose.Build falls through to its own "section-{index}"
// default.
func chapterAnchor(s template.Section) string {
	if s.Number == "" {
		return ""
	}
	return "section-" + strings.ReplaceAll(s.Number, ".", "-")
}
