package forum

import (
	"regexp"
	"strings"
)

// targetNodePatterns identify a log line as originating from a
// per-engine summary node, the only node whose output the aggregator
// cares about. Grounded verbatim (in meaning) on
// ForumEngine/monitor.py's target_node_patterns list.
var targetNodePatterns = []string{
	"FirstSummaryNode",
	"ReflectionSummaryNode",
	"InsightEngine.nodes.summary_node",
	"MediaEngine.nodes.summary_node",
	"QueryEngine.nodes.summary_node",
	"nodes.summary_node",
	"正在生成首次段落总结",
	"正在生成反思总结",
}

// firstSummaryMarkers gate the idle->running transition: only a line
// naming FirstSummaryNode specifically starts a new forum session, not
// every target-node line (ReflectionSummaryNode lines occur mid-run).
var firstSummaryMarkers = []string{
	"FirstSummaryNode",
	"正在生成首次段落总结",
}

var errorKeywords = []string{
	"JSON parsing failed",
	"JSON repair failed",
	"Traceback",
	"File \"",
}

var valuableContentExcludePatterns = []string{
	"JSON parsing failed",
	"JSON repair failed",
	"Use the cleaned text directly",
	"JSON parsed successfully",
	"Successfully generated",
	"Paragraph updated",
	"Generating",
	"Start processing",
	"Processing completed",
	"HOST statement has been read",
	"Failed to read HOST statement",
	"HOST speech not found",
	"debug output",
	"information record",
}

var logLevelPattern = regexp.MustCompile(`\|\s*(INFO|ERROR|WARNING|DEBUG|TRACE|CRITICAL)\s*\|`)
var legacyTimestampPrefix = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\]\s*`)
var structuredTimestampPrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}\s+\d{2}:\d{2}:\d{2}\.\d{3}\s*\|\s*[A-Z]+\s*\|\s*[^|]+?\s*-\s*`)
var bracketTagPrefix = regexp.MustCompile(`^\[[^\]]*\]\s*`)

var leadingEngineNamePattern = regexp.MustCompile(`(?i)^(INSIGHT|MEDIA|QUERY)\s+`)

const jsonStartMarker = "Cleaned output: {"

// logLevel returns the loguru-style level token in line, or "" if none
// is present.
func logLevel(line string) string {
	m := logLevelPattern.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

// isTargetLogLine reports whether line originates from a summary node
// and is not itself an error line.
func isTargetLogLine(line string) bool {
	if logLevel(line) == "ERROR" {
		return false
	}
	if strings.Contains(line, "| ERROR") {
		return false
	}
	for _, kw := range errorKeywords {
		if strings.Contains(line, kw) {
			return false
		}
	}
	for _, p := range targetNodePatterns {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// isFirstSummaryLine reports whether line specifically marks the start
// of a forum session (as opposed to an ongoing ReflectionSummaryNode
// line, which is a target line but not a session-start trigger).
func isFirstSummaryLine(line string) bool {
	for _, p := range firstSummaryMarkers {
		if strings.Contains(line, p) {
			return true
		}
	}
	return false
}

// stripTimestampPrefix removes either timestamp convention from the
// front of line, for content-length and capture-concatenation purposes.
func stripTimestampPrefix(line string) string {
	if legacyTimestampPrefix.MatchString(line) {
		return legacyTimestampPrefix.ReplaceAllString(line, "")
	}
	return structuredTimestampPrefix.ReplaceAllString(line, "")
}

// isValuableContent reports whether line (not a JSON-capture line) is
// substantial enough to record on its own, per monitor.py's
// is_valuable_content.
func isValuableContent(line string) bool {
	if strings.Contains(line, "Cleaned output") {
		return true
	}
	for _, p := range valuableContentExcludePatterns {
		if strings.Contains(line, p) {
			return false
		}
	}
	clean := strings.TrimSpace(stripTimestampPrefix(line))
	return len([]rune(clean)) >= 30
}

// isJSONStartLine reports whether line opens a cleaned-output JSON
// capture.
func isJSONStartLine(line string) bool {
	return strings.Contains(line, jsonStartMarker)
}

// isJSONEndLine reports whether the (already timestamp-stripped) line is
// a pure JSON closing marker.
func isJSONEndLine(strippedLine string) bool {
	s := strings.TrimSpace(strippedLine)
	return s == "}" || s == "] }"
}

// extractNodeContent strips timestamp and bracket-tag prefixes, leaving
// the bare statement text. Grounded on monitor.py's extract_node_content.
func extractNodeContent(line string) string {
	content := stripTimestampPrefix(line)
	content = strings.TrimSpace(content)
	for bracketTagPrefix.MatchString(content) {
		content = bracketTagPrefix.ReplaceAllString(content, "")
	}
	for _, prefix := range []string{"First summary:", "Reflection summary:", "Cleaned output:"} {
		if strings.HasPrefix(content, prefix) {
			content = content[len(prefix):]
			break
		}
	}
	content = leadingEngineNamePattern.ReplaceAllString(content, "")
	return collapseWhitespace(strings.TrimSpace(content))
}

// cleanContentTags removes any embedded [TAG] markers and app-name
// prefixes from already-extracted content before it is written to
// forum.log, per monitor.py's _clean_content_tags.
func cleanContentTags(content string) string {
	for bracketTagPrefix.MatchString(content) {
		content = bracketTagPrefix.ReplaceAllString(content, "")
	}
	content = leadingEngineNamePattern.ReplaceAllString(content, "")
	return collapseWhitespace(strings.TrimSpace(content))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// escapeForumLine one-lines content for forum.log storage, escaping
// embedded newlines/CRs per spec §3/§6.
func escapeForumLine(content string) string {
	content = strings.ReplaceAll(content, "\r", "\\r")
	content = strings.ReplaceAll(content, "\n", "\\n")
	return content
}
