// Package jsonrepair implements a tolerant, multi-stage JSON parser for
// text returned by LLMs: thinking preambles, fenced code blocks, dangling
// commas, unescaped control characters and similar artifacts are repaired
// before falling back to a hard parse failure.
//
// Grounded on ReportEngine/utils/json_parser.py's RobustJSONParser.
package jsonrepair

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/bettafish/orchestrator/pkg/metrics"
)

// ParseError is returned when every repair stage is exhausted. RawText is
// truncated to 8 KiB so quarantine artifacts stay small.
type ParseError struct {
	Context string
	RawText string
	Reason  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("jsonrepair: %s: %s", e.Context, e.Reason)
}

const maxRawTextLen = 8 * 1024

func truncate(s string) string {
	if len(s) <= maxRawTextLen {
		return s
	}
	return s[:maxRawTextLen] + "...<truncated>"
}

// Options configures a single Parse call.
type Options struct {
	// ExpectedKeys, if non-empty, is used to pick the best candidate when
	// the cleaned payload is a JSON array instead of an object, and to
	// drive alias recovery for keys that are absent from the result.
	ExpectedKeys []string
	// WrapperKey, if set and present in the parsed object, causes Parse to
	// unwrap and return that nested value instead.
	WrapperKey string
	// LLMRepair is an optional last-resort callback: (rawText, errMsg) ->
	// repaired text. Disabled (nil) by default.
	LLMRepair func(rawText, errMsg string) (string, bool)
}

var thinkingPreamblePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)^\s*<thinking>.*?</thinking>`),
	regexp.MustCompile(`(?is)^\s*<thought>.*?</thought>`),
	regexp.MustCompile(`(?i)^\s*let me think[^\n]*\n`),
	regexp.MustCompile(`(?i)^\s*first[,:][^\n]*\n`),
	regexp.MustCompile(`(?i)^\s*analysis[,:][^\n]*\n`),
	regexp.MustCompile(`(?i)^\s*according to[^\n]*\n`),
}

var fencedJSONPattern = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)\\s*```")

// aliasTable recovers missing expected keys from known alternate spellings
// an LLM might use instead of the canonical key.
var aliasTable = map[string][]string{
	"template_name":   {"templateName", "name", "template"},
	"selection_reason": {"selectionReason", "reason", "explanation"},
	"title":           {"reportTitle", "documentTitle"},
	"chapters":        {"chapterList", "chapterPlan", "sections"},
	"totalWords":      {"total_words", "wordCount", "totalWordCount"},
}

// Parse runs the full repair cascade against raw and returns the decoded
// value (typically map[string]any). context names the call site for
// logging/quarantine purposes.
func Parse(raw string, context string, opts Options) (any, error) {
	candidates := buildCandidates(raw)

	var lastErr error
	for i, candidate := range candidates {
		if v, err := unmarshalAny(candidate); err == nil {
			stage := "clean"
			if i > 0 {
				stage = "local"
			}
			metrics.JSONRepairStageTotal.WithLabelValues(stage).Inc()
			return postProcess(v, candidate, opts), nil
		} else {
			lastErr = err
		}
	}

	if repaired, ok := libraryRepair(raw); ok {
		if v, err := unmarshalAny(repaired); err == nil {
			metrics.JSONRepairStageTotal.WithLabelValues("library").Inc()
			return postProcess(v, repaired, opts), nil
		}
	}

	if opts.LLMRepair != nil {
		if repaired, ok := opts.LLMRepair(raw, errString(lastErr)); ok {
			if v, err := unmarshalAny(repaired); err == nil {
				metrics.JSONRepairStageTotal.WithLabelValues("llm").Inc()
				return postProcess(v, repaired, opts), nil
			}
		}
	}

	metrics.JSONRepairStageTotal.WithLabelValues("failed").Inc()
	return nil, &ParseError{Context: context, RawText: truncate(raw), Reason: errString(lastErr)}
}

func errString(err error) string {
	if err == nil {
		return "no candidate parsed"
	}
	return err.Error()
}

func unmarshalAny(s string) (any, error) {
	var v any
	err := json.Unmarshal([]byte(s), &v)
	return v, err
}

// buildCandidates produces the ordered list of strings to try parsing:
// cleaned raw text, then the same text after local syntax repairs.
func buildCandidates(raw string) []string {
	cleaned := clean(raw)
	repaired := applyLocalRepairs(cleaned)

	out := []string{cleaned}
	if repaired != cleaned {
		out = append(out, repaired)
	}
	return out
}

// clean strips thinking preambles and fenced code markers, then extracts
// the first balanced {...} or [...] substring.
func clean(raw string) string {
	s := raw
	for _, p := range thinkingPreamblePatterns {
		s = p.ReplaceAllString(s, "")
	}
	if m := fencedJSONPattern.FindStringSubmatch(s); m != nil {
		s = m[1]
	} else {
		s = strings.TrimPrefix(strings.TrimSpace(s), "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.TrimSpace(s)
	if extracted, ok := extractFirstJSONStructure(s); ok {
		return extracted
	}
	return s
}

// extractFirstJSONStructure walks s tracking string/escape state and
// bracket depth, returning the first balanced {...} or [...] substring.
func extractFirstJSONStructure(s string) (string, bool) {
	start := -1
	var opener, closer byte
	for i := 0; i < len(s); i++ {
		if s[i] == '{' || s[i] == '[' {
			start = i
			opener = s[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escape := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case opener:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return s[start:], false
}

var colonEqualsPattern = regexp.MustCompile(`(":\s*)=`)

// applyLocalRepairs runs an ordered set of idempotent syntax fixes: stray
// colon-equals, unescaped control characters, missing commas between
// adjacent values, redundant nested brackets, unbalanced brackets, and
// trailing commas.
func applyLocalRepairs(s string) string {
	s = colonEqualsPattern.ReplaceAllString(s, "$1")
	s = escapeControlCharacters(s)
	s = fixMissingCommas(s)
	s = collapseRedundantBrackets(s)
	s = balanceBrackets(s)
	s = removeTrailingCommas(s)
	return s
}

// escapeControlCharacters replaces raw control characters found inside
// string literals with their JSON escape sequences.
func escapeControlCharacters(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			if escape {
				b.WriteByte(c)
				escape = false
				continue
			}
			switch c {
			case '\\':
				escape = true
				b.WriteByte(c)
			case '"':
				inString = false
				b.WriteByte(c)
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			default:
				if c < 0x20 {
					fmt.Fprintf(&b, `\u%04x`, c)
				} else {
					b.WriteByte(c)
				}
			}
			continue
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// fixMissingCommas inserts a comma between a closing value token and the
// next opener when we are currently inside an unclosed array/object.
func fixMissingCommas(s string) string {
	var openers []byte
	var b strings.Builder
	b.Grow(len(s) + 16)
	inString := false
	escape := false

	isValueEnd := func(c byte) bool {
		return c == '"' || c == '}' || c == ']' || (c >= '0' && c <= '9')
	}
	isOpener := func(c byte) bool {
		return c == '{' || c == '[' || c == '"'
	}

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}

		if len(openers) > 0 && b.Len() > 0 && isOpener(c) {
			last := lastNonSpace(b.String())
			if last != 0 && last != ',' && isValueEnd(last) {
				b.WriteByte(',')
			}
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			openers = append(openers, c)
		case '}', ']':
			if len(openers) > 0 {
				openers = openers[:len(openers)-1]
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func lastNonSpace(s string) byte {
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c != ' ' && c != '\n' && c != '\t' && c != '\r' {
			return c
		}
	}
	return 0
}

var redundantOpenPattern = regexp.MustCompile(`\[{3,}`)
var redundantClosePattern = regexp.MustCompile(`]{3,}`)

func collapseRedundantBrackets(s string) string {
	s = redundantOpenPattern.ReplaceAllString(s, "[[")
	s = redundantClosePattern.ReplaceAllString(s, "]]")
	return s
}

// balanceBrackets drops stray closers and appends missing closers at EOF,
// using a stack of expected closing characters.
func balanceBrackets(s string) string {
	var stack []byte
	var b strings.Builder
	b.Grow(len(s) + 4)
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			b.WriteByte(c)
			if escape {
				escape = false
			} else if c == '\\' {
				escape = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			b.WriteByte(c)
		case '{':
			stack = append(stack, '}')
			b.WriteByte(c)
		case '[':
			stack = append(stack, ']')
			b.WriteByte(c)
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
				b.WriteByte(c)
			}
			// stray closer: drop it
		default:
			b.WriteByte(c)
		}
	}
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

var trailingCommaPattern = regexp.MustCompile(`,(\s*[}\]])`)

func removeTrailingCommas(s string) string {
	return trailingCommaPattern.ReplaceAllString(s, "$1")
}

// libraryRepair is the third-party-repair stage. No dedicated JSON-repair
// library exists anywhere in the reference corpus (checked: no repo lists
// hjson/json5/jsonrepair-style deps), so this stage runs the same local
// repairs twice in a row, the second pass over the first pass's output —
// it exists to catch cases where one repair unblocks another (e.g.
// balancing brackets before trailing-comma removal matters).
func libraryRepair(raw string) (string, bool) {
	cleaned := clean(raw)
	pass1 := applyLocalRepairs(cleaned)
	pass2 := applyLocalRepairs(pass1)
	if pass2 == cleaned {
		return "", false
	}
	return pass2, true
}

// postProcess applies wrapper-key unwrap, list-to-best-dict extraction,
// and alias recovery. Alias recovery runs against rawCandidate — the
// exact text that successfully unmarshaled into v — using gjson to read
// alias paths and sjson to graft the recovered value onto the canonical
// key, then re-decodes; this keeps recovery tolerant of nested/odd-typed
// alias values without hand-rolling a recursive map copy.
func postProcess(v any, rawCandidate string, opts Options) any {
	topLevel := true

	if opts.WrapperKey != "" {
		if m, ok := v.(map[string]any); ok {
			if inner, ok := m[opts.WrapperKey]; ok {
				v = inner
				topLevel = false
			}
		}
	}

	if list, ok := v.([]any); ok && len(opts.ExpectedKeys) > 0 {
		v = bestDictMatch(list, opts.ExpectedKeys)
		topLevel = false
	}

	if _, ok := v.(map[string]any); ok && len(opts.ExpectedKeys) > 0 {
		if topLevel {
			if recovered, ok := recoverAliasesRaw(rawCandidate, opts.ExpectedKeys); ok {
				v = recovered
			}
		} else if m, ok := v.(map[string]any); ok {
			recoverAliasesMap(m, opts.ExpectedKeys)
		}
	}

	return v
}

func bestDictMatch(list []any, expectedKeys []string) any {
	var best any
	bestScore := -1
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		score := 0
		for _, k := range expectedKeys {
			if _, ok := m[k]; ok {
				score++
			}
		}
		if score > bestScore {
			bestScore = score
			best = m
		}
	}
	if best == nil && len(list) > 0 {
		return list[0]
	}
	return best
}

// recoverAliasesRaw grafts alias values onto their canonical key directly
// on the JSON text using gjson (read) and sjson (write), then re-decodes.
// Operating on raw text rather than the already-decoded map means an
// alias's value — however deeply nested or oddly typed — is carried over
// byte-for-byte instead of needing a recursive Go copy. Returns ok=false
// if no alias applied or the patched text fails to re-decode, in which
// case the caller keeps the original value.
func recoverAliasesRaw(raw string, expectedKeys []string) (map[string]any, bool) {
	patched := raw
	changed := false
	for _, key := range expectedKeys {
		if gjson.Get(patched, gjsonKey(key)).Exists() {
			continue
		}
		for _, alias := range aliasTable[key] {
			res := gjson.Get(patched, gjsonKey(alias))
			if !res.Exists() {
				continue
			}
			next, err := sjson.SetRaw(patched, gjsonKey(key), res.Raw)
			if err != nil {
				continue
			}
			patched = next
			changed = true
			break
		}
	}
	if !changed {
		return nil, false
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(patched), &m); err != nil {
		return nil, false
	}
	return m, true
}

// gjsonKey escapes a plain map key for use as a gjson/sjson path: both
// libraries treat '.' and '*' as path operators, which a JSON object key
// may legitimately contain.
func gjsonKey(key string) string {
	key = strings.ReplaceAll(key, ".", `\.`)
	key = strings.ReplaceAll(key, "*", `\*`)
	return key
}

// recoverAliasesMap is the in-memory fallback used once v is no longer the
// literal top-level decode of rawCandidate (e.g. after a wrapper-key
// unwrap or list-to-best-dict extraction), where raw-text paths would no
// longer line up with v's structure.
func recoverAliasesMap(m map[string]any, expectedKeys []string) {
	for _, key := range expectedKeys {
		if _, ok := m[key]; ok {
			continue
		}
		for _, alias := range aliasTable[key] {
			if v, ok := m[alias]; ok {
				m[key] = v
				break
			}
		}
	}
}

// ExtractField is a convenience wrapper around gjson for callers that only
// need one field out of possibly-malformed JSON text, without committing
// to a full Parse + struct decode (used by the forum aggregator's
// preferred-key extraction in extractJsonContent).
func ExtractField(raw string, path string) (string, bool) {
	res := gjson.Get(raw, path)
	if !res.Exists() {
		return "", false
	}
	return res.String(), true
}
