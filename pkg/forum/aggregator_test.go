package forum

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bettafish/orchestrator/pkg/llmclient"
)

var forumLineTagPattern = regexp.MustCompile(`^\[\d{2}:\d{2}:\d{2}\] \[(\w+)\]`)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func TestAggregatorModeratorTriggerAfterFiveBursts(t *testing.T) {
	dir := t.TempDir()
	insightLog := filepath.Join(dir, "insight.log")

	fake := &llmclient.Fake{LabelValue: "host", Responses: []string{"moderator synthesis"}}
	agg := New(dir, fake, Config{BufferThreshold: 5}, nil)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		marker := "ReflectionSummaryNode"
		if i == 1 {
			marker = "FirstSummaryNode"
		}
		line := fmt.Sprintf("%s: burst number %d with enough padding characters to clear the valuable-content length threshold", marker, i)
		appendLine(t, insightLog, line)
		agg.tick(ctx)
	}

	raw, err := os.ReadFile(filepath.Join(dir, "forum.log"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")

	var tags []string
	for _, l := range lines {
		m := forumLineTagPattern.FindStringSubmatch(l)
		require.NotNil(t, m, "line does not match forum.log format: %q", l)
		tags = append(tags, m[1])
	}

	hostIdx := -1
	insightCount := 0
	for i, tag := range tags {
		if tag == "HOST" {
			hostIdx = i
		}
		if tag == "INSIGHT" {
			insightCount++
		}
	}

	require.NotEqual(t, -1, hostIdx, "expected a HOST line to be written: %v", tags)
	assert.Equal(t, 6, insightCount)
	assert.Equal(t, 6, hostIdx, "HOST line should be inserted between the 5th and 6th INSIGHT entries")

	agg.mu.Lock()
	bufLen := len(agg.buffer)
	agg.mu.Unlock()
	assert.Equal(t, 1, bufLen)
}

func TestAggregatorIgnoresErrorBlockLines(t *testing.T) {
	dir := t.TempDir()
	insightLog := filepath.Join(dir, "insight.log")
	fake := &llmclient.Fake{LabelValue: "host"}
	agg := New(dir, fake, Config{}, nil)
	ctx := context.Background()

	appendLine(t, insightLog, "FirstSummaryNode: starting a session with enough characters to pass threshold check")
	agg.tick(ctx)

	appendLine(t, insightLog, "2026-01-01 00:00:00.000 | ERROR | insight.nodes.summary_node:run:10 - something broke badly here")
	appendLine(t, insightLog, "ReflectionSummaryNode: this line arrives while still inside the error block and should be skipped")
	agg.tick(ctx)

	raw, err := os.ReadFile(filepath.Join(dir, "forum.log"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "this line arrives while still inside the error block")
}

func TestAggregatorTruncationEndsSessionWhileRunning(t *testing.T) {
	dir := t.TempDir()
	insightLog := filepath.Join(dir, "insight.log")
	fake := &llmclient.Fake{LabelValue: "host"}
	agg := New(dir, fake, Config{}, nil)
	ctx := context.Background()

	appendLine(t, insightLog, "FirstSummaryNode: starting a session with enough characters to pass threshold check")
	agg.tick(ctx)
	require.True(t, agg.IsRunning())

	require.NoError(t, os.Truncate(insightLog, 0))
	agg.tick(ctx)

	assert.False(t, agg.IsRunning())
}

func TestAggregatorIdleTimeoutEndsSession(t *testing.T) {
	dir := t.TempDir()
	insightLog := filepath.Join(dir, "insight.log")
	fake := &llmclient.Fake{LabelValue: "host"}
	agg := New(dir, fake, Config{IdleTicksLimit: 3}, nil)
	ctx := context.Background()

	appendLine(t, insightLog, "FirstSummaryNode: starting a session with enough characters to pass threshold check")
	agg.tick(ctx)
	require.True(t, agg.IsRunning())

	agg.tick(ctx)
	agg.tick(ctx)
	agg.tick(ctx)

	assert.False(t, agg.IsRunning())
}

func TestExtractJSONContentPrefersUpdatedParagraph(t *testing.T) {
	lines := []string{
		`Cleaned output: {"updated_paragraph_latest_state": "final text", "paragraph_latest_state": "stale text"}`,
	}
	content, ok := extractJSONContent(lines)
	require.True(t, ok)
	assert.Equal(t, "final text", content)
}

func TestExtractJSONContentMultiLine(t *testing.T) {
	lines := []string{
		`Cleaned output: {`,
		`[10:00:00] "paragraph_latest_state": "multi line content"`,
		`[10:00:01] }`,
	}
	content, ok := extractJSONContent(lines)
	require.True(t, ok)
	assert.Equal(t, "multi line content", content)
}

func TestExtractJSONContentFallsBackToSerializedFormWhenNoPreferredKey(t *testing.T) {
	lines := []string{
		`Cleaned output: {"node": "ReflectionSummaryNode", "status": "ok"}`,
	}
	content, ok := extractJSONContent(lines)
	require.True(t, ok)
	assert.Contains(t, content, `"node"`)
	assert.Contains(t, content, "ReflectionSummaryNode")
	assert.Contains(t, content, `"status"`)
}

func TestFormatHostSpeechStripsQuotesAndCollapsesBlankLines(t *testing.T) {
	speech := formatHostSpeech("\"Hello\n\n\n\nWorld\"")
	assert.Equal(t, "Hello\n\nWorld", speech)
}
