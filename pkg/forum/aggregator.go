// Package forum tails the three per-engine log files written by the
// Insight/Media/Query analysis pipelines, extracts structured agent
// statements, and drives an LLM moderator once enough material
// accumulates, persisting everything to a canonical forum.log.
//
// Grounded on ForumEngine/monitor.py's LogMonitor (tail loop, JSON
// capture state machine, moderator trigger) and ForumEngine/llm_host.py's
// ForumHost (moderator prompt shape, see prompt.go), re-expressed as a
// single goroutine driven by a time.Ticker instead of a daemon thread.
package forum

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bettafish/orchestrator/pkg/llmclient"
	"github.com/bettafish/orchestrator/pkg/metrics"
)

var engineNames = []string{"insight", "media", "query"}

var newlineRunPattern = regexp.MustCompile(`\n{3,}`)

// Aggregator is the tail-and-parse pipeline described in spec §4.7.
type Aggregator struct {
	logDir       string
	forumLogPath string
	cfg          Config
	hostClient   llmclient.Client
	logger       *slog.Logger

	writeMu sync.Mutex

	mu             sync.Mutex
	running        bool
	idleTicks      int
	buffer         []Entry
	hostGenerating bool
	engines        map[string]*engineState
}

// New constructs an Aggregator watching <logDir>/{insight,media,query}.log
// and writing <logDir>/forum.log. hostClient is the moderator LLM client;
// it may be nil to run in pure-monitoring mode (mirroring monitor.py's
// HOST_AVAILABLE=false fallback when llm_host fails to import).
func New(logDir string, hostClient llmclient.Client, cfg Config, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	engines := make(map[string]*engineState, len(engineNames))
	for _, name := range engineNames {
		engines[name] = newEngineState(name)
	}
	return &Aggregator{
		logDir:       logDir,
		forumLogPath: filepath.Join(logDir, "forum.log"),
		cfg:          cfg.withDefaults(),
		hostClient:   hostClient,
		logger:       logger,
		engines:      engines,
	}
}

// Run ticks once per cfg.TickInterval until ctx is cancelled. It is meant
// to run on its own goroutine for the lifetime of the server process
// (spec §5: forum aggregator runs on a single dedicated goroutine).
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

// IsRunning reports whether a forum session is currently active.
func (a *Aggregator) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *Aggregator) tick(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	anyGrowth, anyShrink, capturedAny := false, false, false

	for _, name := range engineNames {
		state := a.engines[name]
		path := filepath.Join(a.logDir, name+".log")

		size, err := fileSize(path)
		if err != nil {
			continue
		}

		switch {
		case size < state.position:
			anyShrink = true
			state.position = size
			state.capturingJSON = false
			state.jsonBuffer = nil
			state.inErrorBlock = false
		case size > state.position:
			anyGrowth = true
			lines, newPos, err := readNewLines(path, state.position)
			if err != nil {
				a.logger.Error("forum: read new lines", "engine", name, "error", err)
				continue
			}
			state.position = newPos

			if !a.running {
				for _, line := range lines {
					if isTargetLogLine(line) && isFirstSummaryLine(line) {
						a.startSessionLocked()
						break
					}
				}
			}

			if a.running {
				contents := a.processLinesLocked(state, lines)
				for _, content := range contents {
					a.recordEntryLocked(ctx, Source(strings.ToUpper(name)), content)
					capturedAny = true
				}
			}
		}
	}

	if !a.running {
		return
	}

	switch {
	case anyShrink:
		a.endSessionLocked()
	case !anyGrowth && !capturedAny:
		a.idleTicks++
		if a.idleTicks >= a.cfg.IdleTicksLimit {
			a.logger.Info("forum: idle timeout, ending session")
			a.endSessionLocked()
		}
	default:
		a.idleTicks = 0
	}
}

// processLinesLocked runs lines through the JSON-capture state machine
// for one engine, returning the extracted content entries. Caller must
// hold a.mu.
func (a *Aggregator) processLinesLocked(state *engineState, lines []string) []string {
	var captured []string

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch logLevel(line) {
		case "ERROR":
			state.inErrorBlock = true
			state.capturingJSON = false
			state.jsonBuffer = nil
			continue
		case "INFO":
			state.inErrorBlock = false
		}

		if state.inErrorBlock {
			state.capturingJSON = false
			state.jsonBuffer = nil
			continue
		}

		isTarget := isTargetLogLine(line)
		isStart := isJSONStartLine(line)

		switch {
		case isTarget && isStart:
			state.capturingJSON = true
			state.jsonBuffer = []string{line}
			if strings.HasSuffix(strings.TrimSpace(line), "}") {
				if content, ok := extractJSONContent(state.jsonBuffer); ok {
					captured = append(captured, content)
				}
				state.capturingJSON = false
				state.jsonBuffer = nil
			}
		case isTarget && isValuableContent(line):
			captured = append(captured, extractNodeContent(line))
		case state.capturingJSON:
			state.jsonBuffer = append(state.jsonBuffer, line)
			if isJSONEndLine(stripTimestampPrefix(line)) {
				if content, ok := extractJSONContent(state.jsonBuffer); ok {
					captured = append(captured, content)
				}
				state.capturingJSON = false
				state.jsonBuffer = nil
			}
		}
	}

	return captured
}

func (a *Aggregator) startSessionLocked() {
	a.running = true
	a.idleTicks = 0
	a.buffer = nil
	a.hostGenerating = false
	for _, state := range a.engines {
		state.capturingJSON = false
		state.jsonBuffer = nil
		state.inErrorBlock = false
	}
	a.resetForumLogLocked()
	a.writeLineLocked(SourceSystem, "=== forum monitoring started ===")
}

func (a *Aggregator) endSessionLocked() {
	a.running = false
	a.idleTicks = 0
	a.buffer = nil
	a.hostGenerating = false
	a.writeLineLocked(SourceSystem, "=== forum monitoring ended ===")
}

func (a *Aggregator) resetForumLogLocked() {
	if err := os.WriteFile(a.forumLogPath, nil, 0o644); err != nil {
		a.logger.Error("forum: reset forum.log", "error", err)
	}
}

// recordEntryLocked cleans, writes, and buffers one extracted content
// entry, triggering the moderator when the buffer crosses threshold.
// Caller must hold a.mu.
func (a *Aggregator) recordEntryLocked(ctx context.Context, source Source, rawContent string) {
	content := cleanContentTags(rawContent)
	if content == "" {
		return
	}

	ts := a.writeLineLocked(source, content)
	a.buffer = append(a.buffer, Entry{Timestamp: ts, Source: source, Content: content})

	if len(a.buffer) >= a.cfg.BufferThreshold && !a.hostGenerating && a.hostClient != nil {
		a.triggerHostSpeechLocked(ctx)
	}
}

// triggerHostSpeechLocked synchronously invokes the moderator LLM on the
// oldest bufferThreshold entries, matching spec §4.7 step 7 and the
// original's _trigger_host_speech (serialized via hostGenerating, called
// from the single aggregator goroutine so forum.log ordering holds).
// Caller must hold a.mu.
func (a *Aggregator) triggerHostSpeechLocked(ctx context.Context) {
	threshold := a.cfg.BufferThreshold
	if len(a.buffer) < threshold {
		return
	}
	recent := append([]Entry(nil), a.buffer[:threshold]...)

	a.hostGenerating = true
	metrics.ForumHostInvocationsTotal.Inc()
	resp, err := a.hostClient.Complete(ctx, llmclient.Request{
		Messages:    hostMessages(recent),
		Temperature: 0.6,
	})
	a.hostGenerating = false

	if err != nil {
		a.logger.Error("forum: moderator call failed", "error", err)
		return
	}

	speech := formatHostSpeech(resp.Content)
	if speech == "" {
		a.logger.Error("forum: moderator returned empty speech")
		return
	}

	a.writeLineLocked(SourceHost, speech)
	a.buffer = a.buffer[threshold:]
}

// writeLineLocked appends one line to forum.log under the process-wide
// writer lock (spec §5: "forum.log writer: process-wide lock") and
// returns the timestamp used, so the caller's in-memory buffer entry
// matches the persisted line exactly.
func (a *Aggregator) writeLineLocked(source Source, content string) string {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	ts := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] [%s] %s\n", ts, source, escapeForumLine(content))

	f, err := os.OpenFile(a.forumLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		a.logger.Error("forum: open forum.log", "error", err)
		return ts
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		a.logger.Error("forum: write forum.log", "error", err)
	}
	return ts
}

// formatHostSpeech collapses excess blank lines and strips wrapping
// quote characters, per monitor.py's _format_host_speech.
func formatHostSpeech(speech string) string {
	speech = newlineRunPattern.ReplaceAllString(speech, "\n\n")
	speech = strings.Trim(speech, "\"'“”‘’")
	return strings.TrimSpace(speech)
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// readNewLines reads the bytes appended to path since fromOffset and
// splits them into non-empty lines, returning the new end offset.
func readNewLines(path string, fromOffset int64) ([]string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fromOffset, nil
		}
		return nil, fromOffset, fmt.Errorf("forum: open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Seek(fromOffset, 0); err != nil {
		return nil, fromOffset, fmt.Errorf("forum: seek %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fromOffset, fmt.Errorf("forum: stat %s: %w", path, err)
	}

	buf := make([]byte, info.Size()-fromOffset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, fromOffset, fmt.Errorf("forum: read %s: %w", path, err)
	}

	var lines []string
	for _, line := range strings.Split(string(buf[:n]), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, fromOffset + int64(n), nil
}
