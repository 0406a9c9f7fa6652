// Package config loads and reloads BettaFish's layered configuration: a
// flat Settings struct rather than the registry-of-registries shape the
// teacher uses for its multi-agent catalog, because BettaFish has no
// comparable entity catalog to register — just host/port, per-engine LLM
// credential triples, retry tunables and filesystem roots.
//
// Grounded on cmd/tarsy/main.go's godotenv.Load + process-env layering,
// generalized into an explicit reloadable Settings object per spec §4.11.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EngineCredentials is one LLM credential triple, keyed by engine kind.
type EngineCredentials struct {
	APIKey    string
	BaseURL   string
	ModelName string
}

// Settings is the flat, layered configuration object. Field names mirror
// the original deployment's .env keys so existing .env files remain valid.
type Settings struct {
	Host string
	Port int

	InsightEngine EngineCredentials
	MediaEngine   EngineCredentials
	QueryEngine   EngineCredentials
	ReportEngine  EngineCredentials

	SearchAPIKey string

	// Filesystem roots.
	InsightReportsDir string
	MediaReportsDir   string
	QueryReportsDir   string
	LogsDir           string
	FinalReportsDir   string
	TemplatesDir      string

	// Tunables.
	ForumBufferThreshold   int
	ForumIdleTicksLimit    int
	StructuralRetryAttempts int
	ContentSparseMinAttempts int
	ChapterJSONMaxAttempts int
	HeartbeatInterval      time.Duration
	SSEIdleTimeout         time.Duration
	EventBusGrace          time.Duration
	EventBusHistorySize    int
	LLMCallTimeout         time.Duration
	HealthProbeTimeout     time.Duration
	ChildStopGrace         time.Duration
	ShutdownCleanupTimeout time.Duration
	TaskRegistryCapacity   int

	// Database, for the migration-runner bootstrap step (§4.17).
	DatabaseURL string

	// envPath is the .env file this Settings was (or will be) persisted to.
	envPath string
}

var (
	mu      sync.RWMutex
	current *Settings
)

// envKey describes one .env key and how it's bound into Settings.
type envKey struct {
	name    string
	apply   func(s *Settings, v string)
	extract func(s *Settings) (string, bool)
}

func keyTable() []envKey {
	return []envKey{
		str("HOST", func(s *Settings) *string { return &s.Host }),
		intKey("PORT", func(s *Settings) *int { return &s.Port }),
		str("INSIGHT_ENGINE_API_KEY", func(s *Settings) *string { return &s.InsightEngine.APIKey }),
		str("INSIGHT_ENGINE_BASE_URL", func(s *Settings) *string { return &s.InsightEngine.BaseURL }),
		str("INSIGHT_ENGINE_MODEL", func(s *Settings) *string { return &s.InsightEngine.ModelName }),
		str("MEDIA_ENGINE_API_KEY", func(s *Settings) *string { return &s.MediaEngine.APIKey }),
		str("MEDIA_ENGINE_BASE_URL", func(s *Settings) *string { return &s.MediaEngine.BaseURL }),
		str("MEDIA_ENGINE_MODEL", func(s *Settings) *string { return &s.MediaEngine.ModelName }),
		str("QUERY_ENGINE_API_KEY", func(s *Settings) *string { return &s.QueryEngine.APIKey }),
		str("QUERY_ENGINE_BASE_URL", func(s *Settings) *string { return &s.QueryEngine.BaseURL }),
		str("QUERY_ENGINE_MODEL", func(s *Settings) *string { return &s.QueryEngine.ModelName }),
		str("REPORT_ENGINE_API_KEY", func(s *Settings) *string { return &s.ReportEngine.APIKey }),
		str("REPORT_ENGINE_BASE_URL", func(s *Settings) *string { return &s.ReportEngine.BaseURL }),
		str("REPORT_ENGINE_MODEL", func(s *Settings) *string { return &s.ReportEngine.ModelName }),
		str("SEARCH_API_KEY", func(s *Settings) *string { return &s.SearchAPIKey }),
		str("INSIGHT_REPORTS_DIR", func(s *Settings) *string { return &s.InsightReportsDir }),
		str("MEDIA_REPORTS_DIR", func(s *Settings) *string { return &s.MediaReportsDir }),
		str("QUERY_REPORTS_DIR", func(s *Settings) *string { return &s.QueryReportsDir }),
		str("LOGS_DIR", func(s *Settings) *string { return &s.LogsDir }),
		str("FINAL_REPORTS_DIR", func(s *Settings) *string { return &s.FinalReportsDir }),
		str("TEMPLATES_DIR", func(s *Settings) *string { return &s.TemplatesDir }),
		intKey("FORUM_BUFFER_THRESHOLD", func(s *Settings) *int { return &s.ForumBufferThreshold }),
		intKey("FORUM_IDLE_TICKS_LIMIT", func(s *Settings) *int { return &s.ForumIdleTicksLimit }),
		intKey("STRUCTURAL_RETRY_ATTEMPTS", func(s *Settings) *int { return &s.StructuralRetryAttempts }),
		intKey("CONTENT_SPARSE_MIN_ATTEMPTS", func(s *Settings) *int { return &s.ContentSparseMinAttempts }),
		intKey("CHAPTER_JSON_MAX_ATTEMPTS", func(s *Settings) *int { return &s.ChapterJSONMaxAttempts }),
		durKey("HEARTBEAT_INTERVAL_SECONDS", func(s *Settings) *time.Duration { return &s.HeartbeatInterval }),
		durKey("SSE_IDLE_TIMEOUT_SECONDS", func(s *Settings) *time.Duration { return &s.SSEIdleTimeout }),
		durKey("EVENTBUS_GRACE_SECONDS", func(s *Settings) *time.Duration { return &s.EventBusGrace }),
		intKey("EVENTBUS_HISTORY_SIZE", func(s *Settings) *int { return &s.EventBusHistorySize }),
		durKey("LLM_CALL_TIMEOUT_SECONDS", func(s *Settings) *time.Duration { return &s.LLMCallTimeout }),
		durKey("HEALTH_PROBE_TIMEOUT_SECONDS", func(s *Settings) *time.Duration { return &s.HealthProbeTimeout }),
		durKey("CHILD_STOP_GRACE_SECONDS", func(s *Settings) *time.Duration { return &s.ChildStopGrace }),
		durKey("SHUTDOWN_CLEANUP_TIMEOUT_SECONDS", func(s *Settings) *time.Duration { return &s.ShutdownCleanupTimeout }),
		intKey("TASK_REGISTRY_CAPACITY", func(s *Settings) *int { return &s.TaskRegistryCapacity }),
		str("DATABASE_URL", func(s *Settings) *string { return &s.DatabaseURL }),
	}
}

func str(name string, field func(*Settings) *string) envKey {
	return envKey{
		name:    name,
		apply:   func(s *Settings, v string) { *field(s) = v },
		extract: func(s *Settings) (string, bool) { v := *field(s); return v, v != "" },
	}
}

func intKey(name string, field func(*Settings) *int) envKey {
	return envKey{
		name: name,
		apply: func(s *Settings, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				*field(s) = n
			}
		},
		extract: func(s *Settings) (string, bool) {
			v := *field(s)
			return strconv.Itoa(v), v != 0
		},
	}
}

func durKey(name string, field func(*Settings) *time.Duration) envKey {
	return envKey{
		name: name,
		apply: func(s *Settings, v string) {
			if n, err := strconv.Atoi(v); err == nil {
				*field(s) = time.Duration(n) * time.Second
			}
		},
		extract: func(s *Settings) (string, bool) {
			v := *field(s)
			return strconv.Itoa(int(v / time.Second)), v != 0
		},
	}
}

// defaults returns the in-process defaults (the lowest layer).
func defaults() *Settings {
	return &Settings{
		Host:                     "0.0.0.0",
		Port:                     8500,
		InsightReportsDir:        "insight_engine_streamlit_reports",
		MediaReportsDir:          "media_engine_streamlit_reports",
		QueryReportsDir:          "query_engine_streamlit_reports",
		LogsDir:                  "logs",
		FinalReportsDir:          "final_reports",
		TemplatesDir:             "templates",
		ForumBufferThreshold:     5,
		ForumIdleTicksLimit:      7200,
		StructuralRetryAttempts:  2,
		ContentSparseMinAttempts: 3,
		ChapterJSONMaxAttempts:   3,
		HeartbeatInterval:        15 * time.Second,
		SSEIdleTimeout:           120 * time.Second,
		EventBusGrace:            120 * time.Second,
		EventBusHistorySize:      1000,
		LLMCallTimeout:           900 * time.Second,
		HealthProbeTimeout:       30 * time.Second,
		ChildStopGrace:           5 * time.Second,
		ShutdownCleanupTimeout:   6 * time.Second,
		TaskRegistryCapacity:     200,
	}
}

// Load builds Settings from in-process defaults, then a `.env` file in cwd
// (preferred) or the given projectRoot, then process environment — each
// layer overriding the previous — and stores the result as the current
// process-wide Settings. Missing .env files are not an error (matches the
// teacher's "warn and continue with existing environment" behavior).
func Load(projectRoot string) (*Settings, error) {
	s := defaults()

	envPath := resolveEnvPath(projectRoot)
	fileValues, _ := godotenv.Read(envPath)

	for _, k := range keyTable() {
		if v, ok := fileValues[k.name]; ok && v != "" {
			k.apply(s, v)
		}
		if v := os.Getenv(k.name); v != "" {
			k.apply(s, v)
		}
	}
	s.envPath = envPath

	mu.Lock()
	current = s
	mu.Unlock()
	return s, nil
}

func resolveEnvPath(projectRoot string) string {
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}
	return filepath.Join(projectRoot, ".env")
}

// Current returns the process-wide Settings most recently produced by Load
// or Reload. Panics if Load has never been called — a programmer error,
// not a runtime condition.
func Current() *Settings {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		panic("config: Current() called before Load()")
	}
	return current
}

// Reload re-runs Load against the given projectRoot, replacing the
// process-wide Settings.
func Reload(projectRoot string) (*Settings, error) {
	return Load(projectRoot)
}

// Update merges the given key-value pairs into the in-memory Settings and
// persists them into the backing .env file: existing comments and key
// order are preserved, present keys are updated in place, absent keys are
// appended, and values containing whitespace or `#` are quoted.
func Update(updates map[string]string) (*Settings, error) {
	mu.Lock()
	s := current
	mu.Unlock()
	if s == nil {
		return nil, fmt.Errorf("config: Update() called before Load()")
	}

	if err := mergeIntoEnvFile(s.envPath, updates); err != nil {
		return nil, fmt.Errorf("config: persist .env: %w", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, k := range keyTable() {
		if v, ok := updates[k.name]; ok {
			k.apply(current, v)
		}
	}
	return current, nil
}

// AsMap returns every recognized key the current Settings has a non-zero
// value for, for the GET /api/config endpoint.
func AsMap() map[string]string {
	mu.RLock()
	s := current
	mu.RUnlock()
	out := map[string]string{}
	if s == nil {
		return out
	}
	for _, k := range keyTable() {
		if v, ok := k.extract(s); ok {
			out[k.name] = v
		}
	}
	return out
}
