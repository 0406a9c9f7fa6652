package forum

import "time"

// Source is one of forum.log's TAG values (spec §3 ForumEntry).
type Source string

const (
	SourceInsight Source = "INSIGHT"
	SourceMedia   Source = "MEDIA"
	SourceQuery   Source = "QUERY"
	SourceHost    Source = "HOST"
	SourceSystem  Source = "SYSTEM"
)

// Entry is one parsed forum.log line (spec §3 ForumEntry).
type Entry struct {
	Timestamp string
	Source    Source
	Content   string
}

// engineState tracks one monitored engine log file's tail position and
// JSON-capture state machine, grounded on ForumEngine/monitor.py's
// per-app file_positions/capturing_json/json_buffer/in_error_block maps.
type engineState struct {
	name string

	position  int64
	lineCount int

	capturingJSON bool
	jsonBuffer    []string
	inErrorBlock  bool
}

func newEngineState(name string) *engineState {
	return &engineState{name: name}
}

// Config tunes the aggregator's thresholds (spec §4.7).
type Config struct {
	BufferThreshold int
	IdleTicksLimit  int
	TickInterval    time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferThreshold <= 0 {
		c.BufferThreshold = 5
	}
	if c.IdleTicksLimit <= 0 {
		c.IdleTicksLimit = 7200
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	return c
}
