package forum

import (
	"encoding/json"
	"strings"

	"github.com/bettafish/orchestrator/pkg/jsonrepair"
)

// preferredContentKeys is the ordered preference list extractJSONContent
// reads off a captured object before falling back to a serialized form
// (spec §4.7 extractJsonContent: "prefer key updated_paragraph_latest_state
// then paragraph_latest_state; otherwise return a serialized form").
var preferredContentKeys = []string{"updated_paragraph_latest_state", "paragraph_latest_state"}

// extractJSONContent concatenates the buffered capture lines (the first
// sliced from its "Cleaned output: {" marker, the rest timestamp-
// stripped), repairs and parses the result, and returns the preferred
// content field. Grounded on monitor.py's extract_json_content /
// format_json_content pair; parsing itself is delegated to pkg/jsonrepair
// instead of hand-rolled repair, per spec §4.7's extractJsonContent
// contract ("Parse via JSONRepair").
func extractJSONContent(lines []string) (string, bool) {
	startIdx := -1
	for i, line := range lines {
		if strings.Contains(line, jsonStartMarker) {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return "", false
	}

	first := lines[startIdx]
	pos := strings.Index(first, jsonStartMarker)
	if pos == -1 {
		return "", false
	}
	jsonText := first[pos+len("Cleaned output:"):]

	for _, line := range lines[startIdx+1:] {
		jsonText += stripTimestampPrefix(line)
	}

	v, err := jsonrepair.Parse(jsonText, "forum-aggregator", jsonrepair.Options{})
	if err != nil {
		return "", false
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return "", false
	}

	// Re-marshal the repaired object to canonical JSON so the preferred-key
	// read runs through jsonrepair.ExtractField (gjson path access) against
	// text gjson can trust, rather than indexing the map by hand.
	repaired, err := json.Marshal(obj)
	if err == nil {
		for _, key := range preferredContentKeys {
			if content, ok := jsonrepair.ExtractField(string(repaired), key); ok && content != "" {
				return content, true
			}
		}
	}

	// Neither preferred key is present: fall back to a serialized form of
	// the whole object rather than discarding the captured content (spec
	// §4.7; ForumEngine/monitor.py:313 format_json_content does the same
	// via json.dumps).
	if err == nil {
		return string(repaired), true
	}
	return "", false
}
