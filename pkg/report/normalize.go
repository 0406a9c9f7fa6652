package report

import (
	"sort"
)

// normalizeReports converts the three engine reports into the fixed-order
// map every downstream prompt expects (spec §4.8.1, ported from
// ReportEngine/agent.py's _normalize_reports). reports is
// [query, media, insight], matching the agreed engine order.
func normalizeReports(reports [3]string) map[string]string {
	return map[string]string{
		"query_engine":   reports[0],
		"media_engine":   reports[1],
		"insight_engine": reports[2],
	}
}

// ensureMapping coerces a stage's raw LLM-parsed output into a
// map[string]any, recovering a usable object out of a list (picking the
// element that matches the most expectedKeys) when the LLM wrapped its
// answer in an array. Grounded on agent.py's _ensure_mapping.
func ensureMapping(value any, context string, expectedKeys []string) (map[string]any, error) {
	switch t := value.(type) {
	case map[string]any:
		return t, nil
	case []any:
		var candidates []map[string]any
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				candidates = append(candidates, m)
			}
		}
		if len(candidates) == 0 {
			return nil, &StageOutputFormatError{Stage: context, Reason: "returned a list but lacks usable object elements"}
		}
		if len(expectedKeys) > 0 {
			sort.SliceStable(candidates, func(i, j int) bool {
				return matchScore(candidates[i], expectedKeys) > matchScore(candidates[j], expectedKeys)
			})
		}
		return candidates[0], nil
	case nil:
		return nil, &StageOutputFormatError{Stage: context, Reason: "returned empty result"}
	default:
		return nil, &StageOutputFormatError{Stage: context, Reason: "unexpected output type"}
	}
}

func matchScore(m map[string]any, expectedKeys []string) int {
	score := 0
	for _, k := range expectedKeys {
		if _, ok := m[k]; ok {
			score++
		}
	}
	return score
}

// normalizeWordPlan cleans a stage-4 result so chapters/globalGuidelines/
// totalWords are always well-typed, per agent.py's _normalize_word_plan.
func normalizeWordPlan(plan map[string]any, stageName string) (map[string]any, error) {
	var chaptersIterable []any
	switch raw := plan["chapters"].(type) {
	case []any:
		chaptersIterable = raw
	case map[string]any:
		for _, v := range raw {
			chaptersIterable = append(chaptersIterable, v)
		}
	}

	var normalized []any
	for _, entry := range chaptersIterable {
		switch e := entry.(type) {
		case map[string]any:
			normalized = append(normalized, e)
		case []any:
			for _, item := range e {
				if m, ok := item.(map[string]any); ok {
					normalized = append(normalized, m)
					break
				}
			}
		}
	}
	if len(normalized) == 0 {
		return nil, &StageOutputFormatError{Stage: stageName, Reason: "lacks a valid chapter plan"}
	}
	plan["chapters"] = normalized

	switch g := plan["globalGuidelines"].(type) {
	case []any:
		// already a list
	case nil:
		plan["globalGuidelines"] = []any{}
	case string:
		if g == "" {
			plan["globalGuidelines"] = []any{}
		} else {
			plan["globalGuidelines"] = []any{g}
		}
	default:
		plan["globalGuidelines"] = []any{g}
	}

	switch plan["totalWords"].(type) {
	case float64, int:
	default:
		plan["totalWords"] = float64(10000)
	}

	return plan, nil
}
