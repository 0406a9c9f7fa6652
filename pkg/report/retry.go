package report

import "log/slog"

// runStageWithRetry runs a single LLM stage, coercing its result through
// ensureMapping and retrying only on a StageOutputFormatError (a
// structural anomaly), never on a hard LLM failure (spec §4.8.2, ported
// from agent.py's _run_stage_with_retry). postprocess, if non-nil, can
// itself raise StageOutputFormatError to trigger another attempt (used by
// stage 4's normalizeWordPlan).
func runStageWithRetry(
	logger *slog.Logger,
	attempts int,
	stageName string,
	expectedKeys []string,
	fn func() (any, error),
	postprocess func(map[string]any) (map[string]any, error),
) (map[string]any, error) {
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		raw, err := fn()
		if err != nil {
			return nil, err
		}

		result, err := ensureMapping(raw, stageName, expectedKeys)
		if err == nil && postprocess != nil {
			result, err = postprocess(result)
		}
		if err == nil {
			return result, nil
		}

		if _, ok := err.(*StageOutputFormatError); !ok {
			return nil, err
		}
		lastErr = err
		logger.Warn("report: stage output structure exception, retrying",
			"stage", stageName, "attempt", attempt, "of", attempts, "error", err)
	}
	return nil, lastErr
}
