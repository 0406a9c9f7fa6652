// Package metrics exposes the Prometheus counters/histograms BettaFish's
// components increment as they run (spec §4.16). Grounded on
// prometheus/client_golang, used the same way by C360Studio-semspec and
// IAmSoThirsty-Project-AI/octoreflex in the example pack.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// JSONRepairStageTotal counts which repair stage (clean, local,
	// library, llm, failed) resolved each JSONRepair.Parse call.
	JSONRepairStageTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bettafish_json_repair_stage_total",
		Help: "Count of JSONRepair.Parse outcomes by resolving stage.",
	}, []string{"stage"})

	// ChapterAttemptsTotal counts per-chapter generation attempts by
	// outcome (ok, content_filter, json_parse, validation, sparse,
	// retrying, rescued, failed).
	ChapterAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "bettafish_chapter_attempts_total",
		Help: "Count of per-chapter LLM generation attempts by outcome.",
	}, []string{"outcome"})

	// EventBusSubscribers gauges the current subscriber count for a task.
	// It is registered for /metrics, but no package in this module sets
	// it, so it reports no series.
	EventBusSubscribers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bettafish_eventbus_subscribers",
		Help: "Current number of live SSE subscribers per task.",
	}, []string{"task_id"})

	// ForumHostInvocationsTotal counts moderator LLM calls made by the
	// forum aggregator.
	ForumHostInvocationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bettafish_forum_host_invocations_total",
		Help: "Count of forum moderator (host) LLM invocations.",
	})

	// ReportPipelineDuration observes end-to-end report pipeline duration.
	ReportPipelineDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bettafish_report_pipeline_duration_seconds",
		Help:    "Duration of a full report pipeline run, in seconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})
)

// Registry builds a new collector registry, separate from the default
// Prometheus registry, holding every collector above. The collectors are
// package-level values, so every registry built here reports the same
// shared counts.
func Registry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		JSONRepairStageTotal,
		ChapterAttemptsTotal,
		EventBusSubscribers,
		ForumHostInvocationsTotal,
		ReportPipelineDuration,
	)
	return reg
}
