// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package dataflow

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricReplaysStarted    = "replays_started_total"
	MetricReplaysFinished   = "replays_finished_total"
	MetricReplayTimeouts    = "replay_timeouts_total"
	MetricReplaysCoalesced  = "replays_coalesced_total"
	MetricEvictedRows       = "evicted_rows_total"
	MetricOffsetRegressions = "offset_regressions_total"
	MetricDeltasProcessed   = "deltas_processed_total"
)

var CounterReplaysStarted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricReplaysStarted,
		Help:      "Upqueries issued to fill holes in partial state.",
	},
)

var CounterReplaysFinished = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricReplaysFinished,
		Help:      "Upqueries completed, by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterReplayTimeouts = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricReplayTimeouts,
		Help:      "Pending fills abandoned after the upquery timeout.",
	},
)

var CounterReplaysCoalesced = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricReplaysCoalesced,
		Help:      "Misses that waited on an in-flight fill instead of issuing an upquery.",
	},
)

var CounterEvictedRows = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricEvictedRows,
		Help:      "Rows removed from partial state by eviction.",
	},
)

var CounterOffsetRegressions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricOffsetRegressions,
		Help:      "Offset updates ignored because they did not move forward.",
	},
)

var CounterDeltasProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "dataflow",
		Name:      MetricDeltasProcessed,
		Help:      "Deltas applied by operators.",
	},
)

func init() {
	prometheus.MustRegister(CounterReplaysStarted)
	prometheus.MustRegister(CounterReplaysFinished)
	prometheus.MustRegister(CounterReplayTimeouts)
	prometheus.MustRegister(CounterReplaysCoalesced)
	prometheus.MustRegister(CounterEvictedRows)
	prometheus.MustRegister(CounterOffsetRegressions)
	prometheus.MustRegister(CounterDeltasProcessed)
}
