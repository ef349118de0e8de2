// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package ivm

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricLookups        = "lookups_total"
	MetricLookupDuration = "lookup_duration_seconds"
	MetricLookupFills    = "lookup_fills_total"
	MetricMigrations     = "migrations_total"
	MetricIngestedDeltas = "ingested_deltas_total"
	MetricIngestOffset   = "ingest_offset"
)

var CounterLookups = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ivm",
		Name:      MetricLookups,
		Help:      "Lookups served, by result.",
	},
	[]string{
		"status",
	},
)

var HistogramLookupDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ivm",
		Name:      MetricLookupDuration,
		Help:      "Time to answer a lookup, by result.",
		Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
	},
	[]string{
		"status",
	},
)

var CounterLookupFills = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ivm",
		Name:      MetricLookupFills,
		Help:      "Fills issued by lookups after concurrent misses were merged.",
	},
)

var CounterMigrations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ivm",
		Name:      MetricMigrations,
		Help:      "Migrations applied, by outcome.",
	},
	[]string{
		"outcome",
	},
)

var CounterIngestedDeltas = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "ivm",
		Name:      MetricIngestedDeltas,
		Help:      "Row changes fed into base tables.",
	},
)

var GaugeIngestOffset = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "ivm",
		Name:      MetricIngestOffset,
		Help:      "Last ingested replication offset, by partition.",
	},
	[]string{
		"partition",
	},
)

func init() {
	prometheus.MustRegister(CounterLookups)
	prometheus.MustRegister(HistogramLookupDuration)
	prometheus.MustRegister(CounterLookupFills)
	prometheus.MustRegister(CounterMigrations)
	prometheus.MustRegister(CounterIngestedDeltas)
	prometheus.MustRegister(GaugeIngestOffset)
}
