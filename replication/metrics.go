// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package replication

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricEvents      = "events_total"
	MetricRegressions = "regressions_total"
)

var CounterEvents = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "replication",
		Name:      MetricEvents,
		Help:      "Replication events applied to base tables.",
	},
)

var CounterRegressions = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "replication",
		Name:      MetricRegressions,
		Help:      "Replication events rejected because their offset did not advance.",
	},
)

func init() {
	prometheus.MustRegister(CounterEvents)
	prometheus.MustRegister(CounterRegressions)
}
