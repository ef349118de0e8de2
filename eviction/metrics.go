// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package eviction

import "github.com/prometheus/client_golang/prometheus"

const (
	MetricSweeps       = "sweeps_total"
	MetricEvictedBytes = "evicted_bytes_total"
)

var CounterSweeps = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "eviction",
		Name:      MetricSweeps,
		Help:      "Eviction sweeps run.",
	},
)

var CounterEvictedBytes = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "eviction",
		Name:      MetricEvictedBytes,
		Help:      "Estimated bytes of partial state released by eviction.",
	},
)

func init() {
	prometheus.MustRegister(CounterSweeps)
	prometheus.MustRegister(CounterEvictedBytes)
}
