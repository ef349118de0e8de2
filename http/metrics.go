// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package http

import "github.com/prometheus/client_golang/prometheus"

const MetricHTTPRequest = "request_duration_seconds"

var HistogramHTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "ivm",
		Subsystem: "http",
		Name:      MetricHTTPRequest,
		Help:      "Time to serve an HTTP request, by route.",
	},
	[]string{
		"path",
		"method",
	},
)

func init() {
	prometheus.MustRegister(HistogramHTTPRequestDuration)
}
