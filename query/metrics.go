//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics grounded on ursrv/serve/metrics.go's package-level
// promauto.New*/prometheus.*Opts pattern.
var (
	metricQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "apsi",
		Name:      "query_duration_seconds",
		Help:      "Time to evaluate one query across every bundle index.",
		Buckets:   prometheus.DefBuckets,
	})
	metricResultPackages = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "apsi",
		Name:      "query_result_packages_total",
		Help:      "Number of ResultPackages streamed across all queries.",
	})
)
