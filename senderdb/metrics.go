//
// Copyright (c) 2026 Markku Rossi
//
// All rights reserved.
//

package senderdb

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics grounded on ursrv/serve/metrics.go's package-level
// promauto.New*/prometheus.*Opts pattern.
var (
	metricItemCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "apsi",
		Subsystem: "senderdb",
		Name:      "item_count",
		Help:      "Number of distinct hashed items currently held by the sender database.",
	})
	metricBinBundleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "apsi",
		Subsystem: "senderdb",
		Name:      "bin_bundle_count",
		Help:      "Number of BinBundles at a given bundle index.",
	}, []string{"bundle_idx"})
)

func (db *DB) recordMetricsLocked() {
	metricItemCount.Set(float64(len(db.items)))
	for i, bucket := range db.buckets {
		metricBinBundleCount.WithLabelValues(strconv.Itoa(i)).Set(float64(len(bucket)))
	}
}
