// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// relayMetrics holds the relay's Prometheus metrics.
type relayMetrics struct {
	// RequestsTotal counts handled messages by kind and outcome.
	RequestsTotal *prometheus.CounterVec

	// BeaconsStored is the number of beacons held.
	BeaconsStored prometheus.Gauge

	// Subscribers is the number of live push channels by kind.
	Subscribers *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	metrics     *relayMetrics
)

func getMetrics() *relayMetrics {
	metricsOnce.Do(func() {
		metrics = &relayMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: "beaconspace",
					Subsystem: "relay",
					Name:      "requests_total",
					Help:      "Messages handled by the relay by kind and outcome",
				},
				[]string{"kind", "outcome"},
			),
			BeaconsStored: promauto.NewGauge(
				prometheus.GaugeOpts{
					Namespace: "beaconspace",
					Subsystem: "relay",
					Name:      "beacons_stored",
					Help:      "Beacons held in memory",
				},
			),
			Subscribers: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: "beaconspace",
					Subsystem: "relay",
					Name:      "subscribers",
					Help:      "Live push channels by kind",
				},
				[]string{"channel"},
			),
		}
	})
	return metrics
}
