// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace   = "beaconspace"
	transportSubsystem = "transport"

	directionIn  = "in"
	directionOut = "out"
)

// transportMetrics holds Prometheus metrics for both strategies.
type transportMetrics struct {
	// MessagesTotal counts messages by strategy and direction.
	MessagesTotal *prometheus.CounterVec

	// ReconnectAttemptsTotal counts scheduled reconnects.
	ReconnectAttemptsTotal *prometheus.CounterVec

	// QueuedMessages is the outbound queue length while disconnected.
	QueuedMessages *prometheus.GaugeVec

	// FallbacksTotal counts switches to a degraded delivery mode.
	FallbacksTotal *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metrics     *transportMetrics
)

// getMetrics registers the metrics on first use.
func getMetrics() *transportMetrics {
	metricsOnce.Do(func() {
		metrics = &transportMetrics{
			MessagesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "messages_total",
					Help:      "Messages sent and received by transport and direction",
				},
				[]string{"transport", "direction"},
			),
			ReconnectAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "reconnect_attempts_total",
					Help:      "Reconnection attempts scheduled by transport",
				},
				[]string{"transport"},
			),
			QueuedMessages: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "queued_messages",
					Help:      "Outbound messages buffered while disconnected",
				},
				[]string{"transport"},
			),
			FallbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "fallbacks_total",
					Help:      "Switches to a degraded delivery mode",
				},
				[]string{"transport", "mode"},
			),
		}
	})
	return metrics
}
