// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Package-level tracer and meter for cache operations.
var (
	tracer = otel.Tracer("beaconspace.cache")
	meter  = otel.Meter("beaconspace.cache")
)

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheFetchDuration metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		cacheHits, err = meter.Int64Counter(
			"beacon_cache_hits_total",
			metric.WithDescription("Total number of beacon cache hits"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheMisses, err = meter.Int64Counter(
			"beacon_cache_misses_total",
			metric.WithDescription("Total number of beacon cache misses"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheEvictions, err = meter.Int64Counter(
			"beacon_cache_evictions_total",
			metric.WithDescription("Total number of beacons evicted by healing"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		cacheFetchDuration, err = meter.Float64Histogram(
			"beacon_cache_fetch_duration_seconds",
			metric.WithDescription("Duration of network fetches made by the cache"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordHit(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheHits.Add(ctx, 1)
}

func recordMiss(ctx context.Context) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheMisses.Add(ctx, 1)
}

func recordEvictions(ctx context.Context, n int) {
	if n == 0 {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(ctx, int64(n))
}

// recordFetch records a network fetch by operation and outcome.
func recordFetch(ctx context.Context, operation string, d time.Duration, err error) {
	if initMetrics() != nil {
		return
	}
	cacheFetchDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.Bool("error", err != nil),
		),
	)
}

// startSpan creates a span for a cache operation.
func startSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("cache.operation", operation))
	return tracer.Start(ctx, "BeaconCache."+operation, trace.WithAttributes(attrs...))
}
