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
	"log/slog"
	"time"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/primes"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
)

// Default configuration values.
const (
	// DefaultHealInterval is how often the healing cycle runs.
	DefaultHealInterval = 60 * time.Second

	// DefaultSaveInterval is how often the snapshot is persisted.
	DefaultSaveInterval = 30 * time.Second

	// DefaultEntropyThreshold triggers eviction when exceeded.
	DefaultEntropyThreshold = 0.8

	// DefaultLowHealth marks entries eligible for eviction.
	DefaultLowHealth = 0.3

	// DefaultEvictFraction caps evictions per cycle as a share of all entries.
	DefaultEvictFraction = 0.1

	// MaxRelated caps FindRelated results.
	MaxRelated = 10

	initialHealth = 0.5
	healthStep    = 0.1
	healthDecay   = 0.99
)

// Fetcher is the network read path of the cache.
//
// remote.Client satisfies it.
type Fetcher interface {
	// FetchByID returns the beacon, or nil when the server has none.
	FetchByID(ctx context.Context, id string) (*envelope.Beacon, error)

	// FetchByUser returns userID's beacons ("*" for every user), optionally
	// filtered by type.
	FetchByUser(ctx context.Context, userID string, beaconType envelope.BeaconType) ([]*envelope.Beacon, error)
}

// Stats is a read-only view of cache state.
type Stats struct {
	// TotalBeacons is the number of cached beacons.
	TotalBeacons int

	// IndexSize is the number of distinct factors in the relatedness index.
	IndexSize int

	// AvgHealth is the mean health score, 0 when empty.
	AvgHealth float64

	// Entropy is the normalized Shannon entropy of the health scores.
	Entropy float64

	// HitRate is hits / (hits + misses) for GetByID, 0 before any lookup.
	HitRate float64

	Hits      int64
	Misses    int64
	Evictions int64
}

// HealReport describes one healing cycle.
type HealReport struct {
	// Entropy is the entropy measured after decay.
	Entropy float64

	// Evicted lists evicted ids, lowest health first.
	Evicted []string
}

// Options configures BeaconCache behavior.
type Options struct {
	// HealInterval is the healing cycle period. Default: 60s.
	HealInterval time.Duration

	// SaveInterval is the periodic snapshot period. Default: 30s.
	SaveInterval time.Duration

	// EntropyThreshold triggers eviction when exceeded. Default: 0.8.
	EntropyThreshold float64

	// LowHealth is the eviction eligibility bound. Default: 0.3.
	LowHealth float64

	// EvictFraction caps evictions per cycle. Default: 0.1.
	EvictFraction float64

	// Storage persists the snapshot. Nil disables persistence.
	Storage storage.KV

	// Primes backs the relatedness index. Nil uses the fallback table.
	Primes *primes.Table

	Logger *slog.Logger
}

// DefaultOptions returns the standard cache configuration.
func DefaultOptions() Options {
	return Options{
		HealInterval:     DefaultHealInterval,
		SaveInterval:     DefaultSaveInterval,
		EntropyThreshold: DefaultEntropyThreshold,
		LowHealth:        DefaultLowHealth,
		EvictFraction:    DefaultEvictFraction,
	}
}

// Option is a functional option for configuring BeaconCache.
type Option func(*Options)

// WithHealInterval sets the healing cycle period.
func WithHealInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.HealInterval = d
		}
	}
}

// WithSaveInterval sets the periodic snapshot period.
func WithSaveInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.SaveInterval = d
		}
	}
}

// WithStorage enables snapshot persistence.
func WithStorage(kv storage.KV) Option {
	return func(o *Options) { o.Storage = kv }
}

// WithPrimes sets the prime table used for relatedness indexing.
func WithPrimes(t *primes.Table) Option {
	return func(o *Options) { o.Primes = t }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithEviction overrides the healing thresholds. Out-of-range values are ignored.
func WithEviction(entropyThreshold, lowHealth, fraction float64) Option {
	return func(o *Options) {
		if entropyThreshold > 0 && entropyThreshold <= 1 {
			o.EntropyThreshold = entropyThreshold
		}
		if lowHealth > 0 && lowHealth <= 1 {
			o.LowHealth = lowHealth
		}
		if fraction > 0 && fraction <= 1 {
			o.EvictFraction = fraction
		}
	}
}
