// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache is the process-wide beacon cache: an in-memory store with
// request coalescing, a relatedness index, entropy-driven self-healing and
// snapshot persistence.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/primes"
)

// ErrNoFetcher is returned by network-backed reads on a cache built without
// a Fetcher.
var ErrNoFetcher = errors.New("cache: no fetcher configured")

// BeaconCache caches beacons by id and indexes them by author.
//
// Beacons handed out are shared and must be treated as read-only; a refetch
// replaces an entry wholesale.
//
// Thread Safety:
//
//	BeaconCache is safe for concurrent use. One RWMutex guards the beacon
//	map and every index; concurrent GetByID misses for the same id share
//	one fetch through singleflight.
type BeaconCache struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger
	primes  *primes.Table

	mu          sync.RWMutex
	beacons     map[string]*envelope.Beacon
	userBeacons map[string]map[string]struct{}
	health      map[string]float64
	index       map[int64][]string
	factors     map[string][]int64

	flight singleflight.Group

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	saveMu    sync.Mutex
	saveCh    chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New creates a BeaconCache reading through fetcher.
//
// Background healing and periodic saves begin with Start. Call Restore
// first to reload a persisted snapshot.
func New(fetcher Fetcher, opts ...Option) *BeaconCache {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	table := options.Primes
	if table == nil {
		table = primes.NewTable(primes.DefaultCount)
	}

	return &BeaconCache{
		fetcher:     fetcher,
		opts:        options,
		logger:      logging.OrDefault(options.Logger),
		primes:      table,
		beacons:     make(map[string]*envelope.Beacon),
		userBeacons: make(map[string]map[string]struct{}),
		health:      make(map[string]float64),
		index:       make(map[int64][]string),
		factors:     make(map[string][]int64),
		saveCh:      make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
}

// GetByID returns the beacon with id.
//
// Description:
//
//	A cached beacon is returned immediately and its health is nudged up.
//	On a miss, concurrent callers for the same id share a single network
//	fetch and all receive the same result. A found beacon is cached and a
//	snapshot save is requested.
//
// Inputs:
//
//	ctx - Context for the fetch.
//	id - The beacon id.
//
// Outputs:
//
//	*envelope.Beacon - The beacon, or nil if the server has none.
//	error - Non-nil if the fetch failed.
func (c *BeaconCache) GetByID(ctx context.Context, id string) (*envelope.Beacon, error) {
	ctx, span := startSpan(ctx, "GetByID", attribute.String("beacon.id", id))
	defer span.End()

	if b, ok := c.lookup(id); ok {
		c.hits.Add(1)
		recordHit(ctx)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return b, nil
	}
	c.misses.Add(1)
	recordMiss(ctx)
	span.SetAttributes(attribute.Bool("cache.hit", false))

	if c.fetcher == nil {
		return nil, ErrNoFetcher
	}

	v, err, shared := c.flight.Do(id, func() (interface{}, error) {
		if b, ok := c.peek(id); ok {
			return b, nil
		}
		start := time.Now()
		b, err := c.fetcher.FetchByID(ctx, id)
		recordFetch(ctx, "GetByID", time.Since(start), err)
		if err != nil {
			return nil, err
		}
		if b == nil {
			return (*envelope.Beacon)(nil), nil
		}
		if b.ID == "" {
			b.ID = id
		}
		c.store(b, "")
		c.requestSave()
		return b, nil
	})
	span.SetAttributes(attribute.Bool("cache.shared", shared))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get beacon %s: %w", id, err)
	}
	return v.(*envelope.Beacon), nil
}

// GetByUser fetches userID's beacons from the network, optionally filtered
// by type, caches every one of them and returns them newest first.
//
// The result is never served from cache alone because it must reflect the
// server's authoritative set. userID "*" matches every author.
func (c *BeaconCache) GetByUser(ctx context.Context, userID string, beaconType envelope.BeaconType) ([]*envelope.Beacon, error) {
	ctx, span := startSpan(ctx, "GetByUser",
		attribute.String("beacon.user", userID),
		attribute.String("beacon.type", string(beaconType)),
	)
	defer span.End()

	if c.fetcher == nil {
		return nil, ErrNoFetcher
	}

	start := time.Now()
	fetched, err := c.fetcher.FetchByUser(ctx, userID, beaconType)
	recordFetch(ctx, "GetByUser", time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("get beacons for %s: %w", userID, err)
	}

	author := userID
	if author == "*" {
		author = ""
	}
	out := make([]*envelope.Beacon, 0, len(fetched))
	for _, b := range fetched {
		if b == nil || b.ID == "" {
			c.logger.Debug("skipping beacon without id", slog.String("user", userID))
			continue
		}
		if beaconType != "" && b.BeaconType != "" && b.BeaconType != beaconType {
			continue
		}
		c.store(b, author)
		out = append(out, b)
	}
	if len(out) > 0 {
		c.requestSave()
	}
	SortNewestFirst(out)
	span.SetAttributes(attribute.Int("beacon.count", len(out)))
	return out, nil
}

// GetByType fetches beacons of one type from every author.
func (c *BeaconCache) GetByType(ctx context.Context, beaconType envelope.BeaconType) ([]*envelope.Beacon, error) {
	return c.GetByUser(ctx, "*", beaconType)
}

// GetMostRecent returns userID's newest beacon of beaconType, or nil.
func (c *BeaconCache) GetMostRecent(ctx context.Context, userID string, beaconType envelope.BeaconType) (*envelope.Beacon, error) {
	list, err := c.GetByUser(ctx, userID, beaconType)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// Put caches a beacon produced locally, replacing any entry with the same id.
func (c *BeaconCache) Put(b *envelope.Beacon) {
	if b == nil || b.ID == "" {
		return
	}
	c.store(b, "")
	c.requestSave()
}

// Peek returns a cached beacon without touching the network or its health.
func (c *BeaconCache) Peek(id string) (*envelope.Beacon, bool) {
	return c.peek(id)
}

// Invalidate removes id from the cache and every index.
func (c *BeaconCache) Invalidate(id string) {
	c.mu.Lock()
	_, ok := c.beacons[id]
	c.removeLocked(id)
	c.mu.Unlock()
	if ok {
		c.requestSave()
	}
}

// InvalidateForUser removes every beacon authored by userID.
func (c *BeaconCache) InvalidateForUser(userID string) {
	c.mu.Lock()
	ids := make([]string, 0, len(c.userBeacons[userID]))
	for id := range c.userBeacons[userID] {
		ids = append(ids, id)
	}
	for id, b := range c.beacons {
		if b.AuthorID == userID {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		c.removeLocked(id)
	}
	delete(c.userBeacons, userID)
	c.mu.Unlock()

	if len(ids) > 0 {
		c.logger.Debug("invalidated user beacons",
			slog.String("user", userID),
			slog.Int("count", len(ids)))
		c.requestSave()
	}
}

// Clear empties the cache and deletes the persisted snapshot.
func (c *BeaconCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.beacons = make(map[string]*envelope.Beacon)
	c.userBeacons = make(map[string]map[string]struct{})
	c.health = make(map[string]float64)
	c.index = make(map[int64][]string)
	c.factors = make(map[string][]int64)
	c.mu.Unlock()

	return c.deleteSnapshot(ctx)
}

// Len returns the number of cached beacons.
func (c *BeaconCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.beacons)
}

// Stats returns current cache statistics.
func (c *BeaconCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		TotalBeacons: len(c.beacons),
		IndexSize:    len(c.index),
		Entropy:      entropyOf(c.health),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
	}
	if len(c.health) > 0 {
		var sum float64
		for _, h := range c.health {
			sum += h
		}
		s.AvgHealth = sum / float64(len(c.health))
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// SortNewestFirst orders beacons by epoch descending. Ties keep their
// relative order.
func SortNewestFirst(list []*envelope.Beacon) {
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].Epoch > list[j].Epoch
	})
}

// lookup returns a cached beacon and counts the access toward its health.
func (c *BeaconCache) lookup(id string) (*envelope.Beacon, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.beacons[id]
	if ok {
		c.adjustHealthLocked(id, 1)
	}
	return b, ok
}

func (c *BeaconCache) peek(id string) (*envelope.Beacon, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.beacons[id]
	return b, ok
}

// store inserts or replaces b. fallbackAuthor indexes beacons whose record
// carries no authorId.
func (c *BeaconCache) store(b *envelope.Beacon, fallbackAuthor string) {
	factors := c.factorize(b.ID)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(b, fallbackAuthor, factors)
}

func (c *BeaconCache) storeLocked(b *envelope.Beacon, fallbackAuthor string, factors []int64) {
	if prev, ok := c.beacons[b.ID]; ok && prev.AuthorID != b.AuthorID {
		c.unlinkAuthorLocked(prev.AuthorID, b.ID)
	}
	c.beacons[b.ID] = b

	author := b.AuthorID
	if author == "" {
		author = fallbackAuthor
	}
	if author != "" {
		set, ok := c.userBeacons[author]
		if !ok {
			set = make(map[string]struct{})
			c.userBeacons[author] = set
		}
		set[b.ID] = struct{}{}
	}

	if _, ok := c.health[b.ID]; !ok {
		c.health[b.ID] = initialHealth
	}
	if _, indexed := c.factors[b.ID]; !indexed {
		c.indexLocked(b.ID, factors)
	}
}

// removeLocked drops id from every structure. Must hold the write lock.
func (c *BeaconCache) removeLocked(id string) {
	if b, ok := c.beacons[id]; ok {
		c.unlinkAuthorLocked(b.AuthorID, id)
	}
	for user, set := range c.userBeacons {
		if _, ok := set[id]; ok {
			c.unlinkAuthorLocked(user, id)
		}
	}
	delete(c.beacons, id)
	delete(c.health, id)
	c.unindexLocked(id)
}

func (c *BeaconCache) unlinkAuthorLocked(author, id string) {
	set, ok := c.userBeacons[author]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(c.userBeacons, author)
	}
}
