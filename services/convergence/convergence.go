// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package convergence rebuilds application lists (following, spaces,
// space rosters, user data) from list beacons.
//
// Every list is a whole snapshot: a mutation re-encodes the entire list
// and submits it as a new beacon, and the newest decodable beacon wins.
package convergence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/codec"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/remote"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// DefaultDiscoveryTTL is how long a discovery scan result is reused.
const DefaultDiscoveryTTL = 5 * time.Minute

// BeaconStore is the cache read path the services depend on.
//
// cache.BeaconCache satisfies it.
type BeaconStore interface {
	GetByUser(ctx context.Context, userID string, beaconType envelope.BeaconType) ([]*envelope.Beacon, error)
	GetByType(ctx context.Context, beaconType envelope.BeaconType) ([]*envelope.Beacon, error)
	InvalidateForUser(userID string)
	Put(b *envelope.Beacon)
	AdjustHealth(id string, delta float64)
}

// Remote is the write path to the server.
//
// remote.Client satisfies it.
type Remote interface {
	Submit(ctx context.Context, env *envelope.Envelope) (string, error)
	CreateSpace(ctx context.Context, spaceID, name, visibility string) (remote.CreatedSpace, error)
	Follow(ctx context.Context, userID string) error
	Unfollow(ctx context.Context, userID string) error

	// OnNotification registers fn for pushed messages of kind and returns
	// a function removing it.
	OnNotification(kind string, fn transport.Handler) (remove func())
}

// Deps are the collaborators shared by every convergence service.
type Deps struct {
	// Cache is the beacon read path. Required.
	Cache BeaconStore

	// Engine encodes and decodes list payloads. Required.
	Engine codec.Engine

	// Remote submits beacons. Required.
	Remote Remote

	// KV stores the local spaces list copy. May be nil.
	KV storage.KV

	// DiscoveryTTL bounds discovery result reuse. Default: 5m.
	DiscoveryTTL time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// base carries the shared plumbing of the services.
type base struct {
	cache  BeaconStore
	engine codec.Engine
	remote Remote
	kv     storage.KV
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

func newBase(d Deps, component string) base {
	b := base{
		cache:  d.Cache,
		engine: d.Engine,
		remote: d.Remote,
		kv:     d.KV,
		ttl:    d.DiscoveryTTL,
		now:    d.Now,
		logger: logging.OrDefault(d.Logger).With(slog.String("component", component)),
	}
	if b.ttl <= 0 {
		b.ttl = DefaultDiscoveryTTL
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// me returns the local user id from the engine's identity.
func (b *base) me() (string, error) {
	id, err := b.engine.AuthorID()
	if err != nil {
		return "", err
	}
	return id, nil
}

// nextVersion returns a version strictly greater than prev, using the
// clock when it is ahead.
func (b *base) nextVersion(prev int64) int64 {
	return max(b.now().UnixMilli(), prev+1)
}

// publish encodes p, submits it as a new beacon and, once the server has
// accepted it, drops the author's stale cache entries and caches the new
// beacon.
func (b *base) publish(ctx context.Context, author string, p payload.Payload) (*envelope.Beacon, error) {
	text, err := payload.Encode(p)
	if err != nil {
		return nil, err
	}
	env, err := b.engine.Encode(p.BeaconType(), text)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", p.BeaconType(), err)
	}
	id, err := b.remote.Submit(ctx, env)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", p.BeaconType(), err)
	}

	beacon := &envelope.Beacon{ID: id, Envelope: *env, CreatedAt: b.now().UTC()}
	b.cache.InvalidateForUser(author)
	b.cache.Put(beacon)
	b.logger.Debug("published list beacon",
		slog.String("beacon_id", id),
		slog.String("beacon_type", string(p.BeaconType())))
	return beacon, nil
}

// decodeAs decodes and parses one beacon. Failure means "no information":
// it is logged at debug level and costs the beacon some cache health.
func decodeAs[T any](b *base, beacon *envelope.Beacon) (*T, bool) {
	text, ok := b.engine.Decode(&beacon.Envelope)
	if !ok {
		b.cache.AdjustHealth(beacon.ID, -1)
		return nil, false
	}
	v, err := payload.Parse[T](text)
	if err != nil {
		b.logger.Debug("undecodable list payload",
			slog.String("beacon_id", beacon.ID),
			slog.String("error", err.Error()))
		b.cache.AdjustHealth(beacon.ID, -1)
		return nil, false
	}
	return v, true
}

// latest returns the first decodable payload of a newest-first list.
func latest[T any](b *base, beacons []*envelope.Beacon) (*T, bool) {
	for _, beacon := range beacons {
		if v, ok := decodeAs[T](b, beacon); ok {
			return v, true
		}
	}
	return nil, false
}

// latestByAuthor decodes the newest decodable payload of each author in a
// newest-first list.
func latestByAuthor[T any](b *base, beacons []*envelope.Beacon) map[string]*T {
	out := make(map[string]*T)
	for _, beacon := range beacons {
		if beacon.AuthorID == "" {
			continue
		}
		if _, done := out[beacon.AuthorID]; done {
			continue
		}
		if v, ok := decodeAs[T](b, beacon); ok {
			out[beacon.AuthorID] = v
		}
	}
	return out
}
