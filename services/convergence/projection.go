// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convergence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State is the lifecycle of a list projection.
type State int

const (
	StateUninitialized State = iota
	StateLoading
	StateReady
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	}
	return "uninitialized"
}

// projection is one user's in-memory list.
//
// The first ensure moves it to Loading and runs the loader; concurrent
// callers wait for that same load. A failed load returns to Uninitialized
// so a later call may retry.
type projection[T any] struct {
	mu    sync.Mutex
	state State
	value T
	err   error
	done  chan struct{}
}

func (p *projection[T]) ensure(ctx context.Context, load func(context.Context) (T, error)) (T, error) {
	p.mu.Lock()
	switch p.state {
	case StateReady:
		v := p.value
		p.mu.Unlock()
		return v, nil
	case StateLoading:
		done := p.done
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.state == StateReady {
			return p.value, nil
		}
		var zero T
		return zero, p.err
	}
	p.state = StateLoading
	p.done = make(chan struct{})
	p.mu.Unlock()

	v, err := load(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.state = StateUninitialized
		p.err = err
	} else {
		p.state = StateReady
		p.value = v
		p.err = nil
	}
	close(p.done)
	return v, err
}

// snapshot returns the value if Ready.
func (p *projection[T]) snapshot() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateReady {
		var zero T
		return zero, false
	}
	return p.value, true
}

// set replaces the value and marks the projection Ready.
func (p *projection[T]) set(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
	p.err = nil
	if p.state != StateLoading {
		p.state = StateReady
	}
}

func (p *projection[T]) current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// projections holds one projection per user.
type projections[T any] struct {
	mu     sync.Mutex
	byUser map[string]*projection[T]
}

func (ps *projections[T]) get(userID string) *projection[T] {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.byUser == nil {
		ps.byUser = make(map[string]*projection[T])
	}
	p, ok := ps.byUser[userID]
	if !ok {
		p = &projection[T]{}
		ps.byUser[userID] = p
	}
	return p
}

// ttlCache memoizes discovery scans per key. Concurrent misses for one key
// share a scan. A scan that started before invalidate or purge does not
// store its result, and later callers do not join it.
type ttlCache[V any] struct {
	ttl    time.Duration
	now    func() time.Time
	flight singleflight.Group

	mu      sync.Mutex
	gen     uint64
	entries map[string]ttlEntry[V]
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

func newTTLCache[V any](ttl time.Duration, now func() time.Time) *ttlCache[V] {
	return &ttlCache[V]{ttl: ttl, now: now, entries: make(map[string]ttlEntry[V])}
}

func (c *ttlCache[V]) get(ctx context.Context, key string, compute func(context.Context) (V, error)) (V, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Before(e.expires) {
		c.mu.Unlock()
		return e.value, nil
	}
	gen := c.gen
	c.mu.Unlock()

	v, err, _ := c.flight.Do(fmt.Sprintf("%s#%d", key, gen), func() (interface{}, error) {
		value, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.entries[key] = ttlEntry[V]{value: value, expires: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

func (c *ttlCache[V]) invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	delete(c.entries, key)
}

func (c *ttlCache[V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.entries = make(map[string]ttlEntry[V])
}
