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
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/beaconspace/services/beacon/codec"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/remote"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// world is a shared in-memory server. It satisfies both BeaconStore and
// Remote so that several users' services observe the same beacons.
type world struct {
	mu      sync.Mutex
	seq     int64
	beacons []*envelope.Beacon
	notices []string
	spaces  []string

	submitErr error
	fetchErr  error
	createErr error

	fetches   atomic.Int32
	penalties atomic.Int32

	handlers map[string][]transport.Handler
}

func newWorld() *world { return &world{} }

func (w *world) deps(user string, clock *fakeClock) Deps {
	return Deps{Cache: w, Engine: fakeEngine{user: user}, Remote: w, Now: clock.now}
}

// inject stores a beacon whose payload text is text verbatim.
func (w *world) inject(author string, t envelope.BeaconType, text string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	w.beacons = append(w.beacons, &envelope.Beacon{
		ID:       fmt.Sprintf("b%03d", w.seq),
		Envelope: envelope.Envelope{AuthorID: author, BeaconType: t, OriginalText: text, Epoch: w.seq},
	})
}

func (w *world) injectPayload(author string, p payload.Payload) {
	text, err := payload.Encode(p)
	if err != nil {
		panic(err)
	}
	w.inject(author, p.BeaconType(), text)
}

func (w *world) count(t envelope.BeaconType) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, b := range w.beacons {
		if b.BeaconType == t {
			n++
		}
	}
	return n
}

func (w *world) filter(match func(*envelope.Beacon) bool) ([]*envelope.Beacon, error) {
	w.fetches.Add(1)
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fetchErr != nil {
		return nil, w.fetchErr
	}
	var out []*envelope.Beacon
	for _, b := range w.beacons {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out, nil
}

func (w *world) GetByUser(_ context.Context, userID string, t envelope.BeaconType) ([]*envelope.Beacon, error) {
	return w.filter(func(b *envelope.Beacon) bool { return b.AuthorID == userID && b.BeaconType == t })
}

func (w *world) GetByType(_ context.Context, t envelope.BeaconType) ([]*envelope.Beacon, error) {
	return w.filter(func(b *envelope.Beacon) bool { return b.BeaconType == t })
}

func (w *world) InvalidateForUser(string) {}
func (w *world) Put(*envelope.Beacon) {}
func (w *world) AdjustHealth(string, float64) { w.penalties.Add(1) }

func (w *world) Submit(_ context.Context, env *envelope.Envelope) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.submitErr != nil {
		return "", w.submitErr
	}
	w.seq++
	e := env.Clone()
	e.Epoch = w.seq
	b := &envelope.Beacon{ID: fmt.Sprintf("b%03d", w.seq), Envelope: *e}
	w.beacons = append(w.beacons, b)
	return b.ID, nil
}

func (w *world) CreateSpace(_ context.Context, spaceID, _, _ string) (remote.CreatedSpace, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.createErr != nil {
		return remote.CreatedSpace{}, w.createErr
	}
	w.spaces = append(w.spaces, spaceID)
	return remote.CreatedSpace{SpaceID: spaceID}, nil
}

func (w *world) Follow(_ context.Context, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notices = append(w.notices, "follow:"+userID)
	return nil
}

func (w *world) Unfollow(_ context.Context, userID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.notices = append(w.notices, "unfollow:"+userID)
	return nil
}

func (w *world) OnNotification(kind string, fn transport.Handler) func() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.handlers == nil {
		w.handlers = make(map[string][]transport.Handler)
	}
	w.handlers[kind] = append(w.handlers[kind], fn)
	idx := len(w.handlers[kind]) - 1
	return func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		w.handlers[kind][idx] = nil
	}
}

// push delivers msg to every handler registered for its kind.
func (w *world) push(msg transport.Message) {
	w.mu.Lock()
	hs := slices.Clone(w.handlers[msg.Kind])
	w.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(msg)
		}
	}
}

// fakeEngine carries payload text in OriginalText.
type fakeEngine struct{ user string }

func (e fakeEngine) Encode(t envelope.BeaconType, text string) (*envelope.Envelope, error) {
	if e.user == "" {
		return nil, codec.ErrNoIdentity
	}
	return &envelope.Envelope{AuthorID: e.user, BeaconType: t, OriginalText: text}, nil
}

func (e fakeEngine) Decode(env *envelope.Envelope) (string, bool) {
	return env.OriginalText, env.OriginalText != ""
}

func (e fakeEngine) AuthorID() (string, error) {
	if e.user == "" {
		return "", codec.ErrNoIdentity
	}
	return e.user, nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}
