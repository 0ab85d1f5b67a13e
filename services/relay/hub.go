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

	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

const subscriberBuffer = 64

// subscriber is one live push channel (socket or event stream).
type subscriber struct {
	ch chan transport.Message
}

// hub routes pushes to a user's live channels, queueing them for polling
// or response embedding when none is connected.
type hub struct {
	limit int

	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	queues map[string][]transport.Message
}

func newHub(limit int) *hub {
	return &hub{
		limit:  limit,
		subs:   make(map[string]map[*subscriber]struct{}),
		queues: make(map[string][]transport.Message),
	}
}

// subscribe registers a live channel for userID. Queued messages are moved
// into it first.
func (h *hub) subscribe(userID, channel string) (*subscriber, func()) {
	sub := &subscriber{ch: make(chan transport.Message, subscriberBuffer)}

	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][sub] = struct{}{}
	pending := h.queues[userID]
	delete(h.queues, userID)
	for _, m := range pending {
		select {
		case sub.ch <- m:
		default:
			h.enqueueLocked(userID, m)
		}
	}
	h.mu.Unlock()
	getMetrics().Subscribers.WithLabelValues(channel).Inc()

	var once sync.Once
	return sub, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[userID], sub)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			h.mu.Unlock()
			getMetrics().Subscribers.WithLabelValues(channel).Dec()
		})
	}
}

// publish delivers msg to every live channel of userID. A full or absent
// channel leaves the message queued.
func (h *hub) publish(userID string, msg transport.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delivered := false
	for sub := range h.subs[userID] {
		select {
		case sub.ch <- msg:
			delivered = true
		default:
		}
	}
	if !delivered {
		h.enqueueLocked(userID, msg)
	}
}

// drain removes and returns every queued message of userID.
func (h *hub) drain(userID string) []transport.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.queues[userID]
	delete(h.queues, userID)
	if out == nil {
		out = []transport.Message{}
	}
	return out
}

// pop removes the oldest queued message of userID.
func (h *hub) pop(userID string) (transport.Message, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	q := h.queues[userID]
	if len(q) == 0 {
		return transport.Message{}, false
	}
	msg := q[0]
	if len(q) == 1 {
		delete(h.queues, userID)
	} else {
		h.queues[userID] = q[1:]
	}
	return msg, true
}

// enqueueLocked appends msg, dropping the oldest beyond the limit.
func (h *hub) enqueueLocked(userID string, msg transport.Message) {
	q := append(h.queues[userID], msg)
	if h.limit > 0 && len(q) > h.limit {
		q = q[len(q)-h.limit:]
	}
	h.queues[userID] = q
}
