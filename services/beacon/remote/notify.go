// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"sync"

	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// notifier runs one subscriber's callbacks in arrival order on its own
// goroutine, so a callback can issue round trips whose replies arrive
// through the same transport handler that delivered the push.
type notifier struct {
	fn transport.Handler

	mu      sync.Mutex
	queue   []transport.Message
	running bool
	closed  bool
}

func (n *notifier) push(m transport.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.queue = append(n.queue, m)
	if !n.running {
		n.running = true
		go n.run()
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		if n.closed || len(n.queue) == 0 {
			n.queue = nil
			n.running = false
			n.mu.Unlock()
			return
		}
		m := n.queue[0]
		n.queue = n.queue[1:]
		n.mu.Unlock()

		n.fn(m)
	}
}

// close drops anything still queued. A callback already running finishes.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.queue = nil
	n.mu.Unlock()
}
