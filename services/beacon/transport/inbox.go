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
	"fmt"
	"log/slog"
	"sync"
)

// inbox delivers inbound messages to the registered handler one at a time,
// in the order they arrived. deliver only enqueues; a single drain
// goroutine, started on demand and exiting when the queue is empty, calls
// the handler. A handler may therefore call Send, whose reply is queued
// behind the message being handled.
type inbox struct {
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	queue    []Message
	draining bool

	handlerMu sync.RWMutex
	handler   Handler
}

func (i *inbox) set(h Handler) {
	i.handlerMu.Lock()
	defer i.handlerMu.Unlock()
	i.handler = h
}

// deliver queues msg, followed on delivery by any embedded notification.
func (i *inbox) deliver(msg Message) {
	getMetrics().MessagesTotal.WithLabelValues(i.name, directionIn).Inc()

	i.mu.Lock()
	defer i.mu.Unlock()
	i.queue = append(i.queue, msg)
	if !i.draining {
		i.draining = true
		go i.drain()
	}
}

func (i *inbox) drain() {
	for {
		i.mu.Lock()
		if len(i.queue) == 0 {
			i.draining = false
			i.mu.Unlock()
			return
		}
		msg := i.queue[0]
		i.queue[0] = Message{}
		i.queue = i.queue[1:]
		i.mu.Unlock()

		i.handlerMu.RLock()
		h := i.handler
		i.handlerMu.RUnlock()
		if h == nil {
			continue
		}
		if msg.Kind != "" {
			i.call(h, msg)
		}
		if n, ok := msg.Notification(); ok {
			i.call(h, n)
		}
	}
}

func (i *inbox) call(h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("message handler panicked",
				"transport", i.name,
				"kind", msg.Kind,
				"panic", fmt.Sprint(r))
		}
	}()
	h(msg)
}
