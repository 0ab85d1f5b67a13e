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
)

// Dispatcher fans the transport's single handler out to many listeners.
//
// It registers itself with OnMessage on construction; nothing else should
// call OnMessage on the same transport afterwards.
//
// Thread Safety: safe for concurrent use. Listeners are called serially on
// the delivery goroutine in registration order and must not block.
type Dispatcher struct {
	transport Transport

	mu        sync.RWMutex
	nextID    uint64
	listeners []listener
}

type listener struct {
	id   uint64
	kind string
	fn   Handler
}

// NewDispatcher attaches a dispatcher to t.
func NewDispatcher(t Transport) *Dispatcher {
	d := &Dispatcher{transport: t}
	t.OnMessage(d.dispatch)
	return d
}

// Transport returns the underlying transport.
func (d *Dispatcher) Transport() Transport { return d.transport }

// Listen registers fn for every inbound message. The returned function
// removes it and is safe to call more than once.
func (d *Dispatcher) Listen(fn Handler) (remove func()) {
	return d.Subscribe("", fn)
}

// Subscribe registers fn for messages of kind ("" means all kinds).
func (d *Dispatcher) Subscribe(kind string, fn Handler) (remove func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.listeners = append(d.listeners, listener{id: id, kind: kind, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(id) })
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners)
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.listeners {
		if l.id == id {
			d.listeners = append(d.listeners[:i:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *Dispatcher) dispatch(msg Message) {
	d.mu.RLock()
	snapshot := make([]listener, len(d.listeners))
	copy(snapshot, d.listeners)
	d.mu.RUnlock()

	for _, l := range snapshot {
		if l.kind == "" || l.kind == msg.Kind {
			l.fn(msg)
		}
	}
}
