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
	"time"
)

// BackoffConfig configures reconnection backoff.
type BackoffConfig struct {
	// Initial is the first delay. Default: 1s.
	Initial time.Duration

	// Max caps every delay. Default: 30s.
	Max time.Duration

	// Factor multiplies the delay after each attempt. Default: 2.
	Factor float64

	// MaxAttempts is the number of retries before giving up. Default: 5.
	MaxAttempts int
}

// DefaultBackoffConfig returns 1s doubling to a 30s cap, 5 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Initial:     1 * time.Second,
		Max:         30 * time.Second,
		Factor:      2.0,
		MaxAttempts: 5,
	}
}

// Backoff tracks consecutive reconnection attempts.
//
// Thread Safety: safe for concurrent use.
type Backoff struct {
	mu       sync.Mutex
	cfg      BackoffConfig
	attempts int
	current  time.Duration
}

// NewBackoff creates a Backoff. Zero fields take their defaults.
func NewBackoff(cfg BackoffConfig) *Backoff {
	def := DefaultBackoffConfig()
	if cfg.Initial <= 0 {
		cfg.Initial = def.Initial
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = def.Max
		if cfg.Max < cfg.Initial {
			cfg.Max = cfg.Initial
		}
	}
	if cfg.Factor < 1 {
		cfg.Factor = def.Factor
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Backoff{cfg: cfg}
}

// Next returns the delay before the next attempt, or ok=false once
// MaxAttempts retries have been handed out.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attempts >= b.cfg.MaxAttempts {
		return 0, false
	}
	b.attempts++
	if b.current == 0 {
		b.current = b.cfg.Initial
	} else {
		b.current = nextBackoff(b.current, b.cfg.Factor, b.cfg.Max)
	}
	return b.current, true
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Exhausted reports whether no further retries will be handed out.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts >= b.cfg.MaxAttempts
}

// Reset clears the attempt count after a successful connection.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts = 0
	b.current = 0
}

func nextBackoff(current time.Duration, factor float64, max time.Duration) time.Duration {
	next := time.Duration(float64(current) * factor)
	if next > max {
		return max
	}
	return next
}
