// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package primes provides the small-prime tables used for beacon indexing.
//
// A synchronous fallback table of the first 1,000 primes is available
// immediately. The full table (at least 10,000 primes) is computed in the
// background by Table.LoadAsync; until it is ready, Table.Primes returns the
// fallback.
package primes

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
)

const (
	// FallbackCount is the number of primes in the synchronous fallback table.
	FallbackCount = 1000

	// DefaultCount is the minimum size of the fully loaded table.
	DefaultCount = 10000
)

var (
	fallbackOnce sync.Once
	fallback     []int64
)

// Fallback returns the first FallbackCount primes. The slice is shared and
// must not be modified.
func Fallback() []int64 {
	fallbackOnce.Do(func() {
		fallback = FirstN(FallbackCount)
	})
	return fallback
}

// FirstN returns the first n primes using a sieve of Eratosthenes sized by
// the upper bound n(ln n + ln ln n) for n >= 6.
func FirstN(n int) []int64 {
	if n <= 0 {
		return nil
	}
	limit := 15
	if n >= 6 {
		fn := float64(n)
		limit = int(fn*(math.Log(fn)+math.Log(math.Log(fn)))) + 1
	}
	out := Sieve(limit)
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Sieve returns every prime <= limit.
func Sieve(limit int) []int64 {
	if limit < 2 {
		return nil
	}
	composite := make([]bool, limit+1)
	out := make([]int64, 0, limit/int(math.Max(1, math.Log(float64(limit)))))
	for i := 2; i <= limit; i++ {
		if composite[i] {
			continue
		}
		out = append(out, int64(i))
		for j := i * i; j <= limit; j += i {
			composite[j] = true
		}
	}
	return out
}

// Table is a lazily loaded prime table.
//
// Thread Safety: safe for concurrent use.
type Table struct {
	count  int
	loaded atomic.Pointer[[]int64]
	once   sync.Once
	done   chan struct{}
}

// NewTable creates a table that will hold at least count primes once loaded.
// A count below DefaultCount is raised to DefaultCount.
func NewTable(count int) *Table {
	if count < DefaultCount {
		count = DefaultCount
	}
	return &Table{count: count, done: make(chan struct{})}
}

// LoadAsync starts computing the full table in a goroutine. Calling it more
// than once has no further effect.
//
// The returned channel is closed once the table is ready, or immediately
// after ctx is cancelled (in which case the fallback remains in use).
func (t *Table) LoadAsync(ctx context.Context) <-chan struct{} {
	t.once.Do(func() {
		go func() {
			defer close(t.done)
			result := make(chan []int64, 1)
			go func() { result <- FirstN(t.count) }()
			select {
			case p := <-result:
				t.loaded.Store(&p)
			case <-ctx.Done():
			}
		}()
	})
	return t.done
}

// Load computes the full table synchronously.
func (t *Table) Load(ctx context.Context) error {
	select {
	case <-t.LoadAsync(ctx):
	case <-ctx.Done():
		return ctx.Err()
	}
	if !t.Ready() {
		return ctx.Err()
	}
	return nil
}

// Ready reports whether the full table is loaded.
func (t *Table) Ready() bool {
	return t.loaded.Load() != nil
}

// Primes returns the full table if loaded, otherwise the fallback.
func (t *Table) Primes() []int64 {
	if p := t.loaded.Load(); p != nil {
		return *p
	}
	return Fallback()
}

// Factorize returns the distinct primes from the table that divide n, in
// ascending order. Factors larger than the table's largest prime are ignored.
func (t *Table) Factorize(n uint64) []int64 {
	return Factorize(n, t.Primes())
}

// Factorize returns the distinct members of table that divide n.
func Factorize(n uint64, table []int64) []int64 {
	var out []int64
	for _, p := range table {
		if n < 2 {
			break
		}
		up := uint64(p)
		if up*up > n {
			// n is now 1 or a prime; keep it only if it is inside the table.
			if n <= uint64(table[len(table)-1]) {
				out = append(out, int64(n))
			}
			return out
		}
		if n%up == 0 {
			out = append(out, p)
			for n%up == 0 {
				n /= up
			}
		}
	}
	return out
}
