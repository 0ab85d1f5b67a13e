// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"hash/fnv"
	"log/slog"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

// factorize hashes id and returns its distinct prime factors from the
// table. Indexing is best effort: a panic here only costs the beacon its
// related entries.
func (c *BeaconCache) factorize(id string) (factors []int64) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("relatedness indexing failed",
				slog.String("beacon_id", id),
				slog.Any("panic", r))
			factors = nil
		}
	}()
	h := fnv.New64a()
	h.Write([]byte(id))
	return c.primes.Factorize(h.Sum64())
}

// indexLocked records id under each factor. Must hold the write lock.
func (c *BeaconCache) indexLocked(id string, factors []int64) {
	c.factors[id] = factors
	for _, f := range factors {
		c.index[f] = append(c.index[f], id)
	}
}

// unindexLocked removes id from the factor index. Must hold the write lock.
func (c *BeaconCache) unindexLocked(id string) {
	for _, f := range c.factors[id] {
		ids := c.index[f]
		for i, other := range ids {
			if other == id {
				ids = append(ids[:i:i], ids[i+1:]...)
				break
			}
		}
		if len(ids) == 0 {
			delete(c.index, f)
		} else {
			c.index[f] = ids
		}
	}
	delete(c.factors, id)
}

// FindRelated returns up to MaxRelated cached beacons that share a hash
// factor with id, in factor order then insertion order.
//
// The correlation is heuristic and carries no correctness guarantee. An
// uncached id has no related beacons.
func (c *BeaconCache) FindRelated(id string) []*envelope.Beacon {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := map[string]struct{}{id: {}}
	var out []*envelope.Beacon
	for _, f := range c.factors[id] {
		for _, other := range c.index[f] {
			if _, dup := seen[other]; dup {
				continue
			}
			seen[other] = struct{}{}
			if b, ok := c.beacons[other]; ok {
				out = append(out, b)
				if len(out) == MaxRelated {
					return out
				}
			}
		}
	}
	return out
}
