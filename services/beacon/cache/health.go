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
	"context"
	"log/slog"
	"math"
	"sort"
)

// Health returns the health score of a cached beacon.
func (c *BeaconCache) Health(id string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h, ok := c.health[id]
	return h, ok
}

// AdjustHealth shifts id's health by 0.1×delta, clamped to [0, 1].
// Positive delta records a useful access, negative a wasted one.
// Uncached ids are ignored.
func (c *BeaconCache) AdjustHealth(id string, delta float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adjustHealthLocked(id, delta)
}

func (c *BeaconCache) adjustHealthLocked(id string, delta float64) {
	h, ok := c.health[id]
	if !ok {
		return
	}
	c.health[id] = clamp01(h + healthStep*delta)
}

// Heal runs one self-healing cycle.
//
// Description:
//
//	Every health score decays by ×0.99. If the normalized entropy of the
//	scores then exceeds the threshold, up to EvictFraction of all entries
//	are evicted, drawn only from entries below LowHealth, lowest health
//	first and oldest epoch among equals.
//
// Inputs:
//
//	ctx - Context for metrics.
//
// Outputs:
//
//	HealReport - The measured entropy and the evicted ids.
//
// Thread Safety: holds the write lock for the whole cycle.
func (c *BeaconCache) Heal(ctx context.Context) HealReport {
	c.mu.Lock()
	for id, h := range c.health {
		c.health[id] = h * healthDecay
	}
	report := HealReport{Entropy: entropyOf(c.health)}

	if report.Entropy > c.opts.EntropyThreshold {
		limit := int(math.Floor(float64(len(c.beacons)) * c.opts.EvictFraction))
		candidates := c.lowHealthLocked()
		if len(candidates) > limit {
			candidates = candidates[:limit]
		}
		for _, id := range candidates {
			c.removeLocked(id)
		}
		report.Evicted = candidates
	}
	c.mu.Unlock()

	if n := len(report.Evicted); n > 0 {
		c.evictions.Add(int64(n))
		recordEvictions(ctx, n)
		c.logger.Info("cache healing evicted beacons",
			slog.Int("evicted", n),
			slog.Float64("entropy", report.Entropy))
		c.requestSave()
	}
	return report
}

// lowHealthLocked returns ids under LowHealth, lowest first then oldest.
func (c *BeaconCache) lowHealthLocked() []string {
	var ids []string
	for id, h := range c.health {
		if h < c.opts.LowHealth {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		hi, hj := c.health[ids[i]], c.health[ids[j]]
		if hi != hj {
			return hi < hj
		}
		ei, ej := c.epochLocked(ids[i]), c.epochLocked(ids[j])
		if ei != ej {
			return ei < ej
		}
		return ids[i] < ids[j]
	})
	return ids
}

func (c *BeaconCache) epochLocked(id string) int64 {
	if b, ok := c.beacons[id]; ok {
		return b.Epoch
	}
	return 0
}

// entropyOf is the Shannon entropy of the scores treated as a distribution,
// normalized by log(n) into [0, 1]. Fewer than two scores, or a zero sum,
// yield 0.
func entropyOf(scores map[string]float64) float64 {
	n := len(scores)
	if n < 2 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	if sum <= 0 {
		return 0
	}
	var h float64
	for _, s := range scores {
		if s <= 0 {
			continue
		}
		p := s / sum
		h -= p * math.Log(p)
	}
	return h / math.Log(float64(n))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
