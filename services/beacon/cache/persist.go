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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
)

// snapshot is the persisted form of the cache. Beacons are stored in
// storage format, with binary fields base64-encoded.
type snapshot struct {
	Cache       map[string]json.RawMessage `json:"cache"`
	UserBeacons map[string][]string        `json:"userBeacons"`
	CacheHealth map[string]float64         `json:"cacheHealth"`
	Timestamp   int64                      `json:"timestamp"`
}

// Save writes the full cache snapshot to storage. Without storage it is a
// no-op.
func (c *BeaconCache) Save(ctx context.Context) error {
	kv := c.opts.Storage
	if kv == nil {
		return nil
	}

	c.mu.RLock()
	snap := snapshot{
		Cache:       make(map[string]json.RawMessage, len(c.beacons)),
		UserBeacons: make(map[string][]string, len(c.userBeacons)),
		CacheHealth: make(map[string]float64, len(c.health)),
		Timestamp:   time.Now().UnixMilli(),
	}
	var encErr error
	for id, b := range c.beacons {
		raw, err := json.Marshal(envelope.SerializeBeacon(b, envelope.FormatStorage))
		if err != nil {
			encErr = fmt.Errorf("encode beacon %s: %w", id, err)
			break
		}
		snap.Cache[id] = raw
	}
	for user, set := range c.userBeacons {
		ids := make([]string, 0, len(set))
		for id := range set {
			ids = append(ids, id)
		}
		snap.UserBeacons[user] = ids
	}
	for id, h := range c.health {
		snap.CacheHealth[id] = h
	}
	c.mu.RUnlock()
	if encErr != nil {
		return encErr
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal cache snapshot: %w", err)
	}

	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := kv.Put(ctx, storage.CacheSnapshotKey, data); err != nil {
		return fmt.Errorf("persist cache snapshot: %w", err)
	}
	return nil
}

// Restore loads the persisted snapshot into the cache.
//
// Description:
//
//	Restored entries replace cached entries with the same id. Corrupt
//	snapshot data is logged and deleted and the cache keeps whatever it
//	held before. Only storage read failures are returned.
//
// Outputs:
//
//	int - Number of beacons restored.
//	error - Non-nil only if storage could not be read.
func (c *BeaconCache) Restore(ctx context.Context) (int, error) {
	kv := c.opts.Storage
	if kv == nil {
		return 0, nil
	}
	data, err := kv.Get(ctx, storage.CacheSnapshotKey)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cache snapshot: %w", err)
	}

	beacons, snap, err := decodeSnapshot(data)
	if err != nil {
		c.logger.Warn("discarding corrupt cache snapshot", slog.String("error", err.Error()))
		if delErr := c.deleteSnapshot(ctx); delErr != nil {
			c.logger.Warn("failed to delete corrupt cache snapshot", slog.String("error", delErr.Error()))
		}
		return 0, nil
	}

	authors := make(map[string]string)
	for user, ids := range snap.UserBeacons {
		for _, id := range ids {
			authors[id] = user
		}
	}
	factors := make(map[string][]int64, len(beacons))
	for _, b := range beacons {
		factors[b.ID] = c.factorize(b.ID)
	}

	c.mu.Lock()
	for _, b := range beacons {
		c.storeLocked(b, authors[b.ID], factors[b.ID])
		if h, ok := snap.CacheHealth[b.ID]; ok {
			c.health[b.ID] = clamp01(h)
		}
	}
	c.mu.Unlock()

	c.logger.Info("restored beacon cache",
		slog.Int("beacons", len(beacons)),
		slog.Time("saved_at", time.UnixMilli(snap.Timestamp)))
	return len(beacons), nil
}

func decodeSnapshot(data []byte) ([]*envelope.Beacon, *snapshot, error) {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	if snap.Cache == nil {
		return nil, nil, errors.New("snapshot has no cache section")
	}
	out := make([]*envelope.Beacon, 0, len(snap.Cache))
	for id, raw := range snap.Cache {
		b, err := envelope.DeserializeBeacon(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("beacon %s: %w", id, err)
		}
		if b.ID == "" {
			b.ID = id
		}
		out = append(out, b)
	}
	return out, &snap, nil
}

func (c *BeaconCache) deleteSnapshot(ctx context.Context) error {
	kv := c.opts.Storage
	if kv == nil {
		return nil
	}
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if err := kv.Delete(ctx, storage.CacheSnapshotKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete cache snapshot: %w", err)
	}
	return nil
}

// requestSave schedules an asynchronous snapshot save. Requests coalesce.
func (c *BeaconCache) requestSave() {
	select {
	case c.saveCh <- struct{}{}:
	default:
	}
}

// Start launches the healing and persistence loop. Calling it more than
// once has no further effect. The loop stops when ctx is done or Close is
// called.
func (c *BeaconCache) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)
		go c.run(ctx)
	})
}

func (c *BeaconCache) run(ctx context.Context) {
	defer c.wg.Done()

	heal := time.NewTicker(c.opts.HealInterval)
	defer heal.Stop()
	save := time.NewTicker(c.opts.SaveInterval)
	defer save.Stop()

	persist := func() {
		if err := c.Save(ctx); err != nil {
			c.logger.Warn("cache snapshot save failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-heal.C:
			c.Heal(ctx)
		case <-save.C:
			persist()
		case <-c.saveCh:
			persist()
		}
	}
}

// Flush saves the snapshot immediately, for use when the process is about
// to be suspended.
func (c *BeaconCache) Flush(ctx context.Context) error {
	return c.Save(ctx)
}

// Close stops background work and writes a final snapshot. It is safe to
// call more than once.
func (c *BeaconCache) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
		err = c.Save(ctx)
	})
	return err
}
