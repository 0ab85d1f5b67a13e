// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage defines the durable local key-value contract and the key
// layout used by the beacon client.
//
// Keys:
//
//	beacon_cache       full cache snapshot {cache, userBeacons, cacheHealth, timestamp}
//	spaces:<userId>    one user's spaces list
//	session            persisted transport session {sessionToken, userId}
//
// The badger subpackage provides the production implementation.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("storage: key not found")

const (
	// CacheSnapshotKey holds the beacon cache snapshot.
	CacheSnapshotKey = "beacon_cache"

	// SessionKey holds the transport session.
	SessionKey = "session"

	spacesPrefix = "spaces:"
)

// SpacesListKey returns the key of userID's spaces list.
func SpacesListKey(userID string) string {
	return spacesPrefix + userID
}

// KV is durable local storage.
//
// Implementations must be safe for concurrent use. Values are opaque bytes;
// callers own the encoding.
type KV interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
