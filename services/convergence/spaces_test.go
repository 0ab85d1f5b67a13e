// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convergence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
	"github.com/AleutianAI/beaconspace/services/beacon/storage/badger"
)

func openKV(t *testing.T) *badger.Store {
	t.Helper()
	kv, err := badger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func TestSpaces_AddReplaceRemove(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	svc := NewSpacesService(w.deps("me", newFakeClock()))

	require.NoError(t, svc.AddSpace(ctx, payload.SpaceEntry{SpaceID: "s1", Role: payload.RoleContributor}))
	require.NoError(t, svc.AddSpace(ctx, payload.SpaceEntry{SpaceID: "s2", Role: payload.RoleViewer}))
	require.NoError(t, svc.AddSpace(ctx, payload.SpaceEntry{SpaceID: "s1", Role: payload.RoleAdmin}))
	require.NoError(t, svc.AddSpace(ctx, payload.SpaceEntry{SpaceID: "s1", Role: payload.RoleAdmin}))
	require.NoError(t, svc.RemoveSpace(ctx, "s2"))
	require.NoError(t, svc.RemoveSpace(ctx, "missing"))

	got, ok := svc.Current()
	require.True(t, ok)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SpaceID)
	assert.Equal(t, payload.RoleAdmin, got[0].Role)
	assert.NotZero(t, got[0].JoinedAt)
}

func TestSpaces_LocalCopyUsedWhenOffline(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	kv := openKV(t)
	d := w.deps("me", newFakeClock())
	d.KV = kv

	require.NoError(t, NewSpacesService(d).AddSpace(ctx, payload.SpaceEntry{SpaceID: "s1", Role: payload.RoleOwner}))

	_, err := kv.Get(ctx, storage.SpacesListKey("me"))
	require.NoError(t, err)

	w.fetchErr = errors.New("offline")
	got, err := NewSpacesService(d).Spaces(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "s1", got[0].SpaceID)
}

func TestSpaces_CorruptLocalCopyDiscarded(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.fetchErr = errors.New("offline")
	kv := openKV(t)
	require.NoError(t, kv.Put(ctx, storage.SpacesListKey("me"), []byte("%%%")))

	d := w.deps("me", newFakeClock())
	d.KV = kv
	_, err := NewSpacesService(d).Spaces(ctx)
	require.Error(t, err)

	_, err = kv.Get(ctx, storage.SpacesListKey("me"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSpaces_NetworkListRefreshesLocalCopy(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.injectPayload("me", payload.SpacesList{
		Spaces:  []payload.SpaceEntry{{SpaceID: "remote", Role: payload.RoleViewer}},
		Version: 3,
	})
	kv := openKV(t)
	d := w.deps("me", newFakeClock())
	d.KV = kv

	got, err := NewSpacesService(d).Spaces(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)

	raw, err := kv.Get(ctx, storage.SpacesListKey("me"))
	require.NoError(t, err)
	local, err := payload.Parse[payload.SpacesList](string(raw))
	require.NoError(t, err)
	assert.Equal(t, int64(3), local.Version)
}
