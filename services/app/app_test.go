// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/pkg/config"
	"github.com/AleutianAI/beaconspace/services/beacon/codec"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
	"github.com/AleutianAI/beaconspace/services/beacon/storage/badger"
	"github.com/AleutianAI/beaconspace/services/convergence"
	"github.com/AleutianAI/beaconspace/services/relay"
)

func testConfig(t *testing.T, serverURL, user string) config.BeaconspaceConfig {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.Transport = "hybrid"
	cfg.DataDir = t.TempDir()
	cfg.Identity = config.IdentityConfig{UserID: user, Username: user}
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func startServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := httptest.NewServer(relay.New(relay.Config{}).Router())
	t.Cleanup(srv.Close)
	return srv
}

func TestApp_StartMutateAndRestart(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	srv := startServer(t)
	cfg := testConfig(t, srv.URL, "alice")

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.True(t, a.Transport.IsConnected())

	require.NoError(t, a.Following.Follow(ctx, "bob"))
	_, err = a.Membership.CreateSpace(ctx, convergence.SpaceSpec{ID: "garden", Name: "Garden"})
	require.NoError(t, err)
	require.NoError(t, a.UserData.AddItem(ctx, "reading", "Dune"))
	pub := a.Identity.PublicKey()
	require.NoError(t, a.Close(ctx))

	// Same data dir: the identity seed and the badger store survive.
	b, err := New(cfg)
	require.NoError(t, err)
	defer func() { _ = b.Close(context.Background()) }()
	assert.Equal(t, pub, b.Identity.PublicKey())
	require.NoError(t, b.Start(ctx))
	assert.Positive(t, b.Cache.Len())

	following, err := b.Following.Following(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, following)

	spaces, err := b.Spaces.Spaces(ctx)
	require.NoError(t, err)
	require.Len(t, spaces, 1)
	assert.Equal(t, payload.RoleOwner, spaces[0].Role)

	items, err := b.UserData.List(ctx, "reading")
	require.NoError(t, err)
	assert.Equal(t, []string{"Dune"}, items)
}

func TestApp_WithoutIdentityIsReadOnly(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv := startServer(t)
	cfg := testConfig(t, srv.URL, "")

	kv, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer kv.Close()

	a, err := New(cfg, WithKV(kv))
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()
	require.NoError(t, a.Start(ctx))

	assert.Nil(t, a.Identity)
	assert.ErrorIs(t, a.Following.Follow(ctx, "bob"), codec.ErrNoIdentity)

	_, err = a.Messaging.SendDirect(ctx, "bob", "hi")
	assert.ErrorIs(t, err, codec.ErrNoIdentity)
}

func TestApp_FlushOnCancelSavesSnapshot(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1", "")

	kv, err := badger.OpenInMemory()
	require.NoError(t, err)
	defer kv.Close()

	a, err := New(cfg, WithKV(kv))
	require.NoError(t, err)
	defer func() { _ = a.Close(context.Background()) }()

	a.Cache.Put(&envelope.Beacon{
		ID: "b1",
		Envelope: envelope.Envelope{
			AuthorID:    "alice",
			BeaconType:  envelope.TypePost,
			PrimeIndex:  []int64{2, 3},
			Epoch:       1700000000000,
			Fingerprint: []byte{1},
			Signature:   []byte{2},
		},
	})
	_, err = kv.Get(context.Background(), storage.CacheSnapshotKey)
	require.ErrorIs(t, err, storage.ErrNotFound, "nothing saved before cancel")

	ctx, cancel := context.WithCancel(context.Background())
	stop := a.FlushOnCancel(ctx, time.Second)
	defer stop()
	cancel()

	assert.Eventually(t, func() bool {
		raw, err := kv.Get(context.Background(), storage.CacheSnapshotKey)
		return err == nil && strings.Contains(string(raw), `"b1"`)
	}, 2*time.Second, 10*time.Millisecond)
}
