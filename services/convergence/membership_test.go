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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/services/beacon/payload"
)

// participant bundles one user's services over a shared world.
type participant struct {
	spaces     *SpacesService
	membership *MembershipService
}

func newParticipant(w *world, clock *fakeClock, user string) participant {
	d := w.deps(user, clock)
	spaces := NewSpacesService(d)
	return participant{spaces: spaces, membership: NewMembershipService(d, spaces)}
}

// setupSpace creates "s1" owned by owner with admin and contributor joined
// and promoted as named.
func setupSpace(t *testing.T, w *world, clock *fakeClock) (owner, admin, contrib participant) {
	t.Helper()
	ctx := context.Background()
	owner = newParticipant(w, clock, "owner")
	admin = newParticipant(w, clock, "admin")
	contrib = newParticipant(w, clock, "contrib")

	_, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1", Name: "Space One"})
	require.NoError(t, err)
	_, err = admin.membership.JoinSpace(ctx, "s1")
	require.NoError(t, err)
	_, err = contrib.membership.JoinSpace(ctx, "s1")
	require.NoError(t, err)
	_, err = owner.membership.UpdateMemberRole(ctx, "s1", "admin", payload.RoleAdmin)
	require.NoError(t, err)
	return owner, admin, contrib
}

func TestMembership_CreateSpaceDefaults(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	owner := newParticipant(w, newFakeClock(), "owner")

	roster, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1", Name: "Space One"})
	require.NoError(t, err)
	require.Len(t, roster.Members, 1)
	m := roster.Members[0]
	assert.Equal(t, "owner", m.UserID)
	assert.Equal(t, payload.RoleOwner, m.Role)
	assert.Equal(t, payload.DefaultPermissions(payload.RoleOwner), m.Permissions)
	assert.Equal(t, VisibilityPublic, roster.Visibility)
	assert.Equal(t, []string{"s1"}, w.spaces)

	entries, err := owner.spaces.Spaces(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payload.RoleOwner, entries[0].Role)

	_, err = owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1"})
	assert.ErrorIs(t, err, ErrSpaceExists)
}

func TestMembership_CreateSpaceGeneratesID(t *testing.T) {
	owner := newParticipant(newWorld(), newFakeClock(), "owner")
	roster, err := owner.membership.CreateSpace(context.Background(), SpaceSpec{Name: "anon"})
	require.NoError(t, err)
	assert.Len(t, roster.SpaceID, 36)
}

func TestMembership_RegistrationFailureStillSucceeds(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	w.createErr = errors.New("server busy")
	owner := newParticipant(w, newFakeClock(), "owner")

	_, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1"})
	require.NoError(t, err)

	members, err := owner.membership.GetSpaceMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestMembership_JoinDefaultsToContributor(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	clock := newFakeClock()
	owner := newParticipant(w, clock, "owner")
	joiner := newParticipant(w, clock, "joiner")
	_, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1"})
	require.NoError(t, err)

	roster, err := joiner.membership.JoinSpace(ctx, "s1")
	require.NoError(t, err)
	m, ok := roster.Find("joiner")
	require.True(t, ok)
	assert.Equal(t, payload.RoleContributor, m.Role)
	assert.Equal(t, payload.DefaultPermissions(payload.RoleContributor), m.Permissions)

	again, err := joiner.membership.JoinSpace(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, roster.Version, again.Version, "joining twice publishes nothing")

	entries, err := joiner.spaces.Spaces(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "s1", entries[0].SpaceID)
	assert.Equal(t, payload.RoleContributor, entries[0].Role)
}

func TestMembership_JoinPrivateDenied(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	clock := newFakeClock()
	owner := newParticipant(w, clock, "owner")
	_, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s1", Visibility: VisibilityPrivate})
	require.NoError(t, err)

	_, err = newParticipant(w, clock, "joiner").membership.JoinSpace(ctx, "s1")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = newParticipant(w, clock, "joiner").membership.JoinSpace(ctx, "missing")
	assert.ErrorIs(t, err, ErrSpaceNotFound)
}

func TestMembership_OwnerProtections(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	owner, admin, contrib := setupSpace(t, w, newFakeClock())

	_, err := admin.membership.RemoveMember(ctx, "s1", "owner")
	assert.ErrorIs(t, err, ErrOwnerProtected)

	_, err = admin.membership.UpdateMemberRole(ctx, "s1", "owner", payload.RoleViewer)
	assert.ErrorIs(t, err, ErrOwnerProtected)

	_, err = owner.membership.UpdateMemberRole(ctx, "s1", "contrib", payload.RoleOwner)
	assert.ErrorIs(t, err, ErrOwnerProtected)

	assert.ErrorIs(t, owner.membership.LeaveSpace(ctx, "s1"), ErrOwnerCannotLeave)

	_, err = contrib.membership.RemoveMember(ctx, "s1", "admin")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	_, err = admin.membership.UpdateMemberRole(ctx, "s1", "contrib", payload.RoleAdmin)
	assert.ErrorIs(t, err, ErrPermissionDenied, "only the owner grants admin")

	_, err = owner.membership.UpdateMemberRole(ctx, "s1", "contrib", payload.Role("superuser"))
	assert.ErrorIs(t, err, ErrInvalidRole)

	roster, err := owner.membership.Roster(ctx, "s1")
	require.NoError(t, err)
	o, ok := roster.Owner()
	require.True(t, ok)
	assert.Equal(t, "owner", o.UserID)
	assert.Len(t, roster.Members, 3)
}

func TestMembership_AdminManagesContributors(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	_, admin, _ := setupSpace(t, w, newFakeClock())

	roster, err := admin.membership.UpdateMemberRole(ctx, "s1", "contrib", payload.RoleViewer)
	require.NoError(t, err)
	m, _ := roster.Find("contrib")
	assert.Equal(t, payload.RoleViewer, m.Role)
	assert.Equal(t, payload.DefaultPermissions(payload.RoleViewer), m.Permissions)

	roster, err = admin.membership.RemoveMember(ctx, "s1", "contrib")
	require.NoError(t, err)
	_, ok := roster.Find("contrib")
	assert.False(t, ok)
}

func TestMembership_LeaveSpace(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	owner, _, contrib := setupSpace(t, w, newFakeClock())

	require.NoError(t, contrib.membership.LeaveSpace(ctx, "s1"))
	assert.ErrorIs(t, contrib.membership.LeaveSpace(ctx, "s1"), ErrNotMember)

	members, err := owner.membership.GetSpaceMembers(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, members, 2)

	entries, err := contrib.spaces.Spaces(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMembership_TransferOwnership(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	owner, admin, _ := setupSpace(t, w, newFakeClock())

	_, err := admin.membership.TransferOwnership(ctx, "s1", "contrib")
	assert.ErrorIs(t, err, ErrPermissionDenied)

	roster, err := owner.membership.TransferOwnership(ctx, "s1", "contrib")
	require.NoError(t, err)
	o, ok := roster.Owner()
	require.True(t, ok)
	assert.Equal(t, "contrib", o.UserID)
	prev, _ := roster.Find("owner")
	assert.Equal(t, payload.RoleAdmin, prev.Role)

	// The former owner may now leave.
	require.NoError(t, owner.membership.LeaveSpace(ctx, "s1"))
}

func TestMembership_HighestVersionWins(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	owner := newParticipant(w, newFakeClock(), "owner")

	member := func(id string, role payload.Role) payload.SpaceMember {
		return payload.SpaceMember{UserID: id, SpaceID: "s1", Role: role, Permissions: payload.DefaultPermissions(role)}
	}
	w.injectPayload("owner", payload.SpaceMemberList{
		SpaceID: "s1", Version: 10,
		Members: []payload.SpaceMember{member("owner", payload.RoleOwner), member("a", payload.RoleContributor)},
	})
	// Newer beacon, stale version.
	w.injectPayload("b", payload.SpaceMemberList{
		SpaceID: "s1", Version: 5,
		Members: []payload.SpaceMember{member("owner", payload.RoleOwner), member("b", payload.RoleContributor)},
	})

	roster, err := owner.membership.Roster(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), roster.Version)
	_, ok := roster.Find("a")
	assert.True(t, ok)
}

func TestMembership_SpacesForUser(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	clock := newFakeClock()
	owner, _, contrib := setupSpace(t, w, clock)
	_, err := owner.membership.CreateSpace(ctx, SpaceSpec{ID: "s2"})
	require.NoError(t, err)

	entries, err := contrib.membership.SpacesForUser(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "s1", entries[0].SpaceID)
	assert.Equal(t, "s2", entries[1].SpaceID)

	entries, err = owner.membership.SpacesForUser(ctx, "contrib")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, payload.RoleContributor, entries[0].Role)

	// A different user's mutation is only seen after the TTL.
	outsider := newParticipant(w, clock, "outsider")
	_, err = outsider.membership.CreateSpace(ctx, SpaceSpec{ID: "s3"})
	require.NoError(t, err)
	_, err = contrib.membership.JoinSpace(ctx, "s3")
	require.NoError(t, err)

	entries, err = owner.membership.SpacesForUser(ctx, "contrib")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	clock.advance(DefaultDiscoveryTTL + time.Second)
	entries, err = owner.membership.SpacesForUser(ctx, "contrib")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
