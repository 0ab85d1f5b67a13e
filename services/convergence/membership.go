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
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
)

// Space visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// SpaceSpec describes a space to create.
type SpaceSpec struct {
	// ID is the space id. Empty generates a UUID.
	ID string

	// Name is the display name.
	Name string

	// Visibility is public or private. Empty means public.
	Visibility string
}

// MembershipService manages space rosters.
//
// A roster is a space_members beacon holding the whole member list. Any
// member may publish a new roster; the one with the highest version wins.
//
// Thread Safety: safe for concurrent use. Mutations are serialized across
// the whole read, submit and write sequence.
type MembershipService struct {
	base
	spaces *SpacesService

	mu        sync.Mutex
	scans     singleflight.Group
	discovery *ttlCache[[]payload.SpaceEntry]
}

// NewMembershipService creates the service. spaces, when not nil, is kept
// in step with the local user's own joins and departures.
func NewMembershipService(d Deps, spaces *SpacesService) *MembershipService {
	b := newBase(d, "membership")
	return &MembershipService{
		base:      b,
		spaces:    spaces,
		discovery: newTTLCache[[]payload.SpaceEntry](b.ttl, b.now),
	}
}

// CreateSpace creates a space owned by the local user.
//
// Description:
//
//	Publishes a roster holding exactly one member, the local user, as
//	owner. The server is then asked to register the space. If that call
//	fails after the roster beacon was accepted, the creation still counts
//	as successful and the failure is only logged.
//
// Inputs:
//
//	ctx - Context for the lookups and submission.
//	spec - The space. An empty ID is replaced with a UUID.
//
// Outputs:
//
//	payload.SpaceMemberList - The published roster.
//	error - ErrSpaceExists, a validation error or a submit error.
func (s *MembershipService) CreateSpace(ctx context.Context, spec SpaceSpec) (payload.SpaceMemberList, error) {
	me, err := s.me()
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.Visibility == "" {
		spec.Visibility = VisibilityPublic
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.roster(ctx, spec.ID); err == nil {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s", ErrSpaceExists, spec.ID)
	} else if !errors.Is(err, ErrSpaceNotFound) {
		return payload.SpaceMemberList{}, err
	}

	now := s.now().UnixMilli()
	roster := payload.SpaceMemberList{
		SpaceID:    spec.ID,
		Name:       spec.Name,
		Visibility: spec.Visibility,
		Members:    []payload.SpaceMember{newMember(me, spec.ID, payload.RoleOwner, now)},
		Version:    now,
	}
	if _, err := s.publish(ctx, me, roster); err != nil {
		return payload.SpaceMemberList{}, fmt.Errorf("create space %s: %w", spec.ID, err)
	}
	s.discovery.purge()

	if _, err := s.remote.CreateSpace(ctx, spec.ID, spec.Name, spec.Visibility); err != nil {
		s.logger.Warn("space registration not confirmed; roster already published",
			slog.String("space_id", spec.ID),
			slog.String("error", err.Error()))
	}
	s.trackOwnSpace(ctx, spec.ID, payload.RoleOwner)
	return roster, nil
}

// JoinSpace adds the local user to a public space as a contributor.
// Joining a space the user already belongs to returns the roster unchanged.
func (s *MembershipService) JoinSpace(ctx context.Context, spaceID string) (payload.SpaceMemberList, error) {
	me, err := s.me()
	if err != nil {
		return payload.SpaceMemberList{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.roster(ctx, spaceID)
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	if _, ok := cur.Find(me); ok {
		return cur, nil
	}
	if cur.Visibility == VisibilityPrivate {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s is private", ErrPermissionDenied, spaceID)
	}

	next := cloneRoster(cur)
	next.Members = append(next.Members, newMember(me, spaceID, payload.RoleContributor, s.now().UnixMilli()))
	if err := s.commit(ctx, me, cur, &next); err != nil {
		return payload.SpaceMemberList{}, fmt.Errorf("join space %s: %w", spaceID, err)
	}
	s.trackOwnSpace(ctx, spaceID, payload.RoleContributor)
	return next, nil
}

// LeaveSpace removes the local user from a space. The owner must transfer
// ownership first.
func (s *MembershipService) LeaveSpace(ctx context.Context, spaceID string) error {
	me, err := s.me()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.roster(ctx, spaceID)
	if err != nil {
		return err
	}
	member, ok := cur.Find(me)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMember, spaceID)
	}
	if member.Role == payload.RoleOwner {
		return ErrOwnerCannotLeave
	}

	next := withoutMember(cur, me)
	if err := s.commit(ctx, me, cur, &next); err != nil {
		return fmt.Errorf("leave space %s: %w", spaceID, err)
	}
	if s.spaces != nil {
		if err := s.spaces.RemoveSpace(ctx, spaceID); err != nil {
			s.logger.Warn("spaces list not updated after leaving",
				slog.String("space_id", spaceID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// RemoveMember removes userID from a space.
//
// The owner can never be removed. Removing another member requires
// manage_members, and only the owner may remove an admin. Removing
// oneself behaves like LeaveSpace.
func (s *MembershipService) RemoveMember(ctx context.Context, spaceID, userID string) (payload.SpaceMemberList, error) {
	me, err := s.me()
	if err != nil {
		return payload.SpaceMemberList{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.roster(ctx, spaceID)
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	target, ok := cur.Find(userID)
	if !ok {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s in %s", ErrNotMember, userID, spaceID)
	}
	if target.Role == payload.RoleOwner {
		return payload.SpaceMemberList{}, ErrOwnerProtected
	}
	if userID != me {
		if err := requireManager(cur, me, target); err != nil {
			return payload.SpaceMemberList{}, err
		}
	}

	next := withoutMember(cur, userID)
	if err := s.commit(ctx, me, cur, &next); err != nil {
		return payload.SpaceMemberList{}, fmt.Errorf("remove %s from %s: %w", userID, spaceID, err)
	}
	return next, nil
}

// UpdateMemberRole changes userID's role and resets their permissions to
// the role's defaults.
//
// The owner's role cannot be changed and nobody can be made owner here;
// use TransferOwnership. Granting or revoking admin requires the owner.
func (s *MembershipService) UpdateMemberRole(ctx context.Context, spaceID, userID string, role payload.Role) (payload.SpaceMemberList, error) {
	if !role.Valid() {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if role == payload.RoleOwner {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: use ownership transfer", ErrOwnerProtected)
	}
	me, err := s.me()
	if err != nil {
		return payload.SpaceMemberList{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.roster(ctx, spaceID)
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	target, ok := cur.Find(userID)
	if !ok {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s in %s", ErrNotMember, userID, spaceID)
	}
	if target.Role == payload.RoleOwner {
		return payload.SpaceMemberList{}, ErrOwnerProtected
	}
	if err := requireManager(cur, me, target); err != nil {
		return payload.SpaceMemberList{}, err
	}
	if role == payload.RoleAdmin && !isOwner(cur, me) {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: only the owner grants admin", ErrPermissionDenied)
	}
	if target.Role == role {
		return cur, nil
	}

	next := cloneRoster(cur)
	for i := range next.Members {
		if next.Members[i].UserID == userID {
			next.Members[i].Role = role
			next.Members[i].Permissions = payload.DefaultPermissions(role)
		}
	}
	if err := s.commit(ctx, me, cur, &next); err != nil {
		return payload.SpaceMemberList{}, fmt.Errorf("update role of %s in %s: %w", userID, spaceID, err)
	}
	return next, nil
}

// TransferOwnership makes newOwner the owner. The previous owner becomes
// an admin, so the roster keeps exactly one owner. Only the owner may
// transfer.
func (s *MembershipService) TransferOwnership(ctx context.Context, spaceID, newOwner string) (payload.SpaceMemberList, error) {
	me, err := s.me()
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	if newOwner == me {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: already the owner", ErrInvalidTarget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.roster(ctx, spaceID)
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	if !isOwner(cur, me) {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: only the owner transfers ownership", ErrPermissionDenied)
	}
	if _, ok := cur.Find(newOwner); !ok {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s in %s", ErrNotMember, newOwner, spaceID)
	}

	next := cloneRoster(cur)
	for i := range next.Members {
		switch next.Members[i].UserID {
		case me:
			next.Members[i].Role = payload.RoleAdmin
			next.Members[i].Permissions = payload.DefaultPermissions(payload.RoleAdmin)
		case newOwner:
			next.Members[i].Role = payload.RoleOwner
			next.Members[i].Permissions = payload.DefaultPermissions(payload.RoleOwner)
		}
	}
	if err := s.commit(ctx, me, cur, &next); err != nil {
		return payload.SpaceMemberList{}, fmt.Errorf("transfer %s to %s: %w", spaceID, newOwner, err)
	}
	s.trackOwnSpace(ctx, spaceID, payload.RoleAdmin)
	return next, nil
}

// GetSpaceMembers returns the current members of a space.
func (s *MembershipService) GetSpaceMembers(ctx context.Context, spaceID string) ([]payload.SpaceMember, error) {
	r, err := s.Roster(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	return r.Members, nil
}

// Roster returns the authoritative roster of a space: the decodable
// space_members payload for spaceID with the highest version.
func (s *MembershipService) Roster(ctx context.Context, spaceID string) (payload.SpaceMemberList, error) {
	v, err, _ := s.scans.Do(spaceID, func() (interface{}, error) {
		return s.roster(ctx, spaceID)
	})
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	return cloneRoster(v.(payload.SpaceMemberList)), nil
}

// SpacesForUser discovers the spaces userID belongs to by scanning every
// roster. Results are reused for the discovery TTL.
func (s *MembershipService) SpacesForUser(ctx context.Context, userID string) ([]payload.SpaceEntry, error) {
	out, err := s.discovery.get(ctx, userID, func(ctx context.Context) ([]payload.SpaceEntry, error) {
		rosters, err := s.rosters(ctx)
		if err != nil {
			return nil, err
		}
		var entries []payload.SpaceEntry
		for _, r := range rosters {
			if m, ok := r.Find(userID); ok {
				entries = append(entries, payload.SpaceEntry{SpaceID: r.SpaceID, Role: m.Role, JoinedAt: m.JoinedAt})
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].SpaceID < entries[j].SpaceID })
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover spaces of %s: %w", userID, err)
	}
	return slices.Clone(out), nil
}

// roster scans for one space.
func (s *MembershipService) roster(ctx context.Context, spaceID string) (payload.SpaceMemberList, error) {
	rosters, err := s.rosters(ctx)
	if err != nil {
		return payload.SpaceMemberList{}, err
	}
	r, ok := rosters[spaceID]
	if !ok {
		return payload.SpaceMemberList{}, fmt.Errorf("%w: %s", ErrSpaceNotFound, spaceID)
	}
	return r, nil
}

// rosters fetches every space_members beacon and keeps, per space, the
// decodable roster with the highest version. On equal versions the newer
// beacon wins.
func (s *MembershipService) rosters(ctx context.Context) (map[string]payload.SpaceMemberList, error) {
	beacons, err := s.cache.GetByType(ctx, envelope.TypeSpaceMembers)
	if err != nil {
		return nil, fmt.Errorf("fetch rosters: %w", err)
	}
	out := make(map[string]payload.SpaceMemberList)
	for _, b := range beacons {
		r, ok := decodeAs[payload.SpaceMemberList](&s.base, b)
		if !ok {
			continue
		}
		if prev, seen := out[r.SpaceID]; seen && prev.Version >= r.Version {
			continue
		}
		out[r.SpaceID] = *r
	}
	return out, nil
}

// commit stamps next with a version above cur's and publishes it.
func (s *MembershipService) commit(ctx context.Context, me string, cur payload.SpaceMemberList, next *payload.SpaceMemberList) error {
	next.Version = s.nextVersion(cur.Version)
	if _, err := s.publish(ctx, me, *next); err != nil {
		return err
	}
	s.discovery.purge()
	return nil
}

// trackOwnSpace records a space in the local user's spaces list. Failure
// is logged; the roster is authoritative.
func (s *MembershipService) trackOwnSpace(ctx context.Context, spaceID string, role payload.Role) {
	if s.spaces == nil {
		return
	}
	entry := payload.SpaceEntry{SpaceID: spaceID, Role: role, JoinedAt: s.now().UnixMilli()}
	if err := s.spaces.AddSpace(ctx, entry); err != nil {
		s.logger.Warn("spaces list not updated",
			slog.String("space_id", spaceID),
			slog.String("error", err.Error()))
	}
}

func newMember(userID, spaceID string, role payload.Role, joinedAt int64) payload.SpaceMember {
	return payload.SpaceMember{
		UserID:      userID,
		SpaceID:     spaceID,
		Role:        role,
		JoinedAt:    joinedAt,
		Permissions: payload.DefaultPermissions(role),
	}
}

func cloneRoster(r payload.SpaceMemberList) payload.SpaceMemberList {
	out := r
	out.Members = make([]payload.SpaceMember, len(r.Members))
	for i, m := range r.Members {
		m.Permissions = slices.Clone(m.Permissions)
		m.ResonanceKeys = slices.Clone(m.ResonanceKeys)
		out.Members[i] = m
	}
	return out
}

func withoutMember(r payload.SpaceMemberList, userID string) payload.SpaceMemberList {
	out := cloneRoster(r)
	out.Members = slices.DeleteFunc(out.Members, func(m payload.SpaceMember) bool { return m.UserID == userID })
	return out
}

func isOwner(r payload.SpaceMemberList, userID string) bool {
	m, ok := r.Find(userID)
	return ok && m.Role == payload.RoleOwner
}

// requireManager checks that actor may manage target.
func requireManager(r payload.SpaceMemberList, actor string, target payload.SpaceMember) error {
	m, ok := r.Find(actor)
	if !ok {
		return fmt.Errorf("%w: %s is not a member", ErrPermissionDenied, actor)
	}
	if !m.Has(payload.PermManageMembers) && m.Role != payload.RoleOwner {
		return fmt.Errorf("%w: %s lacks %s", ErrPermissionDenied, actor, payload.PermManageMembers)
	}
	if target.Role == payload.RoleAdmin && m.Role != payload.RoleOwner {
		return fmt.Errorf("%w: only the owner manages admins", ErrPermissionDenied)
	}
	return nil
}
