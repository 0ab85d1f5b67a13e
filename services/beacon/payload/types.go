// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package payload

import (
	"slices"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

// Role is a space member's role.
type Role string

const (
	RoleOwner       Role = "owner"
	RoleAdmin       Role = "admin"
	RoleContributor Role = "contributor"
	RoleViewer      Role = "viewer"
)

// Valid reports whether r is one of the four roles.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleContributor, RoleViewer:
		return true
	}
	return false
}

// Permission is a closed set of space capabilities.
type Permission string

const (
	PermViewSpace       Permission = "view_space"
	PermViewVolumes     Permission = "view_volumes"
	PermContributeFiles Permission = "contribute_files"
	PermSummonFiles     Permission = "summon_files"
	PermManageMembers   Permission = "manage_members"
	PermManageVolumes   Permission = "manage_volumes"
	PermDeleteFiles     Permission = "delete_files"
	PermAdmin           Permission = "admin"
)

// AllPermissions lists every permission in canonical order.
var AllPermissions = []Permission{
	PermViewSpace, PermViewVolumes, PermContributeFiles, PermSummonFiles,
	PermManageMembers, PermManageVolumes, PermDeleteFiles, PermAdmin,
}

// DefaultPermissions returns the permissions granted to role.
func DefaultPermissions(role Role) []Permission {
	switch role {
	case RoleOwner:
		return slices.Clone(AllPermissions)
	case RoleAdmin:
		return []Permission{
			PermViewSpace, PermViewVolumes, PermContributeFiles, PermSummonFiles,
			PermManageMembers, PermManageVolumes, PermDeleteFiles,
		}
	case RoleContributor:
		return []Permission{PermViewSpace, PermViewVolumes, PermContributeFiles, PermSummonFiles}
	case RoleViewer:
		return []Permission{PermViewSpace, PermViewVolumes}
	}
	return nil
}

// Payload is a decoded beacon payload, tagged by beacon type.
type Payload interface {
	BeaconType() envelope.BeaconType
}

// FollowingList is the payload of a user_following_list beacon.
type FollowingList struct {
	Following []string `json:"following" validate:"dive,required"`
	Version   int64    `json:"version,omitempty" validate:"gte=0"`
}

func (FollowingList) BeaconType() envelope.BeaconType { return envelope.TypeUserFollowingList }

// Contains reports whether userID is followed.
func (l FollowingList) Contains(userID string) bool {
	return slices.Contains(l.Following, userID)
}

// SpaceEntry is one space in a user's spaces list.
type SpaceEntry struct {
	SpaceID  string `json:"spaceId" validate:"required"`
	Role     Role   `json:"role" validate:"required,oneof=owner admin contributor viewer"`
	JoinedAt int64  `json:"joinedAt" validate:"gte=0"`
}

// SpacesList is the payload of a user_spaces_list beacon.
type SpacesList struct {
	Spaces  []SpaceEntry `json:"spaces" validate:"dive"`
	Version int64        `json:"version" validate:"gte=0"`
}

func (SpacesList) BeaconType() envelope.BeaconType { return envelope.TypeUserSpacesList }

// Find returns the entry for spaceID.
func (l SpacesList) Find(spaceID string) (SpaceEntry, bool) {
	for _, s := range l.Spaces {
		if s.SpaceID == spaceID {
			return s, true
		}
	}
	return SpaceEntry{}, false
}

// SpaceMember is one member of a space roster.
type SpaceMember struct {
	UserID        string       `json:"userId" validate:"required"`
	SpaceID       string       `json:"spaceId" validate:"required"`
	Role          Role         `json:"role" validate:"required,oneof=owner admin contributor viewer"`
	JoinedAt      int64        `json:"joinedAt" validate:"gte=0"`
	Permissions   []Permission `json:"permissions" validate:"dive,oneof=view_space view_volumes contribute_files summon_files manage_members manage_volumes delete_files admin"`
	ResonanceKeys []string     `json:"resonanceKeys,omitempty"`
}

// Has reports whether the member holds p.
func (m SpaceMember) Has(p Permission) bool {
	return slices.Contains(m.Permissions, p)
}

// SpaceMemberList is the payload of a space_members beacon.
//
// A valid roster has exactly one owner and no duplicate user ids.
type SpaceMemberList struct {
	SpaceID    string        `json:"spaceId" validate:"required"`
	Name       string        `json:"name,omitempty"`
	Visibility string        `json:"visibility,omitempty" validate:"omitempty,oneof=public private"`
	Members    []SpaceMember `json:"members" validate:"dive"`
	Version    int64         `json:"version" validate:"gte=0"`
}

func (SpaceMemberList) BeaconType() envelope.BeaconType { return envelope.TypeSpaceMembers }

// Find returns the member record for userID.
func (l SpaceMemberList) Find(userID string) (SpaceMember, bool) {
	for _, m := range l.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return SpaceMember{}, false
}

// Owner returns the owner record.
func (l SpaceMemberList) Owner() (SpaceMember, bool) {
	for _, m := range l.Members {
		if m.Role == RoleOwner {
			return m, true
		}
	}
	return SpaceMember{}, false
}

// UserData is the payload of a user_data beacon: named string lists.
type UserData struct {
	Lists   map[string][]string `json:"lists"`
	Version int64               `json:"version" validate:"gte=0"`
}

func (UserData) BeaconType() envelope.BeaconType { return envelope.TypeUserData }

// Post is the payload of post and comment beacons. Non-JSON text decodes
// to a Post with only Text set.
type Post struct {
	Text     string `json:"text"`
	ParentID string `json:"parentId,omitempty"`
	SpaceID  string `json:"spaceId,omitempty"`
}

func (p Post) BeaconType() envelope.BeaconType {
	if p.ParentID != "" {
		return envelope.TypeComment
	}
	return envelope.TypePost
}

// DirectMessage is the payload of a direct_message beacon.
type DirectMessage struct {
	From   string `json:"from" validate:"required"`
	To     string `json:"to" validate:"required"`
	Text   string `json:"text" validate:"required"`
	SentAt int64  `json:"sentAt" validate:"gte=0"`
}

func (DirectMessage) BeaconType() envelope.BeaconType { return envelope.TypeDirectMessage }

// SpaceMessage is the payload of a space_message beacon.
type SpaceMessage struct {
	From    string `json:"from" validate:"required"`
	SpaceID string `json:"spaceId" validate:"required"`
	Text    string `json:"text" validate:"required"`
	SentAt  int64  `json:"sentAt" validate:"gte=0"`
}

func (SpaceMessage) BeaconType() envelope.BeaconType { return envelope.TypeSpaceMessage }

// QuantumMessage records auxiliary delivery metadata for a message whose
// standard twin beacon carries the content.
type QuantumMessage struct {
	PairID   string  `json:"pairId" validate:"required"`
	Fidelity float64 `json:"fidelity" validate:"gte=0,lte=1"`
	From     string  `json:"from" validate:"required"`
	To       string  `json:"to" validate:"required"`
	Text     string  `json:"text"`
	SentAt   int64   `json:"sentAt" validate:"gte=0"`
}

func (QuantumMessage) BeaconType() envelope.BeaconType { return envelope.TypeQuantumMessage }
