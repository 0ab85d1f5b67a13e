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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

func TestRepairJSON(t *testing.T) {
	cases := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "balanced", in: `{"a":[1,2]}`, want: `{"a":[1,2]}`},
		{name: "missing one brace", in: `{"spaceId":"s1","members":[{"userId":"u1"}]`, want: `{"spaceId":"s1","members":[{"userId":"u1"}]}`},
		{name: "missing bracket and brace", in: `{"a":[{"b":1}`, want: `{"a":[{"b":1}]}`},
		{name: "ends after a value", in: `{"spaceId":"s1","members":[{"userId":"u1"`, wantErr: true},
		{name: "ends mid key", in: `{"spaceId":"s1","mem`, wantErr: true},
		{name: "ends mid number", in: `{"a":1`, wantErr: true},
		{name: "brackets inside strings ignored", in: `{"t":"[{"}`, want: `{"t":"[{"}`},
		{name: "escaped quote", in: `{"t":"say \"hi\"","l":[1]`, want: `{"t":"say \"hi\"","l":[1]}`},
		{name: "escaped quote then closer", in: `{"l":["a\"]"]`, want: `{"l":["a\"]"]}`},
		{name: "mismatched closer", in: `{"a":[1}`, wantErr: true},
		{name: "empty", in: "  ", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := RepairJSON(tc.in)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrTruncated)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParse_TruncatedRoster(t *testing.T) {
	// Too truncated: discarded.
	_, err := Parse[SpaceMemberList](`{"spaceId":"s1","members":[{"userId":"u1"`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// Missing one closing brace: repaired. The roster still has to validate,
	// so the member carries the full record.
	list, err := Parse[SpaceMemberList](`{"spaceId":"s1","members":[{"userId":"u1","spaceId":"s1","role":"owner","joinedAt":1,"permissions":["admin"]}]`)
	require.NoError(t, err)
	assert.Equal(t, "s1", list.SpaceID)
	require.Len(t, list.Members, 1)
	assert.Equal(t, "u1", list.Members[0].UserID)
}

func TestParse_RepairedFollowingList(t *testing.T) {
	list, err := Parse[FollowingList](`{"following":["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, list.Following)
}

func TestParse_ValidationErrors(t *testing.T) {
	_, err := Parse[SpaceMemberList](`{"spaceId":"s1","members":[{"userId":"u1","spaceId":"s1","role":"member"}]}`)
	assert.ErrorIs(t, err, ErrInvalidPayload, "generic member role is rejected")

	_, err = Parse[SpaceMemberList](`{"spaceId":"s1","members":[{"userId":"u1","spaceId":"s1","role":"contributor"}]}`)
	assert.ErrorIs(t, err, ErrInvalidPayload, "roster without owner")

	_, err = Parse[SpaceMemberList](`{"spaceId":"s1","members":[
		{"userId":"u1","spaceId":"s1","role":"owner"},
		{"userId":"u1","spaceId":"s1","role":"viewer"}]}`)
	assert.ErrorIs(t, err, ErrInvalidPayload, "duplicate member")

	_, err = Parse[SpaceMemberList](`{"spaceId":"s1","members":[{"userId":"u1","spaceId":"s1","role":"owner","permissions":["fly"]}]}`)
	assert.ErrorIs(t, err, ErrInvalidPayload, "unknown permission")

	_, err = Parse[FollowingList](`{"following":[""]}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Parse[FollowingList](`not json`)
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDecode_Variants(t *testing.T) {
	p, err := Decode(envelope.TypeUserFollowingList, `{"following":["x"]}`)
	require.NoError(t, err)
	assert.Equal(t, FollowingList{Following: []string{"x"}}, p)
	assert.Equal(t, envelope.TypeUserFollowingList, p.BeaconType())

	p, err = Decode(envelope.TypeUserSpacesList, `{"spaces":[{"spaceId":"s","role":"viewer","joinedAt":3}],"version":9}`)
	require.NoError(t, err)
	spaces := p.(SpacesList)
	entry, ok := spaces.Find("s")
	require.True(t, ok)
	assert.Equal(t, RoleViewer, entry.Role)

	p, err = Decode(envelope.TypePost, "just words")
	require.NoError(t, err)
	assert.Equal(t, Post{Text: "just words"}, p)

	p, err = Decode(envelope.TypeComment, `{"text":"reply","parentId":"b1"}`)
	require.NoError(t, err)
	assert.Equal(t, envelope.TypeComment, p.BeaconType())

	_, err = Decode(envelope.TypeDirectMessage, `{"from":"a","text":"hi"}`)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	_, err = Decode("bogus", "{}")
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestEncode(t *testing.T) {
	text, err := Encode(FollowingList{Following: []string{"a", "b"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"following":["a","b"]}`, text)

	_, err = Encode(QuantumMessage{PairID: "p", Fidelity: 1.5, From: "a", To: "b"})
	assert.ErrorIs(t, err, ErrInvalidPayload)
}

func TestDefaultPermissions(t *testing.T) {
	assert.Len(t, DefaultPermissions(RoleOwner), 8)
	assert.NotContains(t, DefaultPermissions(RoleAdmin), PermAdmin)
	assert.Contains(t, DefaultPermissions(RoleAdmin), PermManageMembers)
	assert.Equal(t, []Permission{PermViewSpace, PermViewVolumes, PermContributeFiles, PermSummonFiles},
		DefaultPermissions(RoleContributor))
	assert.Equal(t, []Permission{PermViewSpace, PermViewVolumes}, DefaultPermissions(RoleViewer))
	assert.Nil(t, DefaultPermissions("member"))

	m := SpaceMember{Permissions: DefaultPermissions(RoleViewer)}
	assert.True(t, m.Has(PermViewSpace))
	assert.False(t, m.Has(PermManageMembers))
}
