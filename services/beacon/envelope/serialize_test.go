// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEnvelope() *Envelope {
	return &Envelope{
		AuthorID:     "user-1",
		BeaconType:   TypeUserFollowingList,
		PrimeIndex:   []int64{2, 3, 5, 7},
		Epoch:        1717171717000,
		Fingerprint:  []byte{0x12, 0x20, 0xff, 0x00, 0x7f},
		Signature:    []byte{5, 0, 0, 0, 'h', 'e', 'l', 'l', 'o'},
		Metadata:     `{"originalText":"hello"}`,
		OriginalText: "hello",
	}
}

func TestSerialize_WireFormat(t *testing.T) {
	out := Serialize(sampleEnvelope(), FormatWire)

	assert.Equal(t, "user-1", out["authorId"])
	assert.Equal(t, "user_following_list", out["beaconType"])
	assert.Equal(t, "[2,3,5,7]", out["prime_indices"])
	assert.Equal(t, []int{0x12, 0x20, 0xff, 0x00, 0x7f}, out["fingerprint"])
	assert.Equal(t, "hello", out["originalText"])
	_, hasContent := out["content"]
	assert.False(t, hasContent)
}

func TestSerialize_StorageFormat(t *testing.T) {
	out := Serialize(sampleEnvelope(), FormatStorage)
	assert.Equal(t, "EiD/AH8=", out["fingerprint"])
}

func TestRoundTrip_AllByteShapes(t *testing.T) {
	want := sampleEnvelope()

	wire, err := json.Marshal(Serialize(want, FormatWire))
	require.NoError(t, err)
	storage, err := json.Marshal(Serialize(want, FormatStorage))
	require.NoError(t, err)
	buffer := []byte(`{
		"authorId":"user-1","beaconType":"user_following_list",
		"prime_indices":"[2,3,5,7]","epoch":1717171717000,
		"fingerprint":{"type":"Buffer","data":[18,32,255,0,127]},
		"signature":{"type":"Buffer","data":[5,0,0,0,104,101,108,108,111]},
		"metadata":{"originalText":"hello"},
		"originalText":"hello"}`)

	for name, raw := range map[string][]byte{"wire": wire, "storage": storage, "buffer": buffer} {
		t.Run(name, func(t *testing.T) {
			got, err := Deserialize(raw)
			require.NoError(t, err)
			assert.Equal(t, want.AuthorID, got.AuthorID)
			assert.Equal(t, want.BeaconType, got.BeaconType)
			assert.Equal(t, want.PrimeIndex, got.PrimeIndex)
			assert.Equal(t, want.Epoch, got.Epoch)
			assert.Equal(t, want.Fingerprint, got.Fingerprint)
			assert.Equal(t, want.Signature, got.Signature)
			assert.JSONEq(t, want.Metadata, got.Metadata)
			assert.Equal(t, want.OriginalText, got.OriginalText)
			assert.Empty(t, got.Extra)
		})
	}
}

func TestDeserialize_AliasesAndExtra(t *testing.T) {
	raw := []byte(`{"author_id":"u9","beacon_type":"post","epoch":"42",
		"fingerprint":"","signature":null,"spaceHint":"lab","primeIndex":[11,13]}`)

	got, err := Deserialize(raw)
	require.NoError(t, err)
	assert.Equal(t, "u9", got.AuthorID)
	assert.Equal(t, TypePost, got.BeaconType)
	assert.EqualValues(t, 42, got.Epoch)
	assert.Nil(t, got.Fingerprint)
	assert.Nil(t, got.Signature)
	assert.Equal(t, []int64{11, 13}, got.PrimeIndex)
	require.Contains(t, got.Extra, "spaceHint")
	assert.JSONEq(t, `"lab"`, string(got.Extra["spaceHint"]))

	// Extra fields survive a second trip.
	again, err := json.Marshal(Serialize(got, FormatWire))
	require.NoError(t, err)
	assert.Contains(t, string(again), `"spaceHint":"lab"`)
}

func TestDeserialize_Errors(t *testing.T) {
	_, err := Deserialize([]byte(`[1,2,3]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = Deserialize([]byte(`{"fingerprint":[1,300]}`))
	assert.ErrorIs(t, err, ErrInvalidBytes)

	_, err = Deserialize([]byte(`{"signature":"%%%not-base64%%%"}`))
	assert.ErrorIs(t, err, ErrInvalidBytes)

	_, err = Deserialize([]byte(`{"signature":{"type":"Uint16Array","data":[1]}}`))
	assert.ErrorIs(t, err, ErrInvalidBytes)
}

func TestDecodeBase64_Alphabets(t *testing.T) {
	for _, s := range []string{"+/8=", "+/8", "-_8=", "-_8"} {
		b, ok := DecodeBase64(s)
		require.True(t, ok, s)
		assert.Equal(t, []byte{0xfb, 0xff}, b, s)
	}
	_, ok := DecodeBase64("not base64!")
	assert.False(t, ok)
}

func TestBeacon_JSONRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b := Beacon{ID: "b-1", Envelope: *sampleEnvelope(), CreatedAt: created, Username: "ada"}

	raw, err := json.Marshal(b)
	require.NoError(t, err)

	var got Beacon
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "b-1", got.ID)
	assert.Equal(t, "ada", got.Username)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Equal(t, b.Signature, got.Signature)
}

func TestDeserializeBeacon_ServerShapes(t *testing.T) {
	got, err := DeserializeBeacon([]byte(`{"id":"b-2","authorId":"u1","beaconType":"post","created_at":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "b-2", got.ID)
	assert.Equal(t, time.UnixMilli(1700000000000), got.CreatedAt)
}

func TestEnvelope_Clone(t *testing.T) {
	e := sampleEnvelope()
	e.Extra = map[string]json.RawMessage{"k": json.RawMessage(`1`)}
	c := e.Clone()
	c.Signature[0] = 99
	c.PrimeIndex[0] = 99
	c.Extra["k"][0] = '2'
	assert.Equal(t, byte(5), e.Signature[0])
	assert.EqualValues(t, 2, e.PrimeIndex[0])
	assert.Equal(t, "1", string(e.Extra["k"]))
}

func TestBeaconType_Vocabulary(t *testing.T) {
	assert.True(t, TypeSpaceMembers.Valid())
	assert.True(t, TypeSpaceMembers.IsList())
	assert.False(t, TypePost.IsList())
	assert.False(t, BeaconType("member").Valid())
}
