// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package envelope defines the beacon envelope and its JSON wire/storage forms.
//
// An Envelope is the binary form of one beacon: fingerprint, signature,
// prime index and epoch, plus the author and beacon type. A Beacon is an
// Envelope materialized by the server (beacon id, creation time, username).
//
// Serialization accepts every byte encoding the corpus produces
// (JSON byte arrays, {"type":"Buffer","data":[...]} objects and base64
// strings) and always normalizes them to the same []byte.
package envelope

import (
	"encoding/json"
	"time"
)

// BeaconType is the closed vocabulary of beacon kinds.
type BeaconType string

const (
	TypePost              BeaconType = "post"
	TypeComment           BeaconType = "comment"
	TypeUserFollowingList BeaconType = "user_following_list"
	TypeUserSpacesList    BeaconType = "user_spaces_list"
	TypeSpaceMembers      BeaconType = "space_members"
	TypeUserData          BeaconType = "user_data"
	TypeDirectMessage     BeaconType = "direct_message"
	TypeSpaceMessage      BeaconType = "space_message"

	// TypeQuantumMessage flags a message delivered over the auxiliary
	// entanglement path. It always has a standard twin beacon.
	TypeQuantumMessage BeaconType = "quantum_message"
)

var knownTypes = map[BeaconType]struct{}{
	TypePost:              {},
	TypeComment:           {},
	TypeUserFollowingList: {},
	TypeUserSpacesList:    {},
	TypeSpaceMembers:      {},
	TypeUserData:          {},
	TypeDirectMessage:     {},
	TypeSpaceMessage:      {},
	TypeQuantumMessage:    {},
}

// Valid reports whether t is part of the beacon type vocabulary.
func (t BeaconType) Valid() bool {
	_, ok := knownTypes[t]
	return ok
}

// IsList reports whether beacons of type t carry a whole-list snapshot
// whose latest version supersedes all earlier ones.
func (t BeaconType) IsList() bool {
	switch t {
	case TypeUserFollowingList, TypeUserSpacesList, TypeSpaceMembers, TypeUserData:
		return true
	}
	return false
}

// Envelope is the wire and storage form of a beacon.
//
// (AuthorID, BeaconType) is not unique: several versions may exist and
// Epoch picks the newest.
type Envelope struct {
	// AuthorID identifies the producer.
	AuthorID string

	// BeaconType is one of the Type* constants.
	BeaconType BeaconType

	// PrimeIndex is the ordered index set of the payload. It is also an
	// input to relatedness indexing.
	PrimeIndex []int64

	// Epoch is the producer's timestamp in Unix milliseconds.
	Epoch int64

	// Fingerprint is a fixed-length digest of payload features.
	Fingerprint []byte

	// Signature carries LE32(len) || plaintext || identity hash || signature.
	Signature []byte

	// Metadata is free-form JSON and may carry originalText.
	Metadata string

	// OriginalText is the plaintext attached by the producing engine.
	OriginalText string

	// Content and Data are generic payload fields written by older encoders.
	Content string
	Data    string

	// Extra holds unrecognized fields from the wire form, verbatim.
	Extra map[string]json.RawMessage
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	out := *e
	out.PrimeIndex = append([]int64(nil), e.PrimeIndex...)
	out.Fingerprint = append([]byte(nil), e.Fingerprint...)
	out.Signature = append([]byte(nil), e.Signature...)
	if e.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// Beacon is an Envelope the server has accepted.
//
// Beacons returned by the cache are shared and must be treated as read-only.
type Beacon struct {
	// ID is server-assigned and stable.
	ID string

	Envelope

	// CreatedAt is when the server stored the beacon.
	CreatedAt time.Time

	// Username is the author's display name, when the server provides it.
	Username string
}
