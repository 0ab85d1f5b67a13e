// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

// AllUsers in a query matches every author.
const AllUsers = "*"

// maxSearchBeacons caps the beacons returned by one search.
const maxSearchBeacons = 50

var (
	// ErrSpaceExists is returned when a space id is already registered.
	ErrSpaceExists = errors.New("relay: space already exists")

	// ErrInvalidBeacon is returned for envelopes the relay will not store.
	ErrInvalidBeacon = errors.New("relay: invalid beacon")
)

// Space is a registered space.
type Space struct {
	SpaceID    string `json:"spaceId"`
	Name       string `json:"name,omitempty"`
	Visibility string `json:"visibility,omitempty"`
	Owner      string `json:"owner"`
}

// stored is one beacon plus its insertion sequence.
type stored struct {
	beacon *envelope.Beacon
	seq    int64
}

// Store holds beacons in memory under content-addressed ids.
//
// A beacon id is the CIDv1 (raw codec, sha2-256) of the envelope's storage
// form, so resubmitting an identical envelope yields the same id and does
// not create a second row.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	now func() time.Time

	mu     sync.RWMutex
	seq    int64
	byID   map[string]*stored
	spaces map[string]Space
}

// NewStore creates an empty store.
func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:    now,
		byID:   make(map[string]*stored),
		spaces: make(map[string]Space),
	}
}

// BeaconID returns the content-addressed id of env.
func BeaconID(env *envelope.Envelope) (string, error) {
	data, err := json.Marshal(envelope.Serialize(env, envelope.FormatStorage))
	if err != nil {
		return "", fmt.Errorf("serialize envelope: %w", err)
	}
	sum, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("hash envelope: %w", err)
	}
	return cid.NewCidV1(cid.Raw, sum).String(), nil
}

// Add stores env and returns the beacon. created is false when an
// identical envelope was already stored.
func (s *Store) Add(env *envelope.Envelope, username string) (b *envelope.Beacon, created bool, err error) {
	if env.AuthorID == "" {
		return nil, false, fmt.Errorf("%w: missing authorId", ErrInvalidBeacon)
	}
	if !env.BeaconType.Valid() {
		return nil, false, fmt.Errorf("%w: unknown type %q", ErrInvalidBeacon, env.BeaconType)
	}
	id, err := BeaconID(env)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byID[id]; ok {
		return existing.beacon, false, nil
	}
	s.seq++
	b = &envelope.Beacon{
		ID:        id,
		Envelope:  *env.Clone(),
		CreatedAt: s.now().UTC(),
		Username:  username,
	}
	s.byID[id] = &stored{beacon: b, seq: s.seq}
	return b, true, nil
}

// Get returns a beacon by id.
func (s *Store) Get(id string) (*envelope.Beacon, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return st.beacon, true
}

// Len returns the number of stored beacons.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// Query returns the beacons of userID (AllUsers for every author),
// optionally of one type, newest first. Equal epochs keep the later
// insertion first.
func (s *Store) Query(userID string, beaconType envelope.BeaconType) []*envelope.Beacon {
	return s.collect(func(b *envelope.Beacon) bool {
		if userID != AllUsers && b.AuthorID != userID {
			return false
		}
		return beaconType == "" || b.BeaconType == beaconType
	})
}

// ByFingerprint finds a beacon whose fingerprint matches fp given as hex
// or base64.
func (s *Store) ByFingerprint(fp string) (*envelope.Beacon, bool) {
	want, ok := parseFingerprint(fp)
	if !ok {
		return nil, false
	}
	matches := s.collect(func(b *envelope.Beacon) bool {
		return len(b.Fingerprint) > 0 && string(b.Fingerprint) == string(want)
	})
	if len(matches) == 0 {
		return nil, false
	}
	return matches[0], true
}

// CreateSpace registers a space.
func (s *Store) CreateSpace(sp Space) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.spaces[sp.SpaceID]; ok {
		return fmt.Errorf("%w: %s", ErrSpaceExists, sp.SpaceID)
	}
	s.spaces[sp.SpaceID] = sp
	return nil
}

// SearchResult mirrors the searchResponse payload.
type SearchResult struct {
	Users   []UserHit          `json:"users"`
	Spaces  []Space            `json:"spaces"`
	Beacons []*envelope.Beacon `json:"beacons"`
}

// UserHit is one user matched by a search.
type UserHit struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// Search matches query case-insensitively against author ids and
// usernames, and against space ids and names. Beacons of matched users are
// returned newest first, capped.
func (s *Store) Search(query string) SearchResult {
	q := strings.ToLower(strings.TrimSpace(query))
	out := SearchResult{Users: []UserHit{}, Spaces: []Space{}, Beacons: []*envelope.Beacon{}}
	if q == "" {
		return out
	}

	users := make(map[string]string)
	matched := s.collect(func(b *envelope.Beacon) bool {
		if strings.Contains(strings.ToLower(b.AuthorID), q) || strings.Contains(strings.ToLower(b.Username), q) {
			if _, seen := users[b.AuthorID]; !seen || users[b.AuthorID] == "" {
				users[b.AuthorID] = b.Username
			}
			return true
		}
		return false
	})
	for id, name := range users {
		out.Users = append(out.Users, UserHit{UserID: id, Username: name})
	}
	sort.Slice(out.Users, func(i, j int) bool { return out.Users[i].UserID < out.Users[j].UserID })
	if len(matched) > maxSearchBeacons {
		matched = matched[:maxSearchBeacons]
	}
	out.Beacons = append(out.Beacons, matched...)

	s.mu.RLock()
	for _, sp := range s.spaces {
		if strings.Contains(strings.ToLower(sp.SpaceID), q) || strings.Contains(strings.ToLower(sp.Name), q) {
			out.Spaces = append(out.Spaces, sp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out.Spaces, func(i, j int) bool { return out.Spaces[i].SpaceID < out.Spaces[j].SpaceID })
	return out
}

func (s *Store) collect(match func(*envelope.Beacon) bool) []*envelope.Beacon {
	s.mu.RLock()
	var hits []*stored
	for _, st := range s.byID {
		if match(st.beacon) {
			hits = append(hits, st)
		}
	}
	s.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].beacon.Epoch != hits[j].beacon.Epoch {
			return hits[i].beacon.Epoch > hits[j].beacon.Epoch
		}
		return hits[i].seq > hits[j].seq
	})
	out := make([]*envelope.Beacon, len(hits))
	for i, st := range hits {
		out[i] = st.beacon
	}
	return out
}

func parseFingerprint(fp string) ([]byte, bool) {
	fp = strings.TrimSpace(fp)
	if fp == "" {
		return nil, false
	}
	if b, err := hex.DecodeString(fp); err == nil {
		return b, true
	}
	if b, err := base64.StdEncoding.DecodeString(fp); err == nil {
		return b, true
	}
	if b, err := base64.RawURLEncoding.DecodeString(fp); err == nil {
		return b, true
	}
	return nil, false
}
