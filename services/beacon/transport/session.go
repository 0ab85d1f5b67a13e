// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/AleutianAI/beaconspace/services/beacon/storage"
)

// Session is the server-issued session.
type Session struct {
	SessionToken string `json:"sessionToken"`
	UserID       string `json:"userId"`
}

// Valid reports whether the session carries a token.
func (s Session) Valid() bool { return s.SessionToken != "" }

// inject returns msg with the session token and user id attached to its
// payload. An existing userId in the payload is left alone because some
// requests use it to name a target user.
func (s Session) inject(msg Message, userID string) Message {
	out := msg.clone()
	if s.SessionToken != "" {
		out.Payload[FieldSessionToken] = s.SessionToken
	}
	uid := s.UserID
	if uid == "" {
		uid = userID
	}
	if _, set := out.Payload[FieldUserID]; !set && uid != "" {
		out.Payload[FieldUserID] = uid
	}
	return out
}

// sessionFrom extracts a session from a response payload, if present.
func sessionFrom(msg Message) (Session, bool) {
	token := msg.Field(FieldSessionToken)
	if token == "" {
		return Session{}, false
	}
	return Session{SessionToken: token, UserID: msg.Field(FieldUserID)}, true
}

// SessionStore persists the session under storage.SessionKey.
//
// A nil *SessionStore is valid and stores nothing.
type SessionStore struct {
	kv storage.KV
}

// NewSessionStore wraps kv. A nil kv yields a store that stores nothing.
func NewSessionStore(kv storage.KV) *SessionStore {
	return &SessionStore{kv: kv}
}

// Load returns the persisted session.
func (s *SessionStore) Load(ctx context.Context) (Session, bool) {
	if s == nil || s.kv == nil {
		return Session{}, false
	}
	raw, err := s.kv.Get(ctx, storage.SessionKey)
	if err != nil {
		return Session{}, false
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil || !sess.Valid() {
		return Session{}, false
	}
	return sess, true
}

// Save persists sess.
func (s *SessionStore) Save(ctx context.Context, sess Session) error {
	if s == nil || s.kv == nil {
		return nil
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.kv.Put(ctx, storage.SessionKey, raw)
}

// Clear removes the persisted session.
func (s *SessionStore) Clear(ctx context.Context) error {
	if s == nil || s.kv == nil {
		return nil
	}
	if err := s.kv.Delete(ctx, storage.SessionKey); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return nil
}
