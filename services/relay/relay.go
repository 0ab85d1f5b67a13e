// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package relay is an in-memory beacon server speaking the client wire
// protocol.
//
// It serves the socket endpoint (/ws) and the hybrid endpoints
// (/api/messages, /api/events, /api/poll). Beacons get content-addressed
// ids; pushes go to a user's live sockets and event streams or are queued
// for polling and response embedding. It is meant for development and
// integration tests and keeps nothing on disk.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/pkg/validation"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

const (
	// DefaultQueueLimit bounds the per-user push queue.
	DefaultQueueLimit = 1000

	// DefaultKeepAlive is the event stream keep-alive period.
	DefaultKeepAlive = 15 * time.Second
)

// Config configures a Relay.
type Config struct {
	// DisableEvents makes /api/events answer 404 so that clients poll.
	DisableEvents bool

	// QueueLimit bounds queued pushes per user. Default: DefaultQueueLimit.
	QueueLimit int

	// KeepAlive is the event stream comment period. Default: DefaultKeepAlive.
	KeepAlive time.Duration

	// Now is the clock. Default: time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Relay is the in-memory server.
//
// Thread Safety: safe for concurrent use.
type Relay struct {
	cfg    Config
	store  *Store
	hub    *hub
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]string // token -> user id
}

// New creates a Relay.
func New(cfg Config) *Relay {
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Relay{
		cfg:      cfg,
		store:    NewStore(cfg.Now),
		hub:      newHub(cfg.QueueLimit),
		logger:   logging.OrDefault(cfg.Logger).With(slog.String("component", "relay")),
		sessions: make(map[string]string),
	}
}

// Store exposes the beacon store.
func (r *Relay) Store() *Store { return r.store }

// Push queues or delivers msg to userID.
func (r *Relay) Push(userID string, msg transport.Message) {
	r.hub.publish(userID, msg)
}

// Handle processes one inbound message from requester context and returns
// the reply, if the kind has one.
//
// Description:
//
//	The requester is the user bound to the message's session token, or its
//	userId field when the token is unknown. A reply echoes the request's
//	requestId. Failures are reported as an error message carrying the
//	request kind, never as a Go error.
//
// Inputs:
//
//	ctx - Request context.
//	msg - The inbound message.
//
// Outputs:
//
//	transport.Message - The reply.
//	bool - False for send-only kinds.
func (r *Relay) Handle(ctx context.Context, msg transport.Message) (transport.Message, bool) {
	requester, bound := r.requester(msg)
	reply, ok, err := r.dispatch(ctx, requester, bound, msg)

	outcome := "ok"
	if err != nil {
		outcome = "error"
		r.logger.Debug("request failed",
			slog.String("kind", msg.Kind),
			slog.String("user_id", requester),
			slog.String("error", err.Error()))
		reply = transport.NewMessage(transport.KindError, map[string]any{
			transport.FieldMessage:     err.Error(),
			transport.FieldRequestKind: msg.Kind,
		})
		ok = true
	}
	getMetrics().RequestsTotal.WithLabelValues(msg.Kind, outcome).Inc()
	if !ok {
		return transport.Message{}, false
	}
	if rid := msg.Field(transport.FieldRequestID); rid != "" {
		reply.Payload[transport.FieldRequestID] = rid
	}
	return reply, true
}

func (r *Relay) dispatch(ctx context.Context, requester string, bound bool, msg transport.Message) (transport.Message, bool, error) {
	switch msg.Kind {
	case transport.KindConnect:
		if err := validation.ValidateUserID(requester); err != nil {
			return transport.Message{}, false, err
		}
		return r.connect(requester), true, nil
	case transport.KindSubmitPostBeacon:
		return r.submit(msg, requester, bound)
	case transport.KindGetBeaconByID:
		return r.getByID(msg), true, nil
	case transport.KindGetBeaconsByUser:
		return r.getByUser(msg), true, nil
	case transport.KindCreateSpace:
		return r.createSpace(msg, requester)
	case transport.KindFollow:
		return r.follow(msg, requester)
	case transport.KindUnfollow:
		if msg.Field("userIdToUnfollow") == "" {
			return transport.Message{}, false, errors.New("userIdToUnfollow is required")
		}
		return transport.Message{}, false, nil
	case transport.KindSearch:
		return r.search(msg), true, nil
	case transport.KindDownloadFile:
		return r.download(msg), true, nil
	case "":
		return transport.Message{}, false, errors.New("message kind is required")
	}
	return transport.Message{}, false, fmt.Errorf("unsupported message kind %q", msg.Kind)
}

// requester names the sender. bound is true when the name comes from a
// session token rather than the client-supplied userId.
func (r *Relay) requester(msg transport.Message) (user string, bound bool) {
	if token := msg.Field(transport.FieldSessionToken); token != "" {
		r.mu.RLock()
		user, ok := r.sessions[token]
		r.mu.RUnlock()
		if ok {
			return user, true
		}
	}
	return msg.Field(transport.FieldUserID), false
}

// connect issues a new session token.
func (r *Relay) connect(userID string) transport.Message {
	token := uuid.NewString()
	r.mu.Lock()
	r.sessions[token] = userID
	r.mu.Unlock()
	return transport.NewMessage(transport.KindConnected, map[string]any{
		transport.FieldSessionToken: token,
		transport.FieldUserID:       userID,
	})
}

// UserForToken returns the user bound to a session token.
func (r *Relay) UserForToken(token string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.sessions[token]
	return u, ok
}

// submit stores a beacon. A session-bound requester is always the author;
// the beacon's own authorId is used only for unauthenticated submissions.
func (r *Relay) submit(msg transport.Message, requester string, bound bool) (transport.Message, bool, error) {
	raw, ok := msg.Payload["beacon"]
	if !ok || raw == nil {
		return transport.Message{}, false, errors.New("beacon is required")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return transport.Message{}, false, fmt.Errorf("read beacon: %w", err)
	}
	env, err := envelope.Deserialize(data)
	if err != nil {
		return transport.Message{}, false, fmt.Errorf("read beacon: %w", err)
	}
	if env.BeaconType == "" {
		env.BeaconType = envelope.BeaconType(msg.Field("beaconType"))
	}
	switch {
	case bound && env.AuthorID != requester:
		if env.AuthorID != "" {
			r.logger.Debug("beacon author replaced by session user",
				slog.String("claimed_author_id", env.AuthorID),
				slog.String("user_id", requester))
		}
		env.AuthorID = requester
	case env.AuthorID == "":
		env.AuthorID = requester
	}
	b, created, err := r.store.Add(env, msg.Field("username"))
	if err != nil {
		return transport.Message{}, false, err
	}
	if created {
		getMetrics().BeaconsStored.Inc()
		r.logger.Debug("beacon stored",
			slog.String("beacon_id", b.ID),
			slog.String("beacon_type", string(b.BeaconType)),
			slog.String("author_id", b.AuthorID))
	}

	kind := transport.KindSubmitPostSuccess
	if b.BeaconType == envelope.TypeComment {
		kind = transport.KindSubmitCommentSuccess
	}
	return transport.NewMessage(kind, map[string]any{
		"beaconId":   b.ID,
		"beaconType": string(b.BeaconType),
	}), true, nil
}

func (r *Relay) getByID(msg transport.Message) transport.Message {
	var beacon any
	if b, ok := r.store.Get(msg.Field("beaconId")); ok {
		beacon = envelope.SerializeBeacon(b, envelope.FormatWire)
	}
	return transport.NewMessage(transport.KindBeaconResponse, map[string]any{"beacon": beacon})
}

func (r *Relay) getByUser(msg transport.Message) transport.Message {
	userID := msg.Field(transport.FieldUserID)
	if userID == "" {
		userID = AllUsers
	}
	found := r.store.Query(userID, envelope.BeaconType(msg.Field("beaconType")))
	return transport.NewMessage(transport.KindBeaconsResponse, map[string]any{"beacons": wireAll(found)})
}

func (r *Relay) createSpace(msg transport.Message, requester string) (transport.Message, bool, error) {
	sp := Space{
		SpaceID:    msg.Field("spaceId"),
		Name:       msg.Field("name"),
		Visibility: msg.Field("visibility"),
		Owner:      requester,
	}
	if sp.SpaceID == "" {
		return transport.Message{}, false, errors.New("spaceId is required")
	}
	if err := r.store.CreateSpace(sp); err != nil {
		return transport.Message{}, false, err
	}
	return transport.NewMessage(transport.KindCreateSpaceSuccess, map[string]any{
		"spaceId": sp.SpaceID,
		"owner":   sp.Owner,
	}), true, nil
}

// follow notifies the followed user. It has no reply.
func (r *Relay) follow(msg transport.Message, requester string) (transport.Message, bool, error) {
	target := msg.Field("userIdToFollow")
	if err := validation.ValidateUserID(target); err != nil {
		return transport.Message{}, false, fmt.Errorf("userIdToFollow: %w", err)
	}
	r.hub.publish(target, transport.NewMessage(transport.KindFollowNotification, map[string]any{
		"followerId": requester,
		"followedId": target,
	}))
	return transport.Message{}, false, nil
}

func (r *Relay) search(msg transport.Message) transport.Message {
	res := r.store.Search(msg.Field("query"))
	return transport.NewMessage(transport.KindSearchResponse, map[string]any{
		"users":   res.Users,
		"spaces":  res.Spaces,
		"beacons": wireAll(res.Beacons),
	})
}

// download serves the storage form of the beacon with the requested
// fingerprint as the file content.
func (r *Relay) download(msg transport.Message) transport.Message {
	fp := msg.Field("fingerprint")
	b, ok := r.store.ByFingerprint(fp)
	if !ok {
		return transport.NewMessage(transport.KindDownloadFileResponse, map[string]any{
			"fingerprint": fp,
			"content":     nil,
			"success":     false,
			"error":       "file not found",
		})
	}
	data, err := json.Marshal(envelope.SerializeBeacon(b, envelope.FormatStorage))
	if err != nil {
		return transport.NewMessage(transport.KindDownloadFileResponse, map[string]any{
			"fingerprint": fp,
			"content":     nil,
			"success":     false,
			"error":       err.Error(),
		})
	}
	return transport.NewMessage(transport.KindDownloadFileResponse, map[string]any{
		"fingerprint": fp,
		"content":     base64.StdEncoding.EncodeToString(data),
		"success":     true,
	})
}

func wireAll(bs []*envelope.Beacon) []envelope.JSONSafe {
	out := make([]envelope.JSONSafe, len(bs))
	for i, b := range bs {
		out[i] = envelope.SerializeBeacon(b, envelope.FormatWire)
	}
	return out
}
