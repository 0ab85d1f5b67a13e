// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transport provides the message channel between the beacon client
// and the server.
//
// Two interchangeable strategies implement Transport:
//
//   - SocketTransport: one persistent WebSocket (development).
//   - HybridTransport: POST /api/messages for requests, with server push over
//     GET /api/events (SSE) or, when streaming is unsupported, POST /api/poll
//     (production).
//
// The strategy is chosen once per process by New and never switched
// mid-session. Both deliver every inbound message, including push
// notifications embedded in a response under payload.notification, to the
// single registered Handler, serially and in receipt order.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/AleutianAI/beaconspace/pkg/logging"
)

// Message kinds of the wire protocol.
const (
	KindConnect              = "connect"
	KindConnected            = "connected"
	KindSubmitPostBeacon     = "submitPostBeacon"
	KindSubmitPostSuccess    = "submitPostSuccess"
	KindSubmitCommentSuccess = "submitCommentSuccess"
	KindGetBeaconByID        = "getBeaconById"
	KindBeaconResponse       = "beaconResponse"
	KindGetBeaconsByUser     = "getBeaconsByUser"
	KindBeaconsResponse      = "beaconsResponse"
	KindCreateSpace          = "createSpace"
	KindCreateSpaceSuccess   = "createSpaceSuccess"
	KindFollow               = "follow"
	KindUnfollow             = "unfollow"
	KindFollowNotification   = "followNotification"
	KindSearch               = "search"
	KindSearchResponse       = "searchResponse"
	KindDownloadFile         = "downloadFile"
	KindDownloadFileResponse = "downloadFileResponse"
	KindError                = "error"
)

// Payload keys with protocol meaning.
const (
	FieldRequestID    = "requestId"
	FieldSessionToken = "sessionToken"
	FieldUserID       = "userId"
	FieldNotification = "notification"
	FieldRequestKind  = "requestKind"
	FieldMessage      = "message"
)

// ErrNotConnected is returned by operations that need an open channel.
var ErrNotConnected = errors.New("transport: not connected")

// Message is the sole unit exchanged over a Transport.
type Message struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// NewMessage builds a message. A nil payload becomes an empty map.
func NewMessage(kind string, payload map[string]any) Message {
	if payload == nil {
		payload = map[string]any{}
	}
	return Message{Kind: kind, Payload: payload}
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	raw, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Field returns a string payload field, or "".
func (m Message) Field(key string) string {
	if m.Payload == nil {
		return ""
	}
	s, _ := m.Payload[key].(string)
	return s
}

// Notification returns the push message embedded under payload.notification.
func (m Message) Notification() (Message, bool) {
	if m.Payload == nil {
		return Message{}, false
	}
	raw, ok := m.Payload[FieldNotification]
	if !ok || raw == nil {
		return Message{}, false
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return Message{}, false
	}
	var n Message
	if err := json.Unmarshal(b, &n); err != nil || n.Kind == "" {
		return Message{}, false
	}
	return n, true
}

// clone returns a copy with a shallow-copied payload map.
func (m Message) clone() Message {
	out := Message{Kind: m.Kind, Payload: make(map[string]any, len(m.Payload)+2)}
	for k, v := range m.Payload {
		out.Payload[k] = v
	}
	return out
}

// Handler receives inbound messages. Only one is active per Transport.
// Handlers run serially on the transport's delivery goroutine. They may
// call Send; the reply is delivered after the handler returns, so a handler
// must not block waiting for it.
type Handler func(Message)

// Transport is the uniform message channel.
type Transport interface {
	// Connect is idempotent and restores a persisted session. It does not
	// fail when the realtime sub-channel cannot be established.
	Connect(ctx context.Context) error

	// Send delivers msg, attaching the session token and user id.
	Send(ctx context.Context, msg Message) error

	// OnMessage registers the handler for all inbound messages. The last
	// registration wins.
	OnMessage(h Handler)

	// Disconnect tears down the realtime sub-channel, cancels pending
	// reconnects and resets backoff.
	Disconnect()

	// IsConnected reports whether the channel is usable.
	IsConnected() bool

	// Name identifies the strategy ("socket" or "hybrid").
	Name() string
}

// Strategy selects a Transport implementation.
type Strategy string

const (
	StrategyAuto   Strategy = "auto"
	StrategySocket Strategy = "socket"
	StrategyHybrid Strategy = "hybrid"
)

// Select resolves StrategyAuto from the environment: development uses the
// socket, everything else the hybrid.
func Select(s Strategy, environment string) Strategy {
	switch s {
	case StrategySocket, StrategyHybrid:
		return s
	}
	if strings.EqualFold(environment, "development") {
		return StrategySocket
	}
	return StrategyHybrid
}

// Config configures New.
type Config struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string

	// UserID is the local user, attached to outgoing messages.
	UserID string

	// Strategy is auto, socket or hybrid.
	Strategy Strategy

	// Environment resolves StrategyAuto ("development" or "production").
	Environment string

	// Sessions persists the session token. May be nil.
	Sessions *SessionStore

	// Backoff overrides DefaultBackoffConfig when non-zero.
	Backoff BackoffConfig

	// PollInterval paces /api/poll. Default 2s.
	PollInterval time.Duration

	// HTTPClient is used by the hybrid strategy. Default: 30s timeout client.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// New builds the transport chosen by cfg.Strategy and cfg.Environment.
func New(cfg Config) (Transport, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("transport: server url is required")
	}
	logger := logging.OrDefault(cfg.Logger)
	backoff := cfg.Backoff
	if backoff.Initial == 0 {
		backoff = DefaultBackoffConfig()
	}

	switch Select(cfg.Strategy, cfg.Environment) {
	case StrategySocket:
		wsURL, err := SocketURL(cfg.ServerURL, cfg.UserID)
		if err != nil {
			return nil, err
		}
		return NewSocketTransport(SocketConfig{
			URL:      wsURL,
			UserID:   cfg.UserID,
			Backoff:  backoff,
			Sessions: cfg.Sessions,
			Logger:   logger,
		}), nil
	default:
		return NewHybridTransport(HybridConfig{
			BaseURL:      cfg.ServerURL,
			UserID:       cfg.UserID,
			Client:       cfg.HTTPClient,
			Backoff:      backoff,
			PollInterval: cfg.PollInterval,
			Sessions:     cfg.Sessions,
			Logger:       logger,
		}), nil
	}
}

// SocketURL converts an http(s) base URL to the ws(s) socket endpoint.
func SocketURL(serverURL, userID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	if userID != "" {
		q := u.Query()
		q.Set(FieldUserID, userID)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
