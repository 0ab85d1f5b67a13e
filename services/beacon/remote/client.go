// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package remote issues correlated requests over a transport and waits for
// the matching response with a bounded timeout.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// AllUsers is the author filter that matches every user.
const AllUsers = "*"

// Timeouts bounds each correlated round trip.
type Timeouts struct {
	// Lookup applies to getBeaconById. Default: 2s.
	Lookup time.Duration

	// List applies to getBeaconsByUser. Default: 10s.
	List time.Duration

	// Submit applies to submitPostBeacon. Default: 10s.
	Submit time.Duration

	// CreateSpace applies to createSpace. Default: 30s.
	CreateSpace time.Duration

	// Search applies to search. Default: 10s.
	Search time.Duration

	// Download applies to downloadFile. Default: 30s.
	Download time.Duration
}

// DefaultTimeouts returns the standard round-trip bounds.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Lookup:      2 * time.Second,
		List:        10 * time.Second,
		Submit:      10 * time.Second,
		CreateSpace: 30 * time.Second,
		Search:      10 * time.Second,
		Download:    30 * time.Second,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	def := DefaultTimeouts()
	if t.Lookup <= 0 {
		t.Lookup = def.Lookup
	}
	if t.List <= 0 {
		t.List = def.List
	}
	if t.Submit <= 0 {
		t.Submit = def.Submit
	}
	if t.CreateSpace <= 0 {
		t.CreateSpace = def.CreateSpace
	}
	if t.Search <= 0 {
		t.Search = def.Search
	}
	if t.Download <= 0 {
		t.Download = def.Download
	}
	return t
}

// Option configures a Client.
type Option func(*Client)

// WithTimeouts overrides DefaultTimeouts. Zero fields keep their default.
func WithTimeouts(t Timeouts) Option {
	return func(c *Client) { c.timeouts = t.withDefaults() }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDefault(l) }
}

// Client speaks the beacon wire protocol over a Dispatcher.
//
// Thread Safety: safe for concurrent use. Each call registers its own
// listener and always removes it before returning.
type Client struct {
	dispatcher *transport.Dispatcher
	timeouts   Timeouts
	logger     *slog.Logger
}

// New creates a Client over d.
func New(d *transport.Dispatcher, opts ...Option) *Client {
	c := &Client{
		dispatcher: d,
		timeouts:   DefaultTimeouts(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Timeouts returns the effective round-trip bounds.
func (c *Client) Timeouts() Timeouts { return c.timeouts }

// CreatedSpace is the server's acknowledgement of createSpace.
type CreatedSpace struct {
	SpaceID string `json:"spaceId"`
	Owner   string `json:"owner"`
}

// UserResult is one user hit returned by Search.
type UserResult struct {
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

// SpaceResult is one space hit returned by Search.
type SpaceResult struct {
	SpaceID    string `json:"spaceId"`
	Name       string `json:"name,omitempty"`
	Visibility string `json:"visibility,omitempty"`
}

// SearchResult is the body of searchResponse.
type SearchResult struct {
	Users   []UserResult      `json:"users"`
	Spaces  []SpaceResult     `json:"spaces"`
	Beacons []*envelope.Beacon `json:"-"`
}

// FetchByID asks the server for one beacon.
//
// Description:
//
//	Sends getBeaconById and waits for the beaconResponse carrying the same
//	requestId. When the server omits requestId, a beaconResponse whose
//	beacon has the requested id (or is null) is accepted.
//
// Inputs:
//
//	ctx - Cancels the wait.
//	id - The beacon id.
//
// Outputs:
//
//	*envelope.Beacon - The beacon, or nil when the server has none.
//	error - ErrTimeout, *ServerError, or a transport error.
func (c *Client) FetchByID(ctx context.Context, id string) (*envelope.Beacon, error) {
	reply, err := c.roundTrip(ctx, transport.KindGetBeaconByID, map[string]any{
		"beaconId": id,
	}, c.timeouts.Lookup, func(m transport.Message) bool {
		if m.Kind != transport.KindBeaconResponse {
			return false
		}
		got := beaconIDOf(m.Payload["beacon"])
		return got == "" || got == id
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Beacon json.RawMessage `json:"beacon"`
	}
	if err := reply.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if isNull(body.Beacon) {
		return nil, nil
	}
	b, err := envelope.DeserializeBeacon(body.Beacon)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if b.ID == "" {
		b.ID = id
	}
	return b, nil
}

// FetchByUser asks for every beacon authored by userID, optionally
// restricted to one type. AllUsers matches every author.
//
// Records that fail to deserialize are skipped and logged.
func (c *Client) FetchByUser(ctx context.Context, userID string, beaconType envelope.BeaconType) ([]*envelope.Beacon, error) {
	body := map[string]any{transport.FieldUserID: userID}
	if beaconType != "" {
		body["beaconType"] = string(beaconType)
	}
	reply, err := c.roundTrip(ctx, transport.KindGetBeaconsByUser, body, c.timeouts.List, func(m transport.Message) bool {
		return m.Kind == transport.KindBeaconsResponse
	})
	if err != nil {
		return nil, err
	}
	return c.decodeBeacons(reply, "beacons")
}

// FetchByType asks for every beacon of one type from any author.
func (c *Client) FetchByType(ctx context.Context, beaconType envelope.BeaconType) ([]*envelope.Beacon, error) {
	return c.FetchByUser(ctx, AllUsers, beaconType)
}

// Submit sends a new beacon and returns the server-assigned id.
//
// Description:
//
//	The envelope is serialized in wire format under "beacon". The server
//	acknowledges with submitPostSuccess or submitCommentSuccess.
//
// Outputs:
//
//	string - The beacon id.
//	error - ErrTimeout, *ServerError, ErrMalformedResponse, or a transport error.
func (c *Client) Submit(ctx context.Context, env *envelope.Envelope) (string, error) {
	reply, err := c.roundTrip(ctx, transport.KindSubmitPostBeacon, map[string]any{
		"beacon":     envelope.Serialize(env, envelope.FormatWire),
		"beaconType": string(env.BeaconType),
	}, c.timeouts.Submit, func(m transport.Message) bool {
		return m.Kind == transport.KindSubmitPostSuccess || m.Kind == transport.KindSubmitCommentSuccess
	})
	if err != nil {
		return "", err
	}
	id := reply.Field("beaconId")
	if id == "" {
		return "", fmt.Errorf("%w: %s without beaconId", ErrMalformedResponse, reply.Kind)
	}
	return id, nil
}

// CreateSpace announces a new space to the server.
func (c *Client) CreateSpace(ctx context.Context, spaceID, name, visibility string) (CreatedSpace, error) {
	reply, err := c.roundTrip(ctx, transport.KindCreateSpace, map[string]any{
		"spaceId":    spaceID,
		"name":       name,
		"visibility": visibility,
	}, c.timeouts.CreateSpace, func(m transport.Message) bool {
		return m.Kind == transport.KindCreateSpaceSuccess
	})
	if err != nil {
		return CreatedSpace{}, err
	}
	var out CreatedSpace
	if err := reply.Decode(&out); err != nil {
		return CreatedSpace{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out, nil
}

// Search runs a server-side search over users, spaces and beacons.
func (c *Client) Search(ctx context.Context, query string) (SearchResult, error) {
	reply, err := c.roundTrip(ctx, transport.KindSearch, map[string]any{
		"query": query,
	}, c.timeouts.Search, func(m transport.Message) bool {
		return m.Kind == transport.KindSearchResponse
	})
	if err != nil {
		return SearchResult{}, err
	}
	var out SearchResult
	if err := reply.Decode(&out); err != nil {
		return SearchResult{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	out.Beacons, err = c.decodeBeacons(reply, "beacons")
	if err != nil {
		return SearchResult{}, err
	}
	return out, nil
}

// DownloadFile fetches file content addressed by fingerprint.
//
// A response with success=false is returned as a *ServerError.
func (c *Client) DownloadFile(ctx context.Context, fingerprint string) ([]byte, error) {
	reply, err := c.roundTrip(ctx, transport.KindDownloadFile, map[string]any{
		"fingerprint": fingerprint,
	}, c.timeouts.Download, func(m transport.Message) bool {
		if m.Kind != transport.KindDownloadFileResponse {
			return false
		}
		got := m.Field("fingerprint")
		return got == "" || got == fingerprint
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Content *string `json:"content"`
		Success bool    `json:"success"`
		Error   string  `json:"error"`
	}
	if err := reply.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !body.Success {
		msg := body.Error
		if msg == "" {
			msg = "download failed"
		}
		return nil, &ServerError{Message: msg, RequestKind: transport.KindDownloadFile}
	}
	if body.Content == nil {
		return nil, nil
	}
	data, ok := envelope.DecodeBase64(*body.Content)
	if !ok {
		return nil, fmt.Errorf("%w: content is not base64", ErrMalformedResponse)
	}
	return data, nil
}

// Follow tells the server the local user follows userID. No response is
// awaited.
func (c *Client) Follow(ctx context.Context, userID string) error {
	return c.send(ctx, transport.KindFollow, map[string]any{"userIdToFollow": userID})
}

// Unfollow is the inverse of Follow.
func (c *Client) Unfollow(ctx context.Context, userID string) error {
	return c.send(ctx, transport.KindUnfollow, map[string]any{"userIdToUnfollow": userID})
}

// OnNotification registers fn for pushed messages of kind. Calls to fn
// happen one at a time in arrival order, off the transport's delivery
// goroutine, so fn may use the Client. The returned function removes the
// registration and drops pushes not yet handed to fn.
func (c *Client) OnNotification(kind string, fn transport.Handler) (remove func()) {
	n := &notifier{fn: fn}
	unsubscribe := c.dispatcher.Subscribe(kind, n.push)
	return func() {
		unsubscribe()
		n.close()
	}
}

func (c *Client) send(ctx context.Context, kind string, body map[string]any) error {
	if err := c.dispatcher.Transport().Send(ctx, transport.NewMessage(kind, body)); err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

// roundTrip sends kind with a fresh requestId and waits for the first
// inbound message that correlates with it.
//
// Description:
//
//	A message carrying a requestId correlates only when the id matches. A
//	message without one falls back to accept (for typed responses) or to
//	its requestKind (for `error`). The listener is removed on every path.
//
// Inputs:
//
//	ctx - Cancels the wait.
//	kind - The request kind.
//	body - Request payload. Not mutated.
//	timeout - Bound on send plus wait.
//	accept - Recognizes the typed success response.
//
// Outputs:
//
//	transport.Message - The success response.
//	error - ErrTimeout, *ServerError, ctx.Err(), or the send error.
func (c *Client) roundTrip(ctx context.Context, kind string, body map[string]any, timeout time.Duration, accept func(transport.Message) bool) (transport.Message, error) {
	reqID := uuid.NewString()
	msg := transport.NewMessage(kind, nil)
	for k, v := range body {
		msg.Payload[k] = v
	}
	msg.Payload[transport.FieldRequestID] = reqID

	replies := make(chan transport.Message, 1)
	remove := c.dispatcher.Listen(func(m transport.Message) {
		if !correlates(m, reqID, kind, accept) {
			return
		}
		select {
		case replies <- m:
		default:
		}
	})
	defer remove()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	if err := c.dispatcher.Transport().Send(sendCtx, msg); err != nil {
		return transport.Message{}, fmt.Errorf("send %s: %w", kind, err)
	}

	select {
	case reply := <-replies:
		c.logger.Debug("remote round trip",
			slog.String("kind", kind),
			slog.String("reply", reply.Kind),
			slog.Duration("elapsed", time.Since(start)))
		if reply.Kind == transport.KindError {
			return transport.Message{}, serverError(reply, kind)
		}
		return reply, nil
	case <-timer.C:
		c.logger.Warn("remote round trip timed out",
			slog.String("kind", kind),
			slog.String("request_id", reqID),
			slog.Duration("timeout", timeout))
		return transport.Message{}, timeoutError(kind, timeout)
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}

func correlates(m transport.Message, reqID, kind string, accept func(transport.Message) bool) bool {
	if id := m.Field(transport.FieldRequestID); id != "" {
		if id != reqID {
			return false
		}
		return m.Kind == transport.KindError || accept(m)
	}
	if m.Kind == transport.KindError {
		return m.Field(transport.FieldRequestKind) == kind
	}
	return accept(m)
}

func serverError(m transport.Message, kind string) *ServerError {
	e := &ServerError{
		Message:     m.Field(transport.FieldMessage),
		RequestKind: m.Field(transport.FieldRequestKind),
	}
	if e.RequestKind == "" {
		e.RequestKind = kind
	}
	if e.Message == "" {
		e.Message = "unspecified error"
	}
	return e
}

func (c *Client) decodeBeacons(reply transport.Message, key string) ([]*envelope.Beacon, error) {
	raw, ok := reply.Payload[key]
	if !ok || raw == nil {
		return nil, nil
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	var records []json.RawMessage
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("%w: %s is not a list", ErrMalformedResponse, key)
	}
	out := make([]*envelope.Beacon, 0, len(records))
	for i, rec := range records {
		if isNull(rec) {
			continue
		}
		beacon, err := envelope.DeserializeBeacon(rec)
		if err != nil {
			c.logger.Debug("skipping malformed beacon record",
				slog.Int("index", i),
				slog.String("error", err.Error()))
			continue
		}
		out = append(out, beacon)
	}
	return out, nil
}

// beaconIDOf extracts the id of a beacon record still in generic form.
func beaconIDOf(v any) string {
	var m map[string]any
	switch t := v.(type) {
	case map[string]any:
		m = t
	case envelope.JSONSafe:
		m = t
	default:
		return ""
	}
	for _, key := range []string{"beaconId", "beacon_id", "id"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
