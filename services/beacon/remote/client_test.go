// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package remote

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// replyTransport answers each Send synchronously through the handler, the
// way the hybrid transport feeds HTTP responses back.
type replyTransport struct {
	mu      sync.Mutex
	handler transport.Handler
	sent    []transport.Message
	respond func(transport.Message) []transport.Message
}

func (r *replyTransport) Connect(context.Context) error { return nil }

func (r *replyTransport) Send(_ context.Context, m transport.Message) error {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	h := r.handler
	respond := r.respond
	r.mu.Unlock()
	if respond == nil || h == nil {
		return nil
	}
	for _, reply := range respond(m) {
		h(reply)
	}
	return nil
}

func (r *replyTransport) OnMessage(h transport.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

func (r *replyTransport) Disconnect()       {}
func (r *replyTransport) IsConnected() bool { return true }
func (r *replyTransport) Name() string      { return "reply" }

func (r *replyTransport) last() transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sent[len(r.sent)-1]
}

func newClient(respond func(transport.Message) []transport.Message) (*Client, *transport.Dispatcher, *replyTransport) {
	rt := &replyTransport{respond: respond}
	d := transport.NewDispatcher(rt)
	c := New(d, WithTimeouts(Timeouts{
		Lookup: 50 * time.Millisecond, List: 50 * time.Millisecond, Submit: 50 * time.Millisecond,
		CreateSpace: 50 * time.Millisecond, Search: 50 * time.Millisecond, Download: 50 * time.Millisecond,
	}))
	return c, d, rt
}

func sampleBeacon(id string) *envelope.Beacon {
	return &envelope.Beacon{
		ID: id,
		Envelope: envelope.Envelope{
			AuthorID:    "u1",
			BeaconType:  envelope.TypePost,
			PrimeIndex:  []int64{2, 3, 5},
			Epoch:       1700000000000,
			Fingerprint: []byte{1, 2, 3},
			Signature:   []byte{4, 5, 6},
		},
	}
}

func reply(req transport.Message, kind string, payload map[string]any) transport.Message {
	out := transport.NewMessage(kind, payload)
	out.Payload[transport.FieldRequestID] = req.Field(transport.FieldRequestID)
	return out
}

func TestFetchByID(t *testing.T) {
	c, d, rt := newClient(func(req transport.Message) []transport.Message {
		return []transport.Message{
			// Belongs to someone else's request.
			transport.NewMessage(transport.KindBeaconResponse, map[string]any{
				transport.FieldRequestID: "other",
				"beacon":                 envelope.SerializeBeacon(sampleBeacon("b9"), envelope.FormatWire),
			}),
			reply(req, transport.KindBeaconResponse, map[string]any{
				"beacon": envelope.SerializeBeacon(sampleBeacon("b1"), envelope.FormatWire),
			}),
		}
	})

	b, err := c.FetchByID(context.Background(), "b1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, "b1", b.ID)
	assert.Equal(t, []byte{4, 5, 6}, b.Signature)
	assert.Equal(t, "b1", rt.last().Field("beaconId"))
	assert.NotEmpty(t, rt.last().Field(transport.FieldRequestID))
	assert.Equal(t, 0, d.Len(), "listener removed on success")
}

func TestFetchByID_NullAndFallbackMatching(t *testing.T) {
	c, _, _ := newClient(func(req transport.Message) []transport.Message {
		// No requestId: matched by kind and beacon id.
		return []transport.Message{
			transport.NewMessage(transport.KindBeaconResponse, map[string]any{
				"beacon": envelope.SerializeBeacon(sampleBeacon("b2"), envelope.FormatWire),
			}),
			transport.NewMessage(transport.KindBeaconResponse, map[string]any{"beacon": nil}),
		}
	})

	b, err := c.FetchByID(context.Background(), "b1")
	require.NoError(t, err)
	assert.Nil(t, b, "a beacon with another id is not a match; the null response is")
}

func TestRoundTrip_Timeout(t *testing.T) {
	c, d, _ := newClient(nil)
	start := time.Now()
	_, err := c.FetchByID(context.Background(), "b1")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 0, d.Len(), "listener removed on timeout")
}

func TestRoundTrip_ContextCancelled(t *testing.T) {
	c, d, _ := newClient(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchByUser(ctx, "u1", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, d.Len())
}

func TestRoundTrip_ServerError(t *testing.T) {
	t.Run("by request id", func(t *testing.T) {
		c, _, _ := newClient(func(req transport.Message) []transport.Message {
			return []transport.Message{reply(req, transport.KindError, map[string]any{
				transport.FieldMessage: "no such beacon",
			})}
		})
		_, err := c.FetchByID(context.Background(), "b1")
		var se *ServerError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "no such beacon", se.Message)
		assert.Equal(t, transport.KindGetBeaconByID, se.RequestKind)
	})

	t.Run("by request kind", func(t *testing.T) {
		c, _, _ := newClient(func(req transport.Message) []transport.Message {
			return []transport.Message{
				transport.NewMessage(transport.KindError, map[string]any{
					transport.FieldMessage: "unrelated", transport.FieldRequestKind: transport.KindSearch,
				}),
				transport.NewMessage(transport.KindError, map[string]any{
					transport.FieldMessage: "quota", transport.FieldRequestKind: transport.KindSubmitPostBeacon,
				}),
			}
		})
		_, err := c.Submit(context.Background(), &sampleBeacon("").Envelope)
		var se *ServerError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, "quota", se.Message)
	})
}

func TestSubmit(t *testing.T) {
	c, _, rt := newClient(func(req transport.Message) []transport.Message {
		return []transport.Message{reply(req, transport.KindSubmitCommentSuccess, map[string]any{"beaconId": "b7"})}
	})
	env := &sampleBeacon("").Envelope
	id, err := c.Submit(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "b7", id)

	sent := rt.last()
	assert.Equal(t, transport.KindSubmitPostBeacon, sent.Kind)
	assert.Equal(t, "post", sent.Field("beaconType"))
	wire, ok := sent.Payload["beacon"].(envelope.JSONSafe)
	require.True(t, ok)
	assert.Equal(t, "u1", wire["authorId"])

	c, _, _ = newClient(func(req transport.Message) []transport.Message {
		return []transport.Message{reply(req, transport.KindSubmitPostSuccess, nil)}
	})
	_, err = c.Submit(context.Background(), env)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestFetchByUser(t *testing.T) {
	c, _, rt := newClient(func(req transport.Message) []transport.Message {
		return []transport.Message{reply(req, transport.KindBeaconsResponse, map[string]any{
			"beacons": []any{
				envelope.SerializeBeacon(sampleBeacon("b1"), envelope.FormatWire),
				"not an object",
				nil,
				envelope.SerializeBeacon(sampleBeacon("b2"), envelope.FormatStorage),
			},
		})}
	})

	got, err := c.FetchByType(context.Background(), envelope.TypeSpaceMembers)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "b1", got[0].ID)
	assert.Equal(t, "b2", got[1].ID)
	assert.Equal(t, []byte{1, 2, 3}, got[1].Fingerprint)

	sent := rt.last()
	assert.Equal(t, AllUsers, sent.Field(transport.FieldUserID))
	assert.Equal(t, "space_members", sent.Field("beaconType"))
}

func TestCreateSpaceAndSearch(t *testing.T) {
	c, _, _ := newClient(func(req transport.Message) []transport.Message {
		switch req.Kind {
		case transport.KindCreateSpace:
			return []transport.Message{reply(req, transport.KindCreateSpaceSuccess, map[string]any{
				"spaceId": req.Field("spaceId"), "owner": "u1",
			})}
		case transport.KindSearch:
			return []transport.Message{reply(req, transport.KindSearchResponse, map[string]any{
				"users":   []any{map[string]any{"userId": "u2", "username": "bea"}},
				"spaces":  []any{map[string]any{"spaceId": "s1", "name": "Lab"}},
				"beacons": []any{envelope.SerializeBeacon(sampleBeacon("b3"), envelope.FormatWire)},
			})}
		}
		return nil
	})

	created, err := c.CreateSpace(context.Background(), "s1", "Lab", "public")
	require.NoError(t, err)
	assert.Equal(t, CreatedSpace{SpaceID: "s1", Owner: "u1"}, created)

	res, err := c.Search(context.Background(), "la")
	require.NoError(t, err)
	assert.Equal(t, []UserResult{{UserID: "u2", Username: "bea"}}, res.Users)
	assert.Equal(t, "Lab", res.Spaces[0].Name)
	require.Len(t, res.Beacons, 1)
	assert.Equal(t, "b3", res.Beacons[0].ID)
}

func TestDownloadFile(t *testing.T) {
	content := base64.StdEncoding.EncodeToString([]byte("file body"))
	c, _, _ := newClient(func(req transport.Message) []transport.Message {
		if req.Field("fingerprint") == "missing" {
			return []transport.Message{reply(req, transport.KindDownloadFileResponse, map[string]any{
				"fingerprint": "missing", "content": nil, "success": false, "error": "not found",
			})}
		}
		return []transport.Message{reply(req, transport.KindDownloadFileResponse, map[string]any{
			"fingerprint": req.Field("fingerprint"), "content": content, "success": true,
		})}
	})

	data, err := c.DownloadFile(context.Background(), "fp1")
	require.NoError(t, err)
	assert.Equal(t, []byte("file body"), data)

	_, err = c.DownloadFile(context.Background(), "missing")
	var se *ServerError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "not found", se.Message)
}

func TestFollowIsSendOnly(t *testing.T) {
	c, d, rt := newClient(nil)
	require.NoError(t, c.Follow(context.Background(), "u2"))
	assert.Equal(t, transport.KindFollow, rt.last().Kind)
	assert.Equal(t, "u2", rt.last().Field("userIdToFollow"))
	require.NoError(t, c.Unfollow(context.Background(), "u2"))
	assert.Equal(t, "u2", rt.last().Field("userIdToUnfollow"))
	assert.Equal(t, 0, d.Len())

	from := make(chan string, 1)
	remove := c.OnNotification(transport.KindFollowNotification, func(m transport.Message) { from <- m.Field("from") })
	rt.handler(transport.NewMessage(transport.KindFollowNotification, map[string]any{"from": "u3"}))
	select {
	case got := <-from:
		assert.Equal(t, "u3", got)
	case <-time.After(2 * time.Second):
		t.Fatal("notification not delivered")
	}
	remove()
}

func TestOnNotification_CallbackMayRoundTrip(t *testing.T) {
	c, _, rt := newClient(func(req transport.Message) []transport.Message {
		if req.Kind != transport.KindGetBeaconByID {
			return nil
		}
		return []transport.Message{reply(req, transport.KindBeaconResponse, map[string]any{
			"beacon": envelope.SerializeBeacon(sampleBeacon("b1"), envelope.FormatWire),
		})}
	})

	got := make(chan string, 1)
	remove := c.OnNotification(transport.KindFollowNotification, func(m transport.Message) {
		b, err := c.FetchByID(context.Background(), "b1")
		if err != nil {
			got <- "error: " + err.Error()
			return
		}
		got <- b.AuthorID
	})
	defer remove()

	rt.handler(transport.NewMessage(transport.KindFollowNotification, map[string]any{"from": "u3"}))
	select {
	case author := <-got:
		assert.Equal(t, "u1", author)
	case <-time.After(3 * time.Second):
		t.Fatal("callback round trip did not complete")
	}
}

func TestOnNotification_KeepsOrderAndStopsAfterRemove(t *testing.T) {
	c, _, rt := newClient(nil)

	var mu sync.Mutex
	var seen []string
	remove := c.OnNotification(transport.KindFollowNotification, func(m transport.Message) {
		mu.Lock()
		seen = append(seen, m.Field("from"))
		mu.Unlock()
	})
	want := []string{"a", "b", "c", "d", "e"}
	for _, from := range want {
		rt.handler(transport.NewMessage(transport.KindFollowNotification, map[string]any{"from": from}))
	}
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return assert.ObjectsAreEqual(want, seen)
	}, 2*time.Second, 10*time.Millisecond)

	remove()
	rt.handler(transport.NewMessage(transport.KindFollowNotification, map[string]any{"from": "late"}))
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, seen)
}
