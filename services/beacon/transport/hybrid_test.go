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
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	badgerstore "github.com/AleutianAI/beaconspace/services/beacon/storage/badger"
)

// fakeServer implements the hybrid HTTP surface with switchable behavior.
type fakeServer struct {
	mu       sync.Mutex
	received []Message

	eventsStatus int
	events       []Message
	eventsHits   atomic.Int32
	pollQueue    []Message
	pollHits     atomic.Int32
}

func (s *fakeServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/messages", func(w http.ResponseWriter, r *http.Request) {
		var m Message
		if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.received = append(s.received, m)
		s.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch m.Kind {
		case KindConnect:
			json.NewEncoder(w).Encode(NewMessage(KindConnected, map[string]any{
				FieldSessionToken: "tok-1", FieldUserID: "u1",
			}))
		case "fail":
			http.Error(w, "boom", http.StatusInternalServerError)
		case "silent":
			w.WriteHeader(http.StatusNoContent)
		default:
			json.NewEncoder(w).Encode(NewMessage("ack", map[string]any{
				"echo": m.Kind,
				FieldNotification: map[string]any{
					"kind":    KindFollowNotification,
					"payload": map[string]any{"from": "u2"},
				},
			}))
		}
	})
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		s.eventsHits.Add(1)
		if s.eventsStatus != 0 && s.eventsStatus != http.StatusOK {
			w.WriteHeader(s.eventsStatus)
			return
		}
		if s.eventsStatus == 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte("[]"))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, m := range s.events {
			b, _ := json.Marshal(m)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		}
		<-r.Context().Done()
	})
	mux.HandleFunc("/api/poll", func(w http.ResponseWriter, r *http.Request) {
		s.pollHits.Add(1)
		s.mu.Lock()
		out := s.pollQueue
		s.pollQueue = nil
		s.mu.Unlock()
		if out == nil {
			out = []Message{}
		}
		json.NewEncoder(w).Encode(out)
	})
	return mux
}

func (s *fakeServer) messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.received...)
}

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) handle(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
}

func (r *recorder) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Kind
	}
	return out
}

func newHybrid(t *testing.T, srv *httptest.Server, sessions *SessionStore) *HybridTransport {
	t.Helper()
	tr := NewHybridTransport(HybridConfig{
		BaseURL:      srv.URL,
		UserID:       "u1",
		Backoff:      BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 2, MaxAttempts: 2},
		PollInterval: 5 * time.Millisecond,
		Sessions:     sessions,
	})
	t.Cleanup(tr.Disconnect)
	return tr
}

func TestHybrid_HandshakeAndResponseDelivery(t *testing.T) {
	fs := &fakeServer{eventsStatus: http.StatusNotFound}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	kv, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer kv.Close()
	sessions := NewSessionStore(kv)

	tr := newHybrid(t, srv, sessions)
	rec := &recorder{}
	tr.OnMessage(rec.handle)

	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	assert.True(t, tr.IsConnected())
	assert.Equal(t, "tok-1", tr.Session().SessionToken)

	stored, ok := sessions.Load(ctx)
	require.True(t, ok)
	assert.Equal(t, "tok-1", stored.SessionToken)

	require.NoError(t, tr.Send(ctx, NewMessage("hello", nil)))
	assert.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{KindConnected, "ack", KindFollowNotification}, rec.kinds())
	}, 2*time.Second, 5*time.Millisecond)

	sent := fs.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "tok-1", sent[1].Field(FieldSessionToken))
	assert.Equal(t, "u1", sent[1].Field(FieldUserID))
}

func TestHybrid_RestoredSessionSkipsHandshake(t *testing.T) {
	fs := &fakeServer{eventsStatus: http.StatusNotFound}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	kv, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	defer kv.Close()
	sessions := NewSessionStore(kv)
	require.NoError(t, sessions.Save(context.Background(), Session{SessionToken: "kept", UserID: "u1"}))

	tr := newHybrid(t, srv, sessions)
	require.NoError(t, tr.Connect(context.Background()))
	require.NoError(t, tr.Connect(context.Background()))
	assert.Equal(t, "kept", tr.Session().SessionToken)
	assert.Empty(t, fs.messages())
}

func TestHybrid_SendErrors(t *testing.T) {
	fs := &fakeServer{eventsStatus: http.StatusNotFound}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	tr := newHybrid(t, srv, nil)
	err := tr.Send(context.Background(), NewMessage("fail", nil))
	assert.ErrorContains(t, err, "500")

	assert.NoError(t, tr.Send(context.Background(), NewMessage("silent", nil)))
}

func TestHybrid_SSEDelivery(t *testing.T) {
	fs := &fakeServer{
		eventsStatus: http.StatusOK,
		events: []Message{
			NewMessage(KindFollowNotification, map[string]any{"from": "u3"}),
			NewMessage("second", nil),
		},
	}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	tr := newHybrid(t, srv, nil)
	rec := &recorder{}
	tr.OnMessage(rec.handle)
	require.NoError(t, tr.Connect(context.Background()))

	assert.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) == 3 && k[1] == KindFollowNotification && k[2] == "second"
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, ModeStreaming, tr.Mode())

	tr.Disconnect()
	assert.Equal(t, ModeIdle, tr.Mode())
	assert.False(t, tr.IsConnected())
}

func TestHybrid_UnsupportedStreamFallsBackToPolling(t *testing.T) {
	for name, status := range map[string]int{
		"not found":        http.StatusNotFound,
		"not implemented":  http.StatusNotImplemented,
		"wrong media type": 0,
	} {
		t.Run(name, func(t *testing.T) {
			fs := &fakeServer{
				eventsStatus: status,
				pollQueue:    []Message{NewMessage(KindFollowNotification, map[string]any{"from": "u4"})},
			}
			srv := httptest.NewServer(fs.handler())
			defer srv.Close()

			tr := newHybrid(t, srv, nil)
			rec := &recorder{}
			tr.OnMessage(rec.handle)
			require.NoError(t, tr.Connect(context.Background()))

			assert.Eventually(t, func() bool { return tr.Mode() == ModePolling }, 2*time.Second, 5*time.Millisecond)
			assert.Eventually(t, func() bool {
				for _, k := range rec.kinds() {
					if k == KindFollowNotification {
						return true
					}
				}
				return false
			}, 2*time.Second, 5*time.Millisecond)
			assert.EqualValues(t, 1, fs.eventsHits.Load())
		})
	}
}

func TestHybrid_StreamFailuresEndInResponseOnly(t *testing.T) {
	fs := &fakeServer{eventsStatus: http.StatusBadGateway}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	tr := newHybrid(t, srv, nil)
	require.NoError(t, tr.Connect(context.Background()))

	assert.Eventually(t, func() bool { return tr.Mode() == ModeResponseOnly }, 2*time.Second, 5*time.Millisecond)
	assert.EqualValues(t, 3, fs.eventsHits.Load(), "first attempt plus MaxAttempts retries")
	assert.True(t, tr.IsConnected(), "request/response still works")
	assert.EqualValues(t, 0, fs.pollHits.Load())
}

func TestHybrid_HandlerMaySend(t *testing.T) {
	fs := &fakeServer{eventsStatus: http.StatusNotFound}
	srv := httptest.NewServer(fs.handler())
	defer srv.Close()

	tr := newHybrid(t, srv, nil)
	rec := &recorder{}
	var once sync.Once
	sendErr := make(chan error, 1)
	tr.OnMessage(func(m Message) {
		rec.handle(m)
		if m.Kind != KindFollowNotification {
			return
		}
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sendErr <- tr.Send(ctx, NewMessage("lookup", nil))
		})
	})

	require.NoError(t, tr.Send(context.Background(), NewMessage("hello", nil)))
	select {
	case err := <-sendErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Send from inside a handler did not return")
	}

	assert.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) == 4 && k[2] == "ack" && k[3] == KindFollowNotification
	}, 2*time.Second, 5*time.Millisecond)
	sent := fs.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "lookup", sent[1].Kind)

	// Later round trips still get through.
	require.NoError(t, tr.Send(context.Background(), NewMessage("after", nil)))
	assert.Eventually(t, func() bool { return len(rec.kinds()) == 6 }, 2*time.Second, 5*time.Millisecond)
}

func TestInbox_PreservesOrder(t *testing.T) {
	in := &inbox{name: "test", logger: slog.Default()}
	rec := &recorder{}
	in.set(rec.handle)

	want := make([]string, 200)
	for i := range want {
		want[i] = fmt.Sprintf("m%d", i)
		in.deliver(NewMessage(want[i], nil))
	}
	assert.Eventually(t, func() bool { return assert.ObjectsAreEqual(want, rec.kinds()) }, 2*time.Second, 5*time.Millisecond)
}
