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
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/beaconspace/pkg/logging"
)

// Conn is the subset of *websocket.Conn used by SocketTransport.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a socket connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// Scheduler runs fn after d and returns a function that cancels it.
type Scheduler func(d time.Duration, fn func()) (cancel func())

// WebsocketDialer returns a Dialer backed by gorilla/websocket.
func WebsocketDialer(header http.Header) Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
		conn, resp, err := dialer.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", url, err)
		}
		return conn, nil
	}
}

func afterFunc(d time.Duration, fn func()) func() {
	t := time.AfterFunc(d, fn)
	return func() { t.Stop() }
}

// SocketConfig configures a SocketTransport.
type SocketConfig struct {
	// URL is the ws(s) endpoint.
	URL string

	// UserID is attached to outgoing payloads when no session user is known.
	UserID string

	Backoff  BackoffConfig
	Sessions *SessionStore
	Logger   *slog.Logger

	// Dialer defaults to WebsocketDialer(nil).
	Dialer Dialer

	// Schedule defaults to time.AfterFunc.
	Schedule Scheduler
}

// SocketTransport is the persistent-socket strategy.
//
// Description:
//
//	Connect dials once; on failure (or when an open socket drops) a
//	reconnect is scheduled with exponential backoff (1s doubling, capped at
//	30s, 5 attempts). After the last attempt fails no further retry is
//	scheduled and IsConnected stays false. Messages sent while disconnected
//	are queued and flushed in order right after the next successful dial.
//
// Thread Safety: safe for concurrent use.
type SocketTransport struct {
	cfg     SocketConfig
	logger  *slog.Logger
	backoff *Backoff
	inbox   *inbox

	mu          sync.Mutex
	conn        Conn
	connected   bool
	dialing     bool
	stopped     bool
	cancelRetry func()
	queue       []Message
	session     Session

	writeMu sync.Mutex
}

var _ Transport = (*SocketTransport)(nil)

// NewSocketTransport creates a socket transport. It does not dial.
func NewSocketTransport(cfg SocketConfig) *SocketTransport {
	if cfg.Dialer == nil {
		cfg.Dialer = WebsocketDialer(nil)
	}
	if cfg.Schedule == nil {
		cfg.Schedule = afterFunc
	}
	logger := logging.OrDefault(cfg.Logger).With("transport", "socket")
	return &SocketTransport{
		cfg:     cfg,
		logger:  logger,
		backoff: NewBackoff(cfg.Backoff),
		inbox:   &inbox{name: "socket", logger: logger},
	}
}

// Name implements Transport.
func (t *SocketTransport) Name() string { return "socket" }

// OnMessage implements Transport.
func (t *SocketTransport) OnMessage(h Handler) { t.inbox.set(h) }

// IsConnected implements Transport.
func (t *SocketTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect implements Transport. It never returns an error for a failed
// dial; the failure is retried in the background.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected || t.dialing {
		t.mu.Unlock()
		return nil
	}
	t.stopped = false
	// A manual Connect starts a fresh retry budget.
	if t.cancelRetry != nil {
		t.cancelRetry()
		t.cancelRetry = nil
	}
	t.backoff.Reset()
	if sess, ok := t.cfg.Sessions.Load(ctx); ok {
		t.session = sess
	}
	t.mu.Unlock()

	t.dial(ctx)
	return nil
}

func (t *SocketTransport) dial(ctx context.Context) {
	t.mu.Lock()
	if t.connected || t.dialing || t.stopped {
		t.mu.Unlock()
		return
	}
	t.dialing = true
	t.cancelRetry = nil
	t.mu.Unlock()

	conn, err := t.cfg.Dialer(ctx, t.cfg.URL)

	t.mu.Lock()
	t.dialing = false
	if err != nil {
		t.mu.Unlock()
		t.logger.Warn("socket dial failed", "url", t.cfg.URL, "error", err)
		t.scheduleReconnect()
		return
	}
	if t.stopped {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	t.backoff.Reset()
	pending := t.queue
	t.queue = nil
	t.mu.Unlock()

	getMetrics().QueuedMessages.WithLabelValues("socket").Set(0)
	t.logger.Info("socket connected", "url", t.cfg.URL, "flushing", len(pending))

	go t.readLoop(conn)

	for i, msg := range pending {
		if err := t.write(conn, msg); err != nil {
			t.requeue(pending[i:])
			t.dropConn(conn)
			return
		}
	}
}

// scheduleReconnect arms the next retry, or gives up when backoff is spent.
func (t *SocketTransport) scheduleReconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped || t.connected || t.cancelRetry != nil {
		return
	}
	delay, ok := t.backoff.Next()
	if !ok {
		t.logger.Error("socket reconnect attempts exhausted; refresh required",
			"attempts", t.backoff.Attempts())
		getMetrics().FallbacksTotal.WithLabelValues("socket", "offline").Inc()
		return
	}
	getMetrics().ReconnectAttemptsTotal.WithLabelValues("socket").Inc()
	t.logger.Info("socket reconnect scheduled", "delay", delay, "attempt", t.backoff.Attempts())
	t.cancelRetry = t.cfg.Schedule(delay, func() {
		t.mu.Lock()
		t.cancelRetry = nil
		t.mu.Unlock()
		t.dial(context.Background())
	})
}

func (t *SocketTransport) readLoop(conn Conn) {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			t.mu.Lock()
			stopped := t.stopped
			t.mu.Unlock()
			if !stopped {
				t.logger.Warn("socket read failed", "error", err)
			}
			t.dropConn(conn)
			return
		}
		if sess, ok := sessionFrom(msg); ok {
			t.saveSession(sess)
		}
		t.inbox.deliver(msg)
	}
}

// dropConn marks conn as lost and schedules a reconnect.
func (t *SocketTransport) dropConn(conn Conn) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	t.conn = nil
	t.connected = false
	stopped := t.stopped
	t.mu.Unlock()

	conn.Close()
	if !stopped {
		t.scheduleReconnect()
	}
}

func (t *SocketTransport) saveSession(sess Session) {
	t.mu.Lock()
	t.session = sess
	t.mu.Unlock()
	if err := t.cfg.Sessions.Save(context.Background(), sess); err != nil {
		t.logger.Warn("persist session failed", "error", err)
	}
}

// Send implements Transport. While disconnected the message is queued and
// Send returns nil.
func (t *SocketTransport) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	out := t.session.inject(msg, t.cfg.UserID)
	conn := t.conn
	if !t.connected || conn == nil {
		t.queue = append(t.queue, out)
		n := len(t.queue)
		t.mu.Unlock()
		getMetrics().QueuedMessages.WithLabelValues("socket").Set(float64(n))
		t.logger.Debug("socket offline; message queued", "kind", msg.Kind, "queued", n)
		return nil
	}
	t.mu.Unlock()

	if err := t.write(conn, out); err != nil {
		t.requeue([]Message{out})
		t.dropConn(conn)
	}
	return nil
}

func (t *SocketTransport) write(conn Conn, msg Message) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		t.logger.Warn("socket write failed", "kind", msg.Kind, "error", err)
		return err
	}
	getMetrics().MessagesTotal.WithLabelValues("socket", directionOut).Inc()
	return nil
}

// requeue puts msgs back at the head of the queue, preserving order.
func (t *SocketTransport) requeue(msgs []Message) {
	t.mu.Lock()
	t.queue = append(append([]Message(nil), msgs...), t.queue...)
	n := len(t.queue)
	t.mu.Unlock()
	getMetrics().QueuedMessages.WithLabelValues("socket").Set(float64(n))
}

// Queued returns the number of buffered outbound messages.
func (t *SocketTransport) Queued() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Disconnect implements Transport.
func (t *SocketTransport) Disconnect() {
	t.mu.Lock()
	t.stopped = true
	if t.cancelRetry != nil {
		t.cancelRetry()
		t.cancelRetry = nil
	}
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	t.backoff.Reset()
	if conn != nil {
		conn.Close()
	}
}
