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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/beaconspace/pkg/logging"
)

// Mode is the hybrid transport's current push delivery mode.
type Mode string

const (
	// ModeIdle means Connect has not been called.
	ModeIdle Mode = "idle"

	// ModeStreaming receives pushes over GET /api/events.
	ModeStreaming Mode = "streaming"

	// ModePolling receives pushes over POST /api/poll.
	ModePolling Mode = "polling"

	// ModeResponseOnly receives pushes only when embedded in responses.
	ModeResponseOnly Mode = "response-only"
)

const (
	messagesPath = "/api/messages"
	eventsPath   = "/api/events"
	pollPath     = "/api/poll"

	defaultPollInterval = 2 * time.Second
	maxResponseBytes    = 16 << 20
)

// errStreamUnsupported means the server does not offer an event stream.
var errStreamUnsupported = errors.New("event stream unsupported")

// HybridConfig configures a HybridTransport.
type HybridConfig struct {
	// BaseURL is the http(s) server root.
	BaseURL string

	// UserID is attached to outgoing payloads when no session user is known.
	UserID string

	// Client defaults to a client with a 30s timeout. The event stream
	// uses a copy without timeout.
	Client *http.Client

	Backoff      BackoffConfig
	PollInterval time.Duration
	Sessions     *SessionStore
	Logger       *slog.Logger
}

// HybridTransport is the request + event-stream strategy.
//
// Description:
//
//	Send POSTs each message to /api/messages and feeds the JSON response
//	back through the handler, so responses and pushes share one path. Push
//	delivery runs in the background: an SSE stream on /api/events that is
//	re-established with backoff; after MaxAttempts consecutive failures the
//	transport stays in ModeResponseOnly. When the server answers the stream
//	request with 404/405/501 or a non event-stream content type, polling on
//	/api/poll is used instead, paced by a rate limiter.
//
// Thread Safety: safe for concurrent use.
type HybridTransport struct {
	cfg        HybridConfig
	client     *http.Client
	streamHTTP *http.Client
	logger     *slog.Logger
	backoff    *Backoff
	inbox      *inbox

	mu        sync.Mutex
	connected bool
	mode      Mode
	session   Session
	cancel    context.CancelFunc
	done      chan struct{}
}

var _ Transport = (*HybridTransport)(nil)

// NewHybridTransport creates a hybrid transport.
func NewHybridTransport(cfg HybridConfig) *HybridTransport {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	stream := *client
	stream.Timeout = 0

	logger := logging.OrDefault(cfg.Logger).With("transport", "hybrid")
	return &HybridTransport{
		cfg:        cfg,
		client:     client,
		streamHTTP: &stream,
		logger:     logger,
		backoff:    NewBackoff(cfg.Backoff),
		inbox:      &inbox{name: "hybrid", logger: logger},
		mode:       ModeIdle,
	}
}

// Name implements Transport.
func (t *HybridTransport) Name() string { return "hybrid" }

// OnMessage implements Transport.
func (t *HybridTransport) OnMessage(h Handler) { t.inbox.set(h) }

// IsConnected implements Transport. Request/response works whenever the
// transport is connected, whatever the push mode.
func (t *HybridTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Mode returns the current push delivery mode.
func (t *HybridTransport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

func (t *HybridTransport) setMode(m Mode) {
	t.mu.Lock()
	t.mode = m
	t.mu.Unlock()
}

// Session returns the current session.
func (t *HybridTransport) Session() Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Connect implements Transport.
//
// Description:
//
//	Restores the persisted session or performs the connect handshake, then
//	starts push delivery in the background. Handshake and stream failures
//	are logged, not returned.
func (t *HybridTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	sess, restored := t.cfg.Sessions.Load(ctx)
	if restored {
		t.session = sess
	}
	t.mu.Unlock()

	if !restored {
		if err := t.Send(ctx, NewMessage(KindConnect, nil)); err != nil {
			t.logger.Warn("session handshake failed", "error", err)
		}
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mode = ModeStreaming
	t.mu.Unlock()

	go func() {
		defer close(done)
		t.pushLoop(streamCtx)
	}()
	return nil
}

// Send implements Transport. The response, if any, is delivered to the
// handler before Send returns.
func (t *HybridTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	out := t.session.inject(msg, t.cfg.UserID)
	t.mu.Unlock()

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", msg.Kind, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+messagesPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send %s: %w", msg.Kind, err)
	}
	defer resp.Body.Close()
	getMetrics().MessagesTotal.WithLabelValues("hybrid", directionOut).Inc()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read %s response: %w", msg.Kind, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("send %s: server returned %d: %s", msg.Kind, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var reply Message
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("decode %s response: %w", msg.Kind, err)
	}
	t.observe(reply)
	return nil
}

// observe renews the session from reply and delivers it.
func (t *HybridTransport) observe(reply Message) {
	if sess, ok := sessionFrom(reply); ok {
		t.mu.Lock()
		changed := sess != t.session
		t.session = sess
		t.mu.Unlock()
		if changed {
			if err := t.cfg.Sessions.Save(context.Background(), sess); err != nil {
				t.logger.Warn("persist session failed", "error", err)
			}
		}
	}
	t.inbox.deliver(reply)
}

// pushLoop keeps the event stream alive with backoff, switching to polling
// or response-only delivery as needed.
func (t *HybridTransport) pushLoop(ctx context.Context) {
	for {
		received, err := t.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errStreamUnsupported) {
			t.logger.Info("event stream unsupported; polling", "interval", t.cfg.PollInterval)
			getMetrics().FallbacksTotal.WithLabelValues("hybrid", string(ModePolling)).Inc()
			t.setMode(ModePolling)
			t.pollLoop(ctx)
			return
		}
		if received {
			t.backoff.Reset()
		}

		delay, ok := t.backoff.Next()
		if !ok {
			t.logger.Warn("event stream attempts exhausted; push limited to responses", "error", err)
			getMetrics().FallbacksTotal.WithLabelValues("hybrid", string(ModeResponseOnly)).Inc()
			t.setMode(ModeResponseOnly)
			return
		}
		getMetrics().ReconnectAttemptsTotal.WithLabelValues("hybrid").Inc()
		t.logger.Debug("event stream reconnect scheduled", "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// stream reads one SSE connection until it ends. received reports whether
// any event arrived, which resets backoff.
func (t *HybridTransport) stream(ctx context.Context) (received bool, err error) {
	u := t.cfg.BaseURL + eventsPath
	if uid := t.userID(); uid != "" {
		u += "?" + url.Values{FieldUserID: {uid}}.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.streamHTTP.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusMethodNotAllowed, http.StatusNotImplemented:
		return false, errStreamUnsupported
	case http.StatusOK:
	default:
		return false, fmt.Errorf("event stream: server returned %d", resp.StatusCode)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return false, errStreamUnsupported
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxResponseBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var msg Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			t.logger.Debug("skipping malformed event", "error", err)
			continue
		}
		if !received {
			received = true
			t.backoff.Reset()
		}
		t.observe(msg)
	}
	if err := scanner.Err(); err != nil {
		return received, err
	}
	return received, io.EOF
}

// pollLoop polls /api/poll until ctx is cancelled.
func (t *HybridTransport) pollLoop(ctx context.Context) {
	limiter := rate.NewLimiter(rate.Every(t.cfg.PollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		msgs, err := t.poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Debug("poll failed", "error", err)
			continue
		}
		for _, m := range msgs {
			t.observe(m)
		}
	}
}

func (t *HybridTransport) poll(ctx context.Context) ([]Message, error) {
	t.mu.Lock()
	sess := t.session
	t.mu.Unlock()
	if sess.UserID == "" {
		sess.UserID = t.cfg.UserID
	}

	body, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.BaseURL+pollPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("poll: server returned %d", resp.StatusCode)
	}
	var msgs []Message
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return msgs, nil
}

func (t *HybridTransport) userID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session.UserID != "" {
		return t.session.UserID
	}
	return t.cfg.UserID
}

// Disconnect implements Transport.
func (t *HybridTransport) Disconnect() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.connected = false
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	t.setMode(ModeIdle)
	t.backoff.Reset()
}
