// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package messaging sends and reads direct and space messages.
//
// Every message is a standard beacon. When an Entangler is configured and
// it pairs the two parties above the fidelity threshold, a quantum_message
// beacon recording the pairing is published as well. That second beacon is
// enrichment only: it runs in the background and its failure never affects
// the send.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/codec"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
)

// =============================================================================
// Constants and errors
// =============================================================================

const (
	// DefaultFidelityThreshold is the minimum pairing fidelity for the
	// auxiliary delivery record.
	DefaultFidelityThreshold = 0.8

	// DefaultAuxTimeout bounds one auxiliary delivery attempt.
	DefaultAuxTimeout = 5 * time.Second
)

var (
	// ErrEmptyMessage is returned when the text is blank.
	ErrEmptyMessage = errors.New("messaging: empty message")

	// ErrNoRecipient is returned when the recipient or space id is empty.
	ErrNoRecipient = errors.New("messaging: no recipient")
)

// =============================================================================
// Interfaces
// =============================================================================

// Store is the beacon read path. cache.BeaconCache satisfies it.
type Store interface {
	GetByUser(ctx context.Context, userID string, beaconType envelope.BeaconType) ([]*envelope.Beacon, error)
	GetByType(ctx context.Context, beaconType envelope.BeaconType) ([]*envelope.Beacon, error)
	InvalidateForUser(userID string)
	Put(b *envelope.Beacon)
}

// Submitter submits beacons. remote.Client satisfies it.
type Submitter interface {
	Submit(ctx context.Context, env *envelope.Envelope) (string, error)
}

// Pairing is an auxiliary channel between two parties.
type Pairing struct {
	// ID identifies the pairing.
	ID string

	// Fidelity is the pairing quality in [0, 1].
	Fidelity float64
}

// Entangler is the optional capability that pairs two parties for
// auxiliary delivery.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use.
type Entangler interface {
	// Pair attempts a pairing between from and to. An error or a low
	// fidelity means the auxiliary record is skipped.
	Pair(ctx context.Context, from, to string) (Pairing, error)
}

// =============================================================================
// Types
// =============================================================================

// Message is one decoded message.
type Message struct {
	BeaconID string
	From     string
	To       string
	SpaceID  string
	Text     string
	SentAt   int64

	// Entangled is true when a matching quantum_message record exists.
	Entangled bool
}

// Sent describes an accepted send.
type Sent struct {
	BeaconID string
	SentAt   int64
}

// Option configures a Service.
type Option func(*Service)

// WithEntangler enables auxiliary delivery.
func WithEntangler(e Entangler) Option {
	return func(s *Service) { s.entangler = e }
}

// WithFidelityThreshold overrides DefaultFidelityThreshold. Values outside
// (0, 1] are ignored.
func WithFidelityThreshold(v float64) Option {
	return func(s *Service) {
		if v > 0 && v <= 1 {
			s.threshold = v
		}
	}
}

// WithAuxTimeout overrides DefaultAuxTimeout.
func WithAuxTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.auxTimeout = d
		}
	}
}

// WithClock sets the clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.OrDefault(l) }
}

// =============================================================================
// Service
// =============================================================================

// Service sends and reads messages.
//
// # Thread Safety
//
// Service is safe for concurrent use.
type Service struct {
	store      Store
	engine     codec.Engine
	submitter  Submitter
	entangler  Entangler
	threshold  float64
	auxTimeout time.Duration
	now        func() time.Time
	logger     *slog.Logger

	aux sync.WaitGroup
}

// New creates a Service. Without WithEntangler the auxiliary path is off.
func New(store Store, engine codec.Engine, submitter Submitter, opts ...Option) *Service {
	s := &Service{
		store:      store,
		engine:     engine,
		submitter:  submitter,
		threshold:  DefaultFidelityThreshold,
		auxTimeout: DefaultAuxTimeout,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "messaging"))
	return s
}

// SendDirect sends text to another user.
//
// # Description
//
// Publishes a direct_message beacon. If an Entangler is configured, an
// auxiliary quantum_message record is attempted in the background; the
// result of that attempt is never reported to the caller.
//
// # Inputs
//
//   - ctx: Context for the submission.
//   - to: Recipient user id.
//   - text: Message body. Must not be blank.
//
// # Outputs
//
//   - Sent: The accepted beacon id and send time.
//   - error: ErrEmptyMessage, ErrNoRecipient, codec.ErrNoIdentity, or the
//     submit error. A failed send is safe to retry.
func (s *Service) SendDirect(ctx context.Context, to, text string) (Sent, error) {
	if to == "" {
		return Sent{}, ErrNoRecipient
	}
	if strings.TrimSpace(text) == "" {
		return Sent{}, ErrEmptyMessage
	}
	me, err := s.engine.AuthorID()
	if err != nil {
		return Sent{}, err
	}
	sentAt := s.now().UnixMilli()
	s.entangle(ctx, me, to, text, sentAt)

	id, err := s.publish(ctx, me, payload.DirectMessage{From: me, To: to, Text: text, SentAt: sentAt})
	if err != nil {
		return Sent{}, fmt.Errorf("send direct message to %s: %w", to, err)
	}
	return Sent{BeaconID: id, SentAt: sentAt}, nil
}

// SendToSpace posts text to a space.
func (s *Service) SendToSpace(ctx context.Context, spaceID, text string) (Sent, error) {
	if spaceID == "" {
		return Sent{}, ErrNoRecipient
	}
	if strings.TrimSpace(text) == "" {
		return Sent{}, ErrEmptyMessage
	}
	me, err := s.engine.AuthorID()
	if err != nil {
		return Sent{}, err
	}
	sentAt := s.now().UnixMilli()
	id, err := s.publish(ctx, me, payload.SpaceMessage{From: me, SpaceID: spaceID, Text: text, SentAt: sentAt})
	if err != nil {
		return Sent{}, fmt.Errorf("send to space %s: %w", spaceID, err)
	}
	return Sent{BeaconID: id, SentAt: sentAt}, nil
}

// DirectMessages returns the conversation with peer, oldest first.
// Beacons that do not decode are skipped.
func (s *Service) DirectMessages(ctx context.Context, peer string) ([]Message, error) {
	me, err := s.engine.AuthorID()
	if err != nil {
		return nil, err
	}
	var out []Message
	paired := make(map[string]bool)
	for _, author := range []string{me, peer} {
		beacons, err := s.store.GetByUser(ctx, author, envelope.TypeDirectMessage)
		if err != nil {
			return nil, fmt.Errorf("fetch messages of %s: %w", author, err)
		}
		for _, b := range beacons {
			dm, ok := decode[payload.DirectMessage](s, b)
			if !ok || !between(dm.From, dm.To, me, peer) {
				continue
			}
			out = append(out, Message{BeaconID: b.ID, From: dm.From, To: dm.To, Text: dm.Text, SentAt: dm.SentAt})
		}
		if s.entangler == nil {
			continue
		}
		records, err := s.store.GetByUser(ctx, author, envelope.TypeQuantumMessage)
		if err != nil {
			s.logger.Debug("quantum records unavailable", slog.String("error", err.Error()))
			continue
		}
		for _, b := range records {
			if q, ok := decode[payload.QuantumMessage](s, b); ok {
				paired[pairKey(q.From, q.To, q.SentAt)] = true
			}
		}
	}
	for i := range out {
		out[i].Entangled = paired[pairKey(out[i].From, out[i].To, out[i].SentAt)]
	}
	sortMessages(out)
	return dedupe(out), nil
}

// SpaceMessages returns the messages posted to spaceID, oldest first.
func (s *Service) SpaceMessages(ctx context.Context, spaceID string) ([]Message, error) {
	beacons, err := s.store.GetByType(ctx, envelope.TypeSpaceMessage)
	if err != nil {
		return nil, fmt.Errorf("fetch space messages: %w", err)
	}
	var out []Message
	for _, b := range beacons {
		m, ok := decode[payload.SpaceMessage](s, b)
		if !ok || m.SpaceID != spaceID {
			continue
		}
		out = append(out, Message{BeaconID: b.ID, From: m.From, SpaceID: m.SpaceID, Text: m.Text, SentAt: m.SentAt})
	}
	sortMessages(out)
	return dedupe(out), nil
}

// Wait blocks until every auxiliary delivery started so far has finished.
func (s *Service) Wait() {
	s.aux.Wait()
}

// entangle starts the auxiliary delivery attempt. It never blocks the
// caller and detaches from ctx cancellation.
func (s *Service) entangle(ctx context.Context, from, to, text string, sentAt int64) {
	if s.entangler == nil {
		return
	}
	s.aux.Add(1)
	go func() {
		defer s.aux.Done()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Warn("auxiliary delivery panicked", slog.Any("panic", r))
			}
		}()
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auxTimeout)
		defer cancel()

		pair, err := s.entangler.Pair(actx, from, to)
		if err != nil {
			s.logger.Debug("pairing failed", slog.String("to", to), slog.String("error", err.Error()))
			return
		}
		if pair.Fidelity < s.threshold {
			s.logger.Debug("pairing below threshold",
				slog.String("to", to),
				slog.Float64("fidelity", pair.Fidelity))
			return
		}
		record := payload.QuantumMessage{
			PairID: pair.ID, Fidelity: pair.Fidelity,
			From: from, To: to, Text: text, SentAt: sentAt,
		}
		if _, err := s.publish(actx, from, record); err != nil {
			s.logger.Debug("auxiliary record not published", slog.String("error", err.Error()))
		}
	}()
}

func (s *Service) publish(ctx context.Context, me string, p payload.Payload) (string, error) {
	text, err := payload.Encode(p)
	if err != nil {
		return "", err
	}
	env, err := s.engine.Encode(p.BeaconType(), text)
	if err != nil {
		return "", err
	}
	id, err := s.submitter.Submit(ctx, env)
	if err != nil {
		return "", err
	}
	s.store.InvalidateForUser(me)
	s.store.Put(&envelope.Beacon{ID: id, Envelope: *env, CreatedAt: s.now().UTC()})
	return id, nil
}

func decode[T any](s *Service, b *envelope.Beacon) (*T, bool) {
	text, ok := s.engine.Decode(&b.Envelope)
	if !ok {
		return nil, false
	}
	v, err := payload.Parse[T](text)
	if err != nil {
		return nil, false
	}
	return v, true
}

func between(from, to, a, b string) bool {
	return (from == a && to == b) || (from == b && to == a)
}

func pairKey(from, to string, sentAt int64) string {
	return fmt.Sprintf("%s\x00%s\x00%d", from, to, sentAt)
}

func sortMessages(ms []Message) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].SentAt != ms[j].SentAt {
			return ms[i].SentAt < ms[j].SentAt
		}
		return ms[i].BeaconID < ms[j].BeaconID
	})
}

// dedupe drops repeated beacon ids from a sorted slice. A conversation with
// oneself reads the same beacons twice.
func dedupe(ms []Message) []Message {
	seen := make(map[string]bool, len(ms))
	out := ms[:0]
	for _, m := range ms {
		if seen[m.BeaconID] {
			continue
		}
		seen[m.BeaconID] = true
		out = append(out, m)
	}
	return out
}
