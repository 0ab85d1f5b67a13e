// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

// network is a shared beacon server for several users.
type network struct {
	mu        sync.Mutex
	seq       int
	beacons   []*envelope.Beacon
	submitErr error
}

func (n *network) Submit(_ context.Context, env *envelope.Envelope) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.submitErr != nil {
		return "", n.submitErr
	}
	n.seq++
	b := &envelope.Beacon{ID: fmt.Sprintf("b%03d", n.seq), Envelope: *env.Clone()}
	b.Epoch = int64(n.seq)
	n.beacons = append(n.beacons, b)
	return b.ID, nil
}

func (n *network) filter(match func(*envelope.Beacon) bool) []*envelope.Beacon {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*envelope.Beacon
	for _, b := range n.beacons {
		if match(b) {
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Epoch > out[j].Epoch })
	return out
}

func (n *network) GetByUser(_ context.Context, user string, t envelope.BeaconType) ([]*envelope.Beacon, error) {
	return n.filter(func(b *envelope.Beacon) bool { return b.AuthorID == user && b.BeaconType == t }), nil
}

func (n *network) GetByType(_ context.Context, t envelope.BeaconType) ([]*envelope.Beacon, error) {
	return n.filter(func(b *envelope.Beacon) bool { return b.BeaconType == t }), nil
}

func (n *network) InvalidateForUser(string) {}
func (n *network) Put(*envelope.Beacon) {}

func (n *network) count(t envelope.BeaconType) int {
	return len(n.filter(func(b *envelope.Beacon) bool { return b.BeaconType == t }))
}

type plainEngine struct{ user string }

func (e plainEngine) Encode(t envelope.BeaconType, text string) (*envelope.Envelope, error) {
	return &envelope.Envelope{AuthorID: e.user, BeaconType: t, OriginalText: text}, nil
}

func (e plainEngine) Decode(env *envelope.Envelope) (string, bool) {
	return env.OriginalText, env.OriginalText != ""
}

func (e plainEngine) AuthorID() (string, error) { return e.user, nil }

type fixedEntangler struct {
	fidelity float64
	err      error
	block    chan struct{}
}

func (f fixedEntangler) Pair(ctx context.Context, from, to string) (Pairing, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return Pairing{}, ctx.Err()
		}
	}
	if f.err != nil {
		return Pairing{}, f.err
	}
	return Pairing{ID: from + ":" + to, Fidelity: f.fidelity}, nil
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func newUser(n *network, user string, clock func() time.Time, opts ...Option) *Service {
	opts = append([]Option{WithClock(clock)}, opts...)
	return New(n, plainEngine{user: user}, n, opts...)
}

func TestSendDirect_Conversation(t *testing.T) {
	ctx := context.Background()
	n := &network{}
	clock := steppingClock()
	alice := newUser(n, "alice", clock)
	bob := newUser(n, "bob", clock)
	carol := newUser(n, "carol", clock)

	_, err := alice.SendDirect(ctx, "bob", "hi bob")
	require.NoError(t, err)
	_, err = bob.SendDirect(ctx, "alice", "hi alice")
	require.NoError(t, err)
	_, err = carol.SendDirect(ctx, "alice", "unrelated")
	require.NoError(t, err)
	_, err = alice.SendDirect(ctx, "bob", "how are you")
	require.NoError(t, err)

	msgs, err := alice.DirectMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi bob", msgs[0].Text)
	assert.Equal(t, "hi alice", msgs[1].Text)
	assert.Equal(t, "how are you", msgs[2].Text)
	assert.Equal(t, "bob", msgs[1].From)
	assert.False(t, msgs[0].Entangled)
	assert.Equal(t, 0, n.count(envelope.TypeQuantumMessage))
}

func TestSendDirect_Validation(t *testing.T) {
	svc := newUser(&network{}, "alice", steppingClock())
	_, err := svc.SendDirect(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrNoRecipient)
	_, err = svc.SendDirect(context.Background(), "bob", "  ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestSendDirect_SubmitFailure(t *testing.T) {
	n := &network{submitErr: errors.New("offline")}
	svc := newUser(n, "alice", steppingClock())
	_, err := svc.SendDirect(context.Background(), "bob", "hi")
	require.Error(t, err)
}

func TestSendDirect_EntangledRecord(t *testing.T) {
	ctx := context.Background()
	n := &network{}
	clock := steppingClock()
	alice := newUser(n, "alice", clock, WithEntangler(fixedEntangler{fidelity: 0.95}))

	_, err := alice.SendDirect(ctx, "bob", "paired")
	require.NoError(t, err)
	alice.Wait()

	assert.Equal(t, 1, n.count(envelope.TypeDirectMessage))
	assert.Equal(t, 1, n.count(envelope.TypeQuantumMessage))

	msgs, err := alice.DirectMessages(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Entangled)
}

func TestSendDirect_AuxiliaryPathNeverAffectsSend(t *testing.T) {
	cases := map[string]fixedEntangler{
		"low fidelity": {fidelity: 0.5},
		"pair error":   {err: errors.New("no channel")},
	}
	for name, ent := range cases {
		t.Run(name, func(t *testing.T) {
			n := &network{}
			svc := newUser(n, "alice", steppingClock(), WithEntangler(ent))
			sent, err := svc.SendDirect(context.Background(), "bob", "hello")
			require.NoError(t, err)
			assert.NotEmpty(t, sent.BeaconID)
			svc.Wait()
			assert.Equal(t, 1, n.count(envelope.TypeDirectMessage))
			assert.Equal(t, 0, n.count(envelope.TypeQuantumMessage))
		})
	}
}

func TestSendDirect_SlowPairingDoesNotBlock(t *testing.T) {
	n := &network{}
	block := make(chan struct{})
	svc := newUser(n, "alice", steppingClock(),
		WithEntangler(fixedEntangler{fidelity: 1, block: block}),
		WithAuxTimeout(time.Minute))

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendDirect(context.Background(), "bob", "hello")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("send blocked on pairing")
	}
	close(block)
	svc.Wait()
	assert.Equal(t, 1, n.count(envelope.TypeQuantumMessage))
}

func TestSpaceMessages(t *testing.T) {
	ctx := context.Background()
	n := &network{}
	clock := steppingClock()
	alice := newUser(n, "alice", clock)
	bob := newUser(n, "bob", clock)

	_, err := alice.SendToSpace(ctx, "lab", "first")
	require.NoError(t, err)
	_, err = bob.SendToSpace(ctx, "other", "elsewhere")
	require.NoError(t, err)
	_, err = bob.SendToSpace(ctx, "lab", "second")
	require.NoError(t, err)

	msgs, err := alice.SpaceMessages(ctx, "lab")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "bob", msgs[1].From)

	_, err = alice.SendToSpace(ctx, "", "x")
	assert.ErrorIs(t, err, ErrNoRecipient)
}
