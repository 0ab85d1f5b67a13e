// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package codec implements the beacon codec capability.
//
// An Engine encodes text into an Envelope under the active Identity and
// best-effort decodes envelopes back to text. Decoding never fails loudly:
// most beacons are not decodable by a given reader and that is reported as
// ok=false.
//
// The signature produced by ResonanceEngine is self-decoding:
//
//	LE32(len(text)) || text || sha3-256(pubkey)[:16] || ed25519(sig)
//
// so any reader can recover the text without the producing engine. Blank
// text is rejected by Encode because Decode treats it as a miss.
package codec

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/primes"
)

var (
	// ErrNoIdentity is returned by Encode when no identity is active.
	ErrNoIdentity = errors.New("codec: no active identity")

	// ErrUnknownType is returned by Encode for a beacon type outside the vocabulary.
	ErrUnknownType = errors.New("codec: unknown beacon type")

	// ErrEmptyText is returned by Encode for blank text, which Decode
	// cannot tell apart from an undecodable beacon.
	ErrEmptyText = errors.New("codec: empty text")
)

// Engine is the codec capability used by the cache and services.
type Engine interface {
	// Encode produces an envelope for text. Fails with ErrNoIdentity when
	// no identity context is set.
	Encode(beaconType envelope.BeaconType, text string) (*envelope.Envelope, error)

	// Decode returns the payload text, or ok=false. Never panics.
	Decode(e *envelope.Envelope) (string, bool)

	// AuthorID returns the active identity's user id, or ErrNoIdentity.
	AuthorID() (string, error)
}

const (
	// primeIndexSize is the number of primes selected per payload.
	primeIndexSize = 8

	encoderName = "resonance/v2"
)

// ResonanceEngine is the default Engine.
//
// Thread Safety: safe for concurrent use.
type ResonanceEngine struct {
	mu       sync.RWMutex
	identity *Identity

	primes  *primes.Table
	decoder *Decoder
	now     func() time.Time
	logger  *slog.Logger
}

// EngineOption configures a ResonanceEngine.
type EngineOption func(*ResonanceEngine)

// WithPrimes sets the prime table used for prime indices.
func WithPrimes(t *primes.Table) EngineOption {
	return func(e *ResonanceEngine) { e.primes = t }
}

// WithClock overrides the epoch clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *ResonanceEngine) { e.now = now }
}

// WithDecoder replaces the decode chain.
func WithDecoder(d *Decoder) EngineOption {
	return func(e *ResonanceEngine) { e.decoder = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *ResonanceEngine) { e.logger = l }
}

// WithIdentity activates an identity at construction.
func WithIdentity(id *Identity) EngineOption {
	return func(e *ResonanceEngine) { e.identity = id }
}

// NewResonanceEngine creates an engine. Without WithPrimes it uses a table
// that stays on the synchronous fallback until LoadAsync is called on it.
func NewResonanceEngine(opts ...EngineOption) *ResonanceEngine {
	e := &ResonanceEngine{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrDefault(e.logger)
	if e.primes == nil {
		e.primes = primes.NewTable(primes.DefaultCount)
	}
	if e.decoder == nil {
		e.decoder = NewDecoder(e.logger)
	}
	return e
}

// SetIdentity activates id for subsequent Encode calls. nil clears it.
func (r *ResonanceEngine) SetIdentity(id *Identity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.identity = id
}

// Identity returns the active identity or ErrNoIdentity.
func (r *ResonanceEngine) Identity() (*Identity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.identity == nil {
		return nil, ErrNoIdentity
	}
	return r.identity, nil
}

// AuthorID implements Engine.
func (r *ResonanceEngine) AuthorID() (string, error) {
	id, err := r.Identity()
	if err != nil {
		return "", err
	}
	return id.UserID(), nil
}

// Encode implements Engine.
//
// Description:
//
//	Builds the self-decoding signature, selects primeIndexSize primes from a
//	sha256 of the text, computes a sha2-256 multihash fingerprint over the
//	payload features, and attaches originalText both as a field and in
//	metadata.
//
// Inputs:
//
//	beaconType - Must be a known beacon type.
//	text - Payload text. Must not be blank.
//
// Outputs:
//
//	*envelope.Envelope - The new envelope stamped with the current epoch.
//	error - ErrNoIdentity, ErrUnknownType, ErrEmptyText or a signing failure.
func (r *ResonanceEngine) Encode(beaconType envelope.BeaconType, text string) (*envelope.Envelope, error) {
	id, err := r.Identity()
	if err != nil {
		return nil, err
	}
	if !beaconType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, beaconType)
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}

	sig, err := r.sign(id, []byte(text))
	if err != nil {
		return nil, err
	}

	index := r.primeIndex(text)
	entropy, center := features([]byte(text))
	fingerprint, err := fingerprintOf(text, index, entropy, center)
	if err != nil {
		return nil, err
	}

	meta, err := json.Marshal(map[string]any{
		"originalText": text,
		"encoder":      encoderName,
		"entropy":      entropy,
	})
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	return &envelope.Envelope{
		AuthorID:     id.UserID(),
		BeaconType:   beaconType,
		PrimeIndex:   index,
		Epoch:        r.now().UnixMilli(),
		Fingerprint:  fingerprint,
		Signature:    sig,
		Metadata:     string(meta),
		OriginalText: text,
	}, nil
}

// Decode implements Engine.
func (r *ResonanceEngine) Decode(e *envelope.Envelope) (string, bool) {
	return r.decoder.Decode(e)
}

func (r *ResonanceEngine) sign(id *Identity, text []byte) ([]byte, error) {
	var buf bytes.Buffer
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(text)))
	buf.Write(n[:])
	buf.Write(text)
	buf.Write(id.Hash())

	sig, err := id.Sign(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}
	buf.Write(sig)
	return buf.Bytes(), nil
}

// primeIndex picks primeIndexSize distinct primes from the table using
// successive 16-bit windows of sha256(text). The result is ascending.
func (r *ResonanceEngine) primeIndex(text string) []int64 {
	table := r.primes.Primes()
	sum := sha256.Sum256([]byte(text))

	seen := make(map[int64]struct{}, primeIndexSize)
	out := make([]int64, 0, primeIndexSize)
	for i := 0; i+1 < len(sum) && len(out) < primeIndexSize; i += 2 {
		p := table[int(binary.BigEndian.Uint16(sum[i:]))%len(table)]
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// VerifySignature checks the ed25519 signature embedded in e against pub and
// returns the recovered text.
func VerifySignature(e *envelope.Envelope, pub ed25519.PublicKey) (string, bool) {
	sig := e.Signature
	if len(sig) < 4 {
		return "", false
	}
	n := uint64(binary.LittleEndian.Uint32(sig[:4]))
	signedLen := 4 + n + IdentityHashSize
	if uint64(len(sig)) != signedLen+ed25519.SignatureSize {
		return "", false
	}
	signed, s := sig[:signedLen], sig[signedLen:]
	if !ed25519.Verify(pub, signed, s) {
		return "", false
	}
	return string(sig[4 : 4+n]), true
}

// features returns the normalized Shannon entropy of the byte distribution
// and the mean byte value scaled to [0,1].
func features(b []byte) (entropy, center float64) {
	if len(b) == 0 {
		return 0, 0
	}
	var counts [256]int
	var sum int
	for _, c := range b {
		counts[c]++
		sum += int(c)
	}
	total := float64(len(b))
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		entropy -= p * math.Log2(p)
	}
	return entropy / 8, float64(sum) / total / 255
}

func fingerprintOf(text string, index []int64, entropy, center float64) ([]byte, error) {
	var buf bytes.Buffer
	var word [8]byte
	binary.BigEndian.PutUint64(word[:], math.Float64bits(entropy))
	buf.Write(word[:])
	binary.BigEndian.PutUint64(word[:], math.Float64bits(center))
	buf.Write(word[:])
	var resonance int64
	for _, p := range index {
		resonance += p
	}
	binary.BigEndian.PutUint64(word[:], uint64(resonance))
	buf.Write(word[:])
	buf.WriteString(text)

	sum, err := multihash.Sum(buf.Bytes(), multihash.SHA2_256, -1)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return sum, nil
}
