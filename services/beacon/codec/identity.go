// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/sha3"
)

// IdentityHashSize is the length of the truncated public-key hash embedded
// in every signature.
const IdentityHashSize = 16

// ErrInvalidSeed is returned when an identity seed has the wrong length.
var ErrInvalidSeed = errors.New("codec: identity seed must be 32 bytes")

// Identity is the active signing context of the local user.
//
// The ed25519 seed is sealed in a memguard Enclave and only opened for the
// duration of a Sign call.
//
// Thread Safety: safe for concurrent use.
type Identity struct {
	userID   string
	username string
	seed     *memguard.Enclave
	pub      ed25519.PublicKey
	hash     []byte
}

// NewIdentity seals seed and derives the public key.
//
// Description:
//
//	The seed slice is wiped by memguard once sealed; callers must not reuse
//	it. The identity hash is the first 16 bytes of sha3-256(publicKey).
//
// Inputs:
//
//	userID - The author id attached to every envelope. Must be non-empty.
//	username - Display name, may be empty.
//	seed - 32-byte ed25519 seed.
//
// Outputs:
//
//	*Identity - The sealed identity.
//	error - ErrInvalidSeed, or a validation error for an empty userID.
func NewIdentity(userID, username string, seed []byte) (*Identity, error) {
	if userID == "" {
		return nil, errors.New("codec: identity requires a user id")
	}
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
	memguard.WipeBytes(priv)

	sum := sha3.Sum256(pub)

	return &Identity{
		userID:   userID,
		username: username,
		seed:     memguard.NewEnclave(seed),
		pub:      pub,
		hash:     append([]byte(nil), sum[:IdentityHashSize]...),
	}, nil
}

// GenerateIdentity creates an identity with a fresh random seed.
func GenerateIdentity(userID, username string) (*Identity, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return NewIdentity(userID, username, seed)
}

// LoadOrCreateIdentity reads the seed at path, creating it (mode 0600) when
// it does not exist.
func LoadOrCreateIdentity(path, userID, username string) (*Identity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		return NewIdentity(userID, username, seed)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read identity seed: %w", err)
	}

	seed = make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity dir: %w", err)
	}
	if err := os.WriteFile(path, seed, 0600); err != nil {
		memguard.WipeBytes(seed)
		return nil, fmt.Errorf("write identity seed: %w", err)
	}
	return NewIdentity(userID, username, seed)
}

// UserID returns the author id.
func (i *Identity) UserID() string { return i.userID }

// Username returns the display name.
func (i *Identity) Username() string { return i.username }

// PublicKey returns the ed25519 public key.
func (i *Identity) PublicKey() ed25519.PublicKey { return i.pub }

// Hash returns the truncated sha3-256 hash of the public key.
func (i *Identity) Hash() []byte { return i.hash }

// Sign signs msg with the sealed key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	buf, err := i.seed.Open()
	if err != nil {
		return nil, fmt.Errorf("open identity enclave: %w", err)
	}
	defer buf.Destroy()

	priv := ed25519.NewKeyFromSeed(buf.Bytes())
	defer memguard.WipeBytes(priv)
	return ed25519.Sign(priv, msg), nil
}
