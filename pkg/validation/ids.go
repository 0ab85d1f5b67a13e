// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks identifiers that arrive from users or the wire.
//
// User ids end up in URL query strings, badger keys and beacon payloads,
// so both the CLI and the relay reject anything outside a small alphabet
// before it reaches them.
package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// MaxSpaceNameLen is the longest space name accepted, in runes.
const MaxSpaceNameLen = 100

var (
	// ErrInvalidUserID is wrapped by every user id failure.
	ErrInvalidUserID = errors.New("invalid user id")

	// ErrInvalidSpaceName is wrapped by every space name failure.
	ErrInvalidSpaceName = errors.New("invalid space name")
)

// userIDPattern allows letters, digits and . _ @ - up to 64 characters,
// starting with a letter or digit.
var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._@-]{0,63}$`)

// ValidateUserID reports whether id is usable as a user id.
//
// Example:
//
//	if err := validation.ValidateUserID(target); err != nil {
//	    return err
//	}
func ValidateUserID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if !userIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q (1-64 letters, digits, '.', '_', '@' or '-')", ErrInvalidUserID, id)
	}
	return nil
}

// ValidateUserIDs checks every id and names all the bad ones.
func ValidateUserIDs(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if ValidateUserID(id) != nil {
			invalid = append(invalid, id)
		}
	}
	if len(invalid) > 0 {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, invalid)
	}
	return nil
}

// SanitizeSpaceName trims name and checks it is printable, non-empty and
// at most MaxSpaceNameLen runes.
func SanitizeSpaceName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidSpaceName)
	}
	if !utf8.ValidString(name) {
		return "", fmt.Errorf("%w: not UTF-8", ErrInvalidSpaceName)
	}
	if n := utf8.RuneCountInString(name); n > MaxSpaceNameLen {
		return "", fmt.Errorf("%w: %d runes, limit %d", ErrInvalidSpaceName, n, MaxSpaceNameLen)
	}
	if strings.IndexFunc(name, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%w: control characters", ErrInvalidSpaceName)
	}
	return name, nil
}
