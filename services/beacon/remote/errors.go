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
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrTimeout indicates no correlated response arrived in time.
	ErrTimeout = errors.New("remote: timed out waiting for response")

	// ErrMalformedResponse indicates a correlated response could not be decoded.
	ErrMalformedResponse = errors.New("remote: malformed response")
)

// ServerError is a correlated `error` message from the server.
type ServerError struct {
	// Message is the server's description.
	Message string

	// RequestKind names the request that failed, when the server says.
	RequestKind string
}

func (e *ServerError) Error() string {
	if e.RequestKind == "" {
		return fmt.Sprintf("remote: server error: %s", e.Message)
	}
	return fmt.Sprintf("remote: server error for %s: %s", e.RequestKind, e.Message)
}

// timeoutError wraps ErrTimeout with the request kind and deadline.
func timeoutError(kind string, timeout fmt.Stringer) error {
	return fmt.Errorf("%w: %s after %s", ErrTimeout, kind, timeout)
}
