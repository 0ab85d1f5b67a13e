// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package payload

import (
	"errors"
	"strings"
)

// ErrTruncated is returned when a JSON text is too damaged to repair.
var ErrTruncated = errors.New("payload: truncated beyond repair")

// RepairJSON closes unbalanced braces and brackets at the end of s.
//
// Description:
//
//	Scans s outside string literals keeping a stack of open containers.
//	Text that ends inside a string, ends on anything other than a closing
//	brace or bracket (mid-key or mid-value), or closes a container with the
//	wrong character is rejected. Otherwise the missing closers are appended
//	in stack order. Balanced input is returned unchanged.
//
// Inputs:
//
//	s - Possibly truncated JSON text.
//
// Outputs:
//
//	string - The repaired text.
//	error - ErrTruncated when repair is not attempted.
func RepairJSON(s string) (string, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "", ErrTruncated
	}

	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(trimmed); i++ {
		c := trimmed[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return "", ErrTruncated
			}
			stack = stack[:len(stack)-1]
		}
	}

	if inString {
		return "", ErrTruncated
	}
	if len(stack) == 0 {
		return trimmed, nil
	}
	if last := trimmed[len(trimmed)-1]; last != '}' && last != ']' {
		return "", ErrTruncated
	}

	var b strings.Builder
	b.Grow(len(trimmed) + len(stack))
	b.WriteString(trimmed)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String(), nil
}
