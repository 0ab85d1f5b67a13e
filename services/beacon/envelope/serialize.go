// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Format selects how binary fields are rendered by Serialize.
type Format int

const (
	// FormatWire renders bytes as JSON arrays of integers.
	FormatWire Format = iota

	// FormatStorage renders bytes as standard base64 strings.
	FormatStorage
)

// JSONSafe is the JSON-transmissible form of an envelope or beacon.
type JSONSafe map[string]any

var (
	// ErrNotObject is returned when the input is not a JSON object.
	ErrNotObject = errors.New("envelope: not a JSON object")

	// ErrInvalidBytes is returned when a binary field has an unsupported shape.
	ErrInvalidBytes = errors.New("envelope: invalid byte field")
)

// Field names of the wire form. Aliases are accepted on input only.
const (
	fieldAuthorID     = "authorId"
	fieldBeaconType   = "beaconType"
	fieldPrimeIndex   = "primeIndex"
	fieldPrimeIndices = "prime_indices"
	fieldEpoch        = "epoch"
	fieldFingerprint  = "fingerprint"
	fieldSignature    = "signature"
	fieldMetadata     = "metadata"
	fieldOriginalText = "originalText"
	fieldContent      = "content"
	fieldData         = "data"
	fieldBeaconID     = "beaconId"
	fieldCreatedAt    = "createdAt"
	fieldUsername     = "username"
)

var aliases = map[string][]string{
	fieldAuthorID:   {"author_id"},
	fieldBeaconType: {"beacon_type"},
	fieldPrimeIndex: {"prime_index", "primeIndices"},
	fieldBeaconID:   {"id", "beacon_id"},
	fieldCreatedAt:  {"created_at"},
}

// reserved lists every key Deserialize consumes; the rest goes to Extra.
var reserved = func() map[string]struct{} {
	out := map[string]struct{}{}
	for _, k := range []string{
		fieldAuthorID, fieldBeaconType, fieldPrimeIndex, fieldPrimeIndices, fieldEpoch,
		fieldFingerprint, fieldSignature, fieldMetadata, fieldOriginalText, fieldContent,
		fieldData, fieldBeaconID, fieldCreatedAt, fieldUsername,
	} {
		out[k] = struct{}{}
		for _, a := range aliases[k] {
			out[a] = struct{}{}
		}
	}
	return out
}()

// Serialize converts an envelope to its JSON-transmissible form.
//
// Description:
//
//	Binary fields are rendered per format. prime_indices is derived from
//	PrimeIndex as a JSON string for older decoders. OriginalText, Content
//	and Data are preserved verbatim when present, and Extra fields are
//	carried through unless they collide with a known field.
//
// Inputs:
//
//	e - The envelope. Must not be nil.
//	format - FormatWire (byte arrays) or FormatStorage (base64).
//
// Outputs:
//
//	JSONSafe - A map ready for json.Marshal.
func Serialize(e *Envelope, format Format) JSONSafe {
	indices := e.PrimeIndex
	if indices == nil {
		indices = []int64{}
	}
	indexJSON, _ := json.Marshal(indices)

	out := JSONSafe{
		fieldAuthorID:     e.AuthorID,
		fieldBeaconType:   string(e.BeaconType),
		fieldPrimeIndex:   indices,
		fieldPrimeIndices: string(indexJSON),
		fieldEpoch:        e.Epoch,
		fieldFingerprint:  encodeBytes(e.Fingerprint, format),
		fieldSignature:    encodeBytes(e.Signature, format),
	}
	if e.Metadata != "" {
		out[fieldMetadata] = e.Metadata
	}
	if e.OriginalText != "" {
		out[fieldOriginalText] = e.OriginalText
	}
	if e.Content != "" {
		out[fieldContent] = e.Content
	}
	if e.Data != "" {
		out[fieldData] = e.Data
	}
	for k, v := range e.Extra {
		if _, taken := out[k]; !taken {
			out[k] = v
		}
	}
	return out
}

// SerializeBeacon converts a beacon to its JSON-transmissible form.
func SerializeBeacon(b *Beacon, format Format) JSONSafe {
	out := Serialize(&b.Envelope, format)
	if b.ID != "" {
		out[fieldBeaconID] = b.ID
	}
	if !b.CreatedAt.IsZero() {
		out[fieldCreatedAt] = b.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	if b.Username != "" {
		out[fieldUsername] = b.Username
	}
	return out
}

// Deserialize is the inverse of Serialize.
//
// Description:
//
//	Accepts fingerprint and signature as a byte array, a
//	{"type":"Buffer","data":[...]} object, or a base64 string. All three
//	normalize to the same bytes. When primeIndex is absent the index set is
//	recovered from the prime_indices string.
//
// Inputs:
//
//	raw - JSON object bytes.
//
// Outputs:
//
//	*Envelope - The decoded envelope.
//	error - ErrNotObject or ErrInvalidBytes (wrapped) on malformed input.
func Deserialize(raw []byte) (*Envelope, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return nil, err
	}
	return fromFields(fields)
}

// DeserializeBeacon decodes a beacon record as produced by the server or
// by SerializeBeacon.
func DeserializeBeacon(raw []byte) (*Beacon, error) {
	fields, err := objectFields(raw)
	if err != nil {
		return nil, err
	}
	env, err := fromFields(fields)
	if err != nil {
		return nil, err
	}
	b := &Beacon{Envelope: *env}
	if v, ok := lookup(fields, fieldBeaconID); ok {
		b.ID = scalarString(v)
	}
	if v, ok := lookup(fields, fieldUsername); ok {
		b.Username = scalarString(v)
	}
	if v, ok := lookup(fields, fieldCreatedAt); ok {
		b.CreatedAt = parseTime(v)
	}
	return b, nil
}

// MarshalJSON renders the envelope in wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(Serialize(&e, FormatWire))
}

// UnmarshalJSON accepts any form Deserialize accepts.
func (e *Envelope) UnmarshalJSON(raw []byte) error {
	out, err := Deserialize(raw)
	if err != nil {
		return err
	}
	*e = *out
	return nil
}

// MarshalJSON renders the beacon in wire format.
func (b Beacon) MarshalJSON() ([]byte, error) {
	return json.Marshal(SerializeBeacon(&b, FormatWire))
}

// UnmarshalJSON accepts any form DeserializeBeacon accepts.
func (b *Beacon) UnmarshalJSON(raw []byte) error {
	out, err := DeserializeBeacon(raw)
	if err != nil {
		return err
	}
	*b = *out
	return nil
}

func objectFields(raw []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	return fields, nil
}

func fromFields(fields map[string]json.RawMessage) (*Envelope, error) {
	e := &Envelope{}

	if v, ok := lookup(fields, fieldAuthorID); ok {
		e.AuthorID = scalarString(v)
	}
	if v, ok := lookup(fields, fieldBeaconType); ok {
		e.BeaconType = BeaconType(scalarString(v))
	}
	if v, ok := lookup(fields, fieldEpoch); ok {
		e.Epoch = scalarInt(v)
	}

	if v, ok := lookup(fields, fieldPrimeIndex); ok {
		e.PrimeIndex = parseIndices(v)
	}
	if e.PrimeIndex == nil {
		if v, ok := fields[fieldPrimeIndices]; ok {
			e.PrimeIndex = parseIndices(v)
		}
	}

	var err error
	if v, ok := fields[fieldFingerprint]; ok {
		if e.Fingerprint, err = DecodeBytes(v); err != nil {
			return nil, fmt.Errorf("fingerprint: %w", err)
		}
	}
	if v, ok := fields[fieldSignature]; ok {
		if e.Signature, err = DecodeBytes(v); err != nil {
			return nil, fmt.Errorf("signature: %w", err)
		}
	}

	if v, ok := fields[fieldMetadata]; ok {
		e.Metadata = textOrJSON(v)
	}
	if v, ok := fields[fieldOriginalText]; ok {
		e.OriginalText = textOrJSON(v)
	}
	if v, ok := fields[fieldContent]; ok {
		e.Content = textOrJSON(v)
	}
	if v, ok := fields[fieldData]; ok {
		e.Data = textOrJSON(v)
	}

	for k, v := range fields {
		if _, known := reserved[k]; known {
			continue
		}
		if e.Extra == nil {
			e.Extra = make(map[string]json.RawMessage)
		}
		e.Extra[k] = append(json.RawMessage(nil), v...)
	}
	return e, nil
}

// DecodeBytes normalizes a JSON byte field to raw bytes.
//
// Accepted shapes: null, [1,2,3], {"type":"Buffer","data":[1,2,3]} and a
// base64 string (standard or URL alphabet, padded or raw).
func DecodeBytes(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	switch trimmed[0] {
	case '[':
		var ints []int
		if err := json.Unmarshal(trimmed, &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBytes, err)
		}
		return intsToBytes(ints)

	case '{':
		var buf struct {
			Type string `json:"type"`
			Data []int  `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &buf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBytes, err)
		}
		if buf.Type != "" && buf.Type != "Buffer" {
			return nil, fmt.Errorf("%w: unexpected object type %q", ErrInvalidBytes, buf.Type)
		}
		return intsToBytes(buf.Data)

	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidBytes, err)
		}
		if s == "" {
			return nil, nil
		}
		b, ok := DecodeBase64(s)
		if !ok {
			return nil, fmt.Errorf("%w: not base64", ErrInvalidBytes)
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: unsupported JSON shape", ErrInvalidBytes)
}

// DecodeBase64 tries the standard and URL alphabets, padded and raw.
func DecodeBase64(s string) ([]byte, bool) {
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding,
		base64.RawStdEncoding,
		base64.URLEncoding,
		base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, true
		}
	}
	return nil, false
}

func encodeBytes(b []byte, format Format) any {
	if format == FormatStorage {
		return base64.StdEncoding.EncodeToString(b)
	}
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return ints
}

func intsToBytes(ints []int) ([]byte, error) {
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("%w: value %d at %d out of byte range", ErrInvalidBytes, v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func lookup(fields map[string]json.RawMessage, key string) (json.RawMessage, bool) {
	if v, ok := fields[key]; ok {
		return v, true
	}
	for _, alias := range aliases[key] {
		if v, ok := fields[alias]; ok {
			return v, true
		}
	}
	return nil, false
}

// scalarString returns a JSON string's value, or a number's literal text.
func scalarString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func scalarInt(raw json.RawMessage) int64 {
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		n = json.Number(s)
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return int64(f)
	}
	return 0
}

// textOrJSON returns a JSON string's value or the compact text of any
// other JSON value, so object-valued metadata survives as a JSON string.
func textOrJSON(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// parseIndices accepts an array of numbers or a string holding one.
func parseIndices(raw json.RawMessage) []int64 {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil
		}
		trimmed = []byte(s)
	}
	var nums []json.Number
	if err := json.Unmarshal(trimmed, &nums); err != nil {
		return nil
	}
	out := make([]int64, 0, len(nums))
	for _, n := range nums {
		if i, err := n.Int64(); err == nil {
			out = append(out, i)
		} else if f, err := n.Float64(); err == nil {
			out = append(out, int64(f))
		}
	}
	return out
}

// parseTime accepts RFC 3339 strings and Unix millisecond numbers.
func parseTime(raw json.RawMessage) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms)
		}
		return time.Time{}
	}
	if ms := scalarInt(raw); ms > 0 {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
