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
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/AleutianAI/beaconspace/pkg/logging"
	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

// Strategy is one named step of the decode fallback chain.
//
// Decode must be a pure function of the envelope. It may panic; the Decoder
// recovers and moves on to the next strategy.
type Strategy struct {
	Name   string
	Decode func(e *envelope.Envelope) (string, bool)
}

// Strategy names, in default order. Earlier strategies are higher confidence.
const (
	StrategyPlaintext       = "plaintext"
	StrategyMetadata        = "metadata"
	StrategyContent         = "content"
	StrategyBase64Content   = "base64-content"
	StrategySignaturePrefix = "signature-prefix"
	StrategyLegacySignature = "legacy-signature"
	StrategyHeuristic       = "heuristic"
)

// DefaultStrategies returns the full fallback chain in order.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: StrategyPlaintext, Decode: decodePlaintext},
		{Name: StrategyMetadata, Decode: decodeMetadata},
		{Name: StrategyContent, Decode: decodeContent},
		{Name: StrategyBase64Content, Decode: decodeBase64Content},
		{Name: StrategySignaturePrefix, Decode: decodeSignaturePrefix},
		{Name: StrategyLegacySignature, Decode: decodeLegacySignature},
		{Name: StrategyHeuristic, Decode: decodeHeuristic},
	}
}

// Decoder runs an ordered list of strategies until one yields text.
//
// Thread Safety: safe for concurrent use; the strategy list is immutable.
type Decoder struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewDecoder creates a decoder. With no strategies, DefaultStrategies is used.
func NewDecoder(logger *slog.Logger, strategies ...Strategy) *Decoder {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Decoder{
		strategies: append([]Strategy(nil), strategies...),
		logger:     logging.OrDefault(logger),
	}
}

// Strategies returns the strategy names in evaluation order.
func (d *Decoder) Strategies() []string {
	names := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		names[i] = s.Name
	}
	return names
}

// Decode returns the first non-empty text produced by the chain.
//
// Failure is expected for beacons the reader cannot decode and is reported
// only through ok=false.
func (d *Decoder) Decode(e *envelope.Envelope) (string, bool) {
	text, _, ok := d.DecodeWithStrategy(e)
	return text, ok
}

// DecodeWithStrategy is Decode that also reports which strategy succeeded.
func (d *Decoder) DecodeWithStrategy(e *envelope.Envelope) (text, strategy string, ok bool) {
	if e == nil {
		return "", "", false
	}
	for _, s := range d.strategies {
		text, ok := d.try(s, e)
		if ok && strings.TrimSpace(text) != "" {
			return text, s.Name, true
		}
	}
	return "", "", false
}

func (d *Decoder) try(s Strategy, e *envelope.Envelope) (text string, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Debug("decode strategy panicked",
				"strategy", s.Name,
				"author_id", e.AuthorID,
				"panic", fmt.Sprint(r))
			text, ok = "", false
		}
	}()
	return s.Decode(e)
}

func decodePlaintext(e *envelope.Envelope) (string, bool) {
	return e.OriginalText, e.OriginalText != ""
}

func decodeMetadata(e *envelope.Envelope) (string, bool) {
	if e.Metadata == "" {
		return "", false
	}
	var meta struct {
		OriginalText string `json:"originalText"`
	}
	if err := json.Unmarshal([]byte(e.Metadata), &meta); err != nil {
		return "", false
	}
	return meta.OriginalText, meta.OriginalText != ""
}

// contentEncodingKeys name the wire fields an encoder uses to mark
// content/data as base64.
var contentEncodingKeys = []string{"contentEncoding", "encoding"}

// markedBase64 reports whether the envelope declares its content/data as
// base64. Unmarked content is never unwrapped, even when it happens to be
// valid base64 of printable text ("QUJD" stays "QUJD").
func markedBase64(e *envelope.Envelope) bool {
	for _, k := range contentEncodingKeys {
		raw, ok := e.Extra[k]
		if !ok {
			continue
		}
		var v string
		if json.Unmarshal(raw, &v) == nil && strings.EqualFold(strings.TrimSpace(v), "base64") {
			return true
		}
	}
	return false
}

// decodeContent returns content/data verbatim unless the envelope marks it
// as base64, which is left to decodeBase64Content.
func decodeContent(e *envelope.Envelope) (string, bool) {
	if markedBase64(e) {
		return "", false
	}
	for _, s := range []string{e.Content, e.Data} {
		if s != "" {
			return s, true
		}
	}
	return "", false
}

func decodeBase64Content(e *envelope.Envelope) (string, bool) {
	if !markedBase64(e) {
		return "", false
	}
	for _, s := range []string{e.Content, e.Data} {
		if text, ok := base64Text(s); ok {
			return text, true
		}
	}
	return "", false
}

// decodeSignaturePrefix reads LE32(len) || plaintext from the signature.
func decodeSignaturePrefix(e *envelope.Envelope) (string, bool) {
	sig := e.Signature
	if len(sig) < 4 {
		return "", false
	}
	n := binary.LittleEndian.Uint32(sig[:4])
	if n == 0 || uint64(n) > uint64(len(sig)-4) {
		return "", false
	}
	text := sig[4 : 4+n]
	if !utf8.Valid(text) {
		return "", false
	}
	return string(text), true
}

func decodeLegacySignature(e *envelope.Envelope) (string, bool) {
	if len(e.Signature) == 0 || !printable(string(e.Signature)) {
		return "", false
	}
	return string(e.Signature), true
}

// heuristicSkip lists identifier and envelope fields that never hold payload text.
var heuristicSkip = map[string]struct{}{
	"id": {}, "beaconid": {}, "beacon_id": {}, "authorid": {}, "author_id": {},
	"userid": {}, "user_id": {}, "username": {}, "spaceid": {}, "space_id": {},
	"type": {}, "beacontype": {}, "beacon_type": {}, "epoch": {}, "version": {},
	"createdat": {}, "created_at": {}, "timestamp": {}, "fingerprint": {},
	"signature": {}, "primeindex": {}, "prime_indices": {}, "metadata": {},
	"encoder": {}, "encoding": {}, "contentencoding": {}, "requestid": {}, "sessiontoken": {},
}

// decodeHeuristic scans string fields of Extra and of object-valued metadata.
// Embedded JSON is preferred over free text. Keys are visited in sorted order.
func decodeHeuristic(e *envelope.Envelope) (string, bool) {
	var candidates []string

	collect := func(fields map[string]json.RawMessage) {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			if _, skip := heuristicSkip[strings.ToLower(k)]; !skip {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			var s string
			if err := json.Unmarshal(fields[k], &s); err == nil && s != "" {
				candidates = append(candidates, s)
			}
		}
	}

	collect(e.Extra)
	if e.Metadata != "" {
		var meta map[string]json.RawMessage
		if err := json.Unmarshal([]byte(e.Metadata), &meta); err == nil {
			collect(meta)
		}
	}

	for _, c := range candidates {
		if embeddedJSON(c) {
			return c, true
		}
	}
	for _, c := range candidates {
		if meaningful(c) {
			return c, true
		}
	}
	return "", false
}

// base64Text decodes s when it is base64 of printable UTF-8 text.
func base64Text(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) < 4 || strings.ContainsAny(trimmed, " \n\t{}[]\":,") {
		return "", false
	}
	b, ok := envelope.DecodeBase64(trimmed)
	if !ok || len(b) == 0 || !printable(string(b)) {
		return "", false
	}
	return string(b), true
}

func printable(s string) bool {
	if s == "" || !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			continue
		}
		return false
	}
	return true
}

func embeddedJSON(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" || (t[0] != '{' && t[0] != '[') {
		return false
	}
	return json.Valid([]byte(t))
}

// meaningful reports whether s looks like human text: printable, at least
// two characters, and containing a letter.
func meaningful(s string) bool {
	t := strings.TrimSpace(s)
	if utf8.RuneCountInString(t) < 2 || !printable(t) {
		return false
	}
	return strings.IndexFunc(t, unicode.IsLetter) >= 0
}
