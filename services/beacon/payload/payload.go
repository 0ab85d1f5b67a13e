// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package payload defines the typed payloads carried inside beacons.
//
// Each beacon type decodes to exactly one Go type (FollowingList,
// SpaceMemberList, DirectMessage, ...). Decoding validates the result with
// go-playground/validator and attempts a single bracket-balancing repair
// when the text is truncated.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
)

var (
	// ErrInvalidPayload is returned for text that does not parse or validate.
	ErrInvalidPayload = errors.New("payload: invalid")

	// ErrUnsupportedType is returned by Decode for a type with no payload shape.
	ErrUnsupportedType = errors.New("payload: unsupported beacon type")
)

// payloadValidate is the validator instance for payload types.
var payloadValidate *validator.Validate

func init() {
	payloadValidate = validator.New()
	payloadValidate.RegisterStructValidation(validateRoster, SpaceMemberList{})
}

// validateRoster enforces exactly one owner and unique user ids.
func validateRoster(sl validator.StructLevel) {
	list := sl.Current().Interface().(SpaceMemberList)
	owners := 0
	seen := make(map[string]struct{}, len(list.Members))
	for _, m := range list.Members {
		if m.Role == RoleOwner {
			owners++
		}
		if _, dup := seen[m.UserID]; dup {
			sl.ReportError(list.Members, "Members", "members", "unique_user", m.UserID)
		}
		seen[m.UserID] = struct{}{}
		if m.SpaceID != list.SpaceID {
			sl.ReportError(list.Members, "Members", "members", "same_space", m.SpaceID)
		}
	}
	if owners != 1 {
		sl.ReportError(list.Members, "Members", "members", "one_owner", fmt.Sprint(owners))
	}
}

// Validate checks p against its validation tags.
func Validate(p any) error {
	if err := payloadValidate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Parse decodes text into a T and validates it.
//
// Description:
//
//	Unmarshals text; on a JSON syntax error, repairs it once with RepairJSON
//	and retries. Any remaining failure, including validation, is reported
//	as ErrInvalidPayload.
//
// Outputs:
//
//	*T - The decoded payload.
//	error - ErrInvalidPayload (wrapped).
func Parse[T any](text string) (*T, error) {
	var out T
	err := json.Unmarshal([]byte(text), &out)
	var syntaxErr *json.SyntaxError
	if err != nil && errors.As(err, &syntaxErr) {
		repaired, rerr := RepairJSON(text)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, rerr)
		}
		out = *new(T)
		err = json.Unmarshal([]byte(repaired), &out)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := Validate(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Decode parses text as the payload of beaconType.
func Decode(beaconType envelope.BeaconType, text string) (Payload, error) {
	switch beaconType {
	case envelope.TypeUserFollowingList:
		return deref(Parse[FollowingList](text))
	case envelope.TypeUserSpacesList:
		return deref(Parse[SpacesList](text))
	case envelope.TypeSpaceMembers:
		return deref(Parse[SpaceMemberList](text))
	case envelope.TypeUserData:
		return deref(Parse[UserData](text))
	case envelope.TypeDirectMessage:
		return deref(Parse[DirectMessage](text))
	case envelope.TypeSpaceMessage:
		return deref(Parse[SpaceMessage](text))
	case envelope.TypeQuantumMessage:
		return deref(Parse[QuantumMessage](text))
	case envelope.TypePost, envelope.TypeComment:
		return decodePost(text), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, beaconType)
}

func deref[T Payload](p *T, err error) (Payload, error) {
	if err != nil {
		return nil, err
	}
	return *p, nil
}

func decodePost(text string) Post {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var p Post
		if err := json.Unmarshal([]byte(trimmed), &p); err == nil && p.Text != "" {
			return p
		}
	}
	return Post{Text: text}
}

// Encode validates p and returns its JSON text.
func Encode(p Payload) (string, error) {
	if err := Validate(p); err != nil {
		return "", err
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return string(b), nil
}
