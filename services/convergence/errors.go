// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package convergence

import "errors"

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrPermissionDenied indicates the acting user lacks the role or
	// permission for a membership change.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrOwnerProtected indicates an attempt to remove the owner or change
	// the owner's role other than by ownership transfer.
	ErrOwnerProtected = errors.New("space owner cannot be removed or re-roled")

	// ErrOwnerCannotLeave indicates the owner tried to leave without first
	// transferring ownership.
	ErrOwnerCannotLeave = errors.New("space owner cannot leave without transferring ownership")

	// ErrNotMember indicates the user is not in the space roster.
	ErrNotMember = errors.New("not a member of the space")

	// ErrSpaceNotFound indicates no decodable roster exists for the space.
	ErrSpaceNotFound = errors.New("space not found")

	// ErrSpaceExists indicates a roster already exists for the space id.
	ErrSpaceExists = errors.New("space already exists")

	// ErrInvalidTarget indicates an empty or self-referencing user id.
	ErrInvalidTarget = errors.New("invalid target user")

	// ErrInvalidRole indicates a role outside the four known roles.
	ErrInvalidRole = errors.New("invalid role")
)
