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

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/storage"
)

// SpacesService maintains the local user's list of spaces.
//
// A copy of the list is kept in local storage under spaces:<userId> and is
// used when the network load fails.
type SpacesService struct {
	base

	mu    sync.Mutex
	lists projections[payload.SpacesList]
}

// NewSpacesService creates the service.
func NewSpacesService(d Deps) *SpacesService {
	return &SpacesService{base: newBase(d, "spaces")}
}

// State reports the lifecycle of userID's list.
func (s *SpacesService) State(userID string) State {
	return s.lists.get(userID).current()
}

// Spaces returns the local user's spaces, loading them on first use.
func (s *SpacesService) Spaces(ctx context.Context) ([]payload.SpaceEntry, error) {
	me, err := s.me()
	if err != nil {
		return nil, err
	}
	list, err := s.lists.get(me).ensure(ctx, s.loader(me))
	if err != nil {
		return nil, fmt.Errorf("load spaces list: %w", err)
	}
	return slices.Clone(list.Spaces), nil
}

// Current returns the loaded list without blocking.
func (s *SpacesService) Current() ([]payload.SpaceEntry, bool) {
	me, err := s.me()
	if err != nil {
		return nil, false
	}
	list, ok := s.lists.get(me).snapshot()
	if !ok {
		return nil, false
	}
	return slices.Clone(list.Spaces), true
}

// AddSpace records entry, replacing an entry for the same space. An
// identical entry is a no-op.
func (s *SpacesService) AddSpace(ctx context.Context, entry payload.SpaceEntry) error {
	if entry.JoinedAt == 0 {
		entry.JoinedAt = s.now().UnixMilli()
	}
	return s.mutate(ctx, func(cur []payload.SpaceEntry) ([]payload.SpaceEntry, bool) {
		out := slices.Clone(cur)
		for i, e := range out {
			if e.SpaceID == entry.SpaceID {
				if e.Role == entry.Role {
					return nil, false
				}
				out[i].Role = entry.Role
				return out, true
			}
		}
		return append(out, entry), true
	})
}

// RemoveSpace drops spaceID from the list. A missing space is a no-op.
func (s *SpacesService) RemoveSpace(ctx context.Context, spaceID string) error {
	return s.mutate(ctx, func(cur []payload.SpaceEntry) ([]payload.SpaceEntry, bool) {
		i := slices.IndexFunc(cur, func(e payload.SpaceEntry) bool { return e.SpaceID == spaceID })
		if i < 0 {
			return nil, false
		}
		return slices.Delete(slices.Clone(cur), i, i+1), true
	})
}

func (s *SpacesService) mutate(ctx context.Context, edit func([]payload.SpaceEntry) ([]payload.SpaceEntry, bool)) error {
	me, err := s.me()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proj := s.lists.get(me)
	cur, err := proj.ensure(ctx, s.loader(me))
	if err != nil {
		return fmt.Errorf("load spaces list: %w", err)
	}
	spaces, changed := edit(cur.Spaces)
	if !changed {
		return nil
	}
	next := payload.SpacesList{Spaces: spaces, Version: s.nextVersion(cur.Version)}
	if _, err := s.publish(ctx, me, next); err != nil {
		return err
	}
	proj.set(next)
	s.persist(ctx, me, next)
	return nil
}

func (s *SpacesService) loader(me string) func(context.Context) (payload.SpacesList, error) {
	return func(ctx context.Context) (payload.SpacesList, error) {
		beacons, err := s.cache.GetByUser(ctx, me, envelope.TypeUserSpacesList)
		if err != nil {
			if local, ok := s.restore(ctx, me); ok {
				s.logger.Warn("using local spaces list after network failure",
					slog.String("error", err.Error()))
				return local, nil
			}
			return payload.SpacesList{}, err
		}
		list, ok := latest[payload.SpacesList](&s.base, beacons)
		if !ok {
			if local, ok := s.restore(ctx, me); ok {
				return local, nil
			}
			return payload.SpacesList{Spaces: []payload.SpaceEntry{}}, nil
		}
		if list.Spaces == nil {
			list.Spaces = []payload.SpaceEntry{}
		}
		s.persist(ctx, me, *list)
		return *list, nil
	}
}

// persist writes the local copy. Failures are logged.
func (s *SpacesService) persist(ctx context.Context, me string, list payload.SpacesList) {
	if s.kv == nil {
		return
	}
	data, err := json.Marshal(list)
	if err == nil {
		err = s.kv.Put(ctx, storage.SpacesListKey(me), data)
	}
	if err != nil {
		s.logger.Warn("failed to store local spaces list", slog.String("error", err.Error()))
	}
}

// restore reads the local copy. A corrupt copy is deleted.
func (s *SpacesService) restore(ctx context.Context, me string) (payload.SpacesList, bool) {
	if s.kv == nil {
		return payload.SpacesList{}, false
	}
	key := storage.SpacesListKey(me)
	data, err := s.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("failed to read local spaces list", slog.String("error", err.Error()))
		}
		return payload.SpacesList{}, false
	}
	list, err := payload.Parse[payload.SpacesList](string(data))
	if err != nil {
		s.logger.Warn("discarding corrupt local spaces list", slog.String("error", err.Error()))
		if delErr := s.kv.Delete(ctx, key); delErr != nil {
			s.logger.Warn("failed to delete local spaces list", slog.String("error", delErr.Error()))
		}
		return payload.SpacesList{}, false
	}
	if list.Spaces == nil {
		list.Spaces = []payload.SpaceEntry{}
	}
	return *list, true
}
