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
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
)

// UserDataService keeps named string lists for the local user in a single
// user_data beacon.
type UserDataService struct {
	base

	mu   sync.Mutex
	data projections[payload.UserData]
}

// NewUserDataService creates the service.
func NewUserDataService(d Deps) *UserDataService {
	return &UserDataService{base: newBase(d, "userdata")}
}

// State reports the lifecycle of userID's data.
func (s *UserDataService) State(userID string) State {
	return s.data.get(userID).current()
}

// Lists returns the names of every list, sorted.
func (s *UserDataService) Lists(ctx context.Context) ([]string, error) {
	d, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	names := slices.Collect(maps.Keys(d.Lists))
	sort.Strings(names)
	return names, nil
}

// List returns the items of one list. A missing list is empty.
func (s *UserDataService) List(ctx context.Context, name string) ([]string, error) {
	d, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	return slices.Clone(d.Lists[name]), nil
}

// SetList replaces a whole list.
func (s *UserDataService) SetList(ctx context.Context, name string, items []string) error {
	if name == "" {
		return fmt.Errorf("%w: empty list name", ErrInvalidTarget)
	}
	return s.mutate(ctx, func(lists map[string][]string) bool {
		if slices.Equal(lists[name], items) {
			if _, ok := lists[name]; ok {
				return false
			}
		}
		lists[name] = slices.Clone(items)
		return true
	})
}

// AddItem appends item to a list, creating it. Duplicates are ignored.
func (s *UserDataService) AddItem(ctx context.Context, name, item string) error {
	if name == "" {
		return fmt.Errorf("%w: empty list name", ErrInvalidTarget)
	}
	return s.mutate(ctx, func(lists map[string][]string) bool {
		if slices.Contains(lists[name], item) {
			return false
		}
		lists[name] = append(lists[name], item)
		return true
	})
}

// RemoveItem drops item from a list.
func (s *UserDataService) RemoveItem(ctx context.Context, name, item string) error {
	return s.mutate(ctx, func(lists map[string][]string) bool {
		cur, ok := lists[name]
		if !ok || !slices.Contains(cur, item) {
			return false
		}
		lists[name] = slices.DeleteFunc(cur, func(v string) bool { return v == item })
		return true
	})
}

// DeleteList removes a list entirely.
func (s *UserDataService) DeleteList(ctx context.Context, name string) error {
	return s.mutate(ctx, func(lists map[string][]string) bool {
		if _, ok := lists[name]; !ok {
			return false
		}
		delete(lists, name)
		return true
	})
}

func (s *UserDataService) load(ctx context.Context) (payload.UserData, error) {
	me, err := s.me()
	if err != nil {
		return payload.UserData{}, err
	}
	d, err := s.data.get(me).ensure(ctx, s.loader(me))
	if err != nil {
		return payload.UserData{}, fmt.Errorf("load user data: %w", err)
	}
	return d, nil
}

func (s *UserDataService) mutate(ctx context.Context, edit func(map[string][]string) bool) error {
	me, err := s.me()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proj := s.data.get(me)
	cur, err := proj.ensure(ctx, s.loader(me))
	if err != nil {
		return fmt.Errorf("load user data: %w", err)
	}
	lists := cloneLists(cur.Lists)
	if !edit(lists) {
		return nil
	}
	next := payload.UserData{Lists: lists, Version: s.nextVersion(cur.Version)}
	if _, err := s.publish(ctx, me, next); err != nil {
		return err
	}
	proj.set(next)
	return nil
}

func (s *UserDataService) loader(me string) func(context.Context) (payload.UserData, error) {
	return func(ctx context.Context) (payload.UserData, error) {
		beacons, err := s.cache.GetByUser(ctx, me, envelope.TypeUserData)
		if err != nil {
			return payload.UserData{}, err
		}
		if d, ok := latest[payload.UserData](&s.base, beacons); ok {
			if d.Lists == nil {
				d.Lists = map[string][]string{}
			}
			return *d, nil
		}
		return payload.UserData{Lists: map[string][]string{}}, nil
	}
}

func cloneLists(in map[string][]string) map[string][]string {
	out := make(map[string][]string, len(in))
	for k, v := range in {
		out[k] = slices.Clone(v)
	}
	return out
}
