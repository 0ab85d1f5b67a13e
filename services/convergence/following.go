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
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/AleutianAI/beaconspace/services/beacon/envelope"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/beacon/transport"
)

// FollowingService maintains the local user's following list.
//
// Thread Safety: safe for concurrent use. Follow and Unfollow are
// serialized across the whole read, submit and write sequence.
type FollowingService struct {
	base

	mu        sync.Mutex
	lists     projections[payload.FollowingList]
	followers *ttlCache[[]string]

	unsubscribe func()
}

// NewFollowingService creates the service and subscribes to follow
// notifications, which drop the cached followers of the followed user.
// Close removes the subscription.
func NewFollowingService(d Deps) *FollowingService {
	b := newBase(d, "following")
	s := &FollowingService{
		base:      b,
		followers: newTTLCache[[]string](b.ttl, b.now),
	}
	s.unsubscribe = b.remote.OnNotification(transport.KindFollowNotification, s.onFollowNotification)
	return s
}

// Close stops listening for follow notifications.
func (s *FollowingService) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

func (s *FollowingService) onFollowNotification(msg transport.Message) {
	followed := msg.Field("followedId")
	s.logger.Debug("follow notification",
		slog.String("follower", msg.Field("followerId")),
		slog.String("followed", followed))
	if followed == "" {
		s.followers.purge()
		return
	}
	s.followers.invalidate(followed)
}

// State reports the lifecycle of userID's list.
func (s *FollowingService) State(userID string) State {
	return s.lists.get(userID).current()
}

// Following returns the local user's following list, loading it on first
// use.
func (s *FollowingService) Following(ctx context.Context) ([]string, error) {
	me, err := s.me()
	if err != nil {
		return nil, err
	}
	list, err := s.lists.get(me).ensure(ctx, s.loader(me))
	if err != nil {
		return nil, fmt.Errorf("load following list: %w", err)
	}
	return slices.Clone(list.Following), nil
}

// Current returns the loaded list without blocking. ok is false until the
// first load completes.
func (s *FollowingService) Current() (following []string, ok bool) {
	me, err := s.me()
	if err != nil {
		return nil, false
	}
	list, ok := s.lists.get(me).snapshot()
	if !ok {
		return nil, false
	}
	return slices.Clone(list.Following), true
}

// IsFollowing reports whether the local user follows target.
func (s *FollowingService) IsFollowing(ctx context.Context, target string) (bool, error) {
	list, err := s.Following(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(list, target), nil
}

// Follow adds target to the following list.
//
// Description:
//
//	Loads the current list, appends target and submits the whole list as a
//	new user_following_list beacon. The in-memory list changes only after
//	the server accepts the beacon. The server is then told about the
//	follow so it can notify target; that notice is best effort.
//
// Inputs:
//
//	ctx - Context for the load and submission.
//	target - The user to follow. Must not be empty or the local user.
//
// Outputs:
//
//	error - ErrInvalidTarget, codec.ErrNoIdentity, or a load/submit error.
//	Following an already followed user is a no-op.
func (s *FollowingService) Follow(ctx context.Context, target string) error {
	return s.mutate(ctx, target, func(cur []string) ([]string, bool) {
		if slices.Contains(cur, target) {
			return nil, false
		}
		return append(slices.Clone(cur), target), true
	}, s.remote.Follow)
}

// Unfollow removes target from the following list. Unfollowing a user who
// is not followed is a no-op.
func (s *FollowingService) Unfollow(ctx context.Context, target string) error {
	return s.mutate(ctx, target, func(cur []string) ([]string, bool) {
		i := slices.Index(cur, target)
		if i < 0 {
			return nil, false
		}
		return slices.Delete(slices.Clone(cur), i, i+1), true
	}, s.remote.Unfollow)
}

func (s *FollowingService) mutate(ctx context.Context, target string, edit func([]string) ([]string, bool), notify func(context.Context, string) error) error {
	me, err := s.me()
	if err != nil {
		return err
	}
	if target == "" || target == me {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	proj := s.lists.get(me)
	cur, err := proj.ensure(ctx, s.loader(me))
	if err != nil {
		return fmt.Errorf("load following list: %w", err)
	}
	following, changed := edit(cur.Following)
	if !changed {
		return nil
	}
	next := payload.FollowingList{Following: following, Version: s.nextVersion(cur.Version)}
	if _, err := s.publish(ctx, me, next); err != nil {
		return err
	}
	proj.set(next)
	s.followers.invalidate(target)

	if err := notify(ctx, target); err != nil {
		s.logger.Warn("follow notification not delivered",
			slog.String("target", target),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *FollowingService) loader(me string) func(context.Context) (payload.FollowingList, error) {
	return func(ctx context.Context) (payload.FollowingList, error) {
		beacons, err := s.cache.GetByUser(ctx, me, envelope.TypeUserFollowingList)
		if err != nil {
			return payload.FollowingList{}, err
		}
		if list, ok := latest[payload.FollowingList](&s.base, beacons); ok {
			if list.Following == nil {
				list.Following = []string{}
			}
			return *list, nil
		}
		return payload.FollowingList{Following: []string{}}, nil
	}
}

// Followers discovers who follows userID.
//
// Every user_following_list beacon is fetched; the newest decodable list of
// each author is checked for userID. Beacons that do not decode are
// skipped silently. Results are reused for the discovery TTL or until a
// follow notification for userID arrives.
func (s *FollowingService) Followers(ctx context.Context, userID string) ([]string, error) {
	out, err := s.followers.get(ctx, userID, func(ctx context.Context) ([]string, error) {
		beacons, err := s.cache.GetByType(ctx, envelope.TypeUserFollowingList)
		if err != nil {
			return nil, err
		}
		var followers []string
		for author, list := range latestByAuthor[payload.FollowingList](&s.base, beacons) {
			if author != userID && list.Contains(userID) {
				followers = append(followers, author)
			}
		}
		sort.Strings(followers)
		return followers, nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover followers of %s: %w", userID, err)
	}
	return slices.Clone(out), nil
}
