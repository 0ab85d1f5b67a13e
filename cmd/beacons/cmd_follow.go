// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/services/app"
)

func runFollow(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Following.Follow(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Following %s\n", args[0])
		return nil
	})
}

func runUnfollow(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Following.Unfollow(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "No longer following %s\n", args[0])
		return nil
	})
}

func runFollowing(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		users, err := a.Following.Following(ctx)
		if err != nil {
			return err
		}
		printUsers(cmd.OutOrStdout(), users, "You are not following anyone yet.")
		return nil
	})
}

func runFollowers(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		users, err := a.Following.Followers(ctx, args[0])
		if err != nil {
			return err
		}
		printUsers(cmd.OutOrStdout(), users, "No followers found.")
		return nil
	})
}

func printUsers(w io.Writer, users []string, empty string) {
	if len(users) == 0 {
		fmt.Fprintln(w, empty)
		return
	}
	for _, u := range users {
		fmt.Fprintf(w, "  %s\n", u)
	}
}
