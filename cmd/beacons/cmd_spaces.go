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
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/pkg/validation"
	"github.com/AleutianAI/beaconspace/services/app"
	"github.com/AleutianAI/beaconspace/services/beacon/payload"
	"github.com/AleutianAI/beaconspace/services/convergence"
)

func runSpacesList(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		entries, err := a.Spaces.Spaces(ctx)
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	})
}

func runSpaceCreate(cmd *cobra.Command, args []string) error {
	spec := convergence.SpaceSpec{Visibility: convergence.VisibilityPublic}
	if spaceName != "" {
		name, err := validation.SanitizeSpaceName(spaceName)
		if err != nil {
			return err
		}
		spec.Name = name
	}
	if len(args) == 1 {
		spec.ID = args[0]
	}
	if spacePrivate {
		spec.Visibility = convergence.VisibilityPrivate
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		roster, err := a.Membership.CreateSpace(ctx, spec)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created %s space %s\n", roster.Visibility, roster.SpaceID)
		return nil
	})
}

func runSpaceJoin(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		roster, err := a.Membership.JoinSpace(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Joined %s (%d members)\n", roster.SpaceID, len(roster.Members))
		return nil
	})
}

func runSpaceLeave(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Membership.LeaveSpace(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Left %s\n", args[0])
		return nil
	})
}

func runSpaceMembers(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		members, err := a.Membership.GetSpaceMembers(ctx, args[0])
		if err != nil {
			return err
		}
		printMembers(cmd.OutOrStdout(), members)
		return nil
	})
}

func runSpaceRole(cmd *cobra.Command, args []string) error {
	role := payload.Role(args[2])
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		roster, err := a.Membership.UpdateMemberRole(ctx, args[0], args[1], role)
		if err != nil {
			return err
		}
		printMembers(cmd.OutOrStdout(), roster.Members)
		return nil
	})
}

func runSpaceRemove(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		roster, err := a.Membership.RemoveMember(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		printMembers(cmd.OutOrStdout(), roster.Members)
		return nil
	})
}

func runSpaceTransfer(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		roster, err := a.Membership.TransferOwnership(ctx, args[0], args[1])
		if err != nil {
			return err
		}
		printMembers(cmd.OutOrStdout(), roster.Members)
		return nil
	})
}

func runSpaceDiscover(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		entries, err := a.Membership.SpacesForUser(ctx, args[0])
		if err != nil {
			return err
		}
		printEntries(cmd.OutOrStdout(), entries)
		return nil
	})
}

func printEntries(out io.Writer, entries []payload.SpaceEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No spaces.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SPACE\tROLE\tJOINED")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\n", e.SpaceID, e.Role, formatMillis(e.JoinedAt))
	}
	w.Flush()
}

func printMembers(out io.Writer, members []payload.SpaceMember) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tROLE\tJOINED")
	for _, m := range members {
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.UserID, m.Role, formatMillis(m.JoinedAt))
	}
	w.Flush()
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}
