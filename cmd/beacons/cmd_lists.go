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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/services/app"
)

func runLists(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if len(args) == 1 {
			items, err := a.UserData.List(ctx, args[0])
			if err != nil {
				return err
			}
			printUsers(out, items, "The list is empty.")
			return nil
		}
		names, err := a.UserData.Lists(ctx)
		if err != nil {
			return err
		}
		printUsers(out, names, "No lists yet.")
		return nil
	})
}

func runListAdd(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.UserData.AddItem(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Added %q to %s\n", args[1], args[0])
		return nil
	})
}

func runListRemove(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.UserData.RemoveItem(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %q from %s\n", args[1], args[0])
		return nil
	})
}
