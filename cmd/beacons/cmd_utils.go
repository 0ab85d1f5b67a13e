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
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/pkg/validation"
	"github.com/AleutianAI/beaconspace/services/app"
)

// userArg runs count and then checks that args[pos] is a valid user id.
func userArg(pos int, count cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := count(cmd, args); err != nil {
			return err
		}
		return validation.ValidateUserID(args[pos])
	}
}

func runSearch(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		res, err := a.Remote.Search(ctx, args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		for _, u := range res.Users {
			fmt.Fprintf(w, "user\t%s\t%s\n", u.UserID, u.Username)
		}
		for _, s := range res.Spaces {
			fmt.Fprintf(w, "space\t%s\t%s\n", s.SpaceID, s.Name)
		}
		for _, b := range res.Beacons {
			fmt.Fprintf(w, "beacon\t%s\t%s\n", b.ID, b.BeaconType)
		}
		return w.Flush()
	})
}

func runDownload(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		data, err := a.Remote.DownloadFile(ctx, args[0])
		if err != nil {
			return err
		}
		if outputPath == "" {
			_, err = cmd.OutOrStdout().Write(data)
			return err
		}
		if err := os.WriteFile(outputPath, data, 0644); err != nil {
			return fmt.Errorf("write %s: %w", outputPath, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %d bytes to %s\n", len(data), outputPath)
		return nil
	})
}

func runCacheStats(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(_ context.Context, a *app.App) error {
		st := a.Cache.Stats()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "beacons\t%d\n", st.TotalBeacons)
		fmt.Fprintf(w, "index factors\t%d\n", st.IndexSize)
		fmt.Fprintf(w, "average health\t%.3f\n", st.AvgHealth)
		fmt.Fprintf(w, "health entropy\t%.3f\n", st.Entropy)
		fmt.Fprintf(w, "hit rate\t%.1f%%\n", st.HitRate*100)
		fmt.Fprintf(w, "evictions\t%d\n", st.Evictions)
		fmt.Fprintf(w, "primes ready\t%t\n", a.Primes.Ready())
		return w.Flush()
	})
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Cache cleared and session forgotten.")
		return nil
	})
}
