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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/beaconspace/services/app"
	"github.com/AleutianAI/beaconspace/services/messaging"
)

func runSend(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		sent, err := a.Messaging.SendDirect(ctx, args[0], text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Sent to %s (%s)\n", args[0], sent.BeaconID)
		return nil
	})
}

func runPost(cmd *cobra.Command, args []string) error {
	text := strings.Join(args[1:], " ")
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		sent, err := a.Messaging.SendToSpace(ctx, args[0], text)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Posted to %s (%s)\n", args[0], sent.BeaconID)
		return nil
	})
}

func runMessagesShow(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		msgs, err := a.Messaging.DirectMessages(ctx, args[0])
		if err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), msgs)
		return nil
	})
}

func runFeed(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		msgs, err := a.Messaging.SpaceMessages(ctx, args[0])
		if err != nil {
			return err
		}
		printMessages(cmd.OutOrStdout(), msgs)
		return nil
	})
}

func printMessages(w io.Writer, msgs []messaging.Message) {
	if len(msgs) == 0 {
		fmt.Fprintln(w, "No messages.")
		return
	}
	for _, m := range msgs {
		marker := " "
		if m.Entangled {
			marker = "*"
		}
		fmt.Fprintf(w, "%s [%s] %s: %s\n", marker, formatMillis(m.SentAt), m.From, m.Text)
	}
}
