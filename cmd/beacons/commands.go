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
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath string
	serverURL  string
	userID     string
	verbose    bool

	spaceName    string
	spacePrivate bool
	outputPath   string

	rootCmd = &cobra.Command{
		Use:           "beacons",
		Short:         "A terminal client for beacon servers",
		Long:          `beacons follows people, manages spaces and sends messages through a beacon server.`,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// --- Following ---
	followCmd = &cobra.Command{
		Use:   "follow [user]",
		Short: "Follow a user",
		Args:  userArg(0, cobra.ExactArgs(1)),
		RunE:  runFollow, // Defined in cmd_follow.go
	}
	unfollowCmd = &cobra.Command{
		Use:   "unfollow [user]",
		Short: "Stop following a user",
		Args:  userArg(0, cobra.ExactArgs(1)),
		RunE:  runUnfollow,
	}
	followingCmd = &cobra.Command{
		Use:   "following",
		Short: "List the users you follow",
		Args:  cobra.NoArgs,
		RunE:  runFollowing,
	}
	followersCmd = &cobra.Command{
		Use:   "followers [user]",
		Short: "List the users following someone",
		Args:  userArg(0, cobra.ExactArgs(1)),
		RunE:  runFollowers,
	}

	// --- Spaces ---
	spacesCmd = &cobra.Command{
		Use:   "spaces",
		Short: "List and manage your spaces",
		Args:  cobra.NoArgs,
		RunE:  runSpacesList, // Defined in cmd_spaces.go
	}
	spaceCreateCmd = &cobra.Command{
		Use:   "create [space-id]",
		Short: "Create a space you own. An empty id generates one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runSpaceCreate,
	}
	spaceJoinCmd = &cobra.Command{
		Use:   "join [space-id]",
		Short: "Join a public space",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpaceJoin,
	}
	spaceLeaveCmd = &cobra.Command{
		Use:   "leave [space-id]",
		Short: "Leave a space",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpaceLeave,
	}
	spaceMembersCmd = &cobra.Command{
		Use:   "members [space-id]",
		Short: "Show the members of a space",
		Args:  cobra.ExactArgs(1),
		RunE:  runSpaceMembers,
	}
	spaceRoleCmd = &cobra.Command{
		Use:   "role [space-id] [user] [admin|contributor|viewer]",
		Short: "Change a member's role",
		Args:  userArg(1, cobra.ExactArgs(3)),
		RunE:  runSpaceRole,
	}
	spaceRemoveCmd = &cobra.Command{
		Use:   "remove [space-id] [user]",
		Short: "Remove a member from a space",
		Args:  userArg(1, cobra.ExactArgs(2)),
		RunE:  runSpaceRemove,
	}
	spaceTransferCmd = &cobra.Command{
		Use:   "transfer [space-id] [user]",
		Short: "Hand ownership of a space to another member",
		Args:  userArg(1, cobra.ExactArgs(2)),
		RunE:  runSpaceTransfer,
	}
	spaceDiscoverCmd = &cobra.Command{
		Use:   "discover [user]",
		Short: "Find the spaces a user belongs to",
		Args:  userArg(0, cobra.ExactArgs(1)),
		RunE:  runSpaceDiscover,
	}

	// --- Messages ---
	messagesCmd = &cobra.Command{
		Use:   "messages [user]",
		Short: "Show your conversation with a user",
		Args:  userArg(0, cobra.ExactArgs(1)),
		RunE:  runMessagesShow, // Defined in cmd_messages.go
	}
	sendCmd = &cobra.Command{
		Use:   "send [user] [text...]",
		Short: "Send a direct message",
		Args:  userArg(0, cobra.MinimumNArgs(2)),
		RunE:  runSend,
	}
	postCmd = &cobra.Command{
		Use:   "post [space-id] [text...]",
		Short: "Post a message to a space",
		Args:  cobra.MinimumNArgs(2),
		RunE:  runPost,
	}
	feedCmd = &cobra.Command{
		Use:   "feed [space-id]",
		Short: "Show a space's messages",
		Args:  cobra.ExactArgs(1),
		RunE:  runFeed,
	}

	// --- User data lists ---
	listsCmd = &cobra.Command{
		Use:   "lists [name]",
		Short: "Show your named lists, or the items of one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLists, // Defined in cmd_lists.go
	}
	listAddCmd = &cobra.Command{
		Use:   "add [name] [item]",
		Short: "Add an item to a list",
		Args:  cobra.ExactArgs(2),
		RunE:  runListAdd,
	}
	listRemoveCmd = &cobra.Command{
		Use:   "remove [name] [item]",
		Short: "Remove an item from a list",
		Args:  cobra.ExactArgs(2),
		RunE:  runListRemove,
	}

	// --- Utilities ---
	searchCmd = &cobra.Command{
		Use:   "search [query]",
		Short: "Search users, spaces and beacons",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch, // Defined in cmd_utils.go
	}
	downloadCmd = &cobra.Command{
		Use:   "download [fingerprint]",
		Short: "Download a file by fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE:  runDownload,
	}
	cacheCmd = &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local beacon cache",
	}
	cacheStatsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE:  runCacheStats,
	}
	cacheClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Empty the cache and forget the session",
		Args:  cobra.NoArgs,
		RunE:  runCacheClear,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.beaconspace/beaconspace.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "override server_url")
	rootCmd.PersistentFlags().StringVar(&userID, "user", "", "override identity.user_id")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(followCmd, unfollowCmd, followingCmd, followersCmd)

	spaceCreateCmd.Flags().StringVar(&spaceName, "name", "", "display name")
	spaceCreateCmd.Flags().BoolVar(&spacePrivate, "private", false, "only invited members may join")
	spacesCmd.AddCommand(spaceCreateCmd, spaceJoinCmd, spaceLeaveCmd, spaceMembersCmd,
		spaceRoleCmd, spaceRemoveCmd, spaceTransferCmd, spaceDiscoverCmd)
	rootCmd.AddCommand(spacesCmd)

	rootCmd.AddCommand(messagesCmd, sendCmd, postCmd, feedCmd)

	listsCmd.AddCommand(listAddCmd, listRemoveCmd)
	rootCmd.AddCommand(listsCmd)

	downloadCmd.Flags().StringVarP(&outputPath, "out", "o", "", "write to a file instead of stdout")
	cacheCmd.AddCommand(cacheStatsCmd, cacheClearCmd)
	rootCmd.AddCommand(searchCmd, downloadCmd, cacheCmd)
}
