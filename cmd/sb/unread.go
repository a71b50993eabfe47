package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/logging"
)

func newUnreadCmd() *cobra.Command {
	var (
		configPath     string
		user           string
		conversationID string
	)

	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show unread message counts for a user",
		Long:  "Prints the unread count for one conversation, or the total across the user's conversations.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUnread(cmd, configPath, user, conversationID)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchboard config file")
	cmd.Flags().StringVarP(&user, "user", "u", "", "user id (required)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "limit to one conversation")
	cmd.MarkFlagRequired("user")
	return cmd
}

func runUnread(cmd *cobra.Command, configPath, user, conversationID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	tracker, err := delivery.New(delivery.Opts{DB: gormDB, Log: logging.Discard()})
	if err != nil {
		return err
	}

	ctx := context.Background()
	out := cmd.OutOrStdout()
	if conversationID != "" {
		n, err := tracker.UnreadCount(ctx, conversationID, user)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s has %d unread in %s\n", user, n, conversationID)
		return nil
	}
	n, err := tracker.TotalUnread(ctx, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s has %d unread\n", user, n)
	return nil
}
