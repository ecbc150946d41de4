package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(conversationsCmd)
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations from the REST API",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		ctx, cancel := context.WithTimeout(cmd.Context(), s.cfg.API.Timeout.Std())
		defer cancel()

		convs, err := s.dir.Conversations(ctx, s.creds())
		if err != nil {
			return fmt.Errorf("failed to fetch conversations: %w", err)
		}
		var derived uint
		for _, c := range convs {
			derived += c.UnreadCount
		}

		out := cmd.OutOrStdout()
		if err := renderConversations(out, convs, time.Now()); err != nil {
			return err
		}
		total, err := s.dir.UnreadCount(ctx, s.creds())
		if err != nil {
			fmt.Fprintf(out, "\n%d unread\n", derived)
			return nil
		}
		fmt.Fprintf(out, "\n%d unread", derived)
		if total != derived {
			fmt.Fprintf(out, " (server reports %d)", total)
		}
		fmt.Fprintln(out)
		return nil
	},
}
