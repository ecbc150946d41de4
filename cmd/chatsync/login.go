package main

import (
	"fmt"
	"time"

	"github.com/dealistaan/chatsync/internal/authtoken"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <token>",
	Short: "Store a bearer token for later commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		claims, err := authtoken.Parse(args[0])
		if err != nil {
			return err
		}
		if err := cfg.SaveToken(args[0]); err != nil {
			return fmt.Errorf("failed to save token: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "logged in as %s\n", claims.UserID)
		switch {
		case claims.ExpiresAt.IsZero():
		case claims.Expired(time.Now()):
			fmt.Fprintf(out, "warning: token expired at %s\n", claims.ExpiresAt.Local().Format(time.RFC1123))
		default:
			fmt.Fprintf(out, "token expires %s\n", claims.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	},
}
