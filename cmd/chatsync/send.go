package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/internal/outbox"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/spf13/cobra"
)

var sendOpts struct {
	product string
	wait    time.Duration
}

func init() {
	sendCmd.Flags().StringVar(&sendOpts.product, "product", "", "listing id the message is about")
	sendCmd.Flags().DurationVar(&sendOpts.wait, "wait", 20*time.Second, "how long to wait for the server to confirm")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <peer> <text>",
	Short: "Send a message and wait for the server to confirm it",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()

		e, err := s.newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		updates := make(chan engine.Update, 64)
		unsubscribe := e.Subscribe(func(u engine.Update) {
			select {
			case updates <- u:
			default:
			}
		})
		defer unsubscribe()

		ctx, cancel := context.WithTimeout(cmd.Context(), sendOpts.wait)
		defer cancel()

		if err := e.Connect(ctx, s.token); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}
		if s.cfg.Send.Mode == string(outbox.ModeTransport) {
			if err := waitConnected(ctx, updates); err != nil {
				return err
			}
		}

		var product *types.ProductContext
		if sendOpts.product != "" {
			product = &types.ProductContext{ID: sendOpts.product}
		}
		peer := types.PeerID(args[0])
		tempID, err := e.Send(ctx, peer, strings.Join(args[1:], " "), product)
		if err != nil {
			return err
		}

		for {
			select {
			case u := <-updates:
				if u.TempID != tempID {
					continue
				}
				switch u.Kind {
				case engine.UpdateSent:
					fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", u.Message.ID)
					return nil
				case engine.UpdateSendFailed:
					return u.Err
				}
			case <-ctx.Done():
				return fmt.Errorf("no confirmation for %s: %w", tempID, ctx.Err())
			}
		}
	},
}

func waitConnected(ctx context.Context, updates <-chan engine.Update) error {
	for {
		select {
		case u := <-updates:
			if u.Kind == engine.UpdateConnection && u.Connection == types.StateConnected {
				return nil
			}
			if u.Kind == engine.UpdateError {
				return u.Err
			}
		case <-ctx.Done():
			return fmt.Errorf("transport did not connect: %w", ctx.Err())
		}
	}
}
