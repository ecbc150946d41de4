package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/pkg/logger"
	"github.com/dealistaan/chatsync/pkg/types"
	"github.com/spf13/cobra"
)

var watchOpts struct {
	peer string
}

func init() {
	watchCmd.Flags().StringVar(&watchOpts.peer, "peer", "", "open the conversation with this user")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow conversations live and chat from stdin",
	Long: "watch connects to the push transport and prints every change. Lines typed on\n" +
		"stdin are sent to the selected conversation. Commands:\n" +
		"  /select <peer>   open a conversation\n" +
		"  /retry <tempId>  resend a failed message\n" +
		"  /refresh         refetch the conversation list\n" +
		"  /quit            exit",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.close()
		s.serveMetrics(ctx)

		e, err := s.newEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		out := cmd.OutOrStdout()
		unsubscribe := e.Subscribe(func(u engine.Update) { renderUpdate(out, u) })
		defer unsubscribe()

		if err := e.Connect(ctx, s.token); err != nil {
			return fmt.Errorf("failed to connect: %w", err)
		}

		p := &prompt{client: e, out: out}
		if watchOpts.peer != "" {
			if err := p.handle(ctx, "/select "+watchOpts.peer); err != nil {
				return err
			}
		}

		lines := make(chan string)
		go readLines(cmd.InOrStdin(), lines)
		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				err := p.handle(ctx, line)
				if errors.Is(err, errQuit) {
					return nil
				}
				if err != nil {
					fmt.Fprintf(out, "! %v\n", err)
				}
			}
		}
	},
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
	if err := sc.Err(); err != nil {
		logger.Warnf("stdin: %v", err)
	}
}

var errQuit = errors.New("quit")

// chatClient is the part of the engine the prompt drives.
type chatClient interface {
	Select(peer types.PeerID) error
	Send(ctx context.Context, peer types.PeerID, content string, product *types.ProductContext) (types.ClientID, error)
	Retry(ctx context.Context, tempID types.ClientID) error
	Refresh() error
}

// prompt turns stdin lines into engine commands.
type prompt struct {
	client chatClient
	out    io.Writer
	peer   types.PeerID
}

func (p *prompt) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if !strings.HasPrefix(line, "/") {
		return p.send(ctx, line)
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q":
		return errQuit
	case "/select":
		if len(fields) != 2 {
			return errors.New("usage: /select <peer>")
		}
		if err := p.client.Select(types.PeerID(fields[1])); err != nil {
			return err
		}
		p.peer = types.PeerID(fields[1])
		fmt.Fprintf(p.out, "* talking to %s\n", p.peer)
		return nil
	case "/retry":
		if len(fields) != 2 {
			return errors.New("usage: /retry <tempId>")
		}
		return p.client.Retry(ctx, types.ClientID(fields[1]))
	case "/refresh":
		return p.client.Refresh()
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func (p *prompt) send(ctx context.Context, text string) error {
	if p.peer == "" {
		return errors.New("no conversation selected, use /select <peer>")
	}
	_, err := p.client.Send(ctx, p.peer, text, nil)
	return err
}
