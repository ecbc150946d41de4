package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dealistaan/chatsync/internal/engine"
	"github.com/dealistaan/chatsync/pkg/types"
)

const clockFormat = "15:04"

// renderUpdate writes a one-line summary of u. Thread updates only print the
// newest message; the full thread is available through View.
func renderUpdate(w io.Writer, u engine.Update) {
	switch u.Kind {
	case engine.UpdateConnection:
		fmt.Fprintf(w, "* %s\n", u.Connection)
	case engine.UpdateConversations:
		fmt.Fprintf(w, "* %d conversations, %d unread\n", len(u.Conversations), u.TotalUnread)
	case engine.UpdateThread:
		if n := len(u.Thread); n > 0 {
			fmt.Fprintf(w, "[%s] %s\n", u.Peer, formatMessage(u.Thread[n-1]))
		}
	case engine.UpdateTyping:
		if u.Typing.IsTyping {
			fmt.Fprintf(w, "[%s] typing...\n", u.Peer)
		} else {
			fmt.Fprintf(w, "[%s] stopped typing\n", u.Peer)
		}
	case engine.UpdatePresence:
		fmt.Fprintf(w, "[%s] is %s\n", u.Peer, u.Presence.Status)
	case engine.UpdateSent:
		fmt.Fprintf(w, "[%s] sent %s as %s\n", u.Peer, u.TempID, u.Message.ID)
	case engine.UpdateSendFailed:
		fmt.Fprintf(w, "[%s] send %s failed: %v (retry with /retry %s)\n", u.Peer, u.TempID, u.Err, u.TempID)
	case engine.UpdateError:
		fmt.Fprintf(w, "! %v\n", u.Err)
	}
}

func formatMessage(m types.Message) string {
	arrow := "<"
	if m.Direction == types.DirectionSent {
		arrow = ">"
	}
	var marks []string
	switch m.State {
	case types.MessagePending:
		marks = append(marks, "pending")
	case types.MessageFailed:
		marks = append(marks, "failed")
	}
	if m.Direction == types.DirectionSent && m.IsRead {
		marks = append(marks, "read")
	}
	line := fmt.Sprintf("%s %s %s", m.CreatedAt.Local().Format(clockFormat), arrow, m.Content)
	if len(marks) > 0 {
		line += " (" + strings.Join(marks, ", ") + ")"
	}
	return line
}

// renderConversations writes the conversation list as a table.
func renderConversations(w io.Writer, convs []types.Conversation, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tNAME\tUNREAD\tUPDATED\tLAST MESSAGE")
	for _, c := range convs {
		last := ""
		if c.LastMessage != nil {
			last = truncate(c.LastMessage.Content, 40)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", c.PeerID, c.PeerDisplayName, c.UnreadCount, since(c.UpdatedAt, now), last)
	}
	return tw.Flush()
}

func since(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := now.Sub(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Local().Format("2006-01-02")
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
