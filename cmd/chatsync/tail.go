package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/demomastra2025-eng/chatsync/internal/chatsync"
	"github.com/demomastra2025-eng/chatsync/internal/config"
)

func newTailCmd(v *viper.Viper) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Follow one conversation live",
		Long:  "Prints recent history for a conversation, then every message, status and metadata change as it is applied.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			target := strings.TrimSpace(args[0])
			printer := newTailPrinter(cmd.OutOrStdout(), target)
			d, err := newDaemon(cfg, daemonOptions{observer: printer.observe})
			if err != nil {
				return err
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return d.run(ctx, nil, func(ctx context.Context) {
				printer.backfill(ctx, d.store, pages)
				printer.follow(ctx, d.store)
			})
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 1, "history pages to load before following")
	return cmd
}

type tailStore interface {
	LoadOlder(ctx context.Context, conversationID string) (chatsync.OlderPage, error)
	Messages(ctx context.Context, conversationID string) ([]chatsync.Message, error)
	Conversation(ctx context.Context, conversationID string) (chatsync.Conversation, error)
}

// tailPrinter receives changes on the store loop and prints them from its
// own goroutine.
type tailPrinter struct {
	out     io.Writer
	target  string
	changes chan chatsync.Change
}

func newTailPrinter(out io.Writer, target string) *tailPrinter {
	return &tailPrinter{out: out, target: target, changes: make(chan chatsync.Change, 256)}
}

func (p *tailPrinter) observe(c chatsync.Change) {
	if c.ConversationID != p.target {
		return
	}
	select {
	case p.changes <- c:
	default:
		fmt.Fprintln(os.Stderr, "tail: output is falling behind, dropping a change")
	}
}

func (p *tailPrinter) backfill(ctx context.Context, store tailStore, pages int) {
	for i := 0; i < pages; i++ {
		page, err := store.LoadOlder(ctx, p.target)
		if err != nil {
			fmt.Fprintf(p.out, "! history: %v\n", err)
			break
		}
		if page.Exhausted {
			break
		}
	}
	msgs, err := store.Messages(ctx, p.target)
	if err != nil {
		fmt.Fprintf(p.out, "! %v\n", err)
		return
	}
	for _, m := range msgs {
		fmt.Fprintln(p.out, formatMessage(m))
	}
	// Backfill emits changes of its own; they are already printed above.
	for {
		select {
		case <-p.changes:
		default:
			return
		}
	}
}

func (p *tailPrinter) follow(ctx context.Context, store tailStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-p.changes:
			switch c.Kind {
			case chatsync.ChangeMessage:
				if c.Message != nil {
					fmt.Fprintln(p.out, formatMessage(*c.Message))
				}
			case chatsync.ChangeMessageRemoved:
				if c.Message != nil {
					fmt.Fprintf(p.out, "x %s deleted\n", messageRef(*c.Message))
				}
			case chatsync.ChangeConversation:
				conv, err := store.Conversation(ctx, p.target)
				if err != nil {
					continue
				}
				fmt.Fprintln(p.out, formatConversation(conv))
			case chatsync.ChangeConversationRemoved:
				fmt.Fprintf(p.out, "x conversation %s removed\n", p.target)
			}
		}
	}
}

func formatMessage(m chatsync.Message) string {
	dir := "<"
	if m.Key.IsOutbound {
		dir = ">"
	}
	ts := time.UnixMilli(m.TimestampMs).UTC().Format(time.RFC3339)
	line := fmt.Sprintf("%s %s %s [%s]", ts, dir, m.Content.Preview(), m.Status)
	if m.Key.Participant != "" && !m.Key.IsOutbound {
		line = fmt.Sprintf("%s %s %s: %s [%s]", ts, dir, m.Key.Participant, m.Content.Preview(), m.Status)
	}
	if m.Edited {
		line += " (edited)"
	}
	if !m.Confirmed() {
		line += " (unconfirmed)"
	}
	return line
}

func formatConversation(c chatsync.Conversation) string {
	name := c.DisplayName
	if name == "" {
		name = c.RemoteConversationID
	}
	labels := "-"
	if len(c.Labels) > 0 {
		labels = strings.Join(c.Labels, ",")
	}
	return fmt.Sprintf("* %s unread=%d labels=%s", name, c.UnreadCount, labels)
}

func messageRef(m chatsync.Message) string {
	if m.Key.ID != "" {
		return m.Key.ID
	}
	return m.ProvisionalID
}
