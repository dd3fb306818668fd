package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/txscope/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/urfave/cli/v2"
)

// subscribeCommand subscribes to page events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Print page events published by a txscope server",
		ArgsUsage: "[ACCOUNT]",
		Description: `Subscribe to the events a server publishes each time a page is appended to
a session. Without an account every session's events are shown.

Events are published to the subject: ` + natspkg.SubjectPrefix + `.{account}

Example:
  txscope nats subscribe --count 1 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   nats.DefaultURL,
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Exit after this many events (0 = unlimited)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Exit after this long (0 = until interrupted)",
			},
		},
		Action: func(c *cli.Context) error {
			subject := natspkg.SubjectPrefix + ".*"
			if c.NArg() > 0 {
				account, err := accountArg(c)
				if err != nil {
					return err
				}
				subject = natspkg.Subject(account)
			}

			nc, err := nats.Connect(c.String("nats-url"), nats.Name("txscope-cli"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			msgs := make(chan *nats.Msg, 64)
			sub, err := nc.ChanSubscribe(subject, msgs)
			if err != nil {
				return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
			}
			defer sub.Unsubscribe()

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				fmt.Fprintf(c.App.Writer, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(c.App.Writer, "   NATS: %s\n", c.String("nats-url"))
				fmt.Fprintf(c.App.Writer, "\nWaiting for pages... (Ctrl-C to exit)\n\n")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if d := c.Duration("timeout"); d > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			return consumePageEvents(ctx, c.App.Writer, msgs, c.Int("count"), jsonOutput)
		},
	}
}

// consumePageEvents prints events from msgs until ctx ends or limit events
// were printed.
func consumePageEvents(ctx context.Context, w io.Writer, msgs <-chan *nats.Msg, limit int, jsonOutput bool) error {
	count := 0
	for {
		select {
		case <-ctx.Done():
			if !jsonOutput {
				fmt.Fprintf(w, "\nReceived %d page events\n", count)
			}
			return nil
		case msg := <-msgs:
			var event natspkg.PageEvent
			if err := json.Unmarshal(msg.Data, &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				continue
			}
			count++
			printPageEvent(w, count, &event, jsonOutput)
			if limit > 0 && count >= limit {
				return nil
			}
		}
	}
}

func printPageEvent(w io.Writer, n int, event *natspkg.PageEvent, jsonOutput bool) {
	if jsonOutput {
		data, _ := json.Marshal(event)
		fmt.Fprintln(w, string(data))
		return
	}

	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Page #%d: %s (%d transactions)\n", n, event.Account, len(event.Transactions))
	fmt.Fprintf(w, "Published: %s\n", event.PublishedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	for _, tx := range event.Transactions {
		when := "-"
		if tx.BlockTime != nil {
			when = tx.BlockTime.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s  %-12s %s\n", when, tx.Type, tx.Signature)
		if tx.Description != "" {
			fmt.Fprintf(w, "    %s\n", tx.Description)
		}
	}
	fmt.Fprintln(w)
}
