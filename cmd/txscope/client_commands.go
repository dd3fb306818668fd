package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/brojonat/txscope/client"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with a txscope server",
		Subcommands: []*cli.Command{
			{
				Name:  "session",
				Usage: "Manage history sessions",
				Subcommands: []*cli.Command{
					sessionCreateCommand(),
					sessionMoreCommand(),
					sessionStatusCommand(),
					sessionDeleteCommand(),
				},
			},
			clientSearchCommand(),
			clientTokenCommand(),
			clientParseCommand(),
		},
	}
}

// clientTimeoutFlag bounds a single API call.
var clientTimeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Usage: "Request timeout",
	Value: time.Minute,
}

func newAPIClient(c *cli.Context) (*client.Client, context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
	return client.NewClient(strings.TrimRight(c.String("server-url"), "/"), nil, newLogger(c)), ctx, cancel
}

func accountArg(c *cli.Context) (string, error) {
	if c.NArg() != 1 {
		return "", fmt.Errorf("account address is required")
	}
	account := c.Args().Get(0)
	if _, err := solanago.PublicKeyFromBase58(account); err != nil {
		return "", fmt.Errorf("invalid account address %q: %w", account, err)
	}
	return account, nil
}

func sessionCreateCommand() *cli.Command {
	return &cli.Command{
		Name:      "create",
		Aliases:   []string{"open"},
		Usage:     "Open a session and load its first page",
		ArgsUsage: "ACCOUNT",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			account, err := accountArg(c)
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			sess, err := cl.CreateSession(ctx, account)
			if err != nil {
				return fmt.Errorf("failed to open session: %w", err)
			}
			return printSession(c, sess.Status, sess.Page)
		},
	}
}

func sessionMoreCommand() *cli.Command {
	return &cli.Command{
		Name:      "more",
		Usage:     "Load the next page of a session",
		ArgsUsage: "ACCOUNT",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			account, err := accountArg(c)
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			sess, err := cl.LoadMore(ctx, account)
			if err != nil {
				return fmt.Errorf("failed to load more: %w", err)
			}
			return printSession(c, sess.Status, sess.Page)
		},
	}
}

func sessionStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Aliases:   []string{"get"},
		Usage:     "Show a session's pagination state",
		ArgsUsage: "ACCOUNT",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			account, err := accountArg(c)
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			status, err := cl.GetSession(ctx, account)
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}
			return printSession(c, *status, nil)
		},
	}
}

func sessionDeleteCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete",
		Aliases:   []string{"rm", "close"},
		Usage:     "Drop a session",
		ArgsUsage: "ACCOUNT",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			account, err := accountArg(c)
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			if err := cl.DeleteSession(ctx, account); err != nil {
				return fmt.Errorf("failed to delete session: %w", err)
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, map[string]string{"account": account, "status": "deleted"})
			}
			fmt.Fprintf(c.App.Writer, "✓ Session deleted\n")
			fmt.Fprintf(c.App.Writer, "  Account: %s\n", account)
			return nil
		},
	}
}

func clientSearchCommand() *cli.Command {
	return &cli.Command{
		Name:      "search",
		Usage:     "Search the loaded history of a session",
		ArgsUsage: "ACCOUNT",
		Flags: []cli.Flag{
			clientTimeoutFlag,
			&cli.StringFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "Search query",
			},
			&cli.BoolFlag{
				Name:  "nl",
				Usage: "Let the server's natural-language analyzer supplement the query",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to each result (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			account, err := accountArg(c)
			if err != nil {
				return err
			}
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			res, err := cl.Search(ctx, account, c.String("query"), c.Bool("nl"))
			if err != nil {
				return fmt.Errorf("failed to search: %w", err)
			}

			views, err := filterViews(filters, res.Views)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, views)
			}

			fmt.Fprintf(c.App.Writer, "%d of %d loaded transactions match (state: %s", len(views), res.Total, res.State)
			if res.HasMore {
				fmt.Fprint(c.App.Writer, ", more available")
			}
			fmt.Fprintln(c.App.Writer, ")")
			if res.LastError != "" {
				fmt.Fprintf(c.App.Writer, "  Last error: %s\n", res.LastError)
			}
			printViews(c.App.Writer, views)
			return nil
		},
	}
}

func clientTokenCommand() *cli.Command {
	return &cli.Command{
		Name:      "token",
		Usage:     "Show the metadata the server holds for a mint",
		ArgsUsage: "MINT",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			mint, err := accountArg(c)
			if err != nil {
				return err
			}
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			tok, err := cl.Token(ctx, mint)
			if err != nil {
				return fmt.Errorf("failed to get token: %w", err)
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, tok)
			}
			fmt.Fprintf(c.App.Writer, "Token: %s\n", tok.Name)
			fmt.Fprintf(c.App.Writer, "  Mint:     %s\n", tok.Mint)
			if tok.Image != "" {
				fmt.Fprintf(c.App.Writer, "  Image:    %s\n", tok.Image)
			}
			fmt.Fprintf(c.App.Writer, "  Resolved: %t\n", tok.Resolved)
			if tok.Error != "" {
				fmt.Fprintf(c.App.Writer, "  Error:    %s\n", tok.Error)
			}
			return nil
		},
	}
}

func clientParseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Show the criteria the server derives from a query",
		ArgsUsage: "QUERY...",
		Flags:     []cli.Flag{clientTimeoutFlag},
		Action: func(c *cli.Context) error {
			cl, ctx, cancel := newAPIClient(c)
			defer cancel()

			res, err := cl.Parse(ctx, strings.Join(c.Args().Slice(), " "))
			if err != nil {
				return fmt.Errorf("failed to parse query: %w", err)
			}
			if c.Bool("json") {
				return writeJSON(c.App.Writer, res.Criteria)
			}
			printCriteria(c.App.Writer, nil, res.Criteria)
			return nil
		},
	}
}

func printSession(c *cli.Context, status client.SessionStatus, page *client.Page) error {
	if c.Bool("json") {
		return writeJSON(c.App.Writer, client.Session{Status: status, Page: page})
	}
	w := c.App.Writer
	fmt.Fprintf(w, "Session: %s\n", status.Account)
	fmt.Fprintf(w, "  State:        %s\n", status.State)
	fmt.Fprintf(w, "  Transactions: %d\n", status.Size)
	fmt.Fprintf(w, "  More:         %t\n", status.HasMore)
	if status.Cursor != "" {
		fmt.Fprintf(w, "  Cursor:       %s\n", status.Cursor)
	}
	if status.LastError != "" {
		fmt.Fprintf(w, "  Last error:   %s\n", status.LastError)
	}
	if page != nil {
		if page.Skipped {
			fmt.Fprintf(w, "  Page:         skipped (load in flight or history ended)\n")
		} else {
			fmt.Fprintf(w, "  Page:         %d fetched, %d kept\n", page.Fetched, page.Kept)
		}
	}
	return nil
}
