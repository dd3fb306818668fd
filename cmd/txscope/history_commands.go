package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brojonat/txscope/service/config"
	"github.com/brojonat/txscope/service/helius"
	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/server"
	"github.com/brojonat/txscope/service/txn"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Aliases:   []string{"search"},
		Usage:     "Load an account's history and search it locally",
		ArgsUsage: "ACCOUNT",
		Description: `Loads pages of history straight from the indexer, then filters them.

Queries are plain words: "sent usdc", "received from jupiter", "swap bonk".
Additional --jq filters run against each matching transaction as JSON and must
all be truthy.

Example:
  txscope history --pages 3 --query "sent usdc" --jq '.transfers | length > 0' 9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "helius-api-key",
				Usage:   "Helius API key (history and token metadata)",
				EnvVars: []string{"HELIUS_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "helius-api-url",
				Usage:   "Helius enhanced transactions API URL",
				EnvVars: []string{"HELIUS_API_URL"},
				Value:   helius.DefaultAPIURL,
			},
			&cli.StringFlag{
				Name:    "helius-rpc-url",
				Usage:   "Helius DAS RPC URL",
				EnvVars: []string{"HELIUS_RPC_URL"},
				Value:   helius.DefaultRPCURL,
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Usage:   "Solana JSON-RPC URL, used without a Helius key",
				EnvVars: []string{"SOLANA_RPC_URL"},
			},
			&cli.StringFlag{
				Name:    "anthropic-api-key",
				Usage:   "Anthropic API key for --nl",
				EnvVars: []string{"ANTHROPIC_API_KEY"},
			},
			&cli.StringFlag{
				Name:    "aliases",
				Usage:   "Alias table YAML file",
				EnvVars: []string{"ALIAS_TABLE_PATH"},
			},
			&cli.StringSliceFlag{
				Name:  "noise",
				Usage: "Transaction types shown only when they touch the account",
				Value: cli.NewStringSlice(txn.DefaultNoiseTypes...),
			},
			&cli.IntFlag{
				Name:    "pages",
				Aliases: []string{"p"},
				Usage:   "Maximum number of pages to load",
				Value:   1,
			},
			&cli.IntFlag{
				Name:  "page-limit",
				Usage: "Signatures per page for the JSON-RPC source",
				Value: 100,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Overall timeout",
				Value: 2 * time.Minute,
			},
			&cli.StringFlag{
				Name:    "query",
				Aliases: []string{"q"},
				Usage:   "Search query",
			},
			&cli.BoolFlag{
				Name:  "nl",
				Usage: "Let the natural-language analyzer supplement the query",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter applied to each result (repeatable, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("account address is required")
			}
			account := c.Args().Get(0)
			if _, err := solanago.PublicKeyFromBase58(account); err != nil {
				return fmt.Errorf("invalid account address %q: %w", account, err)
			}
			if c.Int("pages") < 1 {
				return fmt.Errorf("--pages must be at least 1")
			}

			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			cfg := &config.Config{
				HeliusAPIKey:         c.String("helius-api-key"),
				HeliusAPIURL:         c.String("helius-api-url"),
				HeliusRPCURL:         c.String("helius-rpc-url"),
				SolanaRPCURL:         c.String("rpc-url"),
				AnthropicAPIKey:      c.String("anthropic-api-key"),
				AliasTablePath:       c.String("aliases"),
				NoiseTypes:           c.StringSlice("noise"),
				FetchTimeout:         helius.DefaultTimeout,
				PageLimit:            c.Int("page-limit"),
				MetadataMaxAttempts:  2,
				MetadataRetryBackoff: time.Second,
				MetadataConcurrency:  8,
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := newLogger(c)
			aliases, err := cfg.LoadAliases()
			if err != nil {
				return err
			}
			backends, err := server.NewBackends(cfg, nil, logger)
			if err != nil {
				return err
			}
			cache := backends.NewCache(cfg, nil, logger)
			sessCfg := backends.SessionConfig(cfg, cache, aliases, nil, logger)
			sessCfg.Account = account
			sess := history.NewSession(sessCfg)

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			for i := 0; i < c.Int("pages"); i++ {
				res := sess.LoadMore(ctx)
				if res.Err != nil {
					return fmt.Errorf("failed to load page %d: %w", i+1, res.Err)
				}
				if res.State.Terminal() {
					break
				}
			}

			var result history.SearchResult
			if c.Bool("nl") {
				result = sess.SearchWithHint(ctx, c.String("query"))
			} else {
				result = sess.Search(c.String("query"))
			}

			views, err := filterViews(filters, sess.Views(result.Transactions))
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return writeJSON(c.App.Writer, views)
			}
			printSearchSummary(c.App.Writer, result, len(views))
			printViews(c.App.Writer, views)
			return nil
		},
	}
}

func parseCommand() *cli.Command {
	return &cli.Command{
		Name:      "parse",
		Usage:     "Show the criteria a search query parses to",
		ArgsUsage: "QUERY...",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "aliases",
				Usage:   "Alias table YAML file",
				EnvVars: []string{"ALIAS_TABLE_PATH"},
			},
		},
		Action: func(c *cli.Context) error {
			cfg := &config.Config{AliasTablePath: c.String("aliases")}
			aliases, err := cfg.LoadAliases()
			if err != nil {
				return err
			}

			q := strings.Join(c.Args().Slice(), " ")
			criteria := query.Parse(q, aliases, nil)

			if c.Bool("json") {
				return writeJSON(c.App.Writer, criteria)
			}
			printCriteria(c.App.Writer, aliases, criteria)
			return nil
		},
	}
}

// compileFilters parses and compiles jq filters.
func compileFilters(filters []string) ([]*gojq.Code, error) {
	compiled := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		parsed, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		compiled[i], err = gojq.Compile(parsed)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return compiled, nil
}

// matchesFilters reports whether every filter yields a truthy first result
// for v. v must be made of JSON values (maps, slices, float64, ...).
func matchesFilters(filters []*gojq.Code, v any) bool {
	for _, code := range filters {
		iter := code.Run(v)
		out, ok := iter.Next()
		if !ok {
			return false
		}
		if _, isErr := out.(error); isErr {
			return false
		}
		if !isTruthy(out) {
			return false
		}
	}
	return true
}

// filterViews keeps the views matching every filter.
func filterViews(filters []*gojq.Code, views []history.TransactionView) ([]history.TransactionView, error) {
	if len(filters) == 0 {
		return views, nil
	}
	out := make([]history.TransactionView, 0, len(views))
	for _, view := range views {
		v, err := toJSONValue(view)
		if err != nil {
			return nil, err
		}
		if matchesFilters(filters, v) {
			out = append(out, view)
		}
	}
	return out, nil
}

// toJSONValue converts v into the generic form gojq operates on.
func toJSONValue(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal value: %w", err)
	}
	return out, nil
}

func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	// Everything else (numbers, strings, objects, arrays) is truthy
	return true
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func printSearchSummary(w io.Writer, res history.SearchResult, shown int) {
	fmt.Fprintf(w, "%d of %d loaded transactions match", shown, res.Total)
	if !res.Criteria.IsEmpty() {
		fmt.Fprintf(w, " %q", res.Query)
	}
	fmt.Fprintf(w, " (state: %s", res.State)
	if res.HasMore {
		fmt.Fprint(w, ", more available")
	}
	fmt.Fprintln(w, ")")
	if res.LastError != "" {
		fmt.Fprintf(w, "  Last error: %s\n", res.LastError)
	}
}

func printViews(w io.Writer, views []history.TransactionView) {
	for _, v := range views {
		when := "-"
		if v.Time != nil {
			when = v.Time.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(w, "\n%s  %s  %s\n", when, v.TypeLabel, v.Signature)
		if v.SourceLabel != "" {
			fmt.Fprintf(w, "  Source: %s\n", v.SourceLabel)
		}
		if v.Description != "" {
			fmt.Fprintf(w, "  %s\n", v.Description)
		}
		for _, t := range v.Transfers {
			arrow := "  "
			switch t.Direction {
			case "out":
				arrow = "->"
			case "in":
				arrow = "<-"
			}
			fmt.Fprintf(w, "  %s %g %s  %s → %s\n",
				arrow, t.Amount, t.Name,
				txn.TruncateAddress(orDash(t.From)), txn.TruncateAddress(orDash(t.To)),
			)
		}
	}
}

func printCriteria(w io.Writer, aliases *query.AliasTable, c query.Criteria) {
	if c.IsEmpty() {
		fmt.Fprintln(w, "No criteria: every transaction matches")
		return
	}
	field := func(label, value string) {
		if value == "" {
			return
		}
		if name, ok := aliases.NameOf(value); ok {
			value = fmt.Sprintf("%s (%s)", value, name)
		}
		fmt.Fprintf(w, "  %-12s %s\n", label+":", value)
	}
	fmt.Fprintln(w, "Criteria:")
	field("Action", c.Action)
	field("Type", c.Type)
	field("Token", c.Token)
	field("Source", c.Source)
	field("Destination", c.Destination)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
