package server

import (
	"fmt"
	"log/slog"
	"net/url"

	"github.com/brojonat/txscope/service/config"
	"github.com/brojonat/txscope/service/helius"
	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/nlq"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/solana"
)

// Backends holds the upstream collaborators selected by the configuration.
type Backends struct {
	Fetcher     history.Fetcher
	FetcherName string
	// Metadata is nil when no metadata source is configured.
	Metadata metadata.Fetcher
	// Analyzer is nil when natural-language analysis is disabled.
	Analyzer history.Analyzer
}

// NewBackends builds the collaborators for cfg. Helius serves history and
// metadata when its API key is set; otherwise history comes from the plain
// JSON-RPC endpoint and tokens keep the unknown name.
func NewBackends(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}

	if cfg.UseHelius() {
		client, err := helius.NewClient(cfg.HeliusAPIKey,
			helius.WithAPIURL(cfg.HeliusAPIURL),
			helius.WithRPCURL(cfg.HeliusRPCURL),
			helius.WithTimeout(cfg.FetchTimeout),
			helius.WithMetrics(m),
			helius.WithLogger(logger),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create helius client: %w", err)
		}
		b.Fetcher, b.FetcherName, b.Metadata = client, "helius", client
	} else {
		if cfg.SolanaRPCURL == "" {
			return nil, fmt.Errorf("no history source configured")
		}
		b.Fetcher = solana.NewFetcher(solana.NewRPCClient(cfg.SolanaRPCURL), solana.FetcherConfig{
			Endpoint: endpointLabel(cfg.SolanaRPCURL),
			Limit:    cfg.PageLimit,
			Metrics:  m,
			Logger:   logger,
		})
		b.FetcherName = "rpc"
	}

	if cfg.AnthropicAPIKey != "" {
		analyzer, err := nlq.New(nlq.Config{
			APIKey:  cfg.AnthropicAPIKey,
			Model:   cfg.AnthropicModel,
			Metrics: m,
			Logger:  logger,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create query analyzer: %w", err)
		}
		b.Analyzer = analyzer
	}

	return b, nil
}

// NewCache returns a metadata cache over the configured source, or nil when
// there is none.
func (b *Backends) NewCache(cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *metadata.Cache {
	if b.Metadata == nil {
		return nil
	}
	return metadata.NewCache(b.Metadata, cfg.MetadataOptions(), m, logger)
}

// SessionConfig returns the session template shared by every account.
func (b *Backends) SessionConfig(cfg *config.Config, cache *metadata.Cache, aliases *query.AliasTable, m *metrics.Metrics, logger *slog.Logger) history.SessionConfig {
	return history.SessionConfig{
		Fetcher:     b.Fetcher,
		FetcherName: b.FetcherName,
		Noise:       cfg.Noise(),
		Cache:       cache,
		Aliases:     aliases,
		Analyzer:    b.Analyzer,
		Metrics:     m,
		Logger:      logger,
	}
}

// endpointLabel reduces an RPC URL to its host so API keys in the query
// string never reach metric labels.
func endpointLabel(rpcURL string) string {
	u, err := url.Parse(rpcURL)
	if err != nil || u.Host == "" {
		return "rpc"
	}
	return u.Host
}
