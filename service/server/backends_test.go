package server

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/txscope/service/config"
	"github.com/brojonat/txscope/service/helius"
	"github.com/brojonat/txscope/service/solana"
	"github.com/brojonat/txscope/service/txn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig() *config.Config {
	return &config.Config{
		HeliusAPIURL:         helius.DefaultAPIURL,
		HeliusRPCURL:         helius.DefaultRPCURL,
		NoiseTypes:           txn.DefaultNoiseTypes,
		FetchTimeout:         30 * time.Second,
		PageLimit:            100,
		MetadataMaxAttempts:  3,
		MetadataRetryBackoff: 5 * time.Second,
		MetadataConcurrency:  8,
	}
}

func TestNewBackends_Helius(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := baseConfig()
	cfg.HeliusAPIKey = "key"
	cfg.SolanaRPCURL = "https://api.mainnet-beta.solana.com"

	b, err := NewBackends(cfg, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, "helius", b.FetcherName)
	assert.IsType(t, &helius.Client{}, b.Fetcher)
	assert.NotNil(t, b.Metadata)
	assert.Nil(t, b.Analyzer)
	assert.NotNil(t, b.NewCache(cfg, nil, logger))
}

func TestNewBackends_RPC(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := baseConfig()
	cfg.SolanaRPCURL = "https://rpc.example.com/?api-key=secret"
	cfg.AnthropicAPIKey = "anthropic-key"

	b, err := NewBackends(cfg, nil, logger)
	require.NoError(t, err)
	assert.Equal(t, "rpc", b.FetcherName)
	assert.IsType(t, &solana.Fetcher{}, b.Fetcher)
	assert.Nil(t, b.Metadata)
	assert.Nil(t, b.NewCache(cfg, nil, logger))
	assert.NotNil(t, b.Analyzer)

	sc := b.SessionConfig(cfg, nil, nil, nil, logger)
	assert.Equal(t, "rpc", sc.FetcherName)
	assert.True(t, sc.Noise.Contains(txn.TypeSwap))
	assert.Nil(t, sc.Cache)
}

func TestNewBackends_NoSource(t *testing.T) {
	_, err := NewBackends(baseConfig(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.ErrorContains(t, err, "no history source")
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "rpc.example.com", endpointLabel("https://rpc.example.com/?api-key=secret"))
	assert.Equal(t, "rpc", endpointLabel("::not a url"))
}
