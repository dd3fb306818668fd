package solana

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Defaults for FetcherConfig.
const (
	DefaultPageLimit   = 100
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
)

// FetcherConfig configures a Fetcher.
type FetcherConfig struct {
	// Endpoint labels metrics (e.g. "mainnet" or the RPC host).
	Endpoint string
	// Limit is the number of signatures requested per page.
	Limit int
	// MaxAttempts bounds GetTransaction calls per signature.
	MaxAttempts int
	// RetryDelay is the first backoff between attempts; it doubles each time.
	RetryDelay time.Duration
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Fetcher builds history pages from plain JSON-RPC: one
// getSignaturesForAddress call per page followed by getTransaction for every
// signature. Token transfers are derived from token balance changes.
type Fetcher struct {
	rpc         RPCClient
	endpoint    string
	limit       int
	maxAttempts int
	retryDelay  time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewFetcher creates a Fetcher. Zero config fields take their defaults.
func NewFetcher(rpcClient RPCClient, cfg FetcherConfig) *Fetcher {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultPageLimit
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "rpc"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Fetcher{
		rpc:         rpcClient,
		endpoint:    cfg.Endpoint,
		limit:       cfg.Limit,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "solana_fetcher"),
	}
}

// FetchPage returns up to Limit transactions of account older than before,
// newest first. A transaction whose details cannot be fetched is returned
// with its signature metadata only.
func (f *Fetcher) FetchPage(ctx context.Context, account, before string) ([]txn.Transaction, error) {
	wallet, err := solana.PublicKeyFromBase58(account)
	if err != nil {
		return nil, fmt.Errorf("invalid account %q: %w", account, err)
	}

	limit := f.limit
	opts := &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
	}
	if before != "" {
		sig, err := solana.SignatureFromBase58(before)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", before, err)
		}
		opts.Before = sig
	}

	f.logger.DebugContext(ctx, "calling GetSignaturesForAddress",
		"account", account,
		"limit", limit,
		"before", before,
	)

	start := time.Now()
	signatures, err := f.rpc.GetSignaturesForAddress(ctx, wallet, opts)
	f.record("GetSignaturesForAddress", err, start)
	if err != nil {
		return nil, fmt.Errorf("failed to get signatures for %s: %w", account, err)
	}

	page := make([]txn.Transaction, 0, len(signatures))
	for _, sig := range signatures {
		result, err := f.getTransaction(ctx, sig.Signature)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			f.logger.WarnContext(ctx, "failed to get transaction details, using signature only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			page = append(page, signatureToTransaction(sig))
			continue
		}

		tx, err := parseTransaction(sig, result)
		if err != nil {
			f.logger.WarnContext(ctx, "failed to parse transaction, using signature only",
				"signature", sig.Signature.String(),
				"error", err,
			)
			page = append(page, signatureToTransaction(sig))
			continue
		}
		page = append(page, tx)
	}

	f.logger.DebugContext(ctx, "fetched transaction page",
		"account", account,
		"count", len(page),
	)
	return page, nil
}

// getTransaction fetches one transaction, backing off between attempts and
// longer when rate limited.
func (f *Fetcher) getTransaction(ctx context.Context, sig solana.Signature) (*rpc.GetTransactionResult, error) {
	maxVersion := uint64(0)
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		MaxSupportedTransactionVersion: &maxVersion,
	}

	var lastErr error
	for attempt := range f.maxAttempts {
		if attempt > 0 {
			backoff := f.retryDelay << uint(attempt-1)
			if isRateLimited(lastErr) {
				backoff *= 2
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		result, err := f.rpc.GetTransaction(ctx, sig, opts)
		f.record("GetTransaction", err, start)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err

		reason := "timeout_or_error"
		if isRateLimited(err) {
			reason = "rate_limit"
			if f.metrics != nil {
				f.metrics.RecordRateLimitHit(f.endpoint)
			}
		}
		if attempt+1 < f.maxAttempts {
			f.logger.DebugContext(ctx, "retrying GetTransaction",
				"signature", sig.String(),
				"attempt", attempt+1,
				"reason", reason,
				"error", err,
			)
			if f.metrics != nil {
				f.metrics.RecordUpstreamRetry("GetTransaction", reason)
			}
		}
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (f *Fetcher) record(method string, err error, start time.Time) {
	if f.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	f.metrics.RecordUpstreamCall(method, status, f.endpoint, time.Since(start).Seconds())
}

func isRateLimited(err error) bool {
	return err != nil && strings.Contains(err.Error(), "429")
}
