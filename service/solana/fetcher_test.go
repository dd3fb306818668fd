package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu           sync.Mutex
	signatures   []*rpc.TransactionSignature
	transactions map[string]*rpc.GetTransactionResult
	sigErr       error
	// txErrs holds the errors returned by successive GetTransaction calls.
	txErrs   []error
	txCalls  int
	lastOpts *rpc.GetSignaturesForAddressOpts
}

func (m *mockRPCClient) GetSignaturesForAddress(
	ctx context.Context,
	address solana.PublicKey,
	opts *rpc.GetSignaturesForAddressOpts,
) ([]*rpc.TransactionSignature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastOpts = opts
	if m.sigErr != nil {
		return nil, m.sigErr
	}
	return m.signatures, nil
}

func (m *mockRPCClient) GetTransaction(
	ctx context.Context,
	signature solana.Signature,
	opts *rpc.GetTransactionOpts,
) (*rpc.GetTransactionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.txCalls
	m.txCalls++
	if call < len(m.txErrs) && m.txErrs[call] != nil {
		return nil, m.txErrs[call]
	}
	return m.transactions[signature.String()], nil
}

func newTestFetcher(mock *mockRPCClient) *Fetcher {
	return NewFetcher(mock, FetcherConfig{
		Endpoint:   "test",
		Limit:      25,
		RetryDelay: time.Millisecond,
		Metrics:    metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func usdcTransfer() *rpc.GetTransactionResult {
	return &rpc.GetTransactionResult{
		Meta: &rpc.TransactionMeta{
			PreTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, walletA, usdcMint, "2000000", 6),
			},
			PostTokenBalances: []rpc.TokenBalance{
				tokenBalance(1, walletA, usdcMint, "1000000", 6),
				tokenBalance(2, walletB, usdcMint, "1000000", 6),
			},
		},
	}
}

func TestFetchPage_FirstPage(t *testing.T) {
	mock := &mockRPCClient{
		signatures:   []*rpc.TransactionSignature{signatureMeta(1700000000)},
		transactions: map[string]*rpc.GetTransactionResult{testSig.String(): usdcTransfer()},
	}

	page, err := newTestFetcher(mock).FetchPage(context.Background(), walletA.String(), "")
	require.NoError(t, err)
	require.Len(t, page, 1)

	assert.Equal(t, testSig.String(), page[0].Signature)
	require.Len(t, page[0].TokenTransfers, 1)
	assert.Equal(t, 1.0, page[0].TokenTransfers[0].TokenAmount)

	require.NotNil(t, mock.lastOpts)
	assert.True(t, mock.lastOpts.Before.IsZero())
	require.NotNil(t, mock.lastOpts.Limit)
	assert.Equal(t, 25, *mock.lastOpts.Limit)
}

func TestFetchPage_PassesCursor(t *testing.T) {
	mock := &mockRPCClient{}

	page, err := newTestFetcher(mock).FetchPage(context.Background(), walletA.String(), testSig.String())
	require.NoError(t, err)
	assert.Empty(t, page)
	assert.Equal(t, testSig, mock.lastOpts.Before)
}

func TestFetchPage_InvalidInput(t *testing.T) {
	f := newTestFetcher(&mockRPCClient{})

	_, err := f.FetchPage(context.Background(), "not-an-address", "")
	assert.ErrorContains(t, err, "invalid account")

	_, err = f.FetchPage(context.Background(), walletA.String(), "bad-cursor")
	assert.ErrorContains(t, err, "invalid cursor")
}

func TestFetchPage_SignatureError(t *testing.T) {
	mock := &mockRPCClient{sigErr: errors.New("node unavailable")}

	_, err := newTestFetcher(mock).FetchPage(context.Background(), walletA.String(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node unavailable")
}

func TestFetchPage_RetriesTransaction(t *testing.T) {
	mock := &mockRPCClient{
		signatures:   []*rpc.TransactionSignature{signatureMeta(1700000000)},
		transactions: map[string]*rpc.GetTransactionResult{testSig.String(): usdcTransfer()},
		txErrs:       []error{errors.New("429 Too Many Requests")},
	}

	page, err := newTestFetcher(mock).FetchPage(context.Background(), walletA.String(), "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Len(t, page[0].TokenTransfers, 1)
	assert.Equal(t, 2, mock.txCalls)
}

func TestFetchPage_FallsBackToSignatureMetadata(t *testing.T) {
	boom := errors.New("transaction pruned")
	mock := &mockRPCClient{
		signatures: []*rpc.TransactionSignature{signatureMeta(1700000000)},
		txErrs:     []error{boom, boom, boom},
	}

	page, err := newTestFetcher(mock).FetchPage(context.Background(), walletA.String(), "")
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, testSig.String(), page[0].Signature)
	assert.Equal(t, "UNKNOWN", page[0].Type)
	assert.Empty(t, page[0].TokenTransfers)
	assert.Equal(t, DefaultMaxAttempts, mock.txCalls)
}
