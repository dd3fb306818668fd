package history

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/txn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tracked = "TrackedWa11et1111111111111111111111111111111"

// pageFetcher serves scripted pages and records the cursors it was asked for.
type pageFetcher struct {
	mu      sync.Mutex
	pages   [][]txn.Transaction
	errs    []error
	befores []string
	// gate, when non-nil, blocks each fetch until a value is received.
	gate    chan struct{}
	started chan struct{}
}

func (f *pageFetcher) FetchPage(ctx context.Context, account, before string) ([]txn.Transaction, error) {
	f.mu.Lock()
	call := len(f.befores)
	f.befores = append(f.befores, before)
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if call < len(f.errs) && f.errs[call] != nil {
		return nil, f.errs[call]
	}
	if call < len(f.pages) {
		return f.pages[call], nil
	}
	return nil, nil
}

func (f *pageFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.befores)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func transfer(sig string) txn.Transaction {
	return txn.Transaction{
		Signature: sig,
		Type:      txn.TypeTransfer,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: "M", TokenAmount: 1, FromUserAccount: tracked, ToUserAccount: "Other"},
		},
	}
}

func signatures(txs []txn.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.Signature)
	}
	return out
}

func TestLoadNext_PaginatesUntilExhausted(t *testing.T) {
	ctx := context.Background()
	fetcher := &pageFetcher{pages: [][]txn.Transaction{
		{transfer("A"), transfer("B"), transfer("C")},
		{transfer("D")},
		{},
	}}
	ctrl := NewController(ControllerConfig{
		Account: tracked,
		Fetcher: fetcher,
		Metrics: metrics.NewMetrics(prometheus.NewRegistry()),
		Logger:  testLogger(),
	})

	res := ctrl.LoadNext(ctx)
	assert.Equal(t, 3, res.Kept)
	assert.Equal(t, "C", res.Cursor)
	assert.Equal(t, StateIdle, res.State)

	res = ctrl.LoadNext(ctx)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, "D", res.Cursor)

	res = ctrl.LoadNext(ctx)
	assert.Equal(t, StateExhausted, res.State)
	assert.False(t, res.Skipped)
	assert.False(t, ctrl.HasMore())

	// Exhausted: no further fetch.
	res = ctrl.LoadNext(ctx)
	assert.True(t, res.Skipped)
	assert.Equal(t, 3, fetcher.calls())

	assert.Equal(t, []string{"A", "B", "C", "D"}, signatures(ctrl.Transactions()))
	assert.Equal(t, []string{"", "C", "D"}, fetcher.befores)
	assert.Equal(t, "D", ctrl.Cursor())
}

func TestLoadNext_CursorFollowsFilteredTransaction(t *testing.T) {
	swap := txn.Transaction{
		Signature: "Z",
		Type:      txn.TypeSwap,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: "M", FromUserAccount: "Someone", ToUserAccount: "Else"},
		},
	}
	fetcher := &pageFetcher{pages: [][]txn.Transaction{
		{transfer("A"), swap},
		{transfer("B")},
	}}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	res := ctrl.LoadNext(context.Background())
	assert.Equal(t, 2, res.Fetched)
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, "Z", ctrl.Cursor())
	assert.Equal(t, []string{"A"}, signatures(ctrl.Transactions()))

	ctrl.LoadNext(context.Background())
	assert.Equal(t, "Z", fetcher.befores[1])
}

func TestLoadNext_AllFilteredStillAdvances(t *testing.T) {
	noise := txn.Transaction{Signature: "N", Type: txn.TypeUnknown}
	fetcher := &pageFetcher{pages: [][]txn.Transaction{{noise}}}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	res := ctrl.LoadNext(context.Background())
	assert.Equal(t, StateIdle, res.State)
	assert.Zero(t, res.Kept)
	assert.Equal(t, "N", ctrl.Cursor())
	assert.Empty(t, ctrl.Transactions())
}

func TestLoadNext_NoiseKeptWhenAccountInvolved(t *testing.T) {
	mint := txn.Transaction{
		Signature: "M1",
		Type:      txn.TypeTokenMint,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: "M", ToUserAccount: tracked},
		},
	}
	untouched := txn.Transaction{Signature: "T1", Type: "NFT_SALE"}
	fetcher := &pageFetcher{pages: [][]txn.Transaction{{mint, untouched}}}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	ctrl.LoadNext(context.Background())
	assert.Equal(t, []string{"M1", "T1"}, signatures(ctrl.Transactions()))
}

func TestLoadNext_CustomNoiseSet(t *testing.T) {
	nft := txn.Transaction{Signature: "N1", Type: "NFT_SALE"}
	swap := txn.Transaction{Signature: "S1", Type: txn.TypeSwap}
	fetcher := &pageFetcher{pages: [][]txn.Transaction{{nft, swap}}}
	ctrl := NewController(ControllerConfig{
		Account: tracked,
		Fetcher: fetcher,
		Noise:   txn.NewNoiseSet("nft_sale"),
	})

	ctrl.LoadNext(context.Background())
	assert.Equal(t, []string{"S1"}, signatures(ctrl.Transactions()))
}

func TestLoadNext_FailureLeavesLogIntact(t *testing.T) {
	boom := errors.New("upstream unavailable")
	fetcher := &pageFetcher{
		pages: [][]txn.Transaction{{transfer("A"), transfer("B")}},
		errs:  []error{nil, boom},
	}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	ctrl.LoadNext(context.Background())
	res := ctrl.LoadNext(context.Background())

	require.Error(t, res.Err)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []string{"A", "B"}, signatures(ctrl.Transactions()))
	assert.Equal(t, "B", ctrl.Cursor())
	assert.ErrorIs(t, ctrl.LastError(), boom)
	assert.False(t, ctrl.HasMore())

	// Failed is terminal.
	res = ctrl.LoadNext(context.Background())
	assert.True(t, res.Skipped)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 2, fetcher.calls())
}

func TestLoadNext_SingleRequestInFlight(t *testing.T) {
	fetcher := &pageFetcher{
		pages:   [][]txn.Transaction{{transfer("A")}},
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	done := make(chan PageResult)
	go func() { done <- ctrl.LoadNext(context.Background()) }()
	<-fetcher.started
	assert.Equal(t, StateFetching, ctrl.State())

	var skipped atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ctrl.LoadNext(context.Background()).Skipped {
				skipped.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), skipped.Load())

	close(fetcher.gate)
	select {
	case res := <-done:
		assert.Equal(t, 1, res.Kept)
	case <-time.After(time.Second):
		t.Fatal("load did not complete")
	}
	assert.Equal(t, 1, fetcher.calls())
	assert.Equal(t, StateIdle, ctrl.State())
}

func TestLoadNext_SkipsRepeatedSignatures(t *testing.T) {
	fetcher := &pageFetcher{pages: [][]txn.Transaction{
		{transfer("A"), transfer("B")},
		{transfer("B"), transfer("C")},
	}}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	ctrl.LoadNext(context.Background())
	res := ctrl.LoadNext(context.Background())
	assert.Equal(t, 1, res.Kept)
	assert.Equal(t, []string{"A", "B", "C"}, signatures(ctrl.Transactions()))
}

func TestLoadNext_NotifiesObservers(t *testing.T) {
	fetcher := &pageFetcher{pages: [][]txn.Transaction{{transfer("A")}, {}}}
	ctrl := NewController(ControllerConfig{Account: tracked, Fetcher: fetcher})

	var seen []string
	ctrl.OnPage(func(ctx context.Context, account string, appended []txn.Transaction) {
		assert.Equal(t, tracked, account)
		seen = append(seen, signatures(appended)...)
	})

	ctrl.LoadNext(context.Background())
	ctrl.LoadNext(context.Background())
	assert.Equal(t, []string{"A"}, seen)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", StateIdle.String())
	assert.Equal(t, "exhausted", StateExhausted.String())
	text, err := StateFailed.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "failed", string(text))
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateFetching.Terminal())
}

func TestSnapshot_ConsistentDuringLoads(t *testing.T) {
	var pages [][]txn.Transaction
	for i := 0; i < 50; i++ {
		pages = append(pages, []txn.Transaction{transfer(fmt.Sprintf("P%d-a", i)), transfer(fmt.Sprintf("P%d-b", i))})
	}
	ctrl := NewController(ControllerConfig{
		Account: tracked,
		Fetcher: &pageFetcher{pages: pages},
		Logger:  testLogger(),
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctrl.LoadNext(context.Background()).State != StateExhausted {
		}
	}()

	for {
		snap := ctrl.Snapshot()
		if n := len(snap.Transactions); n > 0 {
			require.Equal(t, snap.Transactions[n-1].Signature, snap.Cursor)
		} else {
			require.Empty(t, snap.Cursor)
		}
		if snap.State == StateExhausted {
			break
		}
	}
	<-done

	snap := ctrl.Snapshot()
	assert.Len(t, snap.Transactions, 100)
	assert.Equal(t, "P49-b", snap.Cursor)
	assert.NoError(t, snap.LastError)
}
