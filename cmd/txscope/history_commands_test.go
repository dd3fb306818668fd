package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/txn"
	"github.com/itchyny/gojq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAccount = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"
	testOther   = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
	usdcMint    = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	bonkMint    = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
)

// runApp runs the CLI with args and returns what it wrote.
func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	app := newApp()
	app.Writer = &buf
	err := app.Run(append([]string{"txscope"}, args...))
	return buf.String(), err
}

func TestJQFilterMatching(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		jqFilter    string
		expectMatch bool
	}{
		{
			name:        "transfer name match",
			value:       `{"transfers": [{"name": "USD Coin", "direction": "out"}]}`,
			jqFilter:    `any(.transfers[]; .name == "USD Coin")`,
			expectMatch: true,
		},
		{
			name:        "transfer name mismatch",
			value:       `{"transfers": [{"name": "Bonk", "direction": "in"}]}`,
			jqFilter:    `any(.transfers[]; .name == "USD Coin")`,
			expectMatch: false,
		},
		{
			name:        "numeric comparison",
			value:       `{"transfers": [{"amount": 100}]}`,
			jqFilter:    `.transfers[0].amount > 50`,
			expectMatch: true,
		},
		{
			name:        "null result is not a match",
			value:       `{"signature": "S1"}`,
			jqFilter:    `.description`,
			expectMatch: false,
		},
		{
			name:        "string result is truthy",
			value:       `{"description": "hello"}`,
			jqFilter:    `.description`,
			expectMatch: true,
		},
		{
			name:        "runtime error is not a match",
			value:       `{"transfers": "not-an-array"}`,
			jqFilter:    `.transfers[0].amount`,
			expectMatch: false,
		},
		{
			name:        "empty output is not a match",
			value:       `{"transfers": []}`,
			jqFilter:    `.transfers[]`,
			expectMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v any
			require.NoError(t, json.Unmarshal([]byte(tt.value), &v))

			filters, err := compileFilters([]string{tt.jqFilter})
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, matchesFilters(filters, v))
		})
	}
}

func TestCompileFilters_Invalid(t *testing.T) {
	_, err := compileFilters([]string{`.a | `})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse jq filter")
}

func TestMatchesFilters_AllMustMatch(t *testing.T) {
	a, err := gojq.Parse(`.type == "TRANSFER"`)
	require.NoError(t, err)
	codeA, err := gojq.Compile(a)
	require.NoError(t, err)

	b, err := gojq.Parse(`.signature == "S2"`)
	require.NoError(t, err)
	codeB, err := gojq.Compile(b)
	require.NoError(t, err)

	v := map[string]any{"type": "TRANSFER", "signature": "S1"}
	assert.True(t, matchesFilters([]*gojq.Code{codeA}, v))
	assert.False(t, matchesFilters([]*gojq.Code{codeA, codeB}, v))
	assert.True(t, matchesFilters(nil, v))
}

func TestFilterViews(t *testing.T) {
	views := []history.TransactionView{
		{Signature: "S1", Transfers: []history.TransferView{{Name: "USD Coin", Direction: "out", Amount: 5}}},
		{Signature: "S2", Transfers: []history.TransferView{{Name: "Bonk", Direction: "in", Amount: 1000}}},
	}
	filters, err := compileFilters([]string{`any(.transfers[]; .direction == "in")`})
	require.NoError(t, err)

	got, err := filterViews(filters, views)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "S2", got[0].Signature)

	got, err = filterViews(nil, views)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0.0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy([]any{}))
}

func TestParseCommand(t *testing.T) {
	out, err := runApp(t, "parse", "sent", "usdc")
	require.NoError(t, err)
	assert.Contains(t, out, "Action:")
	assert.Contains(t, out, "send")
	assert.Contains(t, out, usdcMint+" (usdc)")

	out, err = runApp(t, "parse", "nothing", "here")
	require.NoError(t, err)
	assert.Contains(t, out, "every transaction matches")
}

func TestParseCommand_JSON(t *testing.T) {
	out, err := runApp(t, "--json", "parse", "received", "from", "jupiter")
	require.NoError(t, err)

	var c query.Criteria
	require.NoError(t, json.Unmarshal([]byte(out), &c), out)
	assert.Equal(t, query.ActionReceive, c.Action)
	assert.Equal(t, "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", c.Source)
}

// fakeHelius serves enhanced transactions and DAS getAsset.
type fakeHelius struct {
	mu      sync.Mutex
	pages   [][]txn.Transaction
	befores []string
	assets  map[string]string
}

func (f *fakeHelius) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("api-key"))
		w.Header().Set("Content-Type", "application/json")

		if r.Method == http.MethodPost {
			var req struct {
				Params map[string]string `json:"params"`
			}
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			name := f.assets[req.Params["id"]]
			json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      "txscope",
				"result": map[string]any{
					"content": map[string]any{
						"metadata": map[string]string{"name": name},
						"links":    map[string]string{"image": "https://img.example/" + name},
					},
				},
			})
			return
		}

		assert.Equal(t, "/v0/addresses/"+testAccount+"/transactions", r.URL.Path)
		f.mu.Lock()
		call := len(f.befores)
		f.befores = append(f.befores, r.URL.Query().Get("before"))
		f.mu.Unlock()

		page := []txn.Transaction{}
		if call < len(f.pages) {
			page = f.pages[call]
		}
		json.NewEncoder(w).Encode(page)
	})
}

func heliusPages() [][]txn.Transaction {
	ts := int64(1700000000)
	return [][]txn.Transaction{
		{
			{
				Signature: "S1",
				Type:      txn.TypeTransfer,
				Source:    "SYSTEM_PROGRAM",
				Timestamp: &ts,
				TokenTransfers: []txn.TokenTransfer{
					{Mint: usdcMint, TokenAmount: 5, FromUserAccount: testAccount, ToUserAccount: testOther},
				},
			},
			{
				Signature: "S2",
				Type:      txn.TypeSwap,
				Timestamp: &ts,
				TokenTransfers: []txn.TokenTransfer{
					{Mint: bonkMint, TokenAmount: 7, FromUserAccount: testOther, ToUserAccount: "SomeoneElse"},
				},
			},
		},
		{
			{
				Signature: "S3",
				Type:      txn.TypeTransfer,
				TokenTransfers: []txn.TokenTransfer{
					{Mint: bonkMint, TokenAmount: 1000, FromUserAccount: testOther, ToUserAccount: testAccount},
				},
			},
		},
	}
}

func TestHistoryCommand(t *testing.T) {
	fake := &fakeHelius{pages: heliusPages(), assets: map[string]string{usdcMint: "USD Coin", bonkMint: "Bonk"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	out, err := runApp(t, "history",
		"--helius-api-key", "test-key",
		"--helius-api-url", srv.URL,
		"--helius-rpc-url", srv.URL,
		"--pages", "5",
		testAccount,
	)
	require.NoError(t, err)

	// The swap that never touches the account is noise.
	assert.Contains(t, out, "2 of 2 loaded transactions match")
	assert.Contains(t, out, "S1")
	assert.Contains(t, out, "S3")
	assert.NotContains(t, out, "S2")
	assert.Contains(t, out, "USD Coin")
	assert.Contains(t, out, "System Program")
	assert.Contains(t, out, "state: exhausted")
	assert.Equal(t, []string{"", "S2", "S3"}, fake.befores)
}

// runHistory runs the history command in JSON mode against a fresh indexer
// and returns the printed views.
func runHistory(t *testing.T, args ...string) []history.TransactionView {
	t.Helper()
	fake := &fakeHelius{pages: heliusPages(), assets: map[string]string{usdcMint: "USD Coin", bonkMint: "Bonk"}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	base := []string{"--json", "history",
		"--helius-api-key", "test-key",
		"--helius-api-url", srv.URL,
		"--helius-rpc-url", srv.URL,
		"--pages", "2",
	}
	out, err := runApp(t, append(append(base, args...), testAccount)...)
	require.NoError(t, err)

	var views []history.TransactionView
	require.NoError(t, json.Unmarshal([]byte(out), &views), out)
	return views
}

func TestHistoryCommand_QueryAndJQ(t *testing.T) {
	views := runHistory(t, "--query", "received bonk")
	require.Len(t, views, 1)
	assert.Equal(t, "S3", views[0].Signature)
	assert.Equal(t, "Bonk", views[0].Transfers[0].Name)
	assert.Equal(t, "in", views[0].Transfers[0].Direction)

	views = runHistory(t, "--jq", `any(.transfers[]; .amount < 10)`)
	require.Len(t, views, 1)
	assert.Equal(t, "S1", views[0].Signature)

	views = runHistory(t, "--query", "sent usdc", "--jq", `any(.transfers[]; .direction == "in")`)
	assert.Empty(t, views)
}

func TestHistoryCommand_InvalidInput(t *testing.T) {
	_, err := runApp(t, "history", "--helius-api-key", "k")
	assert.ErrorContains(t, err, "account address is required")

	_, err = runApp(t, "history", "--helius-api-key", "k", "not-an-address")
	assert.ErrorContains(t, err, "invalid account address")

	_, err = runApp(t, "history", "--helius-api-key", "k", "--jq", ".a |", testAccount)
	assert.ErrorContains(t, err, "jq filter")

	_, err = runApp(t, "history", "--helius-api-key", "k", "--pages", "0", testAccount)
	assert.ErrorContains(t, err, "--pages")
}

func TestPrintViews(t *testing.T) {
	var buf bytes.Buffer
	printViews(&buf, []history.TransactionView{{
		Signature:   "S9",
		TypeLabel:   "General Transfer",
		Description: "memo text",
		Transfers: []history.TransferView{
			{Name: "USD Coin", Amount: 1.5, From: testAccount, Direction: "out"},
		},
	}})
	out := buf.String()
	assert.Contains(t, out, "General Transfer  S9")
	assert.Contains(t, out, "memo text")
	assert.Contains(t, out, "-> 1.5 USD Coin")
	assert.Contains(t, out, "9WzD...AWWM → -")
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "-"))
}
