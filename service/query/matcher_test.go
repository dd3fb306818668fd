package query

import (
	"testing"

	"github.com/brojonat/txscope/service/txn"
	"github.com/stretchr/testify/assert"
)

const tracked = "Tracked11111111111111111111111111111111111"

func TestMatches_IdentityLaw(t *testing.T) {
	txs := []txn.Transaction{
		{Signature: "a", Type: txn.TypeUnknown},
		{Signature: "b", Type: txn.TypeSwap, TokenTransfers: []txn.TokenTransfer{{Mint: usdcMint}}},
		{Signature: "c"},
	}
	for _, tx := range txs {
		assert.True(t, Matches(tx, Criteria{}, tracked), tx.Signature)
	}
}

func TestMatches_SingleTransferMustSatisfyAllFields(t *testing.T) {
	tx := txn.Transaction{
		Signature: "two-transfers",
		Type:      txn.TypeTransfer,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: usdcMint, FromUserAccount: tracked, ToUserAccount: "someone"},
			{Mint: bonkMint, FromUserAccount: "other", ToUserAccount: walletDest},
		},
	}

	assert.False(t, Matches(tx, Criteria{Token: usdcMint, Action: ActionSend, Destination: walletDest}, tracked))
	assert.True(t, Matches(tx, Criteria{Token: usdcMint, Action: ActionSend}, tracked))
	assert.True(t, Matches(tx, Criteria{Destination: walletDest}, tracked))
}

func TestMatches(t *testing.T) {
	send := txn.Transaction{
		Signature: "send",
		Type:      txn.TypeTransfer,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: usdcMint, TokenAmount: 5, FromUserAccount: tracked, ToUserAccount: walletDest},
		},
	}
	receive := txn.Transaction{
		Signature: "receive",
		Type:      txn.TypeSwap,
		TokenTransfers: []txn.TokenTransfer{
			{Mint: bonkMint, TokenAmount: 1000, FromUserAccount: walletSource, ToUserAccount: tracked},
		},
	}
	bare := txn.Transaction{Signature: "bare", Type: txn.TypeTokenMint}

	tests := []struct {
		name string
		tx   txn.Transaction
		c    Criteria
		want bool
	}{
		{"send matches send", send, Criteria{Action: ActionSend}, true},
		{"send does not match receive", send, Criteria{Action: ActionReceive}, false},
		{"receive matches receive", receive, Criteria{Action: ActionReceive}, true},
		{"token mismatch", send, Criteria{Token: bonkMint}, false},
		{"source match", receive, Criteria{Source: walletSource}, true},
		{"source mismatch", receive, Criteria{Source: walletDest}, false},
		{"destination match", send, Criteria{Destination: walletDest, Token: usdcMint}, true},
		{"type mismatch short-circuits", receive, Criteria{Type: txn.TypeTokenMint}, false},
		{"type match with transfers", receive, Criteria{Type: txn.TypeSwap, Action: ActionReceive}, true},
		{"bare type-only match", bare, Criteria{Type: txn.TypeTokenMint}, true},
		{"bare type mismatch", bare, Criteria{Type: txn.TypeSwap}, false},
		{"bare with token needs transfers", bare, Criteria{Token: usdcMint}, false},
		{"bare with type and action", bare, Criteria{Type: txn.TypeTokenMint, Action: ActionSend}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.tx, tt.c, tracked))
		})
	}
}

func TestFilter_PreservesOrder(t *testing.T) {
	txs := []txn.Transaction{
		{Signature: "1", Type: txn.TypeTransfer, TokenTransfers: []txn.TokenTransfer{{Mint: usdcMint, FromUserAccount: tracked}}},
		{Signature: "2", Type: txn.TypeTransfer, TokenTransfers: []txn.TokenTransfer{{Mint: bonkMint, FromUserAccount: tracked}}},
		{Signature: "3", Type: txn.TypeTransfer, TokenTransfers: []txn.TokenTransfer{{Mint: usdcMint, ToUserAccount: tracked}}},
	}

	got := Filter(txs, Criteria{Token: usdcMint}, tracked)
	if assert.Len(t, got, 2) {
		assert.Equal(t, "1", got[0].Signature)
		assert.Equal(t, "3", got[1].Signature)
	}

	all := Filter(txs, Criteria{}, tracked)
	assert.Equal(t, txs, all)
}
