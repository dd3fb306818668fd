package query

import "github.com/brojonat/txscope/service/txn"

// Matches reports whether tx satisfies c from the point of view of account,
// the tracked account used for send/receive checks.
//
// All active transfer-level fields must hold for the same transfer; a
// transaction whose transfers satisfy them only jointly does not match.
func Matches(tx txn.Transaction, c Criteria, account string) bool {
	if c.IsEmpty() {
		return true
	}

	if c.Type != "" && tx.Type != c.Type {
		return false
	}

	if len(tx.TokenTransfers) == 0 {
		return !c.needsTransfer()
	}

	for _, tt := range tx.TokenTransfers {
		if transferMatches(tt, c, account) {
			return true
		}
	}
	return false
}

func transferMatches(tt txn.TokenTransfer, c Criteria, account string) bool {
	if c.Token != "" && tt.Mint != c.Token {
		return false
	}
	switch c.Action {
	case ActionSend:
		if tt.FromUserAccount != account {
			return false
		}
	case ActionReceive:
		if tt.ToUserAccount != account {
			return false
		}
	}
	if c.Destination != "" && tt.ToUserAccount != c.Destination {
		return false
	}
	if c.Source != "" && tt.FromUserAccount != c.Source {
		return false
	}
	return true
}

// Filter returns the transactions of txs matching c, preserving order.
func Filter(txs []txn.Transaction, c Criteria, account string) []txn.Transaction {
	if c.IsEmpty() {
		out := make([]txn.Transaction, len(txs))
		copy(out, txs)
		return out
	}
	out := make([]txn.Transaction, 0, len(txs))
	for _, tx := range txs {
		if Matches(tx, c, account) {
			out = append(out, tx)
		}
	}
	return out
}
