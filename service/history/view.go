package history

import (
	"time"

	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/txn"
)

// TransferView is a token transfer with its resolved token metadata.
type TransferView struct {
	Mint   string  `json:"mint"`
	Name   string  `json:"name"`
	Image  string  `json:"image,omitempty"`
	Amount float64 `json:"amount"`
	From   string  `json:"from,omitempty"`
	To     string  `json:"to,omitempty"`
	// Direction is "out" or "in" relative to the tracked account, empty when
	// the account is on neither side.
	Direction string `json:"direction,omitempty"`
}

// TransactionView is the display form of a transaction.
type TransactionView struct {
	Signature   string         `json:"signature"`
	Type        string         `json:"type"`
	TypeLabel   string         `json:"type_label"`
	Source      string         `json:"source"`
	SourceLabel string         `json:"source_label"`
	Description string         `json:"description,omitempty"`
	Time        *time.Time     `json:"time,omitempty"`
	Transfers   []TransferView `json:"transfers"`
}

// RelevantTransfers returns the transfers worth displaying: for noise types
// only the ones touching account, otherwise all of them.
func RelevantTransfers(tx txn.Transaction, account string, noise txn.NoiseSet) []txn.TokenTransfer {
	return noise.RelevantTransfers(tx, account)
}

// NewTransactionView renders tx. cache may be nil, in which case every token
// shows the unknown name.
func NewTransactionView(tx txn.Transaction, account string, noise txn.NoiseSet, cache *metadata.Cache) TransactionView {
	v := TransactionView{
		Signature:   tx.Signature,
		Type:        tx.Type,
		TypeLabel:   txn.TypeLabel(tx.Type),
		Source:      tx.Source,
		SourceLabel: txn.SourceLabel(tx.Source),
		Description: tx.Description,
	}
	if tx.Timestamp != nil {
		t := tx.Time()
		v.Time = &t
	}

	transfers := RelevantTransfers(tx, account, noise)
	v.Transfers = make([]TransferView, 0, len(transfers))
	for _, tt := range transfers {
		tv := TransferView{
			Mint:   tt.Mint,
			Name:   metadata.UnknownName,
			Amount: tt.TokenAmount,
			From:   tt.FromUserAccount,
			To:     tt.ToUserAccount,
		}
		if cache != nil {
			if meta, ok := cache.Get(tt.Mint); ok {
				tv.Name = meta.Name
				tv.Image = meta.Image
			}
		}
		switch account {
		case tt.FromUserAccount:
			tv.Direction = "out"
		case tt.ToUserAccount:
			tv.Direction = "in"
		}
		v.Transfers = append(v.Transfers, tv)
	}
	return v
}
