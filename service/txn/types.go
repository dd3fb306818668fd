package txn

import (
	"strings"
	"time"
)

// Transaction is a single enriched transaction as returned by the indexer.
// Values are immutable once fetched; the JSON tags follow the Helius
// enhanced-transactions wire format.
type Transaction struct {
	Signature      string          `json:"signature"`
	Type           string          `json:"type"`
	Source         string          `json:"source"`
	Destination    string          `json:"destination,omitempty"`
	Description    string          `json:"description,omitempty"`
	Timestamp      *int64          `json:"timestamp,omitempty"` // seconds since epoch
	TokenTransfers []TokenTransfer `json:"tokenTransfers"`
}

// TokenTransfer is one token movement inside a transaction.
// Either account may be empty when the indexer could not determine it.
type TokenTransfer struct {
	Mint            string  `json:"mint"`
	TokenAmount     float64 `json:"tokenAmount"`
	FromUserAccount string  `json:"fromUserAccount,omitempty"`
	ToUserAccount   string  `json:"toUserAccount,omitempty"`
}

// Well-known transaction types.
const (
	TypeSwap      = "SWAP"
	TypeTokenMint = "TOKEN_MINT"
	TypeUnknown   = "UNKNOWN"
	TypeTransfer  = "TRANSFER"
)

// KnownTypes are the transaction types the indexer reports that a search may
// filter on.
var KnownTypes = []string{
	TypeTransfer, TypeSwap, TypeTokenMint, TypeUnknown,
	"BURN", "NFT_SALE", "NFT_MINT", "NFT_LISTING", "NFT_BID",
	"COMPRESSED_NFT_MINT", "STAKE_SOL", "UNSTAKE_SOL", "CREATE_ACCOUNT",
}

// IsKnownType reports whether typ, upper-cased, is one of KnownTypes.
func IsKnownType(typ string) bool {
	typ = strings.ToUpper(typ)
	for _, k := range KnownTypes {
		if k == typ {
			return true
		}
	}
	return false
}

// DefaultNoiseTypes are the types that are only kept when one of their
// transfers touches the tracked account.
var DefaultNoiseTypes = []string{TypeTokenMint, TypeSwap, TypeUnknown}

// Time returns the block time, or the zero time when the indexer did not
// report one.
func (t Transaction) Time() time.Time {
	if t.Timestamp == nil {
		return time.Time{}
	}
	return time.Unix(*t.Timestamp, 0).UTC()
}

// Touches reports whether the transfer moves tokens from or to account.
func (tt TokenTransfer) Touches(account string) bool {
	return tt.FromUserAccount == account || tt.ToUserAccount == account
}

// Involves reports whether any transfer of the transaction touches account.
func (t Transaction) Involves(account string) bool {
	for _, tt := range t.TokenTransfers {
		if tt.Touches(account) {
			return true
		}
	}
	return false
}

// Mints returns the distinct mints of the transaction's transfers in order of
// first appearance.
func (t Transaction) Mints() []string {
	seen := make(map[string]struct{}, len(t.TokenTransfers))
	mints := make([]string, 0, len(t.TokenTransfers))
	for _, tt := range t.TokenTransfers {
		if tt.Mint == "" {
			continue
		}
		if _, ok := seen[tt.Mint]; ok {
			continue
		}
		seen[tt.Mint] = struct{}{}
		mints = append(mints, tt.Mint)
	}
	return mints
}

// NoiseSet is the set of transaction types subject to the account-relevance
// pre-filter.
type NoiseSet map[string]struct{}

// NewNoiseSet builds a NoiseSet from type names. Names are upper-cased.
func NewNoiseSet(types ...string) NoiseSet {
	s := make(NoiseSet, len(types))
	for _, typ := range types {
		typ = strings.ToUpper(strings.TrimSpace(typ))
		if typ != "" {
			s[typ] = struct{}{}
		}
	}
	return s
}

// Contains reports whether typ is a noise type.
func (s NoiseSet) Contains(typ string) bool {
	_, ok := s[typ]
	return ok
}

// Relevant reports whether tx should enter the log of account: noise types
// need a transfer touching the account, everything else is kept.
func (s NoiseSet) Relevant(tx Transaction, account string) bool {
	if !s.Contains(tx.Type) {
		return true
	}
	return tx.Involves(account)
}

// RelevantTransfers returns the transfers worth displaying for account. For
// noise types only the transfers touching the account are returned.
func (s NoiseSet) RelevantTransfers(tx Transaction, account string) []TokenTransfer {
	if !s.Contains(tx.Type) {
		return tx.TokenTransfers
	}
	out := make([]TokenTransfer, 0, len(tx.TokenTransfers))
	for _, tt := range tx.TokenTransfers {
		if tt.Touches(account) {
			out = append(out, tt)
		}
	}
	return out
}
