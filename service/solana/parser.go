package solana

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strconv"
	"unicode/utf8"

	"github.com/brojonat/txscope/service/txn"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// Program sources reported for transactions built from raw RPC data.
const (
	SourceSystemProgram = "SYSTEM_PROGRAM"
	SourceTokenProgram  = "SOLANA_PROGRAM_LIBRARY"
)

// System Program instruction types
const (
	SystemProgramTransferInstruction = uint32(2)
)

const lamportsPerSOL = 1_000_000_000

// legacyMemoProgramID is the v1 memo program.
var legacyMemoProgramID = solana.MustPublicKeyFromBase58("Memo1UhkJRfHyvLMcVucJwxXeuD728EqVDDwQDxFMNo")

// signatureToTransaction builds a transaction from signature metadata only.
func signatureToTransaction(sig *rpc.TransactionSignature) txn.Transaction {
	tx := txn.Transaction{
		Signature: sig.Signature.String(),
		Type:      txn.TypeUnknown,
		Source:    txn.TypeUnknown,
	}
	if sig.BlockTime != nil {
		ts := int64(*sig.BlockTime)
		tx.Timestamp = &ts
	}
	if sig.Memo != nil {
		tx.Description = *sig.Memo
	}
	if sig.Err != nil {
		tx.Description = fmt.Sprintf("transaction failed: %v", sig.Err)
	}
	return tx
}

// parseTransaction builds a transaction from a getTransaction result. Native
// SOL moved by System Program transfers is reported as a transfer of the
// wrapped SOL mint; SPL token transfers are derived from the token balance
// changes in the transaction meta.
func parseTransaction(sig *rpc.TransactionSignature, result *rpc.GetTransactionResult) (txn.Transaction, error) {
	tx := signatureToTransaction(sig)
	if sig.Err != nil || result == nil {
		return tx, nil
	}
	if tx.Timestamp == nil && result.BlockTime != nil {
		ts := int64(*result.BlockTime)
		tx.Timestamp = &ts
	}
	if result.Meta != nil && result.Meta.Err != nil {
		tx.Description = fmt.Sprintf("transaction failed: %v", result.Meta.Err)
		return tx, nil
	}

	var keys solana.PublicKeySlice
	if result.Transaction != nil {
		decoded, err := result.Transaction.GetTransaction()
		if err != nil {
			return txn.Transaction{}, fmt.Errorf("failed to decode transaction: %w", err)
		}
		if decoded != nil {
			keys = append(keys, decoded.Message.AccountKeys...)
			if result.Meta != nil {
				keys = append(keys, result.Meta.LoadedAddresses.Writable...)
				keys = append(keys, result.Meta.LoadedAddresses.ReadOnly...)
			}

			for _, inst := range decoded.Message.Instructions {
				if int(inst.ProgramIDIndex) >= len(keys) {
					continue
				}
				programID := keys[inst.ProgramIDIndex]

				switch {
				case programID.Equals(solana.SystemProgramID):
					if tt, err := parseSystemTransfer(inst, keys); err == nil {
						tx.TokenTransfers = append(tx.TokenTransfers, tt)
						tx.Source = SourceSystemProgram
					}
				case programID.Equals(solana.TokenProgramID), programID.Equals(solana.Token2022ProgramID):
					tx.Source = SourceTokenProgram
				case programID.Equals(solana.MemoProgramID), programID.Equals(legacyMemoProgramID):
					if memo := parseMemo(inst.Data); memo != "" && tx.Description == "" {
						tx.Description = memo
					}
				}
			}
		}
	}

	if result.Meta != nil {
		tx.TokenTransfers = append(tx.TokenTransfers, tokenTransfers(result.Meta, keys)...)
	}

	if len(tx.TokenTransfers) > 0 {
		tx.Type = txn.TypeTransfer
	}
	return tx, nil
}

// parseSystemTransfer extracts a native SOL transfer from a System Program
// Transfer instruction.
func parseSystemTransfer(inst solana.CompiledInstruction, keys solana.PublicKeySlice) (txn.TokenTransfer, error) {
	// [0..4]  = instruction type (u32, 2 = Transfer)
	// [4..12] = lamports (u64)
	if len(inst.Data) < 12 {
		return txn.TokenTransfer{}, fmt.Errorf("instruction data too short: %d bytes", len(inst.Data))
	}
	if typ := binary.LittleEndian.Uint32(inst.Data[0:4]); typ != SystemProgramTransferInstruction {
		return txn.TokenTransfer{}, fmt.Errorf("not a transfer instruction: type %d", typ)
	}
	if len(inst.Accounts) < 2 {
		return txn.TokenTransfer{}, fmt.Errorf("transfer needs 2 accounts, got %d", len(inst.Accounts))
	}

	lamports := binary.LittleEndian.Uint64(inst.Data[4:12])
	tt := txn.TokenTransfer{
		Mint:        solana.SolMint.String(),
		TokenAmount: float64(lamports) / lamportsPerSOL,
	}
	if i := int(inst.Accounts[0]); i < len(keys) {
		tt.FromUserAccount = keys[i].String()
	}
	if i := int(inst.Accounts[1]); i < len(keys) {
		tt.ToUserAccount = keys[i].String()
	}
	return tt, nil
}

// balanceChange is the pre/post state of one token account.
type balanceChange struct {
	index    uint16
	owner    string
	mint     string
	decimals uint8
	pre      uint64
	post     uint64
}

// leg is one side of a transfer with the raw amount still to be paired.
type leg struct {
	owner     string
	remaining uint64
}

// tokenTransfers derives transfers from token balance changes. Within each
// mint, accounts whose balance fell are paired in order with accounts whose
// balance rose. Unpaired decreases become burns (no receiver) and unpaired
// increases become mints (no sender).
func tokenTransfers(meta *rpc.TransactionMeta, keys solana.PublicKeySlice) []txn.TokenTransfer {
	changes := make(map[uint16]*balanceChange, len(meta.PostTokenBalances))

	for _, post := range meta.PostTokenBalances {
		c := newBalanceChange(post, keys)
		c.post = rawAmount(post.UiTokenAmount)
		changes[post.AccountIndex] = c
	}
	for _, pre := range meta.PreTokenBalances {
		c, ok := changes[pre.AccountIndex]
		if !ok {
			// Closed during the transaction.
			c = newBalanceChange(pre, keys)
			changes[pre.AccountIndex] = c
		}
		c.pre = rawAmount(pre.UiTokenAmount)
	}

	ordered := make([]*balanceChange, 0, len(changes))
	for _, c := range changes {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].index < ordered[j].index })

	var mints []string
	decimals := make(map[string]uint8)
	senders := make(map[string][]*leg)
	receivers := make(map[string][]*leg)
	for _, c := range ordered {
		if c.pre == c.post {
			continue
		}
		if _, ok := decimals[c.mint]; !ok {
			mints = append(mints, c.mint)
			decimals[c.mint] = c.decimals
		}
		if c.pre > c.post {
			senders[c.mint] = append(senders[c.mint], &leg{owner: c.owner, remaining: c.pre - c.post})
		} else {
			receivers[c.mint] = append(receivers[c.mint], &leg{owner: c.owner, remaining: c.post - c.pre})
		}
	}

	var out []txn.TokenTransfer
	for _, mint := range mints {
		scale := math.Pow10(int(decimals[mint]))
		emit := func(from, to string, raw uint64) {
			out = append(out, txn.TokenTransfer{
				Mint:            mint,
				TokenAmount:     float64(raw) / scale,
				FromUserAccount: from,
				ToUserAccount:   to,
			})
		}

		from, to := senders[mint], receivers[mint]
		i, j := 0, 0
		for i < len(from) && j < len(to) {
			amount := min(from[i].remaining, to[j].remaining)
			emit(from[i].owner, to[j].owner, amount)
			from[i].remaining -= amount
			to[j].remaining -= amount
			if from[i].remaining == 0 {
				i++
			}
			if to[j].remaining == 0 {
				j++
			}
		}
		for ; i < len(from); i++ {
			emit(from[i].owner, "", from[i].remaining)
		}
		for ; j < len(to); j++ {
			emit("", to[j].owner, to[j].remaining)
		}
	}
	return out
}

func newBalanceChange(b rpc.TokenBalance, keys solana.PublicKeySlice) *balanceChange {
	c := &balanceChange{
		index: b.AccountIndex,
		mint:  b.Mint.String(),
	}
	if b.UiTokenAmount != nil {
		c.decimals = b.UiTokenAmount.Decimals
	}
	switch {
	case b.Owner != nil:
		c.owner = b.Owner.String()
	case int(b.AccountIndex) < len(keys):
		c.owner = keys[b.AccountIndex].String()
	}
	return c
}

func rawAmount(amount *rpc.UiTokenAmount) uint64 {
	if amount == nil {
		return 0
	}
	v, err := strconv.ParseUint(amount.Amount, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// parseMemo returns the memo text, decoding it when it is base64 encoded text.
func parseMemo(data []byte) string {
	memo := string(data)
	if decoded, err := base64.StdEncoding.DecodeString(memo); err == nil && isText(decoded) {
		return string(decoded)
	}
	return memo
}

func isText(b []byte) bool {
	if len(b) == 0 || !utf8.Valid(b) {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}
