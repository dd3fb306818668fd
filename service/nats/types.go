package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/txscope/service/txn"
)

// SubjectPrefix prefixes the per-account subject "txscope.pages.{account}".
const SubjectPrefix = "txscope.pages"

// Subject returns the subject page events of account are published to.
func Subject(account string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, account)
}

// TransactionEvent is the summary of one transaction appended to a session.
type TransactionEvent struct {
	Signature   string     `json:"signature"`
	Type        string     `json:"type"`
	Source      string     `json:"source,omitempty"`
	Description string     `json:"description,omitempty"`
	BlockTime   *time.Time `json:"block_time,omitempty"`
	Mints       []string   `json:"mints,omitempty"`
}

// PageEvent announces that a page was appended to an account's log.
type PageEvent struct {
	Account      string             `json:"account"`
	Transactions []TransactionEvent `json:"transactions"`
	PublishedAt  time.Time          `json:"published_at"`
}

// NewPageEvent builds the event for the transactions appended to account.
func NewPageEvent(account string, appended []txn.Transaction) *PageEvent {
	event := &PageEvent{
		Account:      account,
		Transactions: make([]TransactionEvent, 0, len(appended)),
		PublishedAt:  time.Now().UTC(),
	}
	for _, tx := range appended {
		te := TransactionEvent{
			Signature:   tx.Signature,
			Type:        tx.Type,
			Source:      tx.Source,
			Description: tx.Description,
			Mints:       tx.Mints(),
		}
		if tx.Timestamp != nil {
			bt := tx.Time()
			te.BlockTime = &bt
		}
		event.Transactions = append(event.Transactions, te)
	}
	return event
}
