package helius

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/brojonat/txscope/service/txn"
)

// FetchPage returns the enhanced transactions of account older than before,
// newest first. An empty before starts from the newest transaction.
func (c *Client) FetchPage(ctx context.Context, account, before string) ([]txn.Transaction, error) {
	endpoint := strings.TrimRight(c.apiURL, "/") + "/v0/addresses/" + url.PathEscape(account) + "/transactions"

	q := url.Values{}
	q.Set("api-key", c.apiKey)
	if before != "" {
		q.Set("before", before)
	}
	target := endpoint + "?" + q.Encode()

	body, err := c.do(ctx, "addressTransactions", "enhanced", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch transactions for %s: %w", account, err)
	}

	var page []txn.Transaction
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode transactions for %s: %w", account, err)
	}

	c.logger.DebugContext(ctx, "fetched enhanced transactions",
		"account", account,
		"before", before,
		"count", len(page),
	)
	return page, nil
}
