package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/txn"
)

// Fetcher returns one page of an account's transactions, newest first,
// starting strictly before the given signature. An empty before starts from
// the newest transaction; an empty page means there is nothing older.
type Fetcher interface {
	FetchPage(ctx context.Context, account, before string) ([]txn.Transaction, error)
}

// State is the pagination state of a Controller.
type State int

const (
	// StateIdle accepts the next load request.
	StateIdle State = iota
	// StateFetching has a page request in flight.
	StateFetching
	// StateExhausted is terminal: the upstream returned an empty page.
	StateExhausted
	// StateFailed is terminal: a page request failed.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether no further page will be requested.
func (s State) Terminal() bool {
	return s == StateExhausted || s == StateFailed
}

// PageResult describes the outcome of one LoadNext call.
type PageResult struct {
	// Skipped is set when no request was made because another load was in
	// flight or pagination already ended.
	Skipped bool
	// Fetched is the size of the raw page; Kept the number appended.
	Fetched int
	Kept    int
	Cursor  string
	State   State
	// Err is the fetch failure that moved the controller to StateFailed.
	Err error
	// Appended holds the transactions added to the log by this call.
	Appended []txn.Transaction
}

// PageObserver is notified after each page is appended.
type PageObserver func(ctx context.Context, account string, appended []txn.Transaction)

// ControllerConfig contains the dependencies of a Controller.
type ControllerConfig struct {
	Account string
	Fetcher Fetcher
	// FetcherName labels metrics (e.g. "helius", "rpc").
	FetcherName string
	// Noise is the set of types subject to the account-relevance filter.
	// Nil means txn.DefaultNoiseTypes.
	Noise   txn.NoiseSet
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Controller drives cursor-based pagination for one account and owns the
// append-only transaction log.
type Controller struct {
	account     string
	fetcher     Fetcher
	fetcherName string
	noise       txn.NoiseSet
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu        sync.Mutex
	state     State
	cursor    string
	log       []txn.Transaction
	seen      map[string]struct{}
	lastErr   error
	observers []PageObserver
}

// NewController creates a controller in StateIdle with an empty log.
func NewController(cfg ControllerConfig) *Controller {
	if cfg.Noise == nil {
		cfg.Noise = txn.NewNoiseSet(txn.DefaultNoiseTypes...)
	}
	if cfg.FetcherName == "" {
		cfg.FetcherName = "default"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Controller{
		account:     cfg.Account,
		fetcher:     cfg.Fetcher,
		fetcherName: cfg.FetcherName,
		noise:       cfg.Noise,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger.With("component", "pagination", "account", cfg.Account),
		seen:        make(map[string]struct{}),
	}
}

// OnPage registers an observer called after every non-empty append.
func (c *Controller) OnPage(fn PageObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// LoadNext requests the page following the current cursor and appends the
// relevant transactions to the log. At most one request is in flight: a call
// made while fetching, or after pagination ended, returns a skipped result
// without contacting the fetcher. Fetch failures never surface as errors;
// they leave the log untouched and move the controller to StateFailed.
func (c *Controller) LoadNext(ctx context.Context) PageResult {
	c.mu.Lock()
	if c.state != StateIdle {
		res := PageResult{Skipped: true, State: c.state, Cursor: c.cursor, Err: c.lastErr}
		c.mu.Unlock()
		return res
	}
	c.state = StateFetching
	cursor := c.cursor
	c.mu.Unlock()

	c.logger.DebugContext(ctx, "fetching transaction page", "before", cursor)

	page, err := c.fetcher.FetchPage(ctx, c.account, cursor)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailed
		c.lastErr = err
		c.mu.Unlock()

		c.logger.WarnContext(ctx, "failed to fetch transaction page, stopping pagination",
			"before", cursor,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordPageFetchFailure(c.fetcherName)
		}
		return PageResult{State: StateFailed, Cursor: cursor, Err: err}
	}

	if len(page) == 0 {
		c.mu.Lock()
		c.state = StateExhausted
		c.mu.Unlock()

		c.logger.InfoContext(ctx, "transaction history exhausted", "before", cursor)
		if c.metrics != nil {
			c.metrics.RecordPageLoaded("exhausted")
		}
		return PageResult{State: StateExhausted, Cursor: cursor}
	}

	c.mu.Lock()
	appended := make([]txn.Transaction, 0, len(page))
	var noise, duplicate int
	for _, tx := range page {
		if _, ok := c.seen[tx.Signature]; ok {
			duplicate++
			continue
		}
		if !c.noise.Relevant(tx, c.account) {
			noise++
			continue
		}
		c.seen[tx.Signature] = struct{}{}
		appended = append(appended, tx)
	}
	c.log = append(c.log, appended...)
	// The cursor follows the raw page so filtered transactions are not
	// fetched again.
	c.cursor = page[len(page)-1].Signature
	c.state = StateIdle
	next := c.cursor
	observers := make([]PageObserver, len(c.observers))
	copy(observers, c.observers)
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "appended transaction page",
		"fetched", len(page),
		"kept", len(appended),
		"noise", noise,
		"duplicate", duplicate,
		"cursor", next,
	)
	if c.metrics != nil {
		c.metrics.RecordPageLoaded("appended")
		for _, tx := range appended {
			c.metrics.RecordTransactionKept(tx.Type)
		}
		if noise > 0 {
			c.metrics.RecordTransactionsSkipped("noise", noise)
		}
		if duplicate > 0 {
			c.metrics.RecordTransactionsSkipped("duplicate", duplicate)
		}
	}

	if len(appended) > 0 {
		for _, fn := range observers {
			fn(ctx, c.account, appended)
		}
	}

	return PageResult{
		Fetched:  len(page),
		Kept:     len(appended),
		Cursor:   next,
		State:    StateIdle,
		Appended: appended,
	}
}

// Account returns the tracked account.
func (c *Controller) Account() string {
	return c.account
}

// Transactions returns the log in arrival order. The returned slice must not
// be modified.
func (c *Controller) Transactions() []txn.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.log[:len(c.log):len(c.log)]
}

// Len returns the number of transactions in the log.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.log)
}

// Cursor returns the signature the next page starts before.
func (c *Controller) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// State returns the current pagination state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// HasMore reports whether another page may be requested.
func (c *Controller) HasMore() bool {
	return !c.State().Terminal()
}

// LastError returns the failure that ended pagination, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Snapshot is a consistent view of the controller's read side.
type Snapshot struct {
	Transactions []txn.Transaction
	State        State
	Cursor       string
	LastError    error
}

// Snapshot returns the log, state, cursor and last error read under one lock,
// so they always describe the same moment. The returned slice must not be
// modified.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Transactions: c.log[:len(c.log):len(c.log)],
		State:        c.state,
		Cursor:       c.cursor,
		LastError:    c.lastErr,
	}
}

// Noise returns the noise set used by the pre-filter.
func (c *Controller) Noise() txn.NoiseSet {
	return c.noise
}
