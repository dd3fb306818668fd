package history

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/txn"
)

// Analyzer interprets a free-form query. Its answer only supplements the
// deterministic parser.
type Analyzer interface {
	Analyze(ctx context.Context, q string) (*query.Hint, error)
}

// SessionConfig contains the dependencies of a Session.
type SessionConfig struct {
	Account     string
	Fetcher     Fetcher
	FetcherName string
	Noise       txn.NoiseSet
	// Cache is shared between sessions.
	Cache   *metadata.Cache
	Aliases *query.AliasTable
	// Analyzer is optional.
	Analyzer Analyzer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Session is the searchable view of one account's history.
type Session struct {
	account  string
	ctrl     *Controller
	cache    *metadata.Cache
	aliases  *query.AliasTable
	analyzer Analyzer
	metrics  *metrics.Metrics
	logger   *slog.Logger
	created  time.Time

	mu         sync.Mutex
	lastAccess time.Time
}

// NewSession creates a session with an empty log. No page is loaded until
// LoadMore is called.
func NewSession(cfg SessionConfig) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctrl := NewController(ControllerConfig{
		Account:     cfg.Account,
		Fetcher:     cfg.Fetcher,
		FetcherName: cfg.FetcherName,
		Noise:       cfg.Noise,
		Metrics:     cfg.Metrics,
		Logger:      cfg.Logger,
	})
	now := time.Now()
	return &Session{
		account:    cfg.Account,
		ctrl:       ctrl,
		cache:      cfg.Cache,
		aliases:    cfg.Aliases,
		analyzer:   cfg.Analyzer,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger.With("component", "session", "account", cfg.Account),
		created:    now,
		lastAccess: now,
	}
}

// Account returns the tracked account.
func (s *Session) Account() string {
	return s.account
}

// Controller exposes the pagination controller, e.g. to register observers.
func (s *Session) Controller() *Controller {
	return s.ctrl
}

// LoadMore loads the next page and resolves the metadata of the mints it
// brought in. Metadata failures are logged and otherwise ignored.
func (s *Session) LoadMore(ctx context.Context) PageResult {
	s.touch()
	res := s.ctrl.LoadNext(ctx)
	if len(res.Appended) == 0 || s.cache == nil {
		return res
	}

	var mints []string
	for _, tx := range res.Appended {
		mints = append(mints, tx.Mints()...)
	}
	if err := s.cache.ResolveAll(ctx, mints); err != nil {
		s.logger.WarnContext(ctx, "some token metadata could not be resolved", "error", err)
	}
	return res
}

// SearchResult is the filtered view of the log.
type SearchResult struct {
	Query        string            `json:"query"`
	Criteria     query.Criteria    `json:"criteria"`
	Transactions []txn.Transaction `json:"transactions"`
	// Total is the size of the whole log, not of the match.
	Total     int    `json:"total"`
	HasMore   bool   `json:"has_more"`
	State     State  `json:"state"`
	Cursor    string `json:"cursor,omitempty"`
	LastError string `json:"last_error,omitempty"`
	// Hinted is set when an analyzer contributed to the criteria.
	Hinted bool `json:"hinted,omitempty"`
}

// Search filters the whole log with the criteria parsed from q.
func (s *Session) Search(q string) SearchResult {
	c := query.Parse(q, s.aliases, s.names())
	return s.search(q, c, "keyword", false)
}

// SearchWithHint behaves like Search but merges the analyzer's hint into the
// parsed criteria. Fields set by the parser take precedence. Without an
// analyzer, or when it fails, the result equals Search(q).
func (s *Session) SearchWithHint(ctx context.Context, q string) SearchResult {
	if s.analyzer == nil || strings.TrimSpace(q) == "" {
		return s.Search(q)
	}

	hint, err := s.analyzer.Analyze(ctx, q)
	if err != nil || hint == nil {
		if err != nil {
			s.logger.WarnContext(ctx, "query analysis failed, using keyword search", "query", q, "error", err)
		}
		return s.Search(q)
	}

	names := s.names()
	c := query.ApplyHint(query.Parse(q, s.aliases, names), *hint, s.aliases, names)
	return s.search(q, c, "hinted", true)
}

func (s *Session) search(q string, c query.Criteria, mode string, hinted bool) SearchResult {
	s.touch()
	snap := s.ctrl.Snapshot()
	matches := query.Filter(snap.Transactions, c, s.account)
	if s.metrics != nil {
		s.metrics.RecordSearch(mode, len(matches))
	}

	res := SearchResult{
		Query:        q,
		Criteria:     c,
		Transactions: matches,
		Total:        len(snap.Transactions),
		State:        snap.State,
		Cursor:       snap.Cursor,
		Hinted:       hinted,
	}
	res.HasMore = !res.State.Terminal()
	if snap.LastError != nil {
		res.LastError = snap.LastError.Error()
	}
	return res
}

// names returns the cache as a name resolver, or nil without a cache.
func (s *Session) names() query.TokenNames {
	if s.cache == nil {
		return nil
	}
	return s.cache
}

// Status summarizes the pagination state of a session.
type Status struct {
	Account    string    `json:"account"`
	State      State     `json:"state"`
	Cursor     string    `json:"cursor,omitempty"`
	Size       int       `json:"size"`
	HasMore    bool      `json:"has_more"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Status returns the current status.
func (s *Session) Status() Status {
	snap := s.ctrl.Snapshot()
	st := Status{
		Account:   s.account,
		State:     snap.State,
		Cursor:    snap.Cursor,
		Size:      len(snap.Transactions),
		CreatedAt: s.created,
	}
	st.HasMore = !st.State.Terminal()
	if snap.LastError != nil {
		st.LastError = snap.LastError.Error()
	}
	s.mu.Lock()
	st.LastAccess = s.lastAccess
	s.mu.Unlock()
	return st
}

// LastAccess returns when the session was last loaded, searched or created.
func (s *Session) LastAccess() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAccess
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastAccess = time.Now()
	s.mu.Unlock()
}

// Views renders transactions for display with this session's account and
// noise set.
func (s *Session) Views(txs []txn.Transaction) []TransactionView {
	out := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		out = append(out, NewTransactionView(tx, s.account, s.ctrl.Noise(), s.cache))
	}
	return out
}
