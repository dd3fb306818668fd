package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/metadata"
	"github.com/brojonat/txscope/service/query"
	solanago "github.com/gagliardetto/solana-go"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - plenty for a session request
	minAddressLength   = 32
	maxAddressLength   = 44
	maxQueryLength     = 512
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// pageResponse summarizes one load of the next page.
type pageResponse struct {
	Skipped bool   `json:"skipped"`
	Fetched int    `json:"fetched"`
	Kept    int    `json:"kept"`
	Error   string `json:"error,omitempty"`
}

// sessionResponse is the status of a session, with the page loaded by the
// request when there was one.
type sessionResponse struct {
	Session history.Status `json:"session"`
	Page    *pageResponse  `json:"page,omitempty"`
}

// searchResponse is a search result plus its display form.
type searchResponse struct {
	history.SearchResult
	Views []history.TransactionView `json:"views"`
}

// tokenResponse is the cached metadata of one mint.
type tokenResponse struct {
	Mint     string `json:"mint"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// parseResponse is the criteria the parser derives from a query.
type parseResponse struct {
	Query    string         `json:"query"`
	Criteria query.Criteria `json:"criteria"`
	Empty    bool           `json:"empty"`
}

func toPageResponse(res history.PageResult) *pageResponse {
	p := &pageResponse{
		Skipped: res.Skipped,
		Fetched: res.Fetched,
		Kept:    res.Kept,
	}
	if res.Err != nil {
		p.Error = res.Err.Error()
	}
	return p
}

// loadContext detaches a page load from the request so a client hanging up
// does not turn into a failed fetch, while still bounding it.
func loadContext(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), timeout)
}

// handleCreateSession returns a handler that opens a session and loads its
// first page. An existing session is returned as is.
// POST /api/v1/sessions
func handleCreateSession(sessions *Sessions, timeout time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Limit request body size to prevent memory exhaustion
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Address string `json:"address"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode session request", "error", err)
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Address); err != nil {
			logger.Debug("invalid address", "address", req.Address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		sess, created := sessions.GetOrCreate(req.Address)
		if !created {
			writeJSON(w, sessionResponse{Session: sess.Status()}, http.StatusOK)
			return
		}

		ctx, cancel := loadContext(r, timeout)
		defer cancel()
		res := sess.LoadMore(ctx)

		logger.Info("session created",
			"address", req.Address,
			"kept", res.Kept,
			"state", res.State.String(),
		)
		writeJSON(w, sessionResponse{Session: sess.Status(), Page: toPageResponse(res)}, http.StatusCreated)
	})
}

// handleGetSession returns a handler that reports a session's status.
// GET /api/v1/sessions/{address}
func handleGetSession(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, sessions, logger)
		if !ok {
			return
		}
		writeJSON(w, sessionResponse{Session: sess.Status()}, http.StatusOK)
	})
}

// handleDeleteSession returns a handler that drops a session.
// DELETE /api/v1/sessions/{address}
func handleDeleteSession(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		if err := validateAddress(address); err != nil {
			logger.Debug("invalid address", "address", address, "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := sessions.Delete(address); err != nil {
			writeError(w, err.Error(), http.StatusNotFound)
			return
		}

		logger.Info("session deleted", "address", address)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleLoadMore returns a handler that signals "more requested" to a
// session. The call is a no-op while a load is in flight or after the
// history ended.
// POST /api/v1/sessions/{address}/more
func handleLoadMore(sessions *Sessions, timeout time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, sessions, logger)
		if !ok {
			return
		}

		ctx, cancel := loadContext(r, timeout)
		defer cancel()
		res := sess.LoadMore(ctx)

		logger.Debug("load more",
			"address", sess.Account(),
			"skipped", res.Skipped,
			"kept", res.Kept,
			"state", res.State.String(),
		)
		writeJSON(w, sessionResponse{Session: sess.Status(), Page: toPageResponse(res)}, http.StatusOK)
	})
}

// handleSearch returns a handler that filters a session's log.
// GET /api/v1/sessions/{address}/transactions?q={query}&nl={bool}
func handleSearch(sessions *Sessions, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, ok := lookupSession(w, r, sessions, logger)
		if !ok {
			return
		}

		q := r.URL.Query().Get("q")
		if len(q) > maxQueryLength {
			writeError(w, fmt.Sprintf("query too long: maximum length is %d characters", maxQueryLength), http.StatusBadRequest)
			return
		}

		nl := false
		if raw := r.URL.Query().Get("nl"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, "invalid nl parameter: must be a boolean", http.StatusBadRequest)
				return
			}
			nl = v
		}

		var res history.SearchResult
		if nl {
			res = sess.SearchWithHint(r.Context(), q)
		} else {
			res = sess.Search(q)
		}

		writeJSON(w, searchResponse{SearchResult: res, Views: sess.Views(res.Transactions)}, http.StatusOK)
	})
}

// handleGetToken returns a handler that reports a mint's metadata, resolving
// it on a cache miss.
// GET /api/v1/tokens/{mint}
func handleGetToken(cache *metadata.Cache, timeout time.Duration, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mint := r.PathValue("mint")
		if err := validateAddress(mint); err != nil {
			logger.Debug("invalid mint", "mint", mint, "error", err)
			writeError(w, "invalid mint: "+err.Error(), http.StatusBadRequest)
			return
		}
		if cache == nil {
			writeError(w, "token metadata is not configured", http.StatusServiceUnavailable)
			return
		}

		resp := tokenResponse{Mint: mint, Name: metadata.UnknownName}
		if meta, ok := cache.Get(mint); ok {
			resp.Name, resp.Image, resp.Resolved = meta.Name, meta.Image, true
			writeJSON(w, resp, http.StatusOK)
			return
		}

		ctx, cancel := loadContext(r, timeout)
		defer cancel()
		if err := cache.Resolve(ctx, mint); err != nil {
			logger.Debug("token metadata unavailable", "mint", mint, "error", err)
			resp.Error = err.Error()
		}
		if meta, ok := cache.Get(mint); ok {
			resp.Name, resp.Image, resp.Resolved = meta.Name, meta.Image, true
			resp.Error = ""
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// handleParse returns a handler that shows the criteria derived from a query.
// GET /api/v1/parse?q={query}
func handleParse(aliases *query.AliasTable, cache *metadata.Cache, logger *slog.Logger) http.Handler {
	var names query.TokenNames
	if cache != nil {
		names = cache
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if len(q) > maxQueryLength {
			writeError(w, fmt.Sprintf("query too long: maximum length is %d characters", maxQueryLength), http.StatusBadRequest)
			return
		}
		c := query.Parse(q, aliases, names)
		logger.Debug("parsed query", "query", q, "criteria", c)
		writeJSON(w, parseResponse{Query: q, Criteria: c, Empty: c.IsEmpty()}, http.StatusOK)
	})
}

// lookupSession resolves the {address} path value to a live session, writing
// the error response when it cannot.
func lookupSession(w http.ResponseWriter, r *http.Request, sessions *Sessions, logger *slog.Logger) (*history.Session, bool) {
	address := r.PathValue("address")
	if err := validateAddress(address); err != nil {
		logger.Debug("invalid address", "address", address, "error", err)
		writeError(w, err.Error(), http.StatusBadRequest)
		return nil, false
	}
	sess, err := sessions.Get(address)
	if err != nil {
		writeError(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return sess, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// validateAddress validates an account or mint address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}
	if len(address) < minAddressLength {
		return errorf("address too short: minimum length is %d characters", minAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	if _, err := solanago.PublicKeyFromBase58(address); err != nil {
		return errorf("invalid address: %v", err)
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
