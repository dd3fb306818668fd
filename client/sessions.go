package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/brojonat/txscope/service/history"
	"github.com/brojonat/txscope/service/query"
	"github.com/brojonat/txscope/service/txn"
)

// ErrNotFound is returned when the server has no session for an account.
var ErrNotFound = errors.New("not found")

// SessionStatus is the pagination state of a session.
type SessionStatus struct {
	Account    string    `json:"account"`
	State      string    `json:"state"` // idle, fetching, exhausted, failed
	Cursor     string    `json:"cursor,omitempty"`
	Size       int       `json:"size"`
	HasMore    bool      `json:"has_more"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastAccess time.Time `json:"last_access"`
}

// Page summarizes a page load triggered by a request.
type Page struct {
	Skipped bool   `json:"skipped"`
	Fetched int    `json:"fetched"`
	Kept    int    `json:"kept"`
	Error   string `json:"error,omitempty"`
}

// Session is a session's status plus the page the request loaded, if any.
type Session struct {
	Status SessionStatus `json:"session"`
	Page   *Page         `json:"page,omitempty"`
}

// SearchResult is the filtered view of a session's log.
type SearchResult struct {
	Query        string                    `json:"query"`
	Criteria     query.Criteria            `json:"criteria"`
	Transactions []txn.Transaction         `json:"transactions"`
	Total        int                       `json:"total"`
	HasMore      bool                      `json:"has_more"`
	State        string                    `json:"state"`
	Cursor       string                    `json:"cursor,omitempty"`
	LastError    string                    `json:"last_error,omitempty"`
	Hinted       bool                      `json:"hinted,omitempty"`
	Views        []history.TransactionView `json:"views"`
}

// Token is the metadata the server holds for a mint.
type Token struct {
	Mint     string `json:"mint"`
	Name     string `json:"name"`
	Image    string `json:"image,omitempty"`
	Resolved bool   `json:"resolved"`
	Error    string `json:"error,omitempty"`
}

// ParseResult is the criteria the server derives from a query.
type ParseResult struct {
	Query    string         `json:"query"`
	Criteria query.Criteria `json:"criteria"`
	Empty    bool           `json:"empty"`
}

// Client is the HTTP client for the txscope history service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new history service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// CreateSession opens a session for address, loading its first page. An
// existing session is returned without a page.
func (c *Client) CreateSession(ctx context.Context, address string) (*Session, error) {
	var out Session
	reqBody := map[string]string{"address": address}
	if err := c.do(ctx, http.MethodPost, "/api/v1/sessions", reqBody, &out, http.StatusCreated, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("session opened", "address", address, "size", out.Status.Size)
	return &out, nil
}

// LoadMore asks the server to load the next page of address.
func (c *Client) LoadMore(ctx context.Context, address string) (*Session, error) {
	var out Session
	if err := c.do(ctx, http.MethodPost, sessionPath(address)+"/more", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	c.logger.Debug("loaded more", "address", address, "state", out.Status.State)
	return &out, nil
}

// GetSession returns the status of the session for address.
func (c *Client) GetSession(ctx context.Context, address string) (*SessionStatus, error) {
	var out Session
	if err := c.do(ctx, http.MethodGet, sessionPath(address), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// DeleteSession drops the session for address.
func (c *Client) DeleteSession(ctx context.Context, address string) error {
	if err := c.do(ctx, http.MethodDelete, sessionPath(address), nil, nil, http.StatusNoContent); err != nil {
		return err
	}
	c.logger.Debug("session deleted", "address", address)
	return nil
}

// Search filters the loaded history of address with q. With nl set the
// server may consult its natural-language analyzer.
func (c *Client) Search(ctx context.Context, address, q string, nl bool) (*SearchResult, error) {
	params := url.Values{}
	if q != "" {
		params.Set("q", q)
	}
	if nl {
		params.Set("nl", strconv.FormatBool(nl))
	}
	path := sessionPath(address) + "/transactions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out SearchResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Token returns the metadata of mint, resolving it on the server if needed.
func (c *Client) Token(ctx context.Context, mint string) (*Token, error) {
	var out Token
	if err := c.do(ctx, http.MethodGet, "/api/v1/tokens/"+url.PathEscape(mint), nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// Parse returns the criteria the server derives from q.
func (c *Client) Parse(ctx context.Context, q string) (*ParseResult, error) {
	path := "/api/v1/parse?" + url.Values{"q": []string{q}}.Encode()
	var out ParseResult
	if err := c.do(ctx, http.MethodGet, path, nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(address string) string {
	return "/api/v1/sessions/" + url.PathEscape(address)
}

// do sends a request with an optional JSON body and decodes the response into
// out when the status is one of want.
func (c *Client) do(ctx context.Context, method, path string, reqBody, out any, want ...int) error {
	var body io.Reader
	if reqBody != nil {
		data, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if !slices.Contains(want, resp.StatusCode) {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	msg := string(body)
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		msg = errResp.Error
	}

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("request failed: %w: %s", ErrNotFound, msg)
	}
	if errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, msg)
	}
	return fmt.Errorf("request failed: %s", msg)
}
