// Package nlq asks a language model to interpret free-form history queries.
// Its answers are hints: the deterministic parser stays authoritative.
package nlq

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/txscope/service/metrics"
	"github.com/brojonat/txscope/service/query"
	"github.com/itchyny/gojq"
)

// Defaults for Config.
const (
	DefaultBaseURL   = "https://api.anthropic.com"
	DefaultModel     = "claude-3-haiku-20240307"
	DefaultMaxTokens = 256
	DefaultTimeout   = 15 * time.Second
	APIVersion       = "2023-06-01"
)

// ErrNoHint is returned when the model answer contains no usable JSON object.
var ErrNoHint = errors.New("model returned no hint")

// textProgram selects the text of the first text block of a Messages API
// response.
const textProgram = `[.content[]? | select(.type == "text") | .text] | first // ""`

const promptTemplate = `Parse this transaction search query and return only a JSON object. Only include non-empty fields:
{
  "token": "",       // token name or symbol
  "action": "",      // send, receive, swap or mint
  "type": "",        // SWAP, TOKEN_MINT, TRANSFER, ...
  "destination": "", // recipient name
  "source": ""       // sender name
}
Query: %q`

// Config configures an Analyzer.
type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxTokens  int
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Analyzer implements history.Analyzer over the Anthropic Messages API.
type Analyzer struct {
	apiKey    string
	model     string
	baseURL   string
	maxTokens int
	client    *http.Client
	extract   *gojq.Code
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates an Analyzer.
func New(cfg Config) (*Analyzer, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultTimeout}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	parsed, err := gojq.Parse(textProgram)
	if err != nil {
		return nil, fmt.Errorf("invalid extraction program: %w", err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile extraction program: %w", err)
	}

	return &Analyzer{
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		maxTokens: cfg.MaxTokens,
		client:    cfg.HTTPClient,
		extract:   code,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger.With("component", "nlq"),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature"`
	Messages    []message `json:"messages"`
}

// Analyze returns the model's interpretation of q.
func (a *Analyzer) Analyze(ctx context.Context, q string) (*query.Hint, error) {
	payload, err := json.Marshal(messagesRequest{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages:  []message{{Role: "user", Content: fmt.Sprintf(promptTemplate, q)}},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", a.apiKey)
	req.Header.Set("anthropic-version", APIVersion)

	start := time.Now()
	resp, err := a.client.Do(req)
	if err != nil {
		a.record("error", start)
		return nil, fmt.Errorf("failed to call messages api: %w", err)
	}
	defer resp.Body.Close()
	a.record(fmt.Sprintf("%d", resp.StatusCode), start)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("messages api returned status %d: %s", resp.StatusCode, string(body))
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	text, err := a.text(ctx, doc)
	if err != nil {
		return nil, err
	}

	hint, err := decodeHint(text)
	if err != nil {
		return nil, err
	}

	a.logger.DebugContext(ctx, "analyzed query", "query", q, "hint", hint)
	return hint, nil
}

func (a *Analyzer) text(ctx context.Context, doc any) (string, error) {
	iter := a.extract.RunWithContext(ctx, doc)
	v, ok := iter.Next()
	if !ok {
		return "", ErrNoHint
	}
	if err, ok := v.(error); ok {
		return "", fmt.Errorf("failed to extract response text: %w", err)
	}
	s, _ := v.(string)
	return s, nil
}

// decodeHint parses the first JSON object embedded in text. Models tend to
// wrap the object in prose or code fences.
func decodeHint(text string) (*query.Hint, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, ErrNoHint
	}

	var hint query.Hint
	if err := json.Unmarshal([]byte(text[start:end+1]), &hint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoHint, err)
	}
	if hint == (query.Hint{}) {
		return nil, ErrNoHint
	}
	return &hint, nil
}

func (a *Analyzer) record(status string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordUpstreamCall("messages", status, "anthropic", time.Since(start).Seconds())
	}
}
