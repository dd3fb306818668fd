package helius

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/brojonat/txscope/service/metadata"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC error object. It is never retried.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// asset is the subset of a DAS asset used for display.
type asset struct {
	Content struct {
		Metadata struct {
			Name   string `json:"name"`
			Symbol string `json:"symbol"`
		} `json:"metadata"`
		Links struct {
			Image string `json:"image"`
		} `json:"links"`
	} `json:"content"`
}

// FetchMetadata resolves the display metadata of mint with DAS getAsset. An
// asset without a name yields an empty Name; callers apply their fallback.
func (c *Client) FetchMetadata(ctx context.Context, mint string) (metadata.Metadata, error) {
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      "txscope",
		Method:  "getAsset",
		Params:  map[string]string{"id": mint},
	})
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("marshal request: %w", err)
	}

	target := strings.TrimRight(c.rpcURL, "/") + "/?" + url.Values{"api-key": {c.apiKey}}.Encode()

	body, err := c.do(ctx, "getAsset", "das", func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return metadata.Metadata{}, fmt.Errorf("failed to fetch asset %s: %w", mint, err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return metadata.Metadata{}, fmt.Errorf("failed to decode asset %s: %w", mint, err)
	}
	if resp.Error != nil {
		return metadata.Metadata{}, fmt.Errorf("failed to fetch asset %s: %w", mint, resp.Error)
	}

	var a asset
	if len(resp.Result) > 0 && string(resp.Result) != "null" {
		if err := json.Unmarshal(resp.Result, &a); err != nil {
			return metadata.Metadata{}, fmt.Errorf("failed to decode asset %s: %w", mint, err)
		}
	}

	name := strings.TrimSpace(a.Content.Metadata.Name)
	if name == "" {
		name = strings.TrimSpace(a.Content.Metadata.Symbol)
	}
	return metadata.Metadata{
		Name:  name,
		Image: a.Content.Links.Image,
	}, nil
}
