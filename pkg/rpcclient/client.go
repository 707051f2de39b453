// Package rpcclient implements a JSON-RPC 2.0 client for a single Solana
// RPC endpoint, covering the account, clock and transaction methods the
// marketplace client needs.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/niftylabs/nifty-go/internal/types"
)

// DefaultTimeout is the per-request HTTP timeout.
const DefaultTimeout = 30 * time.Second

// Client handles JSON-RPC requests to one Solana endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// New creates a client for the given endpoint URL. A zero timeout uses
// DefaultTimeout.
func New(url string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

// URL returns the endpoint URL this client talks to.
func (c *Client) URL() string {
	return c.url
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// call makes a JSON-RPC call and unmarshals the result into result.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d: %s", resp.StatusCode, string(respBody))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
	}

	return nil
}

// GetGenesisHash fetches the genesis hash identifying the cluster.
func (c *Client) GetGenesisHash(ctx context.Context) (types.Hash, error) {
	var s string
	if err := c.call(ctx, "getGenesisHash", nil, &s); err != nil {
		return types.Hash{}, err
	}
	return types.HashFromBase58(s)
}

// EpochInfo is the result of the getEpochInfo RPC method.
type EpochInfo struct {
	Epoch        uint64 `json:"epoch"`
	AbsoluteSlot uint64 `json:"absoluteSlot"`
	SlotIndex    uint64 `json:"slotIndex"`
	SlotsInEpoch uint64 `json:"slotsInEpoch"`
	BlockHeight  uint64 `json:"blockHeight"`
}

// GetEpochInfo fetches the current epoch and slot at confirmed commitment.
func (c *Client) GetEpochInfo(ctx context.Context) (*EpochInfo, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}
	var info EpochInfo
	if err := c.call(ctx, "getEpochInfo", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockTime fetches the estimated production time of a slot as a unix
// timestamp.
func (c *Client) GetBlockTime(ctx context.Context, slot uint64) (int64, error) {
	var ts int64
	if err := c.call(ctx, "getBlockTime", []interface{}{slot}, &ts); err != nil {
		return 0, err
	}
	return ts, nil
}

// GetBalance fetches an account's lamport balance.
func (c *Client) GetBalance(ctx context.Context, addr types.Pubkey) (uint64, error) {
	params := []interface{}{
		addr.String(),
		map[string]interface{}{"commitment": "confirmed"},
	}
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", params, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// LatestBlockhash is the result of the getLatestBlockhash RPC method.
type LatestBlockhash struct {
	Blockhash            types.Hash
	LastValidBlockHeight uint64
}

// GetLatestBlockhash fetches the most recent confirmed blockhash.
func (c *Client) GetLatestBlockhash(ctx context.Context) (*LatestBlockhash, error) {
	params := []interface{}{
		map[string]interface{}{"commitment": "confirmed"},
	}
	var result struct {
		Value struct {
			Blockhash            string `json:"blockhash"`
			LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getLatestBlockhash", params, &result); err != nil {
		return nil, err
	}
	hash, err := types.HashFromBase58(result.Value.Blockhash)
	if err != nil {
		return nil, fmt.Errorf("parse blockhash: %w", err)
	}
	return &LatestBlockhash{
		Blockhash:            hash,
		LastValidBlockHeight: result.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a raw signed transaction and returns its
// signature.
func (c *Client) SendTransaction(ctx context.Context, rawTx []byte) (types.Signature, error) {
	params := []interface{}{
		base64.StdEncoding.EncodeToString(rawTx),
		map[string]interface{}{"encoding": "base64"},
	}
	var s string
	if err := c.call(ctx, "sendTransaction", params, &s); err != nil {
		return types.Signature{}, err
	}
	return types.SignatureFromBase58(s)
}
