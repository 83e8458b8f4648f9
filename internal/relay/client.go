// Package relay provides the JSON-RPC client for the relay/bundler network
// that accepts signed operations and gets them included on-chain.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/operation"
)

// Receipt reports the outcome of a relayed operation.
type Receipt struct {
	OperationRef string
	TxHash       string
	Success      bool
	RevertReason string
	GasUsed      uint64
	BlockNumber  uint64
}

// GasEstimate is the relay's gas quote for an operation.
type GasEstimate struct {
	CallGasLimit         uint64 `json:"callGasLimit"`
	VerificationGasLimit uint64 `json:"verificationGasLimit"`
	MaxFeePerGas         uint64 `json:"maxFeePerGas"`
}

// Transport is the swappable relay interface. Implementations must return
// (nil, nil) from GetOperationReceipt while the operation is still in
// flight, a *errors.RelayError for definitive rejections, and a
// *errors.NetworkError for transient transport failures.
type Transport interface {
	SendOperation(ctx context.Context, op operation.Signed) (string, error)
	GetOperationReceipt(ctx context.Context, ref string) (*Receipt, error)
	EstimateOperationGas(ctx context.Context, op operation.Signed) (*GasEstimate, error)
}

// Relay rejection codes reported by the bundler.
const (
	CodeInvalidSignature  = -32500
	CodeNonceConflict     = -32501
	CodeInsufficientFloat = -32502
)

// Config holds relay client configuration.
type Config struct {
	URL               string
	Timeout           time.Duration
	MaxRetries        int           // transient failures only
	RetryBackoff      time.Duration // doubled per attempt
	RequestsPerSecond float64
	Burst             int
}

// Client is the production Transport over a JSON-RPC style HTTP endpoint.
type Client struct {
	mu           sync.Mutex
	url          string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxRetries   int
	retryBackoff time.Duration
	nextID       int64
}

var _ Transport = (*Client)(nil)

// NewClient creates a relay client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.Validation("relay.url", "is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	backoff := cfg.RetryBackoff
	if backoff == 0 {
		backoff = 500 * time.Millisecond
	}
	rps := cfg.RequestsPerSecond
	if rps == 0 {
		rps = 20
	}
	burst := cfg.Burst
	if burst == 0 {
		burst = 40
	}

	return &Client{
		url:          cfg.URL,
		httpClient:   &http.Client{Timeout: timeout},
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		maxRetries:   maxRetries,
		retryBackoff: backoff,
		nextID:       1,
	}, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int64         `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC round trip. RPC-level errors are mapped to
// RelayError; transport failures to NetworkError.
func (c *Client) call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Network(method, err)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Network(method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Network(method, err)
	}
	if resp.StatusCode >= 500 {
		return nil, errors.Network(method, fmt.Errorf("relay returned %d", resp.StatusCode))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errors.Network(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, &errors.RelayError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	return rpcResp.Result, nil
}

// callWithRetry retries transient failures a bounded number of times with
// exponential backoff. Relay rejections pass through untouched.
func (c *Client) callWithRetry(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	backoff := c.retryBackoff
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, errors.Network(method, ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		result, err := c.call(ctx, method, params)
		if err == nil {
			return result, nil
		}
		if !errors.IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// SendOperation submits a signed operation and returns the relay's
// operation reference.
func (c *Client) SendOperation(ctx context.Context, op operation.Signed) (string, error) {
	result, err := c.callWithRetry(ctx, "relay_sendOperation", []interface{}{op})
	if err != nil {
		return "", err
	}

	var ref string
	if err := json.Unmarshal(result, &ref); err != nil {
		// Some bundlers wrap the reference in an object.
		ref = gjson.GetBytes(result, "operationRef").String()
	}
	if ref == "" {
		return "", errors.Network("relay_sendOperation", fmt.Errorf("empty operation reference"))
	}
	return ref, nil
}

// GetOperationReceipt performs a single non-blocking receipt check. It
// returns (nil, nil) while the operation is still pending inclusion.
func (c *Client) GetOperationReceipt(ctx context.Context, ref string) (*Receipt, error) {
	result, err := c.callWithRetry(ctx, "relay_getOperationReceipt", []interface{}{ref})
	if err != nil {
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, nil
	}

	// Receipt shapes vary between bundler providers; gjson tolerates the
	// known field spellings.
	parsed := gjson.ParseBytes(result)
	receipt := &Receipt{
		OperationRef: ref,
		TxHash:       parsed.Get("transactionHash").String(),
		Success:      parsed.Get("success").Bool(),
		GasUsed:      parsed.Get("gasUsed").Uint(),
		BlockNumber:  parsed.Get("blockNumber").Uint(),
	}
	if reason := parsed.Get("revertReason"); reason.Exists() {
		receipt.RevertReason = reason.String()
	} else {
		receipt.RevertReason = parsed.Get("reason").String()
	}
	return receipt, nil
}

// EstimateOperationGas asks the relay for a gas quote.
func (c *Client) EstimateOperationGas(ctx context.Context, op operation.Signed) (*GasEstimate, error) {
	result, err := c.callWithRetry(ctx, "relay_estimateOperationGas", []interface{}{op})
	if err != nil {
		return nil, err
	}

	var estimate GasEstimate
	if err := json.Unmarshal(result, &estimate); err != nil {
		return nil, errors.Network("relay_estimateOperationGas", fmt.Errorf("decode estimate: %w", err))
	}
	return &estimate, nil
}
