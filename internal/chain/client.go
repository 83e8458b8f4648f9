// Package chain provides the JSON-RPC client for the engine's on-chain
// collaborators: the session-key registry, the Merkle-commitment storage
// contract, and the milestone manager.
package chain

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/milestonepay/engine/internal/errors"
	"github.com/milestonepay/engine/internal/operation"
)

// Client is a JSON-RPC client for contract reads and operator-signed writes.
// Write calls are signed by the engine's operator key, the
// verifier-authorized signer distinct from any contributor.
type Client struct {
	mu         sync.Mutex
	rpcURL     string
	httpClient *http.Client
	operator   *ecdsa.PrivateKey
	operatorPK string // hex uncompressed public point
	nextID     int64
}

// Config holds client configuration.
type Config struct {
	RPCURL         string
	Timeout        time.Duration
	OperatorKeyHex string // 32-byte private scalar, hex
}

// NewClient creates a chain client. The operator key is required for write
// calls; a client without one can only read.
func NewClient(cfg Config) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, errors.Validation("chain.rpcUrl", "is required")
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	c := &Client{
		rpcURL:     cfg.RPCURL,
		httpClient: &http.Client{Timeout: timeout},
		nextID:     1,
	}

	if cfg.OperatorKeyHex != "" {
		scalar, err := hex.DecodeString(strings.TrimPrefix(cfg.OperatorKeyHex, "0x"))
		if err != nil {
			return nil, fmt.Errorf("decode operator key: %w", err)
		}
		priv, err := operation.PrivateKeyFromScalar(scalar)
		if err != nil {
			return nil, fmt.Errorf("parse operator key: %w", err)
		}
		c.operator = priv
		c.operatorPK = hex.EncodeToString(marshalPub(priv))
	}
	return c, nil
}

func marshalPub(priv *ecdsa.PrivateKey) []byte {
	return append(append([]byte{0x04},
		leftPad(priv.PublicKey.X.Bytes(), 32)...),
		leftPad(priv.PublicKey.Y.Bytes(), 32)...)
}

func leftPad(b []byte, size int) []byte {
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
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

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Call makes a raw JSON-RPC call to the chain node.
func (c *Client) Call(ctx context.Context, method string, params []interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.mu.Unlock()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
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

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, errors.Network(method, fmt.Errorf("decode response: %w", err))
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

// ContractCall describes one contract invocation.
type ContractCall struct {
	Contract string        `json:"contract"`
	Method   string        `json:"method"`
	Args     []interface{} `json:"args"`
}

// Read performs a read-only contract invocation.
func (c *Client) Read(ctx context.Context, call ContractCall, out interface{}) error {
	result, err := c.Call(ctx, "contract_call", []interface{}{call})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(result, out)
}

// Submit signs and broadcasts a state-changing contract invocation with the
// operator key and returns the transaction reference.
func (c *Client) Submit(ctx context.Context, call ContractCall) (string, error) {
	if c.operator == nil {
		return "", fmt.Errorf("chain: operator key not configured")
	}

	raw, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("marshal call: %w", err)
	}
	digest := sha256.Sum256(raw)
	signature, err := operation.SignHashP256(rand.Reader, c.operator, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign call: %w", err)
	}

	params := []interface{}{call, map[string]string{
		"signer":    c.operatorPK,
		"signature": hex.EncodeToString(signature),
	}}
	result, err := c.Call(ctx, "contract_sendCall", params)
	if err != nil {
		return "", err
	}

	var txRef string
	if err := json.Unmarshal(result, &txRef); err != nil {
		return "", errors.Network("contract_sendCall", fmt.Errorf("decode tx ref: %w", err))
	}
	return txRef, nil
}
