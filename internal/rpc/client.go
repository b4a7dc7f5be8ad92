// Package rpc talks to bitcoind-compatible full nodes and wallets over
// JSON-RPC and turns their notifications into chain events.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"

	"github.com/tos-network/stratum-pool/internal/util"
)

// maxFailures is how many consecutive failed calls mark a client unhealthy
const maxFailures = 3

// Client is a JSON-RPC 1.0 client with basic auth and health tracking
type Client struct {
	url       string
	user      string
	password  string
	client    *http.Client
	requestID uint64

	// Health tracking
	mu        sync.RWMutex
	healthy   bool
	lastCheck time.Time
	failCount int
}

func NewClient(url, user, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		url:      url,
		user:     user,
		password: password,
		client:   &http.Client{Timeout: timeout},
		healthy:  true,
	}
}

// Request is a JSON-RPC request
type Request struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      uint64        `json:"id"`
}

// Response is a JSON-RPC response
type Response struct {
	Result json.RawMessage `json:"result"`
	Error  *Error          `json:"error"`
	ID     uint64          `json:"id"`
}

// Error is a JSON-RPC error returned by the node
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Call invokes method and decodes its result into out, which may be nil
func (c *Client) Call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	raw, err := c.call(ctx, method, params...)
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	if params == nil {
		params = []interface{}{}
	}
	req := Request{
		JSONRPC: "1.0",
		Method:  method,
		Params:  params,
		ID:      atomic.AddUint64(&c.requestID, 1),
	}

	body, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.user != "" || c.password != "" {
		httpReq.SetBasicAuth(c.user, c.password)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: read response: %w", method, err)
	}

	// bitcoind answers RPC errors with HTTP 500 and a JSON body
	var rpcResp Response
	if err := sonic.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordFailure()
		return nil, fmt.Errorf("%s: HTTP %d: %w", method, resp.StatusCode, err)
	}

	if rpcResp.Error != nil {
		// the node answered, so it is reachable
		c.recordSuccess()
		return nil, rpcResp.Error
	}

	c.recordSuccess()
	return rpcResp.Result, nil
}

func (c *Client) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount = 0
	c.healthy = true
	c.lastCheck = time.Now()
}

func (c *Client) recordFailure() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCount++
	if c.failCount >= maxFailures && c.healthy {
		c.healthy = false
		util.Warnf("Node %s marked unhealthy after %d failures", c.url, c.failCount)
	}
	c.lastCheck = time.Now()
}

// IsHealthy returns whether the last calls succeeded
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Client) URL() string {
	return c.url
}
