package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Live RPC Client — real Solana JSON-RPC with rate limiting & retry
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Calls are serialized; some provider plans misbehave under concurrent
	// multiplexing on a single connection.
	callMu sync.Mutex

	// Rate limiter (token bucket).
	limiter       chan struct{}
	limiterCtx    context.Context
	limiterCancel context.CancelFunc

	// Unique request ID generator.
	nextID atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	// Stats.
	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // cumulative microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10 // open after 10 consecutive errors
	circuitBreakerCooldown  = 30 * time.Second

	// getMultipleAccounts caps the key list per request.
	multipleAccountsChunk = 100
)

// NewLiveRPCClient creates a live Solana RPC client.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}

	// Token bucket rate limiter.
	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	limiterCtx, limiterCancel := context.WithCancel(context.Background())

	client := &LiveRPCClient{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter:       limiter,
		limiterCtx:    limiterCtx,
		limiterCancel: limiterCancel,
	}

	// Refill tokens at configured RPS.
	go func() {
		interval := time.Duration(float64(time.Second) / config.RateLimitRPS)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-limiterCtx.Done():
				return
			case <-ticker.C:
				select {
				case client.limiter <- struct{}{}:
				default: // bucket full
				}
			}
		}
	}()

	return client
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.limiterCancel()
}

// rpcRequest is a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

// rpcResponse is a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	// Circuit breaker check.
	if c.circuitOpen.Load() {
		return nil, Transient(fmt.Errorf("rpc: circuit breaker open for %s", method))
	}

	// Acquire rate limit token.
	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	reqID := c.nextID.Add(1)

	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      reqID,
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, Permanent(fmt.Errorf("rpc: marshal request: %w", err))
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			if attempt > 1 {
				backoff = time.Duration(1<<uint(attempt-1)) * time.Second // exponential: 1s, 2s, 4s
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		start := time.Now()

		httpReq, err := http.NewRequestWithContext(ctx, "POST", c.config.Endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, Permanent(fmt.Errorf("rpc: create request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s http error: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("rpc: %s read response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		latency := time.Since(start)
		c.requestCount.Add(1)
		c.latencySum.Add(latency.Microseconds())
		c.lastRequestAt.Store(time.Now().UnixMilli())

		if resp.StatusCode == 429 {
			lastErr = fmt.Errorf("rpc: %s rate limited (429)", method)
			c.errorCount.Add(1)
			// Longer backoff on 429 - don't count as circuit-breaker error.
			select {
			case <-time.After(time.Duration(2<<uint(attempt)) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			c.errorCount.Add(1)
			return nil, Permanent(fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody)))
		}

		if resp.StatusCode != 200 {
			lastErr = fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		var rpcResp rpcResponse
		if err := json.Unmarshal(respBody, &rpcResp); err != nil {
			lastErr = fmt.Errorf("rpc: %s unmarshal response: %w", method, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if rpcResp.Error != nil {
			c.resetErrors()
			return nil, Permanent(fmt.Errorf("rpc: %s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message))
		}

		// Success - reset circuit breaker.
		c.resetErrors()
		return rpcResp.Result, nil
	}

	return nil, Transient(fmt.Errorf("rpc: %s failed after %d attempts: %w", method, c.config.MaxRetries+1, lastErr))
}

// recordError increments consecutive errors and opens circuit breaker if needed.
func (c *LiveRPCClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitBreakerThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN - too many consecutive errors")
			// Auto-reset after cooldown.
			go func() {
				time.Sleep(circuitBreakerCooldown)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("rpc: circuit breaker reset")
			}()
		}
	}
}

// resetErrors resets the consecutive error counter.
func (c *LiveRPCClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

// GetTokenSupply fetches a mint's total raw supply via getTokenSupply.
// The amount field is a string on the wire; it never passes through a float.
func (c *LiveRPCClient) GetTokenSupply(ctx context.Context, mint Pubkey) (*TokenSupply, error) {
	result, err := c.call(ctx, "getTokenSupply", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value struct {
			Amount   string `json:"amount"`
			Decimals uint8  `json:"decimals"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, Permanent(fmt.Errorf("rpc: parse token supply: %w", err))
	}

	amount, ok := sdkmath.NewIntFromString(resp.Value.Amount)
	if !ok {
		return nil, Permanent(fmt.Errorf("rpc: bad supply amount %q for %s", resp.Value.Amount, mint))
	}

	return &TokenSupply{
		Mint:     mint,
		Amount:   amount,
		Decimals: resp.Value.Decimals,
	}, nil
}

// GetLargestTokenAccounts returns the largest token accounts for a mint.
func (c *LiveRPCClient) GetLargestTokenAccounts(ctx context.Context, mint Pubkey) ([]TokenHolder, error) {
	result, err := c.call(ctx, "getTokenLargestAccounts", []any{string(mint)})
	if err != nil {
		return nil, err
	}

	var resp struct {
		Value []struct {
			Address string `json:"address"`
			Amount  string `json:"amount"`
		} `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, Permanent(fmt.Errorf("rpc: parse largest accounts: %w", err))
	}

	holders := make([]TokenHolder, 0, len(resp.Value))
	for _, h := range resp.Value {
		amount, ok := sdkmath.NewIntFromString(h.Amount)
		if !ok {
			return nil, Permanent(fmt.Errorf("rpc: bad holder amount %q", h.Amount))
		}
		holders = append(holders, TokenHolder{
			Address: Pubkey(h.Address),
			Amount:  amount,
		})
	}

	return holders, nil
}

// GetTokenAccountOwners resolves the wallet authority behind token accounts
// via getMultipleAccounts with jsonParsed encoding. A null entry means the
// account is closed or was never created.
func (c *LiveRPCClient) GetTokenAccountOwners(ctx context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error) {
	result := make(map[Pubkey]AccountOwner, len(accounts))

	for start := 0; start < len(accounts); start += multipleAccountsChunk {
		end := start + multipleAccountsChunk
		if end > len(accounts) {
			end = len(accounts)
		}
		chunk := accounts[start:end]

		keys := make([]string, len(chunk))
		for i, a := range chunk {
			keys[i] = string(a)
		}

		raw, err := c.call(ctx, "getMultipleAccounts", []any{
			keys,
			map[string]any{"encoding": "jsonParsed"},
		})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Value []*struct {
				Data struct {
					Parsed struct {
						Info struct {
							Owner string `json:"owner"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"value"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, Permanent(fmt.Errorf("rpc: parse token account owners: %w", err))
		}
		if len(resp.Value) != len(chunk) {
			return nil, Permanent(fmt.Errorf("rpc: token account owners: got %d values for %d keys", len(resp.Value), len(chunk)))
		}

		for i, v := range resp.Value {
			owner := AccountOwner{Address: chunk[i]}
			if v != nil {
				owner.Owner = Pubkey(v.Data.Parsed.Info.Owner)
				owner.Exists = true
			}
			result[chunk[i]] = owner
		}
	}

	return result, nil
}

// GetAccountOwners resolves the owning program of arbitrary accounts via
// getMultipleAccounts with base64 encoding.
func (c *LiveRPCClient) GetAccountOwners(ctx context.Context, accounts []Pubkey) (map[Pubkey]AccountOwner, error) {
	result := make(map[Pubkey]AccountOwner, len(accounts))

	for start := 0; start < len(accounts); start += multipleAccountsChunk {
		end := start + multipleAccountsChunk
		if end > len(accounts) {
			end = len(accounts)
		}
		chunk := accounts[start:end]

		keys := make([]string, len(chunk))
		for i, a := range chunk {
			keys[i] = string(a)
		}

		raw, err := c.call(ctx, "getMultipleAccounts", []any{
			keys,
			map[string]any{"encoding": "base64"},
		})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Value []*struct {
				Owner string `json:"owner"`
			} `json:"value"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, Permanent(fmt.Errorf("rpc: parse account owners: %w", err))
		}
		if len(resp.Value) != len(chunk) {
			return nil, Permanent(fmt.Errorf("rpc: account owners: got %d values for %d keys", len(resp.Value), len(chunk)))
		}

		for i, v := range resp.Value {
			owner := AccountOwner{Address: chunk[i]}
			if v != nil {
				owner.Owner = Pubkey(v.Owner)
				owner.Exists = true
			}
			result[chunk[i]] = owner
		}
	}

	return result, nil
}

// GetAccountsData fetches raw account contents via getMultipleAccounts with
// base64 encoding. Null entries (closed accounts) are left out of the result.
func (c *LiveRPCClient) GetAccountsData(ctx context.Context, accounts []Pubkey) (map[Pubkey][]byte, error) {
	result := make(map[Pubkey][]byte, len(accounts))

	for start := 0; start < len(accounts); start += multipleAccountsChunk {
		end := start + multipleAccountsChunk
		if end > len(accounts) {
			end = len(accounts)
		}
		chunk := accounts[start:end]

		keys := make([]string, len(chunk))
		for i, a := range chunk {
			keys[i] = string(a)
		}

		raw, err := c.call(ctx, "getMultipleAccounts", []any{
			keys,
			map[string]any{"encoding": "base64"},
		})
		if err != nil {
			return nil, err
		}

		var resp struct {
			Value []*struct {
				Data []string `json:"data"`
			} `json:"value"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, Permanent(fmt.Errorf("rpc: parse accounts data: %w", err))
		}
		if len(resp.Value) != len(chunk) {
			return nil, Permanent(fmt.Errorf("rpc: accounts data: got %d values for %d keys", len(resp.Value), len(chunk)))
		}

		for i, v := range resp.Value {
			if v == nil || len(v.Data) == 0 {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(v.Data[0])
			if err != nil {
				return nil, Permanent(fmt.Errorf("rpc: account %s data not base64: %w", chunk[i], err))
			}
			result[chunk[i]] = data
		}
	}

	return result, nil
}

// GetBalance returns the wallet's native balance in lamports.
func (c *LiveRPCClient) GetBalance(ctx context.Context, wallet Pubkey) (sdkmath.Int, error) {
	result, err := c.call(ctx, "getBalance", []any{string(wallet)})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return sdkmath.ZeroInt(), Permanent(fmt.Errorf("rpc: parse balance: %w", err))
	}

	return sdkmath.NewIntFromUint64(resp.Value), nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
