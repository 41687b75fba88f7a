package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Bridge executor — child process speaking JSON over stdio
// ---------------------------------------------------------------------------

// The AMM transaction library runs as a separate program. One child process
// is spawned per call and reaped when the call finishes; no long-running
// connection is assumed. Every on-chain amount crosses the boundary as a
// string so it never rides through a 53-bit float mantissa.

// BridgeConfig configures the subprocess backend.
type BridgeConfig struct {
	Command    string        // backend binary
	Args       []string      // fixed leading arguments
	Timeout    time.Duration // hard wall-clock limit per call
	MaxRetries int           // transient retries per call
}

// DefaultBridgeConfig returns production defaults.
func DefaultBridgeConfig(command string) BridgeConfig {
	return BridgeConfig{
		Command:    command,
		Timeout:    60 * time.Second,
		MaxRetries: 3,
	}
}

// Bridge invokes the backend binary per call.
type Bridge struct {
	config BridgeConfig
}

// NewBridge creates a subprocess-backed executor.
func NewBridge(config BridgeConfig) *Bridge {
	if config.Timeout == 0 {
		config.Timeout = 60 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	return &Bridge{config: config}
}

// bridgeRequest is one command on the child's stdin.
type bridgeRequest struct {
	Op          string     `json:"op"`
	PoolID      string     `json:"pool_id,omitempty"`
	LPMint      string     `json:"lp_mint,omitempty"`
	Direction   string     `json:"direction,omitempty"`
	AmountSOL   string     `json:"amount_sol,omitempty"`
	AmountInRaw string     `json:"amount_in_raw,omitempty"`
	SlippagePct float64    `json:"slippage_pct,omitempty"`
	Keys        []batchKey `json:"keys,omitempty"`
	Keep        []string   `json:"keep,omitempty"`
}

type batchKey struct {
	PoolID string `json:"pool_id"`
	LPMint string `json:"lp_mint"`
}

// bridgeResponse is the single JSON document on the child's stdout.
type bridgeResponse struct {
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`
	Transient  bool            `json:"transient,omitempty"`
	Signatures []string        `json:"signatures,omitempty"`
	Logs       []string        `json:"logs,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// run executes one backend command with transient retry and backoff.
func (b *Bridge) run(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("bridge: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= b.config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			log.Warn().
				Str("op", req.Op).
				Int("attempt", attempt+1).
				Msg("bridge: retrying backend call")
		}

		resp, err := b.invoke(ctx, payload, req.Op)
		if err != nil {
			if solana.IsTransient(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		if !resp.Success {
			execErr := &ExecError{
				Op:         req.Op,
				PoolID:     req.PoolID,
				Signatures: toSignatures(resp.Signatures),
				Logs:       resp.Logs,
				Err:        fmt.Errorf("%s", resp.Error),
			}
			if resp.Transient && len(resp.Signatures) == 0 {
				// Safe to retry only when nothing hit the chain.
				lastErr = solana.Transient(execErr)
				continue
			}
			return nil, execErr
		}

		return resp, nil
	}

	return nil, fmt.Errorf("bridge: %s failed after %d attempts: %w", req.Op, b.config.MaxRetries+1, lastErr)
}

// invoke spawns the child for one attempt and decodes its stdout.
func (b *Bridge) invoke(ctx context.Context, payload []byte, op string) (*bridgeResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.config.Timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, b.config.Command, b.config.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if callCtx.Err() == context.DeadlineExceeded {
		return nil, solana.Transient(fmt.Errorf("bridge: %s timed out after %s", op, b.config.Timeout))
	}
	if err != nil {
		return nil, solana.Transient(fmt.Errorf("bridge: %s process failed: %w (stderr: %s)", op, err, stderr.String()))
	}

	var resp bridgeResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: %s malformed response: %w", op, err))
	}

	log.Debug().
		Str("op", op).
		Dur("elapsed", elapsed).
		Bool("success", resp.Success).
		Msg("bridge: backend call finished")

	return &resp, nil
}

// --- Executor implementation ---

func (b *Bridge) AddLiquidity(ctx context.Context, poolID string, amountSOL decimal.Decimal, slippagePct float64) (*AddLiquidityResult, error) {
	resp, err := b.run(ctx, bridgeRequest{
		Op:          "add",
		PoolID:      poolID,
		AmountSOL:   amountSOL.String(),
		SlippagePct: slippagePct,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		LPMint      string `json:"lp_mint"`
		LPAmountRaw string `json:"lp_amount_raw"`
		SpentSOL    string `json:"spent_sol"`
		PriceRatio  string `json:"price_ratio"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: add data: %w", err))
	}

	lpRaw, ok := sdkmath.NewIntFromString(data.LPAmountRaw)
	if !ok {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad lp amount %q", data.LPAmountRaw))
	}
	spent, err := decimal.NewFromString(data.SpentSOL)
	if err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad spent_sol %q", data.SpentSOL))
	}
	// price_ratio is optional on the wire.
	price := decimal.Zero
	if data.PriceRatio != "" {
		if price, err = decimal.NewFromString(data.PriceRatio); err != nil {
			return nil, solana.Permanent(fmt.Errorf("bridge: bad price_ratio %q", data.PriceRatio))
		}
	}

	return &AddLiquidityResult{
		LPMint:      solana.Pubkey(data.LPMint),
		LPAmountRaw: lpRaw,
		SpentSOL:    spent,
		PriceRatio:  price,
		Signatures:  toSignatures(resp.Signatures),
	}, nil
}

func (b *Bridge) RemoveLiquidity(ctx context.Context, poolID string, slippagePct float64) (*RemoveLiquidityResult, error) {
	resp, err := b.run(ctx, bridgeRequest{
		Op:          "remove",
		PoolID:      poolID,
		SlippagePct: slippagePct,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		ReceivedSOL string `json:"received_sol"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: remove data: %w", err))
	}
	received, err := decimal.NewFromString(data.ReceivedSOL)
	if err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad received_sol %q", data.ReceivedSOL))
	}

	return &RemoveLiquidityResult{
		ReceivedSOL: received,
		Signatures:  toSignatures(resp.Signatures),
	}, nil
}

func (b *Bridge) Swap(ctx context.Context, poolID string, direction Direction, amountInRaw sdkmath.Int, slippagePct float64) (*SwapResult, error) {
	resp, err := b.run(ctx, bridgeRequest{
		Op:          "swap",
		PoolID:      poolID,
		Direction:   string(direction),
		AmountInRaw: amountInRaw.String(),
		SlippagePct: slippagePct,
	})
	if err != nil {
		return nil, err
	}

	var data struct {
		AmountOutRaw string `json:"amount_out_raw"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: swap data: %w", err))
	}
	out, ok := sdkmath.NewIntFromString(data.AmountOutRaw)
	if !ok {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad amount_out %q", data.AmountOutRaw))
	}

	return &SwapResult{
		AmountOutRaw: out,
		Signatures:   toSignatures(resp.Signatures),
	}, nil
}

func (b *Bridge) LPValue(ctx context.Context, poolID string, lpMint solana.Pubkey) (*LPValuation, error) {
	resp, err := b.run(ctx, bridgeRequest{
		Op:     "lpvalue",
		PoolID: poolID,
		LPMint: string(lpMint),
	})
	if err != nil {
		return nil, err
	}

	var data wireValuation
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: lpvalue data: %w", err))
	}
	return data.toValuation()
}

func (b *Bridge) LPValueBatch(ctx context.Context, keys []BatchKey) (map[BatchKey]*LPValuation, error) {
	if len(keys) == 0 {
		return map[BatchKey]*LPValuation{}, nil
	}

	wireKeys := make([]batchKey, len(keys))
	for i, k := range keys {
		wireKeys[i] = batchKey{PoolID: k.PoolID, LPMint: string(k.LPMint)}
	}

	resp, err := b.run(ctx, bridgeRequest{Op: "batchlpvalue", Keys: wireKeys})
	if err != nil {
		return nil, err
	}

	var data []struct {
		PoolID string `json:"pool_id"`
		LPMint string `json:"lp_mint"`
		wireValuation
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: batchlpvalue data: %w", err))
	}

	result := make(map[BatchKey]*LPValuation, len(data))
	for _, entry := range data {
		valuation, err := entry.toValuation()
		if err != nil {
			return nil, err
		}
		result[BatchKey{PoolID: entry.PoolID, LPMint: solana.Pubkey(entry.LPMint)}] = valuation
	}
	return result, nil
}

func (b *Bridge) Balance(ctx context.Context, mint solana.Pubkey) (sdkmath.Int, error) {
	resp, err := b.run(ctx, bridgeRequest{Op: "balance", LPMint: string(mint)})
	if err != nil {
		return sdkmath.ZeroInt(), err
	}

	var data struct {
		BalanceRaw string `json:"balance_raw"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return sdkmath.ZeroInt(), solana.Permanent(fmt.Errorf("bridge: balance data: %w", err))
	}
	balance, ok := sdkmath.NewIntFromString(data.BalanceRaw)
	if !ok {
		return sdkmath.ZeroInt(), solana.Permanent(fmt.Errorf("bridge: bad balance %q", data.BalanceRaw))
	}
	return balance, nil
}

func (b *Bridge) ListTokens(ctx context.Context) ([]TokenHolding, error) {
	resp, err := b.run(ctx, bridgeRequest{Op: "listtokens"})
	if err != nil {
		return nil, err
	}

	var data []struct {
		Mint       string `json:"mint"`
		BalanceRaw string `json:"balance_raw"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: listtokens data: %w", err))
	}

	holdings := make([]TokenHolding, 0, len(data))
	for _, entry := range data {
		balance, ok := sdkmath.NewIntFromString(entry.BalanceRaw)
		if !ok {
			return nil, solana.Permanent(fmt.Errorf("bridge: bad balance %q for %s", entry.BalanceRaw, entry.Mint))
		}
		holdings = append(holdings, TokenHolding{
			Mint:       solana.Pubkey(entry.Mint),
			BalanceRaw: balance,
		})
	}
	return holdings, nil
}

func (b *Bridge) CloseEmptyAccounts(ctx context.Context, keep []solana.Pubkey) (*CloseAccountsResult, error) {
	keepStrs := make([]string, len(keep))
	for i, m := range keep {
		keepStrs[i] = string(m)
	}

	resp, err := b.run(ctx, bridgeRequest{Op: "closeaccounts", Keep: keepStrs})
	if err != nil {
		return nil, err
	}

	var data struct {
		Closed        int    `json:"closed"`
		RentReclaimed string `json:"rent_reclaimed_sol"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: closeaccounts data: %w", err))
	}
	rent, err := decimal.NewFromString(data.RentReclaimed)
	if err != nil {
		rent = decimal.Zero
	}

	return &CloseAccountsResult{Closed: data.Closed, RentReclaimed: rent}, nil
}

func (b *Bridge) UnwrapNative(ctx context.Context) (decimal.Decimal, error) {
	resp, err := b.run(ctx, bridgeRequest{Op: "unwrap"})
	if err != nil {
		return decimal.Zero, err
	}

	var data struct {
		UnwrappedSOL string `json:"unwrapped_sol"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return decimal.Zero, solana.Permanent(fmt.Errorf("bridge: unwrap data: %w", err))
	}
	amount, err := decimal.NewFromString(data.UnwrappedSOL)
	if err != nil {
		return decimal.Zero, solana.Permanent(fmt.Errorf("bridge: bad unwrapped_sol %q", data.UnwrappedSOL))
	}
	return amount, nil
}

// wireValuation is an LP valuation as the bridge reports it.
type wireValuation struct {
	ValueSOL     string `json:"value_sol"`
	PriceRatio   string `json:"price_ratio"`
	LPBalanceRaw string `json:"lp_balance_raw"`
}

func (w wireValuation) toValuation() (*LPValuation, error) {
	value, err := decimal.NewFromString(w.ValueSOL)
	if err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad value_sol %q", w.ValueSOL))
	}
	price, err := decimal.NewFromString(w.PriceRatio)
	if err != nil {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad price_ratio %q", w.PriceRatio))
	}
	lpRaw, ok := sdkmath.NewIntFromString(w.LPBalanceRaw)
	if !ok {
		return nil, solana.Permanent(fmt.Errorf("bridge: bad lp_balance %q", w.LPBalanceRaw))
	}
	return &LPValuation{ValueSOL: value, PriceRatio: price, LPBalanceRaw: lpRaw}, nil
}

func toSignatures(raw []string) []solana.Signature {
	if len(raw) == 0 {
		return nil
	}
	sigs := make([]solana.Signature, len(raw))
	for i, s := range raw {
		sigs[i] = solana.Signature(s)
	}
	return sigs
}
