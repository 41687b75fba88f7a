package executor

import (
	"context"
	"fmt"
	"sync"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Dry-run executor — paper trading, no backend calls
// ---------------------------------------------------------------------------

type simHolding struct {
	lpMint solana.Pubkey
	lpRaw  sdkmath.Int
	value  decimal.Decimal
	price  decimal.Decimal
}

// DryRun simulates the execution backend in memory. Entries mint a fake LP
// balance at the deposited value; valuations return that value until a test
// or the simulation moves it. Also used as the engine's test double.
type DryRun struct {
	mu       sync.Mutex
	holdings map[string]*simHolding // pool ID -> holding
	tokens   map[solana.Pubkey]sdkmath.Int
	wrapped  decimal.Decimal
	sigSeq   int
}

// NewDryRun creates an empty simulated backend.
func NewDryRun() *DryRun {
	return &DryRun{
		holdings: make(map[string]*simHolding),
		tokens:   make(map[solana.Pubkey]sdkmath.Int),
	}
}

// SetValuation overrides the simulated value and price for a pool, for
// driving pnl scenarios.
func (d *DryRun) SetValuation(poolID string, valueSOL, priceRatio decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.holdings[poolID]; ok {
		h.value = valueSOL
		h.price = priceRatio
	}
}

// SetLPBalance overrides the simulated LP balance; zero simulates a rug.
func (d *DryRun) SetLPBalance(poolID string, lpRaw sdkmath.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.holdings[poolID]; ok {
		h.lpRaw = lpRaw
	}
}

// SetToken seeds a wallet token holding.
func (d *DryRun) SetToken(mint solana.Pubkey, balanceRaw sdkmath.Int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[mint] = balanceRaw
}

// SetWrapped seeds a wrapped-SOL balance for unwrap tests.
func (d *DryRun) SetWrapped(amount decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wrapped = amount
}

func (d *DryRun) nextSig() []solana.Signature {
	d.sigSeq++
	return []solana.Signature{solana.Signature(fmt.Sprintf("dry-run-%d", d.sigSeq))}
}

// --- Executor implementation ---

func (d *DryRun) AddLiquidity(_ context.Context, poolID string, amountSOL decimal.Decimal, _ float64) (*AddLiquidityResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lpMint := solana.Pubkey("sim-lp-" + poolID)
	lpRaw := sdkmath.NewIntFromBigInt(amountSOL.Mul(decimal.NewFromInt(solana.LamportsPerSOL)).BigInt())
	if !lpRaw.IsPositive() {
		lpRaw = sdkmath.OneInt()
	}

	d.holdings[poolID] = &simHolding{
		lpMint: lpMint,
		lpRaw:  lpRaw,
		value:  amountSOL,
		price:  decimal.NewFromInt(1),
	}

	log.Info().Str("pool", poolID).Str("amount_sol", amountSOL.String()).Msg("dry-run: simulated add liquidity")

	return &AddLiquidityResult{
		LPMint:      lpMint,
		LPAmountRaw: lpRaw,
		SpentSOL:    amountSOL,
		PriceRatio:  decimal.NewFromInt(1),
		Signatures:  d.nextSig(),
	}, nil
}

func (d *DryRun) RemoveLiquidity(_ context.Context, poolID string, _ float64) (*RemoveLiquidityResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	holding, ok := d.holdings[poolID]
	if !ok {
		return nil, &ExecError{Op: "remove", PoolID: poolID, Err: fmt.Errorf("no simulated holding")}
	}
	delete(d.holdings, poolID)

	log.Info().Str("pool", poolID).Str("value_sol", holding.value.String()).Msg("dry-run: simulated remove liquidity")

	return &RemoveLiquidityResult{
		ReceivedSOL: holding.value,
		Signatures:  d.nextSig(),
	}, nil
}

func (d *DryRun) Swap(_ context.Context, poolID string, direction Direction, amountInRaw sdkmath.Int, _ float64) (*SwapResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	log.Info().
		Str("pool", poolID).
		Str("direction", string(direction)).
		Str("amount_in", amountInRaw.String()).
		Msg("dry-run: simulated swap")

	return &SwapResult{AmountOutRaw: amountInRaw, Signatures: d.nextSig()}, nil
}

func (d *DryRun) LPValue(_ context.Context, poolID string, _ solana.Pubkey) (*LPValuation, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	holding, ok := d.holdings[poolID]
	if !ok {
		return &LPValuation{ValueSOL: decimal.Zero, PriceRatio: decimal.Zero, LPBalanceRaw: sdkmath.ZeroInt()}, nil
	}
	return &LPValuation{ValueSOL: holding.value, PriceRatio: holding.price, LPBalanceRaw: holding.lpRaw}, nil
}

func (d *DryRun) LPValueBatch(ctx context.Context, keys []BatchKey) (map[BatchKey]*LPValuation, error) {
	result := make(map[BatchKey]*LPValuation, len(keys))
	for _, key := range keys {
		valuation, err := d.LPValue(ctx, key.PoolID, key.LPMint)
		if err != nil {
			return nil, err
		}
		result[key] = valuation
	}
	return result, nil
}

func (d *DryRun) Balance(_ context.Context, mint solana.Pubkey) (sdkmath.Int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if balance, ok := d.tokens[mint]; ok {
		return balance, nil
	}
	return sdkmath.ZeroInt(), nil
}

func (d *DryRun) ListTokens(_ context.Context) ([]TokenHolding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	holdings := make([]TokenHolding, 0, len(d.tokens))
	for mint, balance := range d.tokens {
		if balance.IsPositive() {
			holdings = append(holdings, TokenHolding{Mint: mint, BalanceRaw: balance})
		}
	}
	return holdings, nil
}

func (d *DryRun) CloseEmptyAccounts(_ context.Context, _ []solana.Pubkey) (*CloseAccountsResult, error) {
	return &CloseAccountsResult{Closed: 0, RentReclaimed: decimal.Zero}, nil
}

func (d *DryRun) UnwrapNative(_ context.Context) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	amount := d.wrapped
	d.wrapped = decimal.Zero
	return amount, nil
}
