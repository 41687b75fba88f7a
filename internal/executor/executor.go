package executor

import (
	"context"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Execution backend contract
// ---------------------------------------------------------------------------

// Direction of a swap relative to the pool's base token.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// SellAll as amount_in tells the backend to swap the full on-chain balance.
const SellAll = 0

// AddLiquidityResult reports a confirmed add-liquidity flow. PriceRatio is
// the pool price from the reserves the deposit confirmed against; it may be
// zero when the backend does not report one.
type AddLiquidityResult struct {
	LPMint      solana.Pubkey      `json:"lp_mint"`
	LPAmountRaw sdkmath.Int        `json:"lp_amount_raw"`
	SpentSOL    decimal.Decimal    `json:"spent_sol"`
	PriceRatio  decimal.Decimal    `json:"price_ratio"`
	Signatures  []solana.Signature `json:"signatures"`
}

// RemoveLiquidityResult reports a confirmed remove-liquidity flow.
type RemoveLiquidityResult struct {
	ReceivedSOL decimal.Decimal    `json:"received_sol"`
	Signatures  []solana.Signature `json:"signatures"`
}

// SwapResult reports a confirmed swap.
type SwapResult struct {
	AmountOutRaw sdkmath.Int        `json:"amount_out_raw"`
	Signatures   []solana.Signature `json:"signatures"`
}

// LPValuation is the backend's view of one LP holding.
type LPValuation struct {
	ValueSOL     decimal.Decimal `json:"value_sol"`
	PriceRatio   decimal.Decimal `json:"price_ratio"`
	LPBalanceRaw sdkmath.Int     `json:"lp_balance_raw"`
}

// TokenHolding is one non-zero wallet holding.
type TokenHolding struct {
	Mint       solana.Pubkey `json:"mint"`
	BalanceRaw sdkmath.Int   `json:"balance_raw"`
}

// CloseAccountsResult reports a close-empty-accounts pass.
type CloseAccountsResult struct {
	Closed       int             `json:"closed"`
	RentReclaimed decimal.Decimal `json:"rent_reclaimed_sol"`
}

// BatchKey identifies one LP holding in a batch valuation.
type BatchKey struct {
	PoolID string
	LPMint solana.Pubkey
}

// Executor is the contract the engine expects from the swap-execution
// backend. Implementations confirm transactions before returning, always
// read on-chain balances at call time instead of trusting caller-supplied
// amounts, and retry transient failures internally. A partial failure after
// funds have moved must surface the intermediate state as an error, never as
// silent success.
type Executor interface {
	// AddLiquidity swaps roughly half of amountSOL into the pool's base
	// token and deposits both sides. Reports the LP received.
	AddLiquidity(ctx context.Context, poolID string, amountSOL decimal.Decimal, slippagePct float64) (*AddLiquidityResult, error)

	// RemoveLiquidity withdraws the wallet's entire on-chain LP balance for
	// the pool and swaps the base side back to SOL.
	RemoveLiquidity(ctx context.Context, poolID string, slippagePct float64) (*RemoveLiquidityResult, error)

	// Swap trades against a pool. amountInRaw = SellAll sells the full
	// on-chain balance of the input token.
	Swap(ctx context.Context, poolID string, direction Direction, amountInRaw sdkmath.Int, slippagePct float64) (*SwapResult, error)

	// LPValue values one LP holding at current reserves.
	LPValue(ctx context.Context, poolID string, lpMint solana.Pubkey) (*LPValuation, error)

	// LPValueBatch values many LP holdings in at most two bulk reads.
	LPValueBatch(ctx context.Context, keys []BatchKey) (map[BatchKey]*LPValuation, error)

	// Balance returns the wallet's raw balance of one token mint.
	Balance(ctx context.Context, mint solana.Pubkey) (sdkmath.Int, error)

	// ListTokens returns every non-zero token holding in the wallet.
	ListTokens(ctx context.Context) ([]TokenHolding, error)

	// CloseEmptyAccounts closes zero-balance token accounts, at most 20 per
	// transaction, keeping accounts for the given mints.
	CloseEmptyAccounts(ctx context.Context, keep []solana.Pubkey) (*CloseAccountsResult, error)

	// UnwrapNative closes the wrapped-SOL account, returning its balance to
	// the native wallet.
	UnwrapNative(ctx context.Context) (decimal.Decimal, error)
}
