package position

import (
	"fmt"
	"math"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/solana"
)

// ExitReason is why a position closed.
type ExitReason string

const (
	ExitStopLoss   ExitReason = "STOP_LOSS"
	ExitTakeProfit ExitReason = "TAKE_PROFIT"
	ExitTime       ExitReason = "TIME"
	ExitIL         ExitReason = "IL"
	ExitGhost      ExitReason = "GHOST"
	ExitManual     ExitReason = "MANUAL"
)

// InvariantError is a state violation that must kill the worker after the
// state is persisted; continuing to trade on inconsistent state risks real
// funds.
type InvariantError struct {
	Msg string
}

func (e *InvariantError) Error() string { return "invariant violation: " + e.Msg }

// Position is one open liquidity position. Fields prefixed Last* are
// refreshed every tick by the position-update worker.
type Position struct {
	ID              string          `json:"position_id"`
	PoolID          string          `json:"pool_id"`
	LPMint          solana.Pubkey   `json:"lp_mint"`
	BaseMint        solana.Pubkey   `json:"base_mint"`
	BaseSymbol      string          `json:"base_symbol"`
	EntryPriceRatio decimal.Decimal `json:"entry_price_ratio"`
	EntryAmountSOL  decimal.Decimal `json:"entry_amount_sol"`
	EntryLPRaw      sdkmath.Int     `json:"entry_lp_raw"`
	OpenedAt        time.Time       `json:"opened_at"`

	LastValueSOL   decimal.Decimal `json:"last_value_sol"`
	LastPriceRatio decimal.Decimal `json:"last_price_ratio"`
	LastPnlPct     float64         `json:"last_pnl_pct"`
	LastILPct      float64         `json:"last_il_pct"`
	LastUpdatedAt  time.Time       `json:"last_updated_at"`
}

// New creates a position at entry. EntryLPRaw must be positive: a position
// with no LP is a ghost from birth.
func New(poolID string, lpMint, baseMint solana.Pubkey, baseSymbol string, entryPrice, entrySOL decimal.Decimal, lpRaw sdkmath.Int, openedAt time.Time) (*Position, error) {
	if !lpRaw.IsPositive() {
		return nil, &InvariantError{Msg: fmt.Sprintf("pool %s: entry lp amount %s not positive", poolID, lpRaw)}
	}
	openedAt = openedAt.UTC()
	return &Position{
		ID:              uuid.New().String(),
		PoolID:          poolID,
		LPMint:          lpMint,
		BaseMint:        baseMint,
		BaseSymbol:      baseSymbol,
		EntryPriceRatio: entryPrice,
		EntryAmountSOL:  entrySOL,
		EntryLPRaw:      lpRaw,
		OpenedAt:        openedAt,
		LastValueSOL:    entrySOL,
		LastPriceRatio:  entryPrice,
		LastUpdatedAt:   openedAt,
	}, nil
}

// UpdateMetrics refreshes the position's view of current value and price,
// recomputing P&L and impermanent loss. O(1).
func (p *Position) UpdateMetrics(valueSOL, priceRatio decimal.Decimal, now time.Time) {
	p.LastValueSOL = valueSOL
	p.LastPriceRatio = priceRatio
	p.LastPnlPct = pnlPct(p.EntryAmountSOL, valueSOL)
	p.LastILPct = ILPct(p.EntryPriceRatio, priceRatio)
	p.LastUpdatedAt = now.UTC()
}

// Age is how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// pnlPct is 100 * (current - entry) / entry.
func pnlPct(entrySOL, currentSOL decimal.Decimal) float64 {
	if !entrySOL.IsPositive() {
		return 0
	}
	pct, _ := currentSOL.Sub(entrySOL).Div(entrySOL).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// ILPct is the closed-form constant-product impermanent loss, in percent
// (zero or negative): IL = 2*sqrt(r)/(1+r) - 1 with r = last/entry.
// The ratio r is near 1 in practice, so float math is exact enough here;
// the big-int discipline applies to reserves, not to this dimensionless ratio.
func ILPct(entryPrice, lastPrice decimal.Decimal) float64 {
	if !entryPrice.IsPositive() || !lastPrice.IsPositive() {
		return 0
	}
	r, _ := lastPrice.Div(entryPrice).Float64()
	if r <= 0 {
		return 0
	}
	il := 2*math.Sqrt(r)/(1+r) - 1
	return il * 100
}

// ClosedTrade is the append-only record of one finished position.
type ClosedTrade struct {
	Position

	ClosedAt         time.Time       `json:"closed_at"`
	ExitValueSOL     decimal.Decimal `json:"exit_value_sol"`
	RealizedPnlPct   float64         `json:"realized_pnl_pct"`
	FeesCollectedSOL decimal.Decimal `json:"fees_collected_sol"`
	HoldSeconds      int64           `json:"hold_seconds"`
	Reason           ExitReason      `json:"exit_reason"`
}

// NewClosedTrade finalizes a position into its trade record.
// FeesCollectedSOL is an instrumentation-only estimate (the P&L left over
// after the price-divergence loss); nothing may branch on it.
func NewClosedTrade(p *Position, exitValue decimal.Decimal, reason ExitReason, closedAt time.Time) ClosedTrade {
	closedAt = closedAt.UTC()

	realized := pnlPct(p.EntryAmountSOL, exitValue)

	fees := decimal.Zero
	if ilSOL := p.EntryAmountSOL.Mul(decimal.NewFromFloat(-p.LastILPct / 100)); ilSOL.Sign() >= 0 {
		pnlSOL := exitValue.Sub(p.EntryAmountSOL)
		if est := pnlSOL.Add(ilSOL); est.IsPositive() {
			fees = est
		}
	}

	return ClosedTrade{
		Position:         *p,
		ClosedAt:         closedAt,
		ExitValueSOL:     exitValue,
		RealizedPnlPct:   realized,
		FeesCollectedSOL: fees,
		HoldSeconds:      int64(closedAt.Sub(p.OpenedAt).Seconds()),
		Reason:           reason,
	}
}
