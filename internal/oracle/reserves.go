package oracle

import (
	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
)

// Reserve and LP-valuation math. Every on-chain amount stays an
// arbitrary-precision integer until the final conversion to decimal for
// display; decimal-9 mints with large supplies overflow a float64 mantissa
// long before they overflow the chain's u64 fields.

// EffectiveReserve is the AMM's usable reserve for one side: the vault
// balance plus the open-orders total, minus the accrued protocol fees the
// AMM has marked for withdrawal. If the fee offset exceeds the gross amount
// (seen on drained pools) the offset is ignored rather than going negative.
func EffectiveReserve(vault, openOrders, needTakePnl sdkmath.Int) sdkmath.Int {
	gross := vault.Add(openOrders)
	if needTakePnl.GT(gross) {
		return gross
	}
	return gross.Sub(needTakePnl)
}

// Reserves is a consistent snapshot of one pool's effective reserves and its
// internal LP accounting.
type Reserves struct {
	Base          sdkmath.Int
	Quote         sdkmath.Int
	BaseDecimals  uint8
	QuoteDecimals uint8

	// LPCirculating is the AMM's own LP-reserve counter. The LP mint's
	// total supply is the wrong denominator here: burned LP reduces the
	// mint supply below what the AMM still accounts for.
	LPCirculating sdkmath.Int
}

// PriceRatio returns quote per base in natural (decimal-adjusted) units.
// Zero if either side is empty.
func (r Reserves) PriceRatio() decimal.Decimal {
	if !r.Base.IsPositive() || !r.Quote.IsPositive() {
		return decimal.Zero
	}
	base := decimal.NewFromBigInt(r.Base.BigInt(), -int32(r.BaseDecimals))
	quote := decimal.NewFromBigInt(r.Quote.BigInt(), -int32(r.QuoteDecimals))
	return quote.Div(base)
}

// LPShare returns the raw base and quote amounts a holder of lpRaw LP units
// can claim. Division floors, matching the AMM's own payout rounding.
func (r Reserves) LPShare(lpRaw sdkmath.Int) (base, quote sdkmath.Int) {
	if !lpRaw.IsPositive() || !r.LPCirculating.IsPositive() {
		return sdkmath.ZeroInt(), sdkmath.ZeroInt()
	}
	base = r.Base.Mul(lpRaw).Quo(r.LPCirculating)
	quote = r.Quote.Mul(lpRaw).Quo(r.LPCirculating)
	return base, quote
}

// LPValue returns the quote-denominated (SOL) value of lpRaw LP units plus
// the price ratio it was computed at. The base share is converted at the
// current pool ratio and added to the quote share.
func (r Reserves) LPValue(lpRaw sdkmath.Int) (valueSOL, priceRatio decimal.Decimal) {
	priceRatio = r.PriceRatio()

	shareBase, shareQuote := r.LPShare(lpRaw)
	if shareBase.IsZero() && shareQuote.IsZero() {
		return decimal.Zero, priceRatio
	}

	quoteSide := decimal.NewFromBigInt(shareQuote.BigInt(), -int32(r.QuoteDecimals))
	baseSide := decimal.NewFromBigInt(shareBase.BigInt(), -int32(r.BaseDecimals)).Mul(priceRatio)
	return quoteSide.Add(baseSide), priceRatio
}
