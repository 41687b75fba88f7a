package oracle

import (
	"math/big"
	"testing"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPow2(exp uint) sdkmath.Int {
	return sdkmath.NewIntFromBigInt(new(big.Int).Lsh(big.NewInt(1), exp))
}

func TestEffectiveReserve(t *testing.T) {
	t.Run("subtracts pnl offset", func(t *testing.T) {
		got := EffectiveReserve(sdkmath.NewInt(1000), sdkmath.NewInt(200), sdkmath.NewInt(300))
		assert.Equal(t, "900", got.String())
	})

	t.Run("never negative", func(t *testing.T) {
		got := EffectiveReserve(sdkmath.NewInt(100), sdkmath.NewInt(50), sdkmath.NewInt(500))
		assert.Equal(t, "150", got.String())
	})

	t.Run("zero offset", func(t *testing.T) {
		got := EffectiveReserve(sdkmath.NewInt(100), sdkmath.ZeroInt(), sdkmath.ZeroInt())
		assert.Equal(t, "100", got.String())
	})
}

func TestPriceRatio(t *testing.T) {
	// 250 SOL (9 decimals) against 1,000,000 tokens (6 decimals):
	// price = 250 / 1,000,000 = 0.00025 SOL per token.
	r := Reserves{
		Base:          sdkmath.NewInt(1_000_000_000_000), // 1e6 tokens at 6 decimals
		Quote:         sdkmath.NewInt(250_000_000_000),   // 250 SOL at 9 decimals
		BaseDecimals:  6,
		QuoteDecimals: 9,
	}
	assert.Equal(t, "0.00025", r.PriceRatio().String())
}

func TestPriceRatio_EmptyPool(t *testing.T) {
	r := Reserves{Base: sdkmath.ZeroInt(), Quote: sdkmath.NewInt(100)}
	assert.True(t, r.PriceRatio().IsZero())
}

func TestLPValue_ProportionalShare(t *testing.T) {
	// Holder owns exactly 10% of LP circulating.
	r := Reserves{
		Base:          sdkmath.NewInt(1_000_000_000_000),
		Quote:         sdkmath.NewInt(250_000_000_000),
		BaseDecimals:  6,
		QuoteDecimals: 9,
		LPCirculating: sdkmath.NewInt(1_000_000),
	}

	value, price := r.LPValue(sdkmath.NewInt(100_000))
	require.Equal(t, "0.00025", price.String())

	// 10% of 250 SOL quote side + 10% of base side valued at the pool ratio
	// (another 25 SOL) = 50 SOL.
	assert.True(t, value.Equal(decimal.NewFromInt(50)), "got %s", value)
}

func TestLPValue_ZeroBalance(t *testing.T) {
	r := Reserves{
		Base:          sdkmath.NewInt(1000),
		Quote:         sdkmath.NewInt(1000),
		LPCirculating: sdkmath.NewInt(1000),
	}
	value, _ := r.LPValue(sdkmath.ZeroInt())
	assert.True(t, value.IsZero())
}

func TestLPValue_BigIntPrecision(t *testing.T) {
	// base_reserve = 2^60 - 1 fits u64 but is past float64's 53-bit
	// mantissa, so the float path rounds it up to 2^60 before dividing.
	baseReserve := intPow2(60).SubRaw(1)
	quoteReserve := sdkmath.NewInt(1_000_000_000_000) // 10^12
	lpCirculating := intPow2(55)
	lpRaw := intPow2(50)

	r := Reserves{
		Base:          baseReserve,
		Quote:         quoteReserve,
		BaseDecimals:  9,
		QuoteDecimals: 9,
		LPCirculating: lpCirculating,
	}

	shareBase, shareQuote := r.LPShare(lpRaw)

	// Exact reference: floor((2^60-1) * 2^50 / 2^55) = 2^55 - 1.
	wantBase := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 55), big.NewInt(1))
	wantQuote := new(big.Int).Div(quoteReserve.BigInt(), big.NewInt(32))
	assert.Equal(t, wantBase.String(), shareBase.String())
	assert.Equal(t, wantQuote.String(), shareQuote.String())

	// The naive double path lands on 2^55 instead.
	naive := float64(baseReserve.Int64()) * float64(lpRaw.Int64()) / float64(lpCirculating.Int64())
	assert.NotEqual(t, wantBase.String(), big.NewInt(int64(naive)).String(),
		"float64 share must differ from the exact share")

	value, _ := r.LPValue(lpRaw)
	assert.True(t, value.IsPositive())
}
