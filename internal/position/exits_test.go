package position

import (
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/config"
)

func testExitsConfig() config.ExitsConfig {
	return config.ExitsConfig{
		StopLossPct:   -15,
		TakeProfitPct: 25,
		MaxHoldHours:  12,
		MaxILPct:      -10,
	}
}

func evalFixture(t *testing.T) (*Evaluator, *Position) {
	t.Helper()
	p, err := New("pool-1", "lp-1", "base-1", "WIF",
		decimal.RequireFromString("0.001"),
		decimal.RequireFromString("1.0"),
		sdkmath.NewInt(1_000_000),
		time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return NewEvaluator(testExitsConfig()), p
}

func TestEvaluateHolds(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(time.Hour)
	p.UpdateMetrics(decimal.RequireFromString("1.05"), p.EntryPriceRatio, now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	assert.False(t, d.Exit)
}

func TestEvaluateStopLoss(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(time.Hour)
	p.UpdateMetrics(decimal.RequireFromString("0.84"), p.EntryPriceRatio, now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitStopLoss, d.Reason)
}

func TestEvaluateTakeProfit(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(time.Hour)
	p.UpdateMetrics(decimal.RequireFromString("1.30"), p.EntryPriceRatio, now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitTakeProfit, d.Reason)
}

func TestEvaluateIL(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(time.Hour)

	// Price 4x: IL = 2*2/5 - 1 = -20%, while pnl stays inside the stop.
	p.UpdateMetrics(decimal.RequireFromString("0.95"), p.EntryPriceRatio.Mul(decimal.NewFromInt(4)), now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitIL, d.Reason)
}

func TestEvaluateTime(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(13 * time.Hour)
	p.UpdateMetrics(decimal.RequireFromString("1.01"), p.EntryPriceRatio, now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitTime, d.Reason)
}

func TestEvaluateGhostBeatsEverything(t *testing.T) {
	ev, p := evalFixture(t)

	// Past the hold limit, past the stop loss, and rugged: the observed zero
	// LP balance must win so the pool is banned, not merely cooled down.
	now := p.OpenedAt.Add(24 * time.Hour)
	p.UpdateMetrics(decimal.Zero, decimal.Zero, now)

	d := ev.Evaluate(p, sdkmath.ZeroInt(), now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitGhost, d.Reason)
}

func TestEvaluateStopLossBeatsTime(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(24 * time.Hour)
	p.UpdateMetrics(decimal.RequireFromString("0.5"), p.EntryPriceRatio, now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitStopLoss, d.Reason)
}

func TestEvaluateStopLossBeatsIL(t *testing.T) {
	ev, p := evalFixture(t)
	now := p.OpenedAt.Add(time.Hour)

	// Deep drawdown with a big price move trips both rules; stop loss is
	// checked first.
	p.UpdateMetrics(decimal.RequireFromString("0.4"), p.EntryPriceRatio.Mul(decimal.NewFromInt(10)), now)

	d := ev.Evaluate(p, p.EntryLPRaw, now)
	require.True(t, d.Exit)
	assert.Equal(t, ExitStopLoss, d.Reason)
}
