package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/position"
	"github.com/harvest-trading/harvest/internal/raydium"
	"github.com/harvest-trading/harvest/internal/solana"
)

func TestRecoverUnwrapsStrandedSOL(t *testing.T) {
	f := newEngineFixture(t)
	f.sim.SetWrapped(decimal.RequireFromString("0.75"))

	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))

	// A second unwrap finds nothing: the balance was claimed.
	amount, err := f.sim.UnwrapNative(context.Background())
	require.NoError(t, err)
	assert.True(t, amount.IsZero())
}

func TestRecoverClosesGhostPositions(t *testing.T) {
	f := newEngineFixture(t)

	// A position restored from the snapshot whose LP no longer exists on
	// chain: the simulated backend has no holding for it.
	pos, err := position.New("pool-rugged", "lp-pool-rugged", "base-pool-rugged", "TKN",
		decimal.RequireFromString("0.001"), decimal.NewFromInt(1), sdkmath.NewInt(1000),
		time.Now().Add(-2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.store.Open(pos))

	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))

	_, open := f.store.Get("pool-rugged")
	assert.False(t, open)

	trades := f.jnl.Recent()
	require.Len(t, trades, 1)
	assert.Equal(t, position.ExitGhost, trades[0].Reason)
	assert.True(t, trades[0].ExitValueSOL.IsZero())

	ok, _ := f.store.Ledger().IsEligible("pool-rugged", time.Now().Add(10_000*time.Hour))
	assert.False(t, ok, "rugged pool is banned for good")
}

func TestRecoverKeepsHealthyPositions(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))
	f.sim.SetValuation("pool-1", decimal.RequireFromString("1.1"), decimal.NewFromInt(1))

	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))

	pos, open := f.store.Get("pool-1")
	require.True(t, open)
	assert.InDelta(t, 10.0, pos.LastPnlPct, 1e-9, "recovery refreshes metrics for survivors")
	assert.Equal(t, 0, f.jnl.Totals().Trades)
}

func TestRecoverWithdrawsStrandedLP(t *testing.T) {
	f := newEngineFixture(t)

	// The wallet holds LP for a pool with no open position: an entry that
	// crashed between the deposit confirming and the state snapshot.
	added, err := f.sim.AddLiquidity(context.Background(), "pool-stranded", decimal.RequireFromString("0.7"), 5)
	require.NoError(t, err)
	f.sim.SetToken(added.LPMint, added.LPAmountRaw)
	f.dir.byLP[added.LPMint] = activePool("pool-stranded")

	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))

	// The holding was withdrawn: a later remove finds nothing.
	_, err = f.sim.RemoveLiquidity(context.Background(), "pool-stranded", 5)
	assert.Error(t, err)
}

func TestRecoverSellsOrphanBaseTokens(t *testing.T) {
	f := newEngineFixture(t)

	pool := activePool("pool-1")
	f.dir.pools = []raydium.Pool{pool}
	f.sim.SetToken(pool.BaseMint, sdkmath.NewInt(5_000_000))

	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))
	// No error and no open position: the token was routed back to SOL
	// through its pool.
	assert.Equal(t, 0, f.store.Count())
}

func TestRecoverKeepsUnroutableTokens(t *testing.T) {
	f := newEngineFixture(t)
	f.sim.SetToken(solana.Pubkey("mystery-mint"), sdkmath.NewInt(123))

	// No directory entry for the mint: recovery must not error, just keep it.
	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{AutoContinue: true}))
}

func TestRecoverPromptCloseAll(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))
	f.enter(t, activePool("pool-2"))

	var out bytes.Buffer
	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{
		In:  strings.NewReader("close\n"),
		Out: &out,
	}))

	assert.Equal(t, 0, f.store.Count())
	assert.Equal(t, 2, f.jnl.Totals().Trades)
	for _, trade := range f.jnl.Recent() {
		assert.Equal(t, position.ExitManual, trade.Reason)
	}
	assert.Contains(t, out.String(), "recovered 2 open position(s)")
}

func TestRecoverPromptContinue(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	var out bytes.Buffer
	require.NoError(t, f.engine.Recover(context.Background(), RecoverOptions{
		In:  strings.NewReader("\n"),
		Out: &out,
	}))

	assert.Equal(t, 1, f.store.Count(), "default answer keeps positions open")
}
