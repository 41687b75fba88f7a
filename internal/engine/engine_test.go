package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/config"
	"github.com/harvest-trading/harvest/internal/executor"
	"github.com/harvest-trading/harvest/internal/journal"
	"github.com/harvest-trading/harvest/internal/position"
	"github.com/harvest-trading/harvest/internal/raydium"
	"github.com/harvest-trading/harvest/internal/safety"
	"github.com/harvest-trading/harvest/internal/scoring"
	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------- Stubs ----------

type stubDirectory struct {
	pools []raydium.Pool
	byLP  map[solana.Pubkey]raydium.Pool
	err   error
}

func (s *stubDirectory) ListWSOLPools(context.Context) ([]raydium.Pool, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.pools, nil
}

func (s *stubDirectory) PoolsByLPMint(_ context.Context, mints []solana.Pubkey) (map[solana.Pubkey]raydium.Pool, error) {
	out := make(map[solana.Pubkey]raydium.Pool)
	for _, mint := range mints {
		if pool, ok := s.byLP[mint]; ok {
			out[mint] = pool
		}
	}
	return out, nil
}

type stubScreen struct {
	pass  bool
	err   error
	calls int
}

func (s *stubScreen) Evaluate(_ context.Context, pool raydium.Pool) (*safety.Report, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &safety.Report{PoolID: pool.ID, BurnOK: s.pass, LPLockOK: s.pass, TokenOK: s.pass}, nil
}

type stubPrices struct {
	price decimal.Decimal
	err   error
}

func (s stubPrices) SOLPriceUSD(_ context.Context) (decimal.Decimal, error) {
	return s.price, s.err
}

// ---------- Fixtures ----------

func testEngineConfig() *config.Config {
	cfg := config.Default()
	cfg.Trading.MinPositionSOL = 0.05
	cfg.Trading.MaxAbsolutePositionSOL = 5.0
	cfg.Trading.MaxConcurrentPositions = 3
	cfg.Trading.ReserveSOL = 0.1
	cfg.Trading.SlippagePct = 5
	cfg.Scheduler.EntryBufferSize = 8
	cfg.Scheduler.BackendTimeoutSec = 5
	cfg.Exits.StopLossPct = -15
	cfg.Exits.TakeProfitPct = 25
	cfg.Exits.MaxILPct = -10
	cfg.Exits.MaxHoldHours = 12
	return cfg
}

func activePool(id string) raydium.Pool {
	return raydium.Pool{
		ID:           id,
		LPMint:       solana.Pubkey("lp-" + id),
		BaseMint:     solana.Pubkey("base-" + id),
		QuoteMint:    solana.WSOLMint,
		BaseSymbol:   "TKN",
		TVLUSD:       150_000,
		Volume24hUSD: 200_000,
		APR24hPct:    180,
		BurnPct:      96,
		// 1:1 reserves keep the price ratio at 1, matching the simulated
		// backend's default valuation price.
		BaseAmount:  decimal.NewFromInt(400),
		QuoteAmount: decimal.NewFromInt(400),
	}
}

type engineFixture struct {
	engine *Engine
	sim    *executor.DryRun
	rpc    *solana.StubRPCClient
	dir    *stubDirectory
	screen *stubScreen
	store  *position.Store
	jnl    *journal.Journal
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	cfg := testEngineConfig()

	dir := &stubDirectory{byLP: make(map[solana.Pubkey]raydium.Pool)}
	screen := &stubScreen{pass: true}
	sim := executor.NewDryRun()
	rpc := solana.NewStubRPCClient()
	rpc.SetBalance(sdkmath.NewInt(10 * solana.LamportsPerSOL))

	ledger := position.NewLedger(cfg.Blacklist)
	store := position.NewStore(filepath.Join(t.TempDir(), "state.json"), ledger)
	jnl := journal.New(filepath.Join(t.TempDir(), "trades.jsonl"), 16)

	history := scoring.NewTracker()
	scorer := scoring.NewScorer(cfg.Filters, cfg.Trading, history)

	return &engineFixture{
		engine: New(cfg, dir, screen, scorer, history, sim, rpc, store, jnl, nil, "wallet-pub"),
		sim:    sim,
		rpc:    rpc,
		dir:    dir,
		screen: screen,
		store:  store,
		jnl:    jnl,
	}
}

// enter opens a position through the real entry path.
func (f *engineFixture) enter(t *testing.T, pool raydium.Pool) *position.Position {
	t.Helper()
	score := scoring.Score{PoolID: pool.ID, Value: 80, SizedAmount: 1.0}
	require.NoError(t, f.engine.tryEnter(context.Background(), entryCandidate{pool: pool, score: score}))
	pos, ok := f.store.Get(pool.ID)
	require.True(t, ok, "position should be open after entry")
	return pos
}

func waitForTrades(t *testing.T, jnl *journal.Journal, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return jnl.Totals().Trades >= n
	}, 3*time.Second, 10*time.Millisecond)
}

// ---------- Entry ----------

func TestEntryOpensPosition(t *testing.T) {
	f := newEngineFixture(t)
	pos := f.enter(t, activePool("pool-1"))

	assert.True(t, pos.EntryLPRaw.IsPositive())
	assert.Equal(t, "1", pos.EntryAmountSOL.String())

	// Snapshot hit disk.
	restored := position.NewStore(f.store.Path(), position.NewLedger(testEngineConfig().Blacklist))
	require.NoError(t, restored.Restore())
	assert.Equal(t, 1, restored.Count())
}

func TestEntryRespectsCapacity(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))
	f.enter(t, activePool("pool-2"))
	f.enter(t, activePool("pool-3"))

	score := scoring.Score{PoolID: "pool-4", Value: 90, SizedAmount: 1.0}
	require.NoError(t, f.engine.tryEnter(context.Background(), entryCandidate{pool: activePool("pool-4"), score: score}))

	_, opened := f.store.Get("pool-4")
	assert.False(t, opened, "capacity is 3")
	assert.Equal(t, 3, f.store.Count())
}

func TestEntrySkipsBlacklistedPool(t *testing.T) {
	f := newEngineFixture(t)
	f.store.Ledger().RecordExit("pool-1", position.ExitGhost, time.Now())

	score := scoring.Score{PoolID: "pool-1", Value: 90, SizedAmount: 1.0}
	require.NoError(t, f.engine.tryEnter(context.Background(), entryCandidate{pool: activePool("pool-1"), score: score}))

	assert.Equal(t, 0, f.store.Count())
}

func TestEntryDuplicatePoolIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	score := scoring.Score{PoolID: "pool-1", Value: 90, SizedAmount: 1.0}
	require.NoError(t, f.engine.tryEnter(context.Background(), entryCandidate{pool: activePool("pool-1"), score: score}))
	assert.Equal(t, 1, f.store.Count())
}

// ---------- Position updates & exits ----------

func TestStopLossClosesPosition(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	// Value collapses 40%: past the -15% stop.
	f.sim.SetValuation("pool-1", decimal.RequireFromString("0.6"), decimal.NewFromInt(1))

	require.NoError(t, f.engine.positionTick(context.Background()))

	_, open := f.store.Get("pool-1")
	assert.False(t, open, "exiting position leaves the open set before the sell is dispatched")

	waitForTrades(t, f.jnl, 1)
	trades := f.jnl.Recent()
	require.Len(t, trades, 1)
	assert.Equal(t, position.ExitStopLoss, trades[0].Reason)
	assert.Equal(t, "0.6", trades[0].ExitValueSOL.String())

	// Stop loss cools the pool down but does not ban it.
	ok, _ := f.store.Ledger().IsEligible("pool-1", time.Now())
	assert.False(t, ok)
	ok, _ = f.store.Ledger().IsEligible("pool-1", time.Now().Add(25*time.Hour))
	assert.True(t, ok)
}

func TestGhostDetection(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	// LP vanished on chain: classic rug.
	f.sim.SetLPBalance("pool-1", sdkmath.ZeroInt())

	require.NoError(t, f.engine.positionTick(context.Background()))
	waitForTrades(t, f.jnl, 1)

	trades := f.jnl.Recent()
	require.Len(t, trades, 1)
	assert.Equal(t, position.ExitGhost, trades[0].Reason)
	assert.True(t, trades[0].ExitValueSOL.IsZero(), "nothing to withdraw from a drained pool")

	// Permanent ban, forever.
	ok, reason := f.store.Ledger().IsEligible("pool-1", time.Now().Add(10_000*time.Hour))
	assert.False(t, ok)
	assert.Contains(t, reason, "blacklisted")
}

func TestTakeProfitClosesAndResets(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	f.sim.SetValuation("pool-1", decimal.RequireFromString("1.4"), decimal.NewFromInt(1))

	require.NoError(t, f.engine.positionTick(context.Background()))
	waitForTrades(t, f.jnl, 1)

	trades := f.jnl.Recent()
	require.Len(t, trades, 1)
	assert.Equal(t, position.ExitTakeProfit, trades[0].Reason)
	assert.InDelta(t, 40.0, trades[0].RealizedPnlPct, 1e-9)
	assert.Equal(t, 0, f.store.Ledger().Strikes("pool-1"))
}

func TestHealthyPositionStaysOpen(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))

	f.sim.SetValuation("pool-1", decimal.RequireFromString("1.05"), decimal.NewFromInt(1))
	require.NoError(t, f.engine.positionTick(context.Background()))

	pos, open := f.store.Get("pool-1")
	require.True(t, open)
	assert.InDelta(t, 5.0, pos.LastPnlPct, 1e-9)
	assert.Equal(t, 0, f.jnl.Totals().Trades)
}

// ---------- Scan ----------

func TestScanQueuesCandidates(t *testing.T) {
	f := newEngineFixture(t)
	f.dir.pools = []raydium.Pool{activePool("pool-1"), activePool("pool-2")}

	require.NoError(t, f.engine.scanTick(context.Background()))

	assert.Equal(t, 2, len(f.engine.entryQueue))
	assert.Equal(t, 2, f.screen.calls)
}

func TestScanSkipsOpenAndBlacklisted(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-open"))
	f.store.Ledger().RecordExit("pool-banned", position.ExitGhost, time.Now())

	f.dir.pools = []raydium.Pool{activePool("pool-open"), activePool("pool-banned"), activePool("pool-new")}
	f.screen.calls = 0

	require.NoError(t, f.engine.scanTick(context.Background()))

	assert.Equal(t, 1, len(f.engine.entryQueue), "only the new pool is a candidate")
	assert.Equal(t, 1, f.screen.calls, "screen runs only for eligible pools")
}

func TestScanScreenFailureSkipsPool(t *testing.T) {
	f := newEngineFixture(t)
	f.dir.pools = []raydium.Pool{activePool("pool-1")}
	f.screen.err = context.DeadlineExceeded

	require.NoError(t, f.engine.scanTick(context.Background()))

	// Collaborator failure is not a rejection: nothing queued, nothing banned.
	assert.Equal(t, 0, len(f.engine.entryQueue))
	ok, _ := f.store.Ledger().IsEligible("pool-1", time.Now())
	assert.True(t, ok)
}

func TestScanPreFilterAvoidsScreen(t *testing.T) {
	f := newEngineFixture(t)
	dead := activePool("pool-dead")
	dead.TVLUSD = 50 // below the liquidity floor
	f.dir.pools = []raydium.Pool{dead}

	require.NoError(t, f.engine.scanTick(context.Background()))

	assert.Zero(t, f.screen.calls, "pre-filter rejections never reach the safety screen")
	assert.Equal(t, 0, len(f.engine.entryQueue))
}

func TestScanSurvivesPriceFeedOutage(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.prices = stubPrices{err: context.DeadlineExceeded}
	f.dir.pools = []raydium.Pool{activePool("pool-1")}

	require.NoError(t, f.engine.scanTick(context.Background()))

	assert.Equal(t, 1, len(f.engine.entryQueue), "candidates still queue without fiat pricing")
	assert.True(t, f.engine.statusView().SOLPriceUSD.IsZero())
}

// ---------- Shutdown & sell lifecycle ----------

// slowSells delays sells long enough for a shutdown signal to race them.
type slowSells struct {
	executor.Executor
	delay time.Duration
}

func (s *slowSells) RemoveLiquidity(ctx context.Context, poolID string, slippagePct float64) (*executor.RemoveLiquidityResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.delay):
	}
	return s.Executor.RemoveLiquidity(ctx, poolID, slippagePct)
}

// gatedSells holds every sell until released, then fails it.
type gatedSells struct {
	executor.Executor
	release chan struct{}
}

func (g *gatedSells) RemoveLiquidity(_ context.Context, poolID string, _ float64) (*executor.RemoveLiquidityResult, error) {
	<-g.release
	return nil, &executor.ExecError{Op: "remove", PoolID: poolID, Err: errors.New("rpc node unreachable")}
}

func TestBackendCallOutlivesShutdownCancel(t *testing.T) {
	f := newEngineFixture(t)
	parent, cancel := context.WithCancel(context.Background())
	cancel()

	bctx, bcancel := f.engine.backendCtx(parent)
	defer bcancel()

	select {
	case <-bctx.Done():
		t.Fatal("backend context must not inherit the shutdown cancellation")
	default:
	}
	_, hasDeadline := bctx.Deadline()
	assert.True(t, hasDeadline, "backend calls stay bounded by the timeout")
}

func TestInFlightSellCompletesThroughShutdown(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))
	f.sim.SetValuation("pool-1", decimal.RequireFromString("0.6"), decimal.NewFromInt(1))
	f.engine.exec = &slowSells{Executor: f.sim, delay: 100 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, f.engine.positionTick(ctx))
	cancel() // shutdown arrives while the sell is in flight
	f.engine.wg.Wait()

	trades := f.jnl.Recent()
	require.Len(t, trades, 1, "a dispatched sell settles even under a cancelled run context")
	assert.Equal(t, position.ExitStopLoss, trades[0].Reason)
	assert.Equal(t, 0, f.store.Count())
}

func TestPoolWithSellInFlightIsNotReenterable(t *testing.T) {
	f := newEngineFixture(t)
	f.enter(t, activePool("pool-1"))
	f.sim.SetValuation("pool-1", decimal.RequireFromString("0.6"), decimal.NewFromInt(1))

	gate := &gatedSells{Executor: f.sim, release: make(chan struct{})}
	f.engine.exec = gate

	require.NoError(t, f.engine.positionTick(context.Background()))
	_, open := f.store.Get("pool-1")
	require.False(t, open, "exiting position leaves the open set")

	// The pool looks closed and carries no cooldown yet, but the sell has not
	// settled: neither the scanner nor the entry worker may touch it.
	f.dir.pools = []raydium.Pool{activePool("pool-1")}
	require.NoError(t, f.engine.scanTick(context.Background()))
	assert.Equal(t, 0, len(f.engine.entryQueue))

	score := scoring.Score{PoolID: "pool-1", Value: 90, SizedAmount: 1.0}
	require.NoError(t, f.engine.tryEnter(context.Background(), entryCandidate{pool: activePool("pool-1"), score: score}))
	assert.Equal(t, 0, f.store.Count())

	// The sell fails; the original position returns intact, nothing is
	// journaled, and the pool is enterable on the next tick.
	close(gate.release)
	f.engine.wg.Wait()

	pos, open := f.store.Get("pool-1")
	require.True(t, open, "failed sell re-opens the position")
	assert.Equal(t, "1", pos.EntryAmountSOL.String())
	assert.Equal(t, 0, f.jnl.Totals().Trades)
	ok, _ := f.store.Ledger().IsEligible("pool-1", time.Now())
	assert.True(t, ok, "a failed sell records no exit")
}

// ---------- Entry price baseline ----------

// unpricedAdds strips the confirmed price from add-liquidity results, like a
// backend build that predates the price_ratio field.
type unpricedAdds struct {
	executor.Executor
}

func (u *unpricedAdds) AddLiquidity(ctx context.Context, poolID string, amountSOL decimal.Decimal, slippagePct float64) (*executor.AddLiquidityResult, error) {
	result, err := u.Executor.AddLiquidity(ctx, poolID, amountSOL, slippagePct)
	if err != nil {
		return nil, err
	}
	result.PriceRatio = decimal.Zero
	return result, nil
}

func TestEntryPriceUsesConfirmedRatio(t *testing.T) {
	f := newEngineFixture(t)
	pool := activePool("pool-1")
	// The listing snapshot says 2 quote per base; the deposit confirms at 1.
	pool.BaseAmount = decimal.NewFromInt(200)

	pos := f.enter(t, pool)
	assert.True(t, pos.EntryPriceRatio.Equal(decimal.NewFromInt(1)),
		"IL baseline is the confirmed price, not the stale listing: got %s", pos.EntryPriceRatio)
}

func TestEntryPriceFallsBackToListing(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.exec = &unpricedAdds{Executor: f.sim}

	pool := activePool("pool-1")
	pool.BaseAmount = decimal.NewFromInt(200)

	pos := f.enter(t, pool)
	assert.True(t, pos.EntryPriceRatio.Equal(decimal.NewFromInt(2)), "got %s", pos.EntryPriceRatio)
}
