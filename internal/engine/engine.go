package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/config"
	"github.com/harvest-trading/harvest/internal/executor"
	"github.com/harvest-trading/harvest/internal/journal"
	"github.com/harvest-trading/harvest/internal/position"
	"github.com/harvest-trading/harvest/internal/raydium"
	"github.com/harvest-trading/harvest/internal/safety"
	"github.com/harvest-trading/harvest/internal/scoring"
	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------------------------------------------------------------------------
// Harvest engine — worker scheduling around one state lock
// ---------------------------------------------------------------------------

// balanceMaxAge throttles wallet balance refreshes; entries within this
// window reuse the cached figure.
const balanceMaxAge = 60 * time.Second

// historyRetentionScans is how many scan cycles a pool may miss before its
// snapshot history is evicted.
const historyRetentionScans = 3

// PoolDirectory lists candidate pools. *raydium.Client implements it.
type PoolDirectory interface {
	ListWSOLPools(ctx context.Context) ([]raydium.Pool, error)
	PoolsByLPMint(ctx context.Context, lpMints []solana.Pubkey) (map[solana.Pubkey]raydium.Pool, error)
}

// Screener admits or rejects a pool. *safety.Screen implements it.
type Screener interface {
	Evaluate(ctx context.Context, pool raydium.Pool) (*safety.Report, error)
}

// PriceSource serves the SOL/USD price. *pricefeed.Feed implements it.
type PriceSource interface {
	SOLPriceUSD(ctx context.Context) (decimal.Decimal, error)
}

// entryCandidate is a scored pool waiting in the entry queue.
type entryCandidate struct {
	pool  raydium.Pool
	score scoring.Score
}

// Engine runs the four workers. One mutex guards all mutable state; backend
// and network calls always happen with the lock released, so a slow RPC can
// never freeze the display.
type Engine struct {
	cfg     *config.Config
	dir     PoolDirectory
	screen  Screener
	scorer  *scoring.Scorer
	history *scoring.Tracker
	exec    executor.Executor
	rpc     solana.RPCClient
	store   *position.Store
	exits   *position.Evaluator
	journal *journal.Journal
	prices  PriceSource // may be nil; display then omits fiat figures
	wallet  solana.Pubkey

	mu               sync.Mutex
	solPriceUSD      decimal.Decimal
	balanceSOL       decimal.Decimal
	balanceCheckedAt time.Time
	failedPools      map[string]string   // pool ID -> failure reason, session-scoped
	closing          map[string]struct{} // pools with a sell in flight; not reenterable
	lastScanAt       time.Time
	lastScanFound    int
	sellsInFlight    int

	entryQueue chan entryCandidate
	wg         sync.WaitGroup
}

// New wires an engine. history must be the same tracker handed to the
// scorer so scan observations feed the IL and velocity factors.
func New(
	cfg *config.Config,
	dir PoolDirectory,
	screen Screener,
	scorer *scoring.Scorer,
	history *scoring.Tracker,
	exec executor.Executor,
	rpc solana.RPCClient,
	store *position.Store,
	jnl *journal.Journal,
	prices PriceSource,
	walletPub solana.Pubkey,
) *Engine {
	return &Engine{
		cfg:         cfg,
		dir:         dir,
		screen:      screen,
		scorer:      scorer,
		history:     history,
		exec:        exec,
		rpc:         rpc,
		store:       store,
		exits:       position.NewEvaluator(cfg.Exits),
		journal:     jnl,
		prices:      prices,
		wallet:      walletPub,
		balanceSOL:  decimal.Zero,
		failedPools: make(map[string]string),
		closing:     make(map[string]struct{}),
		entryQueue:  make(chan entryCandidate, cfg.Scheduler.EntryBufferSize),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every worker
// has finished its current iteration. Open positions are left open; the
// snapshot on disk is what the next start recovers from.
func (e *Engine) Run(ctx context.Context) error {
	log.Info().
		Int("open_positions", e.store.Count()).
		Bool("dry_run", e.cfg.General.DryRun).
		Msg("engine: starting workers")

	e.runWorker(ctx, "position-update", time.Duration(e.cfg.Scheduler.PositionCheckSec)*time.Second, e.positionTick)
	e.runWorker(ctx, "pool-scan", time.Duration(e.cfg.Scheduler.PoolScanSec)*time.Second, e.scanTick)
	e.runWorker(ctx, "display", time.Duration(e.cfg.Scheduler.DisplaySec)*time.Second, e.displayTick)

	e.wg.Add(1)
	go e.entryWorker(ctx)

	<-ctx.Done()
	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Snapshot(time.Now()); err != nil {
		return fmt.Errorf("final snapshot: %w", err)
	}
	log.Info().Int("open_positions", e.store.Count()).Msg("engine: stopped, positions left open")
	return nil
}

// runWorker launches a ticker loop. An error or panic in one iteration is
// logged and the next tick proceeds; only ctx stops the loop.
func (e *Engine) runWorker(ctx context.Context, name string, interval time.Duration, tick func(context.Context) error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := tick(ctx); err != nil {
					var inv *position.InvariantError
					if errors.As(err, &inv) {
						log.Error().Err(err).Str("worker", name).Msg("engine: invariant violated, halting worker")
						return
					}
					log.Warn().Err(err).Str("worker", name).Msg("engine: worker iteration failed")
				}
			}
		}
	}()
}

// backendCtx bounds a backend call by the configured timeout only. A
// submitted transaction must be awaited to confirmation, so shutdown
// cancellation is honored between iterations, never mid-call.
func (e *Engine) backendCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), time.Duration(e.cfg.Scheduler.BackendTimeoutSec)*time.Second)
}

// ---------- Position-update worker ----------

// positionTick revalues every open position in one batch, refreshes metrics,
// and dispatches exits. Exiting positions leave the open set before the sell
// is dispatched, so no other worker can observe them as open.
func (e *Engine) positionTick(ctx context.Context) error {
	e.mu.Lock()
	open := e.store.Positions()
	e.mu.Unlock()
	if len(open) == 0 {
		return nil
	}

	keys := make([]executor.BatchKey, 0, len(open))
	for _, p := range open {
		keys = append(keys, executor.BatchKey{PoolID: p.PoolID, LPMint: p.LPMint})
	}

	bctx, cancel := e.backendCtx(ctx)
	values, err := e.exec.LPValueBatch(bctx, keys)
	cancel()
	if err != nil {
		return fmt.Errorf("batch lp valuation: %w", err)
	}

	now := time.Now()
	type pendingExit struct {
		pos      *position.Position
		decision position.Decision
	}
	var exitsDue []pendingExit

	e.mu.Lock()
	for _, p := range open {
		valuation, ok := values[executor.BatchKey{PoolID: p.PoolID, LPMint: p.LPMint}]
		if !ok {
			continue
		}
		if _, stillOpen := e.store.Get(p.PoolID); !stillOpen {
			continue
		}
		p.UpdateMetrics(valuation.ValueSOL, valuation.PriceRatio, now)

		decision := e.exits.Evaluate(p, valuation.LPBalanceRaw, now)
		if !decision.Exit {
			continue
		}
		if removed, ok := e.store.Remove(p.PoolID); ok {
			e.history.Forget(p.PoolID)
			e.sellsInFlight++
			// Until the sell settles the pool is neither open nor eligible;
			// a failed sell re-opens it, and a fresh entry meanwhile would
			// collide with that.
			e.closing[p.PoolID] = struct{}{}
			exitsDue = append(exitsDue, pendingExit{pos: removed, decision: decision})
		}
	}
	blob, encErr := e.store.EncodeState(now)
	e.mu.Unlock()
	if encErr != nil {
		return fmt.Errorf("snapshot after metric update: %w", encErr)
	}
	if err := e.store.WriteState(blob); err != nil {
		return fmt.Errorf("snapshot after metric update: %w", err)
	}

	// Sells run in parallel; each failure re-opens its position so the next
	// tick retries.
	for _, due := range exitsDue {
		due := due
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.closePosition(ctx, due.pos, due.decision)
		}()
	}
	return nil
}

// closePosition executes one exit. GHOST positions have no LP left to
// withdraw, so they close at zero without touching the backend.
func (e *Engine) closePosition(ctx context.Context, pos *position.Position, decision position.Decision) {
	defer func() {
		e.mu.Lock()
		e.sellsInFlight--
		delete(e.closing, pos.PoolID)
		e.mu.Unlock()
	}()

	log.Info().
		Str("pool", pos.PoolID).
		Str("reason", string(decision.Reason)).
		Str("detail", decision.Detail).
		Float64("pnl_pct", pos.LastPnlPct).
		Msg("engine: closing position")

	exitValue := decimal.Zero
	if decision.Reason != position.ExitGhost {
		bctx, cancel := e.backendCtx(ctx)
		result, err := e.exec.RemoveLiquidity(bctx, pos.PoolID, e.cfg.Trading.SlippagePct)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("pool", pos.PoolID).Msg("engine: sell failed, position stays open")
			e.mu.Lock()
			if reopenErr := e.store.Open(pos); reopenErr != nil {
				log.Error().Err(reopenErr).Str("pool", pos.PoolID).Msg("engine: could not re-open position after failed sell")
			}
			e.mu.Unlock()
			return
		}
		exitValue = result.ReceivedSOL
	}

	now := time.Now()
	trade := position.NewClosedTrade(pos, exitValue, decision.Reason, now)

	e.mu.Lock()
	e.store.Ledger().RecordExit(pos.PoolID, decision.Reason, now)
	e.balanceSOL = e.balanceSOL.Add(exitValue)
	blob, snapErr := e.store.EncodeState(now)
	e.mu.Unlock()
	if snapErr == nil {
		snapErr = e.store.WriteState(blob)
	}
	if snapErr != nil {
		log.Error().Err(snapErr).Msg("engine: snapshot after close failed")
	}

	if err := e.journal.Record(trade); err != nil {
		log.Error().Err(err).Str("pool", pos.PoolID).Msg("engine: journal append failed")
	}
}

// ---------- Pool-scan worker ----------

// scanTick refreshes the candidate set: directory listing, cheap filters,
// the safety screen, then scoring. Survivors go into the entry queue; a full
// queue drops the remainder until the next scan.
func (e *Engine) scanTick(ctx context.Context) error {
	e.refreshSOLPrice(ctx)

	pools, err := e.dir.ListWSOLPools(ctx)
	if err != nil {
		return fmt.Errorf("pool scan: %w", err)
	}

	e.mu.Lock()
	e.lastScanAt = time.Now()
	e.lastScanFound = len(pools)
	atCapacity := e.store.Count() >= e.cfg.Trading.MaxConcurrentPositions
	e.mu.Unlock()

	queued := 0
	for _, pool := range pools {
		if ok, _ := e.scorer.PreFilter(pool); !ok {
			continue
		}
		e.history.Record(pool)

		if atCapacity {
			continue
		}

		e.mu.Lock()
		_, alreadyOpen := e.store.Get(pool.ID)
		_, failed := e.failedPools[pool.ID]
		_, closingNow := e.closing[pool.ID]
		eligible, _ := e.store.Ledger().IsEligible(pool.ID, time.Now())
		available := e.availableSOLLocked()
		e.mu.Unlock()
		if alreadyOpen || failed || closingNow || !eligible {
			continue
		}

		report, err := e.screen.Evaluate(ctx, pool)
		if err != nil {
			log.Warn().Err(err).Str("pool", pool.ID).Msg("engine: safety screen unavailable, skipping pool this cycle")
			continue
		}
		if !report.Passed() {
			continue
		}

		score := e.scorer.Evaluate(pool, available)
		if score.SizedAmount < e.cfg.Trading.MinPositionSOL {
			continue
		}

		select {
		case e.entryQueue <- entryCandidate{pool: pool, score: score}:
			queued++
		default:
			log.Debug().Str("pool", pool.ID).Msg("engine: entry queue full, dropping candidate")
		}
	}

	cutoff := time.Now().Add(-historyRetentionScans * time.Duration(e.cfg.Scheduler.PoolScanSec) * time.Second)
	if pruned := e.history.Prune(cutoff); pruned > 0 {
		log.Debug().Int("pools", pruned).Msg("engine: pruned stale pool history")
	}

	log.Info().Int("pools", len(pools)).Int("queued", queued).Msg("engine: scan complete")
	return nil
}

// ---------- Entry worker ----------

// entryWorker drains the queue one candidate at a time. Entries are
// sequential so two adds can never race the balance.
func (e *Engine) entryWorker(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case candidate := <-e.entryQueue:
			if err := e.tryEnter(ctx, candidate); err != nil {
				var inv *position.InvariantError
				if errors.As(err, &inv) {
					log.Error().Err(err).Msg("engine: invariant violated, halting entries")
					return
				}
				log.Warn().Err(err).Str("pool", candidate.pool.ID).Msg("engine: entry failed")
			}
		}
	}
}

func (e *Engine) tryEnter(ctx context.Context, candidate entryCandidate) error {
	pool := candidate.pool

	if err := e.refreshBalance(ctx); err != nil {
		return fmt.Errorf("balance refresh: %w", err)
	}

	e.mu.Lock()
	if e.store.Count() >= e.cfg.Trading.MaxConcurrentPositions {
		e.mu.Unlock()
		return nil
	}
	if _, alreadyOpen := e.store.Get(pool.ID); alreadyOpen {
		e.mu.Unlock()
		return nil
	}
	if _, closingNow := e.closing[pool.ID]; closingNow {
		e.mu.Unlock()
		log.Info().Str("pool", pool.ID).Msg("engine: sell in flight for pool, skipping entry")
		return nil
	}
	if eligible, reason := e.store.Ledger().IsEligible(pool.ID, time.Now()); !eligible {
		e.mu.Unlock()
		log.Info().Str("pool", pool.ID).Str("reason", reason).Msg("engine: pool no longer eligible at entry")
		return nil
	}
	available := e.availableSOLLocked()
	e.mu.Unlock()

	// Re-clamp the scan-time size against the balance as of now.
	amount := candidate.score.SizedAmount
	if amount > available {
		amount = available
	}
	if amount < e.cfg.Trading.MinPositionSOL {
		log.Info().Str("pool", pool.ID).Float64("available_sol", available).Msg("engine: insufficient balance for entry")
		return nil
	}
	amountSOL := decimal.NewFromFloat(amount)

	log.Info().
		Str("pool", pool.ID).
		Str("symbol", pool.BaseSymbol).
		Float64("score", candidate.score.Value).
		Str("amount_sol", amountSOL.String()).
		Msg("engine: entering position")

	bctx, cancel := e.backendCtx(ctx)
	result, err := e.exec.AddLiquidity(bctx, pool.ID, amountSOL, e.cfg.Trading.SlippagePct)
	cancel()
	if err != nil {
		var execErr *executor.ExecError
		if errors.As(err, &execErr) && len(execErr.Signatures) > 0 {
			// Funds may be stuck halfway (swapped but not deposited). Try to
			// swap the base side back, then retire the pool for the session.
			e.rollbackEntry(ctx, pool)
		}
		e.mu.Lock()
		e.failedPools[pool.ID] = err.Error()
		e.mu.Unlock()
		return fmt.Errorf("add liquidity: %w", err)
	}

	// The IL baseline is the price the deposit actually confirmed at; the
	// listing snapshot can be a full scan period stale.
	entryPrice := result.PriceRatio
	if !entryPrice.IsPositive() {
		entryPrice = pool.PriceRatio()
	}

	pos, err := position.New(pool.ID, result.LPMint, pool.BaseMint, pool.BaseSymbol,
		entryPrice, result.SpentSOL, result.LPAmountRaw, time.Now())
	if err != nil {
		return err
	}

	e.mu.Lock()
	openErr := e.store.Open(pos)
	if openErr == nil {
		e.balanceSOL = e.balanceSOL.Sub(result.SpentSOL)
	}
	blob, snapErr := e.store.EncodeState(time.Now())
	e.mu.Unlock()
	if openErr != nil {
		return openErr
	}
	if snapErr == nil {
		snapErr = e.store.WriteState(blob)
	}
	if snapErr != nil {
		return fmt.Errorf("snapshot after entry: %w", snapErr)
	}

	log.Info().
		Str("pool", pool.ID).
		Str("position", pos.ID).
		Str("spent_sol", result.SpentSOL.String()).
		Str("lp_raw", result.LPAmountRaw.String()).
		Msg("engine: position opened")
	return nil
}

// rollbackEntry tries to undo a half-finished entry by selling whatever
// base token the failed flow left in the wallet. Best effort.
func (e *Engine) rollbackEntry(ctx context.Context, pool raydium.Pool) {
	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	// Zero amount tells the backend to sell the full on-chain balance.
	if _, err := e.exec.Swap(bctx, pool.ID, executor.Sell, sdkmath.ZeroInt(), e.cfg.Trading.SlippagePct); err != nil {
		log.Error().Err(err).Str("pool", pool.ID).Msg("engine: entry rollback failed, manual cleanup needed")
		return
	}
	log.Info().Str("pool", pool.ID).Msg("engine: half-finished entry rolled back")
}

// refreshSOLPrice updates the cached fiat conversion for the display. A
// stale or missing price only degrades the display, never trading.
func (e *Engine) refreshSOLPrice(ctx context.Context) {
	if e.prices == nil {
		return
	}
	price, err := e.prices.SOLPriceUSD(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("engine: sol price unavailable")
		return
	}
	e.mu.Lock()
	e.solPriceUSD = price
	e.mu.Unlock()
}

// ---------- Balance ----------

// refreshBalance reads the wallet's native SOL balance, at most once per
// balanceMaxAge.
func (e *Engine) refreshBalance(ctx context.Context) error {
	e.mu.Lock()
	fresh := time.Since(e.balanceCheckedAt) < balanceMaxAge
	e.mu.Unlock()
	if fresh {
		return nil
	}

	bctx, cancel := e.backendCtx(ctx)
	lamports, err := e.rpc.GetBalance(bctx, e.wallet)
	cancel()
	if err != nil {
		return err
	}

	balance := decimal.NewFromBigInt(lamports.BigInt(), 0).Div(decimal.NewFromInt(solana.LamportsPerSOL))

	e.mu.Lock()
	e.balanceSOL = balance
	e.balanceCheckedAt = time.Now()
	e.mu.Unlock()
	return nil
}

// availableSOLLocked is the deployable balance: wallet minus the fee
// reserve. Callers hold e.mu.
func (e *Engine) availableSOLLocked() float64 {
	available, _ := e.balanceSOL.Sub(decimal.NewFromFloat(e.cfg.Trading.ReserveSOL)).Float64()
	if available < 0 {
		return 0
	}
	return available
}
