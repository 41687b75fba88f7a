package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/executor"
	"github.com/harvest-trading/harvest/internal/position"
	"github.com/harvest-trading/harvest/internal/solana"
)

// ---------- Startup recovery ----------

// RecoverOptions controls the startup reconciliation.
type RecoverOptions struct {
	// AutoContinue skips the operator prompt (the -yes flag).
	AutoContinue bool

	// Prompt I/O; defaults to stdin/stdout when nil.
	In  io.Reader
	Out io.Writer
}

// Recover reconciles the wallet with the restored snapshot before any
// worker starts. A crash can leave wrapped SOL, half-entered tokens, or
// positions whose pool has since been drained; each gets cleaned up in
// turn, then the operator confirms the surviving positions.
func (e *Engine) Recover(ctx context.Context, opts RecoverOptions) error {
	log.Info().Int("open_positions", e.store.Count()).Msg("recovery: starting")

	if err := e.recoverWrappedSOL(ctx); err != nil {
		return fmt.Errorf("recovery: unwrap: %w", err)
	}

	heldMints, err := e.recoverOrphanTokens(ctx)
	if err != nil {
		return fmt.Errorf("recovery: orphan tokens: %w", err)
	}

	if err := e.recoverGhosts(ctx); err != nil {
		return fmt.Errorf("recovery: ghost check: %w", err)
	}

	e.closeEmptyAccounts(ctx, heldMints)

	e.mu.Lock()
	snapErr := e.store.Snapshot(time.Now())
	e.mu.Unlock()
	if snapErr != nil {
		return fmt.Errorf("recovery: snapshot: %w", snapErr)
	}

	return e.confirmWithOperator(ctx, opts)
}

// recoverWrappedSOL closes any wrapped-SOL account left by an interrupted
// flow; its balance returns to the native wallet.
func (e *Engine) recoverWrappedSOL(ctx context.Context) error {
	bctx, cancel := e.backendCtx(ctx)
	defer cancel()

	amount, err := e.exec.UnwrapNative(bctx)
	if err != nil {
		return err
	}
	if amount.IsPositive() {
		log.Info().Str("amount_sol", amount.String()).Msg("recovery: unwrapped stranded wrapped SOL")
	}
	return nil
}

// recoverOrphanTokens liquidates wallet tokens that no open position
// accounts for: stranded LP gets withdrawn, stranded base tokens from a
// half-finished entry get sold back to SOL. Returns the mints still held
// after the pass so account cleanup keeps them.
func (e *Engine) recoverOrphanTokens(ctx context.Context) ([]solana.Pubkey, error) {
	bctx, cancel := e.backendCtx(ctx)
	holdings, err := e.exec.ListTokens(bctx)
	cancel()
	if err != nil {
		return nil, err
	}

	var orphans []executor.TokenHolding
	held := make([]solana.Pubkey, 0, len(holdings))
	for _, h := range holdings {
		if h.Mint == solana.WSOLMint {
			continue
		}
		e.mu.Lock()
		owned := e.store.HoldsMint(string(h.Mint))
		e.mu.Unlock()
		if owned {
			held = append(held, h.Mint)
			continue
		}
		orphans = append(orphans, h)
	}
	if len(orphans) == 0 {
		return held, nil
	}

	// Stranded LP mints map back to their pool through the directory.
	mints := make([]solana.Pubkey, len(orphans))
	for i, h := range orphans {
		mints[i] = h.Mint
	}
	lpPools, err := e.dir.PoolsByLPMint(ctx, mints)
	if err != nil {
		log.Warn().Err(err).Msg("recovery: lp mint lookup failed, treating orphans as plain tokens")
		lpPools = nil
	}

	var baseMints []solana.Pubkey
	for _, orphan := range orphans {
		if pool, isLP := lpPools[orphan.Mint]; isLP {
			log.Info().Str("pool", pool.ID).Str("mint", string(orphan.Mint)).Msg("recovery: withdrawing stranded LP")
			bctx, cancel := e.backendCtx(ctx)
			_, err := e.exec.RemoveLiquidity(bctx, pool.ID, e.cfg.Trading.SlippagePct)
			cancel()
			if err != nil {
				log.Error().Err(err).Str("pool", pool.ID).Msg("recovery: stranded LP withdrawal failed")
				held = append(held, orphan.Mint)
			}
			continue
		}
		baseMints = append(baseMints, orphan.Mint)
	}

	if len(baseMints) > 0 {
		held = append(held, e.sellOrphanBases(ctx, baseMints)...)
	}
	return held, nil
}

// sellOrphanBases sells orphan base tokens back to SOL through their pool,
// found by scanning the directory listing. Tokens with no known pool stay
// in the wallet for manual handling.
func (e *Engine) sellOrphanBases(ctx context.Context, mints []solana.Pubkey) []solana.Pubkey {
	pools, err := e.dir.ListWSOLPools(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("recovery: directory unavailable, keeping orphan tokens")
		return mints
	}
	byBase := make(map[solana.Pubkey]string, len(pools))
	for _, pool := range pools {
		if _, seen := byBase[pool.BaseMint]; !seen {
			byBase[pool.BaseMint] = pool.ID
		}
	}

	var kept []solana.Pubkey
	for _, mint := range mints {
		poolID, ok := byBase[mint]
		if !ok {
			log.Warn().Str("mint", string(mint)).Msg("recovery: no pool for orphan token, keeping it")
			kept = append(kept, mint)
			continue
		}
		log.Info().Str("pool", poolID).Str("mint", string(mint)).Msg("recovery: selling orphan token")
		bctx, cancel := e.backendCtx(ctx)
		// Zero amount sells the full on-chain balance.
		_, err := e.exec.Swap(bctx, poolID, executor.Sell, sdkmath.ZeroInt(), e.cfg.Trading.SlippagePct)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("mint", string(mint)).Msg("recovery: orphan sell failed, keeping token")
			kept = append(kept, mint)
		}
	}
	return kept
}

// recoverGhosts closes restored positions whose LP is gone on chain. They
// close at zero and the pool is banned, exactly as a live ghost detection
// would do.
func (e *Engine) recoverGhosts(ctx context.Context) error {
	e.mu.Lock()
	open := e.store.Positions()
	e.mu.Unlock()
	if len(open) == 0 {
		return nil
	}

	keys := make([]executor.BatchKey, len(open))
	for i, p := range open {
		keys[i] = executor.BatchKey{PoolID: p.PoolID, LPMint: p.LPMint}
	}

	bctx, cancel := e.backendCtx(ctx)
	values, err := e.exec.LPValueBatch(bctx, keys)
	cancel()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, p := range open {
		valuation, ok := values[executor.BatchKey{PoolID: p.PoolID, LPMint: p.LPMint}]
		if !ok {
			continue
		}
		if valuation.LPBalanceRaw.IsPositive() {
			e.mu.Lock()
			p.UpdateMetrics(valuation.ValueSOL, valuation.PriceRatio, now)
			e.mu.Unlock()
			continue
		}

		log.Warn().Str("pool", p.PoolID).Msg("recovery: position has no LP on chain, closing as ghost")
		e.mu.Lock()
		removed, ok := e.store.Remove(p.PoolID)
		if ok {
			e.store.Ledger().RecordExit(p.PoolID, position.ExitGhost, now)
		}
		e.mu.Unlock()
		if !ok {
			continue
		}
		trade := position.NewClosedTrade(removed, decimal.Zero, position.ExitGhost, now)
		if err := e.journal.Record(trade); err != nil {
			log.Error().Err(err).Str("pool", p.PoolID).Msg("recovery: journal append failed")
		}
	}
	return nil
}

// closeEmptyAccounts reclaims rent from zero-balance token accounts,
// keeping accounts for mints the wallet still uses. Failure is logged and
// ignored: rent is not worth blocking startup over.
func (e *Engine) closeEmptyAccounts(ctx context.Context, keep []solana.Pubkey) {
	e.mu.Lock()
	for _, p := range e.store.Positions() {
		keep = append(keep, p.BaseMint, p.LPMint)
	}
	e.mu.Unlock()

	bctx, cancel := e.backendCtx(ctx)
	defer cancel()
	result, err := e.exec.CloseEmptyAccounts(bctx, keep)
	if err != nil {
		log.Warn().Err(err).Msg("recovery: closing empty accounts failed")
		return
	}
	if result.Closed > 0 {
		log.Info().Int("closed", result.Closed).Str("rent_sol", result.RentReclaimed.String()).Msg("recovery: reclaimed rent")
	}
}

// confirmWithOperator shows the surviving positions and asks whether to
// manage them or liquidate everything before trading starts.
func (e *Engine) confirmWithOperator(ctx context.Context, opts RecoverOptions) error {
	e.mu.Lock()
	open := e.store.Positions()
	e.mu.Unlock()

	if len(open) == 0 || opts.AutoContinue {
		return nil
	}

	out := opts.Out
	if out == nil {
		out = logWriter{}
	}
	in := opts.In

	fmt.Fprintf(out, "recovered %d open position(s):\n", len(open))
	for _, p := range open {
		fmt.Fprintf(out, "  %s %s  entry %s SOL  value %s SOL (%.2f%%)\n",
			shorten(p.PoolID), p.BaseSymbol, p.EntryAmountSOL.StringFixed(4),
			p.LastValueSOL.StringFixed(4), p.LastPnlPct)
	}
	fmt.Fprint(out, "continue managing them, or close all now? [C/close]: ")

	if in == nil {
		log.Info().Msg("recovery: no terminal for prompt, continuing with recovered positions")
		return nil
	}

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && answer == "" {
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(answer), "close") {
		return e.closeAll(ctx)
	}
	return nil
}

// closeAll liquidates every open position as a manual exit.
func (e *Engine) closeAll(ctx context.Context) error {
	e.mu.Lock()
	open := e.store.Positions()
	e.mu.Unlock()

	now := time.Now()
	for _, p := range open {
		e.mu.Lock()
		removed, ok := e.store.Remove(p.PoolID)
		e.mu.Unlock()
		if !ok {
			continue
		}

		bctx, cancel := e.backendCtx(ctx)
		result, err := e.exec.RemoveLiquidity(bctx, p.PoolID, e.cfg.Trading.SlippagePct)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("pool", p.PoolID).Msg("recovery: close-all sell failed, position stays open")
			e.mu.Lock()
			if reopenErr := e.store.Open(removed); reopenErr != nil {
				log.Error().Err(reopenErr).Str("pool", p.PoolID).Msg("recovery: could not restore position after failed sell")
			}
			e.mu.Unlock()
			continue
		}

		trade := position.NewClosedTrade(removed, result.ReceivedSOL, position.ExitManual, now)
		e.mu.Lock()
		e.store.Ledger().RecordExit(p.PoolID, position.ExitManual, now)
		e.mu.Unlock()
		if err := e.journal.Record(trade); err != nil {
			log.Error().Err(err).Str("pool", p.PoolID).Msg("recovery: journal append failed")
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Snapshot(now)
}

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	log.Info().Msg(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
