package safety

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/config"
	"github.com/harvest-trading/harvest/internal/raydium"
)

// ---------------------------------------------------------------------------
// Safety Screen — burn, LP-lock, token-safety layers in order
// ---------------------------------------------------------------------------

// Report is the outcome of screening one pool. Any single failed layer
// rejects the pool; every failure reason is preserved for the log.
type Report struct {
	PoolID   string   `json:"pool_id"`
	BurnOK   bool     `json:"burn_ok"`
	LPLockOK bool     `json:"lp_lock_ok"`
	TokenOK  bool     `json:"token_ok"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Passed reports whether every layer accepted the pool.
func (r Report) Passed() bool {
	return r.BurnOK && r.LPLockOK && r.TokenOK
}

// Screen applies the three admission layers. Layers run in order of
// increasing cost and short-circuit on the first hard rejection: the burn
// check is free, the lock analysis is a handful of chain reads, and the
// token report is the slowest remote call.
type Screen struct {
	cfg      config.SafetyConfig
	minBurn  float64
	lock     *LockAnalyzer
	rugcheck *RugcheckClient
}

// NewScreen creates a safety screen.
func NewScreen(cfg config.SafetyConfig, minBurnPct float64, lock *LockAnalyzer, rugcheck *RugcheckClient) *Screen {
	return &Screen{
		cfg:      cfg,
		minBurn:  minBurnPct,
		lock:     lock,
		rugcheck: rugcheck,
	}
}

// Evaluate screens one pool. A returned error means a collaborator failed
// and the pool's safety is unknown; the caller should skip it this cycle
// rather than treat it as rejected.
func (s *Screen) Evaluate(ctx context.Context, pool raydium.Pool) (*Report, error) {
	report := &Report{PoolID: pool.ID}

	// Layer 1: burn.
	if pool.BurnPct < s.minBurn {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("burn %.1f%% below minimum %.1f%%", pool.BurnPct, s.minBurn))
		s.logRejection(pool, report)
		return report, nil
	}
	report.BurnOK = true

	// Layer 2: on-chain LP lock.
	lockReport, err := s.lock.Analyze(ctx, pool.LPMint, pool.BurnPct)
	if err != nil {
		return nil, fmt.Errorf("lp lock analysis for %s: %w", pool.ID, err)
	}
	if lockReport.EffectiveSafePct < s.cfg.MinSafeLPPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("safe LP %.1f%% below minimum %.1f%%", lockReport.EffectiveSafePct, s.cfg.MinSafeLPPct))
	}
	if lockReport.MaxSingleUnlocked > s.cfg.MaxSingleLPHolderPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("single unlocked LP holder %.1f%% above limit %.1f%%", lockReport.MaxSingleUnlocked, s.cfg.MaxSingleLPHolderPct))
	}
	if len(report.Reasons) > 0 {
		s.logRejection(pool, report)
		return report, nil
	}
	report.LPLockOK = true

	// Layer 3: token safety.
	tokenReport, err := s.rugcheck.Report(ctx, pool.BaseMint)
	if err != nil {
		return nil, fmt.Errorf("token report for %s: %w", pool.ID, err)
	}
	if tokenReport.Score > s.cfg.MaxScore {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("risk score %d above limit %d", tokenReport.Score, s.cfg.MaxScore))
	}
	for _, risk := range tokenReport.DangerRisks {
		report.Reasons = append(report.Reasons, fmt.Sprintf("danger risk: %s", risk))
	}
	if tokenReport.FreezeAuthority {
		report.Reasons = append(report.Reasons, "freeze authority enabled")
	}
	if tokenReport.MintAuthority {
		report.Reasons = append(report.Reasons, "mint authority enabled")
	}
	if tokenReport.Top10Pct > s.cfg.MaxTop10HolderPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("top-10 concentration %.1f%% above limit %.1f%%", tokenReport.Top10Pct, s.cfg.MaxTop10HolderPct))
	}
	if tokenReport.MaxSinglePct > s.cfg.MaxSingleHolderPct {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("single holder %.1f%% above limit %.1f%%", tokenReport.MaxSinglePct, s.cfg.MaxSingleHolderPct))
	}
	if tokenReport.TotalHolders > 0 && tokenReport.TotalHolders < s.cfg.MinTokenHolders {
		report.Reasons = append(report.Reasons,
			fmt.Sprintf("only %d holders, minimum %d", tokenReport.TotalHolders, s.cfg.MinTokenHolders))
	}
	if len(report.Reasons) > 0 {
		s.logRejection(pool, report)
		return report, nil
	}
	report.TokenOK = true

	return report, nil
}

func (s *Screen) logRejection(pool raydium.Pool, report *Report) {
	log.Info().
		Str("pool", pool.ID).
		Str("symbol", pool.BaseSymbol).
		Strs("reasons", report.Reasons).
		Msg("safety: pool rejected")
}
