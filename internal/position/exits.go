package position

import (
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"

	"github.com/harvest-trading/harvest/internal/config"
)

// Decision is the outcome of one exit check.
type Decision struct {
	Exit   bool
	Reason ExitReason
	Detail string
}

// Evaluator decides when an open position must close. Rules run in a fixed
// order of severity and the first rule that fires wins:
//
//	GHOST > STOP_LOSS > TAKE_PROFIT > IL > TIME
//
// A rugged pool that is also past its hold time is recorded as GHOST, never
// TIME, because the blacklist treats those reasons very differently.
type Evaluator struct {
	cfg config.ExitsConfig
}

// NewEvaluator builds an evaluator from the exit thresholds.
func NewEvaluator(cfg config.ExitsConfig) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate runs the exit rules against the position's freshly updated
// metrics. lpBalanceRaw is the on-chain LP balance observed this tick.
func (e *Evaluator) Evaluate(p *Position, lpBalanceRaw sdkmath.Int, now time.Time) Decision {
	if lpBalanceRaw.IsZero() || lpBalanceRaw.IsNegative() {
		return Decision{Exit: true, Reason: ExitGhost, Detail: "lp balance is zero on chain"}
	}

	if p.LastPnlPct <= e.cfg.StopLossPct {
		return Decision{
			Exit:   true,
			Reason: ExitStopLoss,
			Detail: fmt.Sprintf("pnl %.2f%% <= %.2f%%", p.LastPnlPct, e.cfg.StopLossPct),
		}
	}

	if p.LastPnlPct >= e.cfg.TakeProfitPct {
		return Decision{
			Exit:   true,
			Reason: ExitTakeProfit,
			Detail: fmt.Sprintf("pnl %.2f%% >= %.2f%%", p.LastPnlPct, e.cfg.TakeProfitPct),
		}
	}

	if p.LastILPct <= e.cfg.MaxILPct {
		return Decision{
			Exit:   true,
			Reason: ExitIL,
			Detail: fmt.Sprintf("il %.2f%% <= %.2f%%", p.LastILPct, e.cfg.MaxILPct),
		}
	}

	maxHold := time.Duration(e.cfg.MaxHoldHours * float64(time.Hour))
	if age := p.Age(now); age >= maxHold {
		return Decision{
			Exit:   true,
			Reason: ExitTime,
			Detail: fmt.Sprintf("held %s >= %s", age.Round(time.Second), maxHold),
		}
	}

	return Decision{}
}
