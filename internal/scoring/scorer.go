package scoring

import (
	"fmt"
	"math"

	"github.com/harvest-trading/harvest/internal/config"
	"github.com/harvest-trading/harvest/internal/raydium"
)

// ---------------------------------------------------------------------------
// Pool scoring & position sizing
// ---------------------------------------------------------------------------

// Factor weights. APR dominates because fee income is the whole point of
// providing liquidity; burn is already a hard admission gate, so its weight
// here only orders pools that passed it.
const (
	weightAPR    = 0.35
	weightVolTVL = 0.20
	weightLiq    = 0.20
	weightIL     = 0.10
	weightBurn   = 0.15

	// Saturation points for the monotone factor maps.
	aprSaturationPct  = 1000.0
	volTVLSaturation  = 2.0
	liqSaturationUSD  = 1_000_000.0
	neutralILSafety   = 50.0
)

// Score is a scored, sized pool candidate.
type Score struct {
	PoolID      string  `json:"pool_id"`
	Value       float64 `json:"score"` // 0..100
	SizedAmount float64 `json:"sized_amount_sol"`

	Components struct {
		APR    float64 `json:"apr"`
		VolTVL float64 `json:"vol_tvl"`
		Liq    float64 `json:"liq"`
		IL     float64 `json:"il"`
		Burn   float64 `json:"burn"`
	} `json:"components"`
}

// Scorer ranks admitted pools and sizes candidate positions.
type Scorer struct {
	filters config.FiltersConfig
	trading config.TradingConfig
	history *Tracker
}

// NewScorer creates a scorer. history may be nil; IL safety then stays at
// its neutral value.
func NewScorer(filters config.FiltersConfig, trading config.TradingConfig, history *Tracker) *Scorer {
	return &Scorer{filters: filters, trading: trading, history: history}
}

// PreFilter applies the coarse activity thresholds that don't need any
// remote call. Returns a human-readable reason on rejection.
func (s *Scorer) PreFilter(pool raydium.Pool) (bool, string) {
	if pool.TVLUSD < s.filters.MinLiquidityUSD {
		return false, fmt.Sprintf("tvl $%.0f below minimum $%.0f", pool.TVLUSD, s.filters.MinLiquidityUSD)
	}
	if pool.VolumeTVLRatio() < s.filters.MinVolumeTVLRatio {
		return false, fmt.Sprintf("volume/tvl %.2f below minimum %.2f", pool.VolumeTVLRatio(), s.filters.MinVolumeTVLRatio)
	}
	if pool.APR24hPct < s.filters.MinAPR24h {
		return false, fmt.Sprintf("apr %.1f%% below minimum %.1f%%", pool.APR24hPct, s.filters.MinAPR24h)
	}
	return true, ""
}

// Evaluate scores one pool and sizes a candidate position from the
// deployable balance. availableSOL is the wallet balance minus the fee
// reserve; callers pass 0 when only the score matters.
func (s *Scorer) Evaluate(pool raydium.Pool, availableSOL float64) Score {
	score := Score{PoolID: pool.ID}

	score.Components.APR = aprFactor(pool.APR24hPct)
	score.Components.VolTVL = clampScore(pool.VolumeTVLRatio() / volTVLSaturation * 100)
	score.Components.Liq = clampScore(pool.TVLUSD / liqSaturationUSD * 100)
	score.Components.Burn = clampScore(pool.BurnPct)

	score.Components.IL = neutralILSafety
	bonus := 0.0
	if s.history != nil {
		if ilSafety, ok := s.history.ILSafety(pool.ID); ok {
			score.Components.IL = ilSafety
		}
		bonus = s.history.VelocityBonus(pool.ID)
	}

	score.Value = clampScore(
		weightAPR*score.Components.APR +
			weightVolTVL*score.Components.VolTVL +
			weightLiq*score.Components.Liq +
			weightIL*score.Components.IL +
			weightBurn*score.Components.Burn +
			bonus)

	score.SizedAmount = s.sizePosition(score.Value, pool.TVLUSD, availableSOL)
	return score
}

// sizePosition scales the deployable balance by conviction and pool depth,
// then clamps into the configured bounds. Small pools get proportionally
// small positions so one exit can't move the pool against us.
func (s *Scorer) sizePosition(score, tvlUSD, availableSOL float64) float64 {
	poolFactor := 1.0
	if s.trading.TVLRefUSD > 0 && tvlUSD < s.trading.TVLRefUSD {
		poolFactor = tvlUSD / s.trading.TVLRefUSD
	}

	sized := availableSOL * (score / 100) * poolFactor
	if sized < s.trading.MinPositionSOL {
		sized = s.trading.MinPositionSOL
	}
	if sized > s.trading.MaxAbsolutePositionSOL {
		sized = s.trading.MaxAbsolutePositionSOL
	}
	return sized
}

// aprFactor maps APR onto 0..100 with a log cap: doubling a triple-digit APR
// moves the factor far less than doubling a double-digit one.
func aprFactor(aprPct float64) float64 {
	if aprPct <= 0 {
		return 0
	}
	return clampScore(100 * math.Log10(1+aprPct) / math.Log10(1+aprSaturationPct))
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
