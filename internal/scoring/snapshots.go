package scoring

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/raydium"
)

// ---------------------------------------------------------------------------
// Rolling pool snapshots — volatility history for IL safety & velocity
// ---------------------------------------------------------------------------

const (
	snapshotWindow = 10

	// Velocity bonus caps per dimension; total tops out at 10 points.
	maxVolumeAccelBonus   = 4.0
	maxTVLStabilityBonus  = 3.0
	maxPriceStabilityBonus = 3.0
)

// Snapshot is one observation of a pool at scan time.
type Snapshot struct {
	At     time.Time
	TVLUSD float64
	Volume float64
	Price  decimal.Decimal
}

// Tracker keeps a short rolling window of snapshots per pool, recorded once
// per scan cycle. History is advisory only: it is not persisted, and it is
// dropped when a position on the pool closes.
type Tracker struct {
	mu      sync.Mutex
	windows map[string][]Snapshot
}

// NewTracker creates an empty snapshot tracker.
func NewTracker() *Tracker {
	return &Tracker{windows: make(map[string][]Snapshot)}
}

// Record appends an observation for a pool, evicting the oldest beyond the
// window.
func (t *Tracker) Record(pool raydium.Pool) {
	t.recordAt(pool, time.Now().UTC())
}

func (t *Tracker) recordAt(pool raydium.Pool, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := append(t.windows[pool.ID], Snapshot{
		At:     at,
		TVLUSD: pool.TVLUSD,
		Volume: pool.Volume24hUSD,
		Price:  pool.PriceRatio(),
	})
	if len(window) > snapshotWindow {
		window = window[len(window)-snapshotWindow:]
	}
	t.windows[pool.ID] = window
}

// Prune drops pools not observed since cutoff. Listed pools are re-recorded
// every scan, so this only evicts pools that have left the listing; without
// it, pool churn grows the window map for the life of the process.
func (t *Tracker) Prune(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	pruned := 0
	for poolID, window := range t.windows {
		if window[len(window)-1].At.Before(cutoff) {
			delete(t.windows, poolID)
			pruned++
		}
	}
	return pruned
}

// Forget drops a pool's history.
func (t *Tracker) Forget(poolID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, poolID)
}

// Len returns the number of snapshots held for a pool.
func (t *Tracker) Len(poolID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows[poolID])
}

// ILSafety maps observed price volatility onto 0..100 (100 = flat price,
// minimal divergence risk). ok is false with fewer than two snapshots.
func (t *Tracker) ILSafety(poolID string) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.windows[poolID]
	if len(window) < 2 {
		return 0, false
	}

	maxDev := maxPriceDeviation(window)
	// 0% deviation -> 100; 20%+ peak-to-trough -> 0.
	return clampScore(100 - maxDev*500), true
}

// VelocityBonus rewards pools whose activity is improving across the window:
// accelerating volume, stable TVL, stable price. Returns 0..10.
func (t *Tracker) VelocityBonus(poolID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	window := t.windows[poolID]
	if len(window) < 3 {
		return 0
	}

	bonus := 0.0

	// Volume acceleration: newest vs oldest.
	first, last := window[0].Volume, window[len(window)-1].Volume
	if first > 0 && last > first {
		growth := (last - first) / first
		bonus += math.Min(growth*maxVolumeAccelBonus, maxVolumeAccelBonus)
	}

	// TVL stability: small drawdown across the window.
	if dev := maxRelativeDrop(tvls(window)); dev < 0.10 {
		bonus += maxTVLStabilityBonus * (1 - dev/0.10)
	}

	// Price stability mirrors the IL proxy.
	if dev := maxPriceDeviation(window); dev < 0.05 {
		bonus += maxPriceStabilityBonus * (1 - dev/0.05)
	}

	return bonus
}

// maxPriceDeviation is the largest relative move from the window's first
// price, absolute value.
func maxPriceDeviation(window []Snapshot) float64 {
	base := window[0].Price
	if !base.IsPositive() {
		return 0
	}
	maxDev := 0.0
	for _, snap := range window[1:] {
		dev, _ := snap.Price.Sub(base).Div(base).Abs().Float64()
		if dev > maxDev {
			maxDev = dev
		}
	}
	return maxDev
}

// maxRelativeDrop is the deepest decline from any earlier value.
func maxRelativeDrop(values []float64) float64 {
	maxDrop := 0.0
	peak := 0.0
	for _, v := range values {
		if v > peak {
			peak = v
		}
		if peak > 0 {
			drop := (peak - v) / peak
			if drop > maxDrop {
				maxDrop = drop
			}
		}
	}
	return maxDrop
}

func tvls(window []Snapshot) []float64 {
	out := make([]float64, len(window))
	for i, s := range window {
		out[i] = s.TVLUSD
	}
	return out
}
