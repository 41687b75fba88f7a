package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harvest-trading/harvest/internal/config"
)

func testLedger() *Ledger {
	return NewLedger(config.BlacklistConfig{
		CooldownTiersSec: []int64{86400, 172800},
		PermanentStrikes: 3,
	})
}

func TestStopLossEscalation(t *testing.T) {
	l := testLedger()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	// First stop loss: 24h cooldown.
	l.RecordExit("pool-1", ExitStopLoss, now)
	assert.Equal(t, 1, l.Strikes("pool-1"))

	ok, _ := l.IsEligible("pool-1", now.Add(23*time.Hour))
	assert.False(t, ok)
	ok, _ = l.IsEligible("pool-1", now.Add(25*time.Hour))
	assert.True(t, ok)

	// Second stop loss: 48h cooldown.
	l.RecordExit("pool-1", ExitStopLoss, now)
	assert.Equal(t, 2, l.Strikes("pool-1"))

	ok, _ = l.IsEligible("pool-1", now.Add(47*time.Hour))
	assert.False(t, ok)
	ok, _ = l.IsEligible("pool-1", now.Add(49*time.Hour))
	assert.True(t, ok)

	// Third stop loss: permanent, no expiry.
	l.RecordExit("pool-1", ExitStopLoss, now)
	ok, reason := l.IsEligible("pool-1", now.Add(10*365*24*time.Hour))
	assert.False(t, ok)
	assert.Contains(t, reason, "blacklisted")
}

func TestTakeProfitResetsStrikes(t *testing.T) {
	l := testLedger()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	l.RecordExit("pool-1", ExitStopLoss, now)
	l.RecordExit("pool-1", ExitStopLoss, now)
	require.Equal(t, 2, l.Strikes("pool-1"))

	l.RecordExit("pool-1", ExitTakeProfit, now)
	assert.Equal(t, 0, l.Strikes("pool-1"))

	// A winner still gets the base cooldown so we do not chase re-entries.
	ok, _ := l.IsEligible("pool-1", now.Add(time.Hour))
	assert.False(t, ok)
	ok, _ = l.IsEligible("pool-1", now.Add(25*time.Hour))
	assert.True(t, ok)

	// The next stop loss starts the ladder over.
	l.RecordExit("pool-1", ExitStopLoss, now)
	assert.Equal(t, 1, l.Strikes("pool-1"))
	ok, _ = l.IsEligible("pool-1", now.Add(25*time.Hour))
	assert.True(t, ok)
}

func TestNeutralExitsKeepStrikes(t *testing.T) {
	l := testLedger()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	l.RecordExit("pool-1", ExitStopLoss, now)
	require.Equal(t, 1, l.Strikes("pool-1"))

	for _, reason := range []ExitReason{ExitTime, ExitIL, ExitManual} {
		l.RecordExit("pool-1", reason, now)
		assert.Equal(t, 1, l.Strikes("pool-1"), "reason %s must not touch strikes", reason)
	}

	// Two more stop losses still reach the permanent cap.
	l.RecordExit("pool-1", ExitStopLoss, now)
	l.RecordExit("pool-1", ExitStopLoss, now)
	ok, _ := l.IsEligible("pool-1", now.Add(1000*time.Hour))
	assert.False(t, ok)
}

func TestGhostIsImmediatelyPermanent(t *testing.T) {
	l := testLedger()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	l.RecordExit("pool-1", ExitGhost, now)

	ok, reason := l.IsEligible("pool-1", now.Add(10*365*24*time.Hour))
	assert.False(t, ok)
	assert.Contains(t, reason, "ghost")
}

func TestUnknownPoolIsEligible(t *testing.T) {
	l := testLedger()
	ok, _ := l.IsEligible("never-seen", time.Now())
	assert.True(t, ok)
}

func TestLedgerRoundTrip(t *testing.T) {
	l := testLedger()
	now := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

	l.RecordExit("pool-1", ExitStopLoss, now)
	l.RecordExit("pool-2", ExitGhost, now)

	cooldowns, blacklist := l.Entries()

	restored := testLedger()
	restored.Load(cooldowns, blacklist)

	// The strike count survives even after the cooldown itself expires.
	assert.Equal(t, 1, restored.Strikes("pool-1"))
	ok, _ := restored.IsEligible("pool-2", now.Add(1000*time.Hour))
	assert.False(t, ok)
}
