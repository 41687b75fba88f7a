package position

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harvest-trading/harvest/internal/config"
)

// CooldownEntry keeps a pool out of entry consideration until UntilTS and
// carries the consecutive stop-loss strike count that escalates the penalty.
type CooldownEntry struct {
	PoolID  string    `json:"pool_id"`
	UntilTS time.Time `json:"until_ts"`
	Strikes int       `json:"consecutive_sl_strikes"`
}

// BlacklistEntry is a permanent ban. There is no expiry and no appeal.
type BlacklistEntry struct {
	PoolID  string    `json:"pool_id"`
	Reason  string    `json:"reason"`
	SinceTS time.Time `json:"since_ts"`
}

// Ledger tracks per-pool cooldowns and permanent bans. Callers serialize
// access; the engine holds its state lock around every call.
type Ledger struct {
	tiers            []int64
	permanentStrikes int

	cooldowns map[string]*CooldownEntry
	blacklist map[string]*BlacklistEntry
}

// NewLedger builds an empty ledger from the blacklist policy.
func NewLedger(cfg config.BlacklistConfig) *Ledger {
	return &Ledger{
		tiers:            cfg.CooldownTiersSec,
		permanentStrikes: cfg.PermanentStrikes,
		cooldowns:        make(map[string]*CooldownEntry),
		blacklist:        make(map[string]*BlacklistEntry),
	}
}

// IsEligible reports whether a pool may be entered right now, with a
// human-readable reason when it may not.
func (l *Ledger) IsEligible(poolID string, now time.Time) (bool, string) {
	if entry, banned := l.blacklist[poolID]; banned {
		return false, "blacklisted: " + entry.Reason
	}
	if entry, cooling := l.cooldowns[poolID]; cooling && now.Before(entry.UntilTS) {
		return false, fmt.Sprintf("cooling down until %s (strikes=%d)", entry.UntilTS.UTC().Format(time.RFC3339), entry.Strikes)
	}
	return true, ""
}

// Strikes returns the current consecutive stop-loss count for a pool.
func (l *Ledger) Strikes(poolID string) int {
	if entry, ok := l.cooldowns[poolID]; ok {
		return entry.Strikes
	}
	return 0
}

// RecordExit applies the penalty policy for a finished trade.
//
//	GHOST       permanent ban, immediately
//	STOP_LOSS   strike++, escalating cooldown, permanent at the strike cap
//	TAKE_PROFIT strikes reset, base cooldown (no immediate re-entry chasing)
//	IL / TIME / MANUAL  base cooldown, strikes untouched
func (l *Ledger) RecordExit(poolID string, reason ExitReason, now time.Time) {
	now = now.UTC()

	switch reason {
	case ExitGhost:
		l.ban(poolID, "liquidity pulled (ghost pool)", now)

	case ExitStopLoss:
		strikes := l.Strikes(poolID) + 1
		if strikes >= l.permanentStrikes {
			l.ban(poolID, fmt.Sprintf("%d consecutive stop losses", strikes), now)
			return
		}
		l.cool(poolID, strikes, l.tierFor(strikes), now)

	case ExitTakeProfit:
		l.cool(poolID, 0, l.baseTier(), now)

	default: // IL, TIME, MANUAL
		l.cool(poolID, l.Strikes(poolID), l.baseTier(), now)
	}
}

// Entries exports the ledger for persistence.
func (l *Ledger) Entries() (cooldowns []CooldownEntry, blacklist []BlacklistEntry) {
	for _, entry := range l.cooldowns {
		cooldowns = append(cooldowns, *entry)
	}
	for _, entry := range l.blacklist {
		blacklist = append(blacklist, *entry)
	}
	return cooldowns, blacklist
}

// Load replaces the ledger contents from a restored snapshot. Expired
// cooldowns are kept: their strike counts still matter.
func (l *Ledger) Load(cooldowns []CooldownEntry, blacklist []BlacklistEntry) {
	l.cooldowns = make(map[string]*CooldownEntry, len(cooldowns))
	for i := range cooldowns {
		entry := cooldowns[i]
		l.cooldowns[entry.PoolID] = &entry
	}
	l.blacklist = make(map[string]*BlacklistEntry, len(blacklist))
	for i := range blacklist {
		entry := blacklist[i]
		l.blacklist[entry.PoolID] = &entry
	}
}

func (l *Ledger) ban(poolID, reason string, now time.Time) {
	delete(l.cooldowns, poolID)
	l.blacklist[poolID] = &BlacklistEntry{PoolID: poolID, Reason: reason, SinceTS: now}
	log.Warn().Str("pool", poolID).Str("reason", reason).Msg("blacklist: pool permanently banned")
}

func (l *Ledger) cool(poolID string, strikes int, duration time.Duration, now time.Time) {
	l.cooldowns[poolID] = &CooldownEntry{
		PoolID:  poolID,
		UntilTS: now.Add(duration),
		Strikes: strikes,
	}
	log.Info().
		Str("pool", poolID).
		Int("strikes", strikes).
		Dur("cooldown", duration).
		Msg("blacklist: pool placed on cooldown")
}

// tierFor maps a strike count onto the escalating cooldown ladder; strikes
// past the last tier reuse it.
func (l *Ledger) tierFor(strikes int) time.Duration {
	if len(l.tiers) == 0 {
		return 24 * time.Hour
	}
	idx := strikes - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(l.tiers) {
		idx = len(l.tiers) - 1
	}
	return time.Duration(l.tiers[idx]) * time.Second
}

func (l *Ledger) baseTier() time.Duration {
	return l.tierFor(1)
}
