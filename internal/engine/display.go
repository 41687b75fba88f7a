package engine

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/journal"
	"github.com/harvest-trading/harvest/internal/position"
)

// ---------- Display worker ----------

// StatusView is an immutable copy of everything the display shows. Building
// it takes the state lock briefly; rendering never does, and the display
// worker never calls the backend or any network service.
type StatusView struct {
	Now           time.Time
	BalanceSOL    decimal.Decimal
	SOLPriceUSD   decimal.Decimal
	Open          []position.Position
	SellsInFlight int
	QueuedEntries int
	LastScanAt    time.Time
	LastScanFound int
	FailedPools   int
	Totals        journal.Summary
	Recent        []position.ClosedTrade
}

// displayTick renders current state to stdout from cached data only.
func (e *Engine) displayTick(_ context.Context) error {
	view := e.statusView()
	fmt.Fprint(os.Stdout, Render(view))
	return nil
}

func (e *Engine) statusView() StatusView {
	e.mu.Lock()
	view := StatusView{
		Now:           time.Now(),
		BalanceSOL:    e.balanceSOL,
		SOLPriceUSD:   e.solPriceUSD,
		SellsInFlight: e.sellsInFlight,
		QueuedEntries: len(e.entryQueue),
		LastScanAt:    e.lastScanAt,
		LastScanFound: e.lastScanFound,
		FailedPools:   len(e.failedPools),
	}
	for _, p := range e.store.Positions() {
		view.Open = append(view.Open, *p)
	}
	e.mu.Unlock()

	sort.Slice(view.Open, func(i, j int) bool {
		return view.Open[i].OpenedAt.Before(view.Open[j].OpenedAt)
	})

	view.Totals = e.journal.Totals()
	view.Recent = e.journal.Recent()
	return view
}

// Render formats a status view as a terminal block.
func Render(v StatusView) string {
	var b strings.Builder

	fmt.Fprintf(&b, "── harvest %s ──────────────────────────────\n", v.Now.UTC().Format("15:04:05"))
	balance := v.BalanceSOL.StringFixed(4) + " SOL"
	if v.SOLPriceUSD.IsPositive() {
		balance += " ($" + v.BalanceSOL.Mul(v.SOLPriceUSD).StringFixed(2) + ")"
	}
	fmt.Fprintf(&b, "balance %s | open %d | sells in flight %d | queued %d\n",
		balance, len(v.Open), v.SellsInFlight, v.QueuedEntries)

	if !v.LastScanAt.IsZero() {
		fmt.Fprintf(&b, "last scan %s ago: %d pools (%d retired)\n",
			v.Now.Sub(v.LastScanAt).Round(time.Second), v.LastScanFound, v.FailedPools)
	}

	if len(v.Open) > 0 {
		b.WriteString("\n  POOL          SYMBOL    VALUE SOL   PNL%     IL%     AGE\n")
		for _, p := range v.Open {
			fmt.Fprintf(&b, "  %-13s %-9s %9s %+7.2f %+7.2f  %s\n",
				shorten(p.PoolID), p.BaseSymbol,
				p.LastValueSOL.StringFixed(4), p.LastPnlPct, p.LastILPct,
				v.Now.Sub(p.OpenedAt).Round(time.Minute))
		}
	}

	if v.Totals.Trades > 0 {
		fmt.Fprintf(&b, "\nsession: %d trades, %d wins / %d losses, pnl %s SOL, fees %s SOL\n",
			v.Totals.Trades, v.Totals.Wins, v.Totals.Losses,
			v.Totals.PnlSOL.StringFixed(4), v.Totals.FeesSOL.StringFixed(4))
	}
	for _, trade := range lastN(v.Recent, 3) {
		fmt.Fprintf(&b, "  closed %-13s %-11s %+7.2f%%  %s SOL\n",
			shorten(trade.PoolID), trade.Reason, trade.RealizedPnlPct, trade.ExitValueSOL.StringFixed(4))
	}
	return b.String()
}

func shorten(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:6] + ".." + id[len(id)-4:]
}

func lastN(trades []position.ClosedTrade, n int) []position.ClosedTrade {
	if len(trades) <= n {
		return trades
	}
	return trades[len(trades)-n:]
}
