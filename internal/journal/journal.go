package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/harvest-trading/harvest/internal/position"
)

// Journal is the append-only record of closed trades: one JSON object per
// line. It keeps a capped in-memory buffer of recent trades for the status
// display and running session totals. Records are never rewritten; a crash
// can lose at most the trade being appended.
type Journal struct {
	mu     sync.Mutex
	path   string
	recent []position.ClosedTrade
	maxBuf int

	wins     int
	losses   int
	pnlSOL   decimal.Decimal
	feesSOL  decimal.Decimal
	recorded int
}

// Summary is a snapshot of the session's running totals.
type Summary struct {
	Trades  int
	Wins    int
	Losses  int
	PnlSOL  decimal.Decimal
	FeesSOL decimal.Decimal
}

// New creates a journal appending to path. maxBuf caps the in-memory recent
// buffer; 0 disables it.
func New(path string, maxBuf int) *Journal {
	if maxBuf < 0 {
		maxBuf = 0
	}
	return &Journal{
		path:    path,
		recent:  make([]position.ClosedTrade, 0, maxBuf),
		maxBuf:  maxBuf,
		pnlSOL:  decimal.Zero,
		feesSOL: decimal.Zero,
	}
}

// Record appends a closed trade to the log file and the recent buffer.
// The append is flushed before returning.
func (j *Journal) Record(trade position.ClosedTrade) error {
	data, err := json.Marshal(trade)
	if err != nil {
		return fmt.Errorf("marshal closed trade: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(j.path), 0o755); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append trade: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}

	j.buffer(trade)
	j.tally(trade)

	log.Info().
		Str("pool", trade.PoolID).
		Str("reason", string(trade.Reason)).
		Float64("pnl_pct", trade.RealizedPnlPct).
		Str("exit_sol", trade.ExitValueSOL.String()).
		Msg("journal: trade recorded")
	return nil
}

// Recent returns a copy of the in-memory buffer, oldest first.
func (j *Journal) Recent() []position.ClosedTrade {
	j.mu.Lock()
	defer j.mu.Unlock()

	out := make([]position.ClosedTrade, len(j.recent))
	copy(out, j.recent)
	return out
}

// Totals returns the running session summary.
func (j *Journal) Totals() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()

	return Summary{
		Trades:  j.recorded,
		Wins:    j.wins,
		Losses:  j.losses,
		PnlSOL:  j.pnlSOL,
		FeesSOL: j.feesSOL,
	}
}

// Replay streams every trade in the log file, oldest first. Used for
// inspecting past sessions; malformed lines are skipped with a warning so
// one bad record cannot lock out the history.
func (j *Journal) Replay(fn func(position.ClosedTrade) error) error {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var trade position.ClosedTrade
		if err := json.Unmarshal(scanner.Bytes(), &trade); err != nil {
			log.Warn().Int("line", line).Err(err).Msg("journal: skipping malformed record")
			continue
		}
		if err := fn(trade); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (j *Journal) buffer(trade position.ClosedTrade) {
	if j.maxBuf == 0 {
		return
	}
	if len(j.recent) >= j.maxBuf {
		copy(j.recent, j.recent[1:])
		j.recent[len(j.recent)-1] = trade
		return
	}
	j.recent = append(j.recent, trade)
}

func (j *Journal) tally(trade position.ClosedTrade) {
	j.recorded++
	if trade.RealizedPnlPct >= 0 {
		j.wins++
	} else {
		j.losses++
	}
	j.pnlSOL = j.pnlSOL.Add(trade.ExitValueSOL.Sub(trade.EntryAmountSOL))
	j.feesSOL = j.feesSOL.Add(trade.FeesCollectedSOL)
}
