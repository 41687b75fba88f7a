package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const schemaVersion = 1

// AppState is the on-disk snapshot format. A schema bump invalidates old
// files; they get backed up, not migrated.
type AppState struct {
	SchemaVersion int              `json:"schema_version"`
	OpenPositions []Position       `json:"open_positions"`
	Cooldowns     []CooldownEntry  `json:"cooldowns"`
	Blacklist     []BlacklistEntry `json:"blacklist"`
	LastSavedAt   time.Time        `json:"last_saved_at"`
}

// Store holds the open positions and the penalty ledger, and persists both
// atomically. It is not synchronized: the engine owns one lock over all
// mutable state and every call here happens under it — except WriteState,
// which deliberately runs with that lock released and carries its own.
type Store struct {
	path   string
	open   map[string]*Position // keyed by pool ID
	ledger *Ledger
	seq    uint64 // bumped per EncodeState, under the engine lock

	writeMu    sync.Mutex
	writtenSeq uint64
}

// NewStore creates an empty store persisting to path.
func NewStore(path string, ledger *Ledger) *Store {
	return &Store{
		path:   path,
		open:   make(map[string]*Position),
		ledger: ledger,
	}
}

// Ledger returns the penalty ledger persisted alongside positions.
func (s *Store) Ledger() *Ledger { return s.ledger }

// Path is where snapshots land on disk.
func (s *Store) Path() string { return s.path }

// Open registers a new position. At most one open position may exist per
// pool; a second is an InvariantError, not a merge.
func (s *Store) Open(p *Position) error {
	if existing, ok := s.open[p.PoolID]; ok {
		return &InvariantError{Msg: fmt.Sprintf("pool %s already has open position %s", p.PoolID, existing.ID)}
	}
	s.open[p.PoolID] = p
	return nil
}

// Get returns the open position for a pool, if any.
func (s *Store) Get(poolID string) (*Position, bool) {
	p, ok := s.open[poolID]
	return p, ok
}

// Remove takes a position out of the open set. The engine calls this before
// dispatching the sell so a closing position is never observed as open.
func (s *Store) Remove(poolID string) (*Position, bool) {
	p, ok := s.open[poolID]
	if ok {
		delete(s.open, poolID)
	}
	return p, ok
}

// Count is the number of open positions.
func (s *Store) Count() int { return len(s.open) }

// Positions returns the open positions as a fresh slice; the pointers stay
// live so metric updates show up everywhere.
func (s *Store) Positions() []*Position {
	out := make([]*Position, 0, len(s.open))
	for _, p := range s.open {
		out = append(out, p)
	}
	return out
}

// HoldsMint reports whether any open position's base or LP mint matches,
// used by recovery to tell orphan tokens from held ones.
func (s *Store) HoldsMint(mint string) bool {
	for _, p := range s.open {
		if string(p.BaseMint) == mint || string(p.LPMint) == mint {
			return true
		}
	}
	return false
}

// StateBlob is an encoded snapshot waiting to be written. The sequence
// number orders blobs so a slow writer can never clobber a newer snapshot
// with an older one.
type StateBlob struct {
	seq  uint64
	data []byte
}

// EncodeState marshals the current state. Call under the engine lock; the
// returned blob is immutable and can be written after the lock is released.
func (s *Store) EncodeState(now time.Time) (*StateBlob, error) {
	state := AppState{
		SchemaVersion: schemaVersion,
		OpenPositions: make([]Position, 0, len(s.open)),
		LastSavedAt:   now.UTC(),
	}
	for _, p := range s.open {
		state.OpenPositions = append(state.OpenPositions, *p)
	}
	state.Cooldowns, state.Blacklist = s.ledger.Entries()

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}

	s.seq++
	return &StateBlob{seq: s.seq, data: data}, nil
}

// WriteState persists an encoded snapshot atomically: write to a temp file
// in the same directory, fsync, rename over the old file. A crash leaves
// either the previous snapshot or the new one, never a torn file. A blob
// older than the last one written is dropped.
func (s *Store) WriteState(blob *StateBlob) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if blob.seq <= s.writtenSeq {
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(blob.data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	s.writtenSeq = blob.seq
	return nil
}

// Snapshot encodes and writes in one call, for paths where lock contention
// does not matter (startup, shutdown).
func (s *Store) Snapshot(now time.Time) error {
	blob, err := s.EncodeState(now)
	if err != nil {
		return err
	}
	return s.WriteState(blob)
}

// Restore loads the snapshot from disk. A missing file starts fresh. A
// corrupt or schema-incompatible file is moved aside to a timestamped
// backup and the store starts fresh; state is never silently discarded.
func (s *Store) Restore() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		log.Info().Str("path", s.path).Msg("store: no state file, starting fresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	var state AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return s.quarantine(fmt.Sprintf("unparseable state file: %v", err))
	}
	if state.SchemaVersion != schemaVersion {
		return s.quarantine(fmt.Sprintf("state schema %d, want %d", state.SchemaVersion, schemaVersion))
	}

	s.open = make(map[string]*Position, len(state.OpenPositions))
	for i := range state.OpenPositions {
		p := state.OpenPositions[i]
		if _, dup := s.open[p.PoolID]; dup {
			return s.quarantine(fmt.Sprintf("duplicate open position for pool %s", p.PoolID))
		}
		s.open[p.PoolID] = &p
	}
	s.ledger.Load(state.Cooldowns, state.Blacklist)

	log.Info().
		Int("positions", len(s.open)).
		Int("cooldowns", len(state.Cooldowns)).
		Int("blacklisted", len(state.Blacklist)).
		Time("saved_at", state.LastSavedAt).
		Msg("store: state restored")
	return nil
}

func (s *Store) quarantine(reason string) error {
	backup := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
	if err := os.Rename(s.path, backup); err != nil {
		return fmt.Errorf("back up corrupt state file: %w", err)
	}
	log.Warn().Str("backup", backup).Str("reason", reason).Msg("store: corrupt state moved aside, starting fresh")
	s.open = make(map[string]*Position)
	s.ledger.Load(nil, nil)
	return nil
}
