// Package persistence implements the atomic, checksum-validated trading
// state store backing PSM warm-restart and EOD idempotency.
//
// Writes go temp-then-rename with primary -> backup rotation, a SHA256
// checksum over the critical fields, and a primary -> backup ->
// newest-valid-timestamped-backup load fallback chain. An advisory
// cross-process exclusive file lock (syscall.Flock) guards the
// read-modify-write cycle -- see DESIGN.md.
package persistence

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// PositionDetail is a single tracked position within a persisted
// TradingState snapshot.
type PositionDetail struct {
	Symbol         string  `json:"symbol"`
	Quantity       float64 `json:"quantity"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	EntryTimestamp int64   `json:"entry_timestamp"`
}

// TradingState is the PSM's warm-restart snapshot.
type TradingState struct {
	PSMState         domain.PortfolioState `json:"psm_state"`
	BarsHeld         int                   `json:"bars_held"`
	EntryEquity      float64               `json:"entry_equity"`
	LastBarTimestamp int64                 `json:"last_bar_timestamp"`
	LastBarTimeStr   string                `json:"last_bar_time_str"`

	Positions []PositionDetail `json:"positions"`

	SessionID    string `json:"session_id"`
	SaveTimestamp int64  `json:"save_timestamp"`
	SaveCount    int    `json:"save_count"`
	Checksum     string `json:"checksum"`
}

// computeChecksum computes a SHA256 hex digest over the state's critical
// fields, mirroring calculate_checksum's field order and delimiter.
func computeChecksum(s TradingState) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%d|%g|%d|%d", s.PSMState, s.BarsHeld, s.EntryEquity, s.LastBarTimestamp, len(s.Positions))
	for _, p := range s.Positions {
		fmt.Fprintf(&sb, "|%s:%g:%g", p.Symbol, p.Quantity, p.AvgEntryPrice)
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// ValidateChecksum reports whether the state's stored Checksum field
// matches its recomputed value.
func (s TradingState) ValidateChecksum() bool {
	return s.Checksum == computeChecksum(s)
}

// Store is the atomic, checksum-validated, lock-protected trading state
// store.
type Store struct {
	mu sync.Mutex

	dir         string
	primaryFile string
	backupFile  string
	tempFile    string
	lockFile    string
	keepBackups int

	log zerolog.Logger
}

// New creates a Store rooted at stateDir, creating it if necessary.
func New(stateDir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, &domain.PersistenceError{Op: "mkdir", Err: err}
	}
	return &Store{
		dir:         stateDir,
		primaryFile: filepath.Join(stateDir, "trading_state.json"),
		backupFile:  filepath.Join(stateDir, "trading_state.backup.json"),
		tempFile:    filepath.Join(stateDir, "trading_state.tmp.json"),
		lockFile:    filepath.Join(stateDir, ".state.lock"),
		keepBackups: 5,
		log:         log.With().Str("component", "persistence").Logger(),
	}, nil
}

// SaveState atomically persists state: write to temp, snapshot the
// current primary to a timestamped backup, rotate primary -> backup,
// rename temp -> primary, then prune old timestamped backups.
func (s *Store) SaveState(state TradingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(1 * time.Second)
	if err != nil {
		return &domain.PersistenceError{Op: "save_state: acquire lock", Err: err}
	}
	defer unlock()

	state.SaveTimestamp = time.Now().UnixMilli()
	if prev, ok := s.loadFromFile(s.primaryFile); ok && prev.SaveCount > state.SaveCount {
		state.SaveCount = prev.SaveCount
	}
	state.SaveCount++
	state.Checksum = computeChecksum(state)

	if err := writeAtomicJSON(s.tempFile, state); err != nil {
		return &domain.PersistenceError{Op: "save_state: write temp", Err: err}
	}

	if _, err := os.Stat(s.primaryFile); err == nil {
		backupName := filepath.Join(s.dir, fmt.Sprintf("trading_state_%s.json", time.Now().Format("20060102_150405")))
		if err := copyFile(s.primaryFile, backupName); err != nil {
			s.log.Warn().Err(err).Msg("failed to create timestamped backup, continuing")
		}
		if err := os.Rename(s.primaryFile, s.backupFile); err != nil {
			s.log.Warn().Err(err).Msg("failed to rotate primary to backup, continuing")
		}
	}

	if err := os.Rename(s.tempFile, s.primaryFile); err != nil {
		return &domain.PersistenceError{Op: "save_state: rename temp to primary", Err: err}
	}

	s.cleanupOldBackups()
	return nil
}

// LoadState reads the most recently valid trading state, falling back
// from primary -> backup -> newest validated timestamped backup. Returns
// (zero value, false, nil) if no prior state validates -- a fresh start,
// not an error.
func (s *Store) LoadState() (TradingState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.acquireLock(1 * time.Second)
	if err != nil {
		return TradingState{}, false, &domain.PersistenceError{Op: "load_state: acquire lock", Err: err}
	}
	defer unlock()

	if state, ok := s.loadFromFile(s.primaryFile); ok {
		if state.ValidateChecksum() {
			s.log.Info().Msg("loaded state from primary file")
			return state, true, nil
		}
		s.log.Warn().Msg("primary state file checksum invalid")
	}

	if state, ok := s.loadFromFile(s.backupFile); ok {
		if state.ValidateChecksum() {
			s.log.Info().Msg("loaded state from backup file")
			return state, true, nil
		}
		s.log.Warn().Msg("backup state file checksum invalid")
	}

	return s.recoverFromTimestampedBackups()
}

func (s *Store) loadFromFile(path string) (TradingState, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return TradingState{}, false
	}
	var state TradingState
	if err := json.Unmarshal(data, &state); err != nil {
		s.log.Warn().Err(err).Str("file", path).Msg("failed to parse state file")
		return TradingState{}, false
	}
	return state, true
}

func (s *Store) recoverFromTimestampedBackups() (TradingState, bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return TradingState{}, false, &domain.PersistenceError{Op: "recover: scan dir", Err: err}
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "trading_state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(s.dir, name), modTime: info.ModTime()})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })

	for _, c := range candidates {
		if state, ok := s.loadFromFile(c.path); ok && state.ValidateChecksum() {
			s.log.Info().Str("file", c.path).Msg("recovered state from timestamped backup")
			return state, true, nil
		}
	}

	s.log.Warn().Msg("no valid prior state found, starting fresh")
	return TradingState{}, false, nil
}

// cleanupOldBackups keeps only the most recent keepBackups timestamped
// backup files.
func (s *Store) cleanupOldBackups() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "trading_state_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(s.dir, name), modTime: info.ModTime()})
	}
	if len(candidates) <= s.keepBackups {
		return
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.Before(candidates[j].modTime) })

	toRemove := len(candidates) - s.keepBackups
	for _, c := range candidates[:toRemove] {
		if err := os.Remove(c.path); err != nil {
			s.log.Warn().Err(err).Str("file", c.path).Msg("failed to remove old backup")
		}
	}
}

// acquireLock opens (creating if necessary) the advisory lock file and
// blocks, polling every 10ms, until an exclusive flock is acquired or
// timeout elapses.
func (s *Store) acquireLock(timeout time.Duration) (func(), error) {
	f, err := os.OpenFile(s.lockFile, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return func() {
				syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
				f.Close()
			}, nil
		}
		if time.Now().After(deadline) {
			f.Close()
			return nil, fmt.Errorf("timed out acquiring lock on %s", s.lockFile)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func writeAtomicJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}
