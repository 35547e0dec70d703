package persistence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/aristath/apex-trader/internal/domain"
)

// EODStateStore persists one domain.EODState record per trading day to a
// single file, keyed by et_date, using a small JSON map so multiple days'
// records survive across restarts.
type EODStateStore struct {
	mu   sync.Mutex
	path string
}

// NewEODStateStore creates a store backed by <stateDir>/eod_state.json.
func NewEODStateStore(stateDir string) (*EODStateStore, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, &domain.PersistenceError{Op: "mkdir", Err: err}
	}
	return &EODStateStore{path: filepath.Join(stateDir, "eod_state.json")}, nil
}

// LoadEODState returns the persisted record for etDate, if any.
func (s *EODStateStore) LoadEODState(etDate string) (domain.EODState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return domain.EODState{}, false, err
	}
	state, ok := records[etDate]
	return state, ok, nil
}

// SaveEODState atomically writes state, overwriting any prior record for
// the same et_date.
func (s *EODStateStore) SaveEODState(state domain.EODState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readAll()
	if err != nil {
		return err
	}
	records[state.ETDate] = state

	tmp := s.path + ".tmp"
	if err := writeAtomicJSON(tmp, records); err != nil {
		return &domain.PersistenceError{Op: "save_eod_state: write temp", Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return &domain.PersistenceError{Op: "save_eod_state: rename", Err: err}
	}
	return nil
}

func (s *EODStateStore) readAll() (map[string]domain.EODState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return make(map[string]domain.EODState), nil
	}
	if err != nil {
		return nil, &domain.PersistenceError{Op: "read_eod_state", Err: err}
	}
	records := make(map[string]domain.EODState)
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &domain.PersistenceError{Op: "parse_eod_state", Err: err}
	}
	return records, nil
}
