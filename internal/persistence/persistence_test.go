package persistence

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/apex-trader/internal/domain"
)

func testState() TradingState {
	return TradingState{
		PSMState:         domain.StateQQQOnly,
		BarsHeld:         5,
		EntryEquity:      100000,
		LastBarTimestamp: 1700000000000,
		LastBarTimeStr:   "2023-11-14T22:13:20Z",
		Positions: []PositionDetail{
			{Symbol: "QQQ", Quantity: 10, AvgEntryPrice: 400, EntryTimestamp: 1700000000000},
		},
		SessionID: "session-1",
	}
}

func TestComputeChecksum_DeterministicAndFieldSensitive(t *testing.T) {
	s1 := testState()
	s2 := testState()
	assert.Equal(t, computeChecksum(s1), computeChecksum(s2))

	s2.BarsHeld = 6
	assert.NotEqual(t, computeChecksum(s1), computeChecksum(s2))
}

func TestValidateChecksum(t *testing.T) {
	s := testState()
	s.Checksum = computeChecksum(s)
	assert.True(t, s.ValidateChecksum())

	s.BarsHeld = 99
	assert.False(t, s.ValidateChecksum())
}

func TestStore_SaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	want := testState()
	require.NoError(t, store.SaveState(want))

	got, ok, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.PSMState, got.PSMState)
	assert.Equal(t, want.BarsHeld, got.BarsHeld)
	assert.Equal(t, want.Positions, got.Positions)
	assert.True(t, got.ValidateChecksum())
	assert.Equal(t, 1, got.SaveCount)
}

func TestStore_LoadState_NoPriorStateIsNotError(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	got, ok, err := store.LoadState()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, TradingState{}, got)
}

func TestStore_SaveState_IncrementsSaveCountAndRotatesBackup(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.SaveState(testState()))
	require.NoError(t, store.SaveState(testState()))

	got, ok, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, got.SaveCount)

	assert.FileExists(t, filepath.Join(dir, "trading_state.json"))
	assert.FileExists(t, filepath.Join(dir, "trading_state.backup.json"))
}

func TestStore_LoadState_FallsBackToBackupWhenPrimaryCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.SaveState(testState()))
	require.NoError(t, store.SaveState(testState()))

	// Corrupt the primary file in place.
	require.NoError(t, writeAtomicJSON(store.primaryFile, TradingState{SaveCount: 1, Checksum: "bogus"}))

	got, ok, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ValidateChecksum())
}

func TestStore_LoadState_RecoversFromTimestampedBackupWhenBothCorrupt(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, store.SaveState(testState()))
	require.NoError(t, store.SaveState(testState()))

	require.NoError(t, writeAtomicJSON(store.primaryFile, TradingState{SaveCount: 1, Checksum: "bogus"}))
	require.NoError(t, writeAtomicJSON(store.backupFile, TradingState{SaveCount: 1, Checksum: "bogus"}))

	got, ok, err := store.LoadState()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.ValidateChecksum())
}

func TestStore_CleanupOldBackups_KeepsOnlyConfiguredCount(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)
	store.keepBackups = 2

	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveState(testState()))
	}

	entries, err := filepath.Glob(filepath.Join(dir, "trading_state_*.json"))
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), store.keepBackups)
}

func TestStore_AcquireLock_TimesOutWhenHeld(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir, zerolog.Nop())
	require.NoError(t, err)

	unlock, err := store.acquireLock(1 * time.Second)
	require.NoError(t, err)
	defer unlock()

	_, err = store.acquireLock(20 * time.Millisecond)
	assert.Error(t, err)
}
