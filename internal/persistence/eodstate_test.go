package persistence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/apex-trader/internal/domain"
)

func TestEODStateStore_SaveAndLoadRoundTrip(t *testing.T) {
	store, err := NewEODStateStore(t.TempDir())
	require.NoError(t, err)

	want := domain.EODState{ETDate: "2026-03-10", Status: domain.EODDone, PositionsHash: "abc123"}
	require.NoError(t, store.SaveEODState(want))

	got, ok, err := store.LoadEODState("2026-03-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestEODStateStore_LoadMissingDateReturnsFalse(t *testing.T) {
	store, err := NewEODStateStore(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.LoadEODState("2026-01-01")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEODStateStore_PreservesMultipleDates(t *testing.T) {
	store, err := NewEODStateStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveEODState(domain.EODState{ETDate: "2026-03-10", Status: domain.EODDone}))
	require.NoError(t, store.SaveEODState(domain.EODState{ETDate: "2026-03-11", Status: domain.EODPending}))

	got1, ok, err := store.LoadEODState("2026-03-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EODDone, got1.Status)

	got2, ok, err := store.LoadEODState("2026-03-11")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EODPending, got2.Status)
}

func TestEODStateStore_OverwritesSameDate(t *testing.T) {
	store, err := NewEODStateStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.SaveEODState(domain.EODState{ETDate: "2026-03-10", Status: domain.EODPending}))
	require.NoError(t, store.SaveEODState(domain.EODState{ETDate: "2026-03-10", Status: domain.EODDone}))

	got, ok, err := store.LoadEODState("2026-03-10")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.EODDone, got.Status)
}
