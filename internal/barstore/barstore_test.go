package barstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/apex-trader/internal/domain"
)

func sampleBars(symbol string, n int) []domain.Bar {
	bars := make([]domain.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = domain.Bar{
			Symbol: symbol, BarID: uint64(i + 1), TimestampMS: int64(i) * 60000,
			Open: 100, High: 101, Low: 99, Close: 100 + float64(i), Volume: 1000,
		}
	}
	return bars
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsertAndLoadAll_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	bars := sampleBars("QQQ", 5)
	require.NoError(t, store.UpsertBars(bars))

	loaded, err := store.LoadAll("QQQ")
	require.NoError(t, err)
	require.Len(t, loaded, 5)
	for i, b := range loaded {
		assert.Equal(t, uint64(i+1), b.BarID)
	}
}

func TestUpsertBars_ReplacesExistingRow(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpsertBars(sampleBars("QQQ", 1)))

	updated := []domain.Bar{{Symbol: "QQQ", BarID: 1, TimestampMS: 0, Open: 1, High: 1, Low: 1, Close: 999, Volume: 1}}
	require.NoError(t, store.UpsertBars(updated))

	loaded, err := store.LoadAll("QQQ")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, 999.0, loaded[0].Close)
}

func TestLoadRange_FiltersByBarIDInclusive(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpsertBars(sampleBars("QQQ", 10)))

	loaded, err := store.LoadRange("QQQ", 3, 5)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, uint64(3), loaded[0].BarID)
	assert.Equal(t, uint64(5), loaded[2].BarID)
}

func TestLoadAll_SeparatesBySymbol(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpsertBars(sampleBars("QQQ", 3)))
	require.NoError(t, store.UpsertBars(sampleBars("TQQQ", 2)))

	qqq, err := store.LoadAll("QQQ")
	require.NoError(t, err)
	assert.Len(t, qqq, 3)

	tqqq, err := store.LoadAll("TQQQ")
	require.NoError(t, err)
	assert.Len(t, tqqq, 2)
}

func TestCount(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpsertBars(sampleBars("QQQ", 7)))

	count, err := store.Count("QQQ")
	require.NoError(t, err)
	assert.Equal(t, 7, count)

	count, err = store.Count("UNKNOWN")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestUpsertBars_EmptyBatchIsNoop(t *testing.T) {
	store := openTestStore(t)
	require.NoError(t, store.UpsertBars(nil))
	count, err := store.Count("QQQ")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}
