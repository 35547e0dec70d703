package tradelog

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/apex-trader/internal/domain"
)

func TestWriter_Write_StampsCurrentVersionWhenUnset(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Record{Symbol: "QQQ", BarID: 1}))
	require.NoError(t, w.Flush())

	assert.Contains(t, buf.String(), `"version":"2.0"`)
}

func TestWriter_Write_PreservesExplicitVersion(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Record{Version: "1.0", Symbol: "QQQ"}))
	require.NoError(t, w.Flush())

	assert.Contains(t, buf.String(), `"version":"1.0"`)
}

func TestWriter_WritesOneJSONLinePerRecord(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Write(Record{Symbol: "QQQ", BarID: 1}))
	require.NoError(t, w.Write(Record{Symbol: "TQQQ", BarID: 2}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
}

func TestReadAll_RoundTripsWrittenRecords(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	rec := Record{
		RunID: "run-1", BarID: 42, Symbol: "TQQQ", Action: domain.OrderActionBuy,
		Quantity: 10, Price: 60, TradeValue: 600, Fees: 1.5,
		CashBefore: 100000, EquityBefore: 100000, CashAfter: 99398.5,
		EquityAfter: 100500, PositionsAfter: 1, SignalProbability: 0.87,
	}
	require.NoError(t, w.Write(rec))
	require.NoError(t, w.Flush())

	records, err := ReadAll(&buf)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, rec.RunID, records[0].RunID)
	assert.Equal(t, rec.BarID, records[0].BarID)
	assert.InDelta(t, 100500.0, records[0].Float(), 1e-9)
}

func TestReadAll_SkipsBlankLines(t *testing.T) {
	input := "\n" + `{"version":"2.0","symbol":"QQQ","equity_after":100000}` + "\n\n"
	records, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "QQQ", records[0].Symbol)
}

func TestReadAll_ErrorsOnMalformedLine(t *testing.T) {
	_, err := ReadAll(strings.NewReader("not json\n"))
	assert.Error(t, err)
}

func TestRawFloat_UnmarshalsV1QuotedString(t *testing.T) {
	input := `{"version":"1.0","symbol":"QQQ","equity_after":"  100250.5  "}`
	records, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 100250.5, records[0].Float(), 1e-9)
}

func TestRawFloat_UnmarshalsV2NumericValue(t *testing.T) {
	input := `{"version":"2.0","symbol":"QQQ","equity_after":100250.5}`
	records, err := ReadAll(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.InDelta(t, 100250.5, records[0].Float(), 1e-9)
}

func TestRawFloat_UnmarshalError_OnInvalidNumber(t *testing.T) {
	input := `{"version":"2.0","symbol":"QQQ","equity_after":"not-a-number"}`
	_, err := ReadAll(strings.NewReader(input))
	assert.Error(t, err)
}

func TestPositionsSummary_ExcludesFlatPositions(t *testing.T) {
	positions := map[string]domain.Position{
		"QQQ":  {Symbol: "QQQ", Quantity: 10, AvgEntryPrice: 400},
		"TQQQ": {Symbol: "TQQQ", Quantity: 0, AvgEntryPrice: 0},
	}
	summary := PositionsSummary(positions)
	assert.Equal(t, "QQQ:10", summary)
}

func TestPositionsSummary_EmptyWhenAllFlat(t *testing.T) {
	positions := map[string]domain.Position{
		"QQQ": {Symbol: "QQQ", Quantity: 0},
	}
	assert.Equal(t, "", PositionsSummary(positions))
}
