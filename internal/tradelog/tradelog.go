// Package tradelog reads and writes the canonical JSONL trade-log record:
// one record per consumed Signal, carrying its bar_id, the executed (or
// rejected) order, and before/after cash/equity snapshots.
package tradelog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/aristath/apex-trader/internal/domain"
)

// CurrentVersion is the version stamped on every record this package
// writes.
const CurrentVersion = "2.0"

// Record is one canonical trade-log line.
type Record struct {
	Version   string `json:"version"`
	RunID     string `json:"run_id"`
	BarID     uint64 `json:"bar_id"`
	TimestampMS int64  `json:"timestamp_ms"`
	BarIndex  int    `json:"bar_index"`

	Symbol   string          `json:"symbol"`
	Action   domain.OrderAction `json:"action"`
	Quantity float64         `json:"quantity"`
	Price    float64         `json:"price"`
	TradeValue float64       `json:"trade_value"`
	Fees     float64         `json:"fees"`

	CashBefore   float64 `json:"cash_before"`
	EquityBefore float64 `json:"equity_before"`
	CashAfter    float64 `json:"cash_after"`
	EquityAfter  rawFloat `json:"equity_after"`

	PositionsAfter    int     `json:"positions_after"`
	SignalProbability float64 `json:"signal_probability"`

	ExecutionReason     string `json:"execution_reason"`
	RejectionReason     string `json:"rejection_reason"`
	ConflictCheckPassed bool   `json:"conflict_check_passed"`
	RealizedPnLDelta    float64 `json:"realized_pnl_delta"`
	UnrealizedAfter     float64 `json:"unrealized_after"`
	PositionsSummary    string  `json:"positions_summary"`
}

// rawFloat unmarshals the equity_after field: numeric in v2, possibly a
// whitespace/quote-padded string in v1 records.
type rawFloat float64

func (r *rawFloat) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) >= 2 && trimmed[0] == '"' && trimmed[len(trimmed)-1] == '"' {
		trimmed = strings.TrimSpace(trimmed[1 : len(trimmed)-1])
	}
	v, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fmt.Errorf("parse equity_after %q: %w", trimmed, err)
	}
	*r = rawFloat(v)
	return nil
}

func (r rawFloat) MarshalJSON() ([]byte, error) {
	return json.Marshal(float64(r))
}

// Float returns the record's equity_after as a float64.
func (r Record) Float() float64 {
	return float64(r.EquityAfter)
}

// Writer appends JSONL trade-log records to an underlying stream.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w for append-only JSONL writes.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

// Write appends one record as a single JSON line.
func (tw *Writer) Write(r Record) error {
	if r.Version == "" {
		r.Version = CurrentVersion
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal trade-log record: %w", err)
	}
	if _, err := tw.w.Write(data); err != nil {
		return err
	}
	if err := tw.w.WriteByte('\n'); err != nil {
		return err
	}
	return nil
}

// Flush flushes buffered writes to the underlying stream.
func (tw *Writer) Flush() error {
	return tw.w.Flush()
}

// ReadAll parses every JSONL line from r into Records, tolerating the v1
// equity_after string encoding.
func ReadAll(r io.Reader) ([]Record, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var records []Record
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return nil, fmt.Errorf("trade log line %d: %w", lineNum, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadFile reads and parses an entire trade-log file.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadAll(f)
}

// PositionsSummary renders positions in a compact "sym:qty,sym:qty" form.
func PositionsSummary(positions map[string]domain.Position) string {
	var parts []string
	for symbol, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s:%s", symbol, strconv.FormatFloat(pos.Quantity, 'f', -1, 64)))
	}
	return strings.Join(parts, ",")
}
