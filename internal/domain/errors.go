package domain

import "fmt"

// ValidationError marks a malformed bar or signal (bad OHLC, NaN
// probability, missing bar_id). Policy: reject the single record, do not
// advance state.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation error: %s", e.Reason) }

// ReconciliationError marks a local-vs-broker position mismatch. Policy:
// fatal for the bar; no further orders until resolved externally.
type ReconciliationError struct {
	Symbol     string
	LocalQty   float64
	BrokerQty  float64
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("position reconciliation error: %s local=%.4f broker=%.4f", e.Symbol, e.LocalQty, e.BrokerQty)
}

// RiskViolation marks an order batch exceeding position-value or leverage
// caps. Policy: scale down (position value) or reject (leverage) and log.
type RiskViolation struct {
	Reason string
}

func (e *RiskViolation) Error() string { return fmt.Sprintf("risk violation: %s", e.Reason) }

// BrokerError wraps a non-2xx response, timeout, or parse failure from the
// broker. Policy: never mutate the Position Book on this path.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker error during %s: %v", e.Op, e.Err) }
func (e *BrokerError) Unwrap() error { return e.Err }

// PersistenceError wraps a lock timeout, checksum mismatch, or corrupt
// primary state file. Policy: fall back primary -> backup -> newest
// validated timestamped backup; if none validate, treat as no prior state.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error during %s: %v", e.Op, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// InvariantError marks an impossible PSM state (simultaneous long+short),
// a negative price, or a non-monotonic bar. Policy: transition PSM to
// INVALID and force liquidation on the next tick.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string { return fmt.Sprintf("invariant violated: %s", e.Reason) }
