// Package eod implements the EOD Guardian (C7): it enforces daily
// flatness with idempotency anchored to Position Book facts rather than a
// stored flag, following a safety-first "if uncertain, liquidate" rule.
// The PENDING -> IN_PROGRESS -> DONE state machine persists through
// internal/persistence's atomic, lock-protected store, so a restart
// mid-window still resumes cleanly under concurrent access.
package eod

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/broker"
	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/internal/positionbook"
)

// Config holds the EOD Guardian's tunables.
type Config struct {
	WindowStart    string // "15:55" local ET
	WindowEnd      string // "16:00" local ET
	FlatnessWait   time.Duration
	FlatnessPoll   time.Duration
	Location       *time.Location
}

// DefaultConfig returns the documented defaults below.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		WindowStart:  "15:55",
		WindowEnd:    "16:00",
		FlatnessWait: 3 * time.Second,
		FlatnessPoll: 100 * time.Millisecond,
		Location:     loc,
	}
}

// Decision is the Guardian's per-tick evaluation.
type Decision struct {
	InWindow       bool
	HasPositions   bool
	ShouldLiquidate bool
	Reason         string
}

// StateStore is the minimal persistence contract the Guardian needs: one
// EODState record per et_date, read-modify-write under the caller's lock.
type StateStore interface {
	LoadEODState(etDate string) (domain.EODState, bool, error)
	SaveEODState(state domain.EODState) error
}

// Guardian is the EOD Guardian.
type Guardian struct {
	config Config
	broker broker.Client
	book   *positionbook.Book
	store  StateStore
	log    zerolog.Logger

	currentETDate        string
	currentState         domain.EODState
	liquidationInProgress bool
}

// New creates a Guardian.
func New(cfg Config, brokerClient broker.Client, book *positionbook.Book, store StateStore, log zerolog.Logger) *Guardian {
	return &Guardian{
		config: cfg,
		broker: brokerClient,
		book:   book,
		store:  store,
		log:    log.With().Str("component", "eod_guardian").Logger(),
	}
}

// Tick is the Guardian's main entry point, called every heartbeat between
// bars. It refreshes the date-anchored state, computes the liquidation
// decision, and executes liquidation if warranted.
func (g *Guardian) Tick(ctx context.Context, now time.Time) error {
	g.refreshStateIfNeeded(now)

	decision := g.calcDecision(now)
	g.logDecision(decision)

	if decision.ShouldLiquidate && !g.liquidationInProgress {
		return g.executeLiquidation(ctx)
	}
	return nil
}

// refreshStateIfNeeded recomputes et_date and reloads persisted state
// when the date has changed -- a new trading day resets PENDING.
func (g *Guardian) refreshStateIfNeeded(now time.Time) {
	etDate := now.In(g.config.Location).Format("2006-01-02")
	if etDate == g.currentETDate {
		return
	}
	g.currentETDate = etDate

	if state, ok, err := g.store.LoadEODState(etDate); err == nil && ok {
		g.currentState = state
	} else {
		g.currentState = domain.EODState{ETDate: etDate, Status: domain.EODPending}
	}
	g.liquidationInProgress = false
}

// calcDecision applies the liquidation rule: liquidate if inside the
// window and (positions are open or today isn't already DONE).
func (g *Guardian) calcDecision(now time.Time) Decision {
	inWindow := g.inWindow(now)
	hasPositions := !g.book.IsFlat()

	should := inWindow && (hasPositions || g.currentState.Status != domain.EODDone)

	reason := "outside liquidation window"
	switch {
	case should && hasPositions:
		reason = "in window with open positions"
	case should:
		reason = "in window, today not marked done"
	case inWindow:
		reason = "in window, already flat and done"
	}

	return Decision{InWindow: inWindow, HasPositions: hasPositions, ShouldLiquidate: should, Reason: reason}
}

func (g *Guardian) inWindow(now time.Time) bool {
	local := now.In(g.config.Location)
	start, err := parseClockTime(local, g.config.WindowStart)
	if err != nil {
		return false
	}
	end, err := parseClockTime(local, g.config.WindowEnd)
	if err != nil {
		return false
	}
	return !local.Before(start) && local.Before(end)
}

func parseClockTime(reference time.Time, clock string) (time.Time, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(clock, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, err
	}
	return time.Date(reference.Year(), reference.Month(), reference.Day(), hour, minute, 0, 0, reference.Location()), nil
}

// executeLiquidation drives the liquidation sequence: mark IN_PROGRESS,
// cancel resting orders, close all positions, wait for flatness, verify,
// compute the positions hash, and mark DONE.
func (g *Guardian) executeLiquidation(ctx context.Context) error {
	g.liquidationInProgress = true
	defer func() { g.liquidationInProgress = false }()

	g.currentState.Status = domain.EODInProgress
	g.currentState.LastAttemptEpoch = time.Now().Unix()
	if err := g.store.SaveEODState(g.currentState); err != nil {
		g.log.Warn().Err(err).Msg("failed to persist IN_PROGRESS state, continuing")
	}

	g.log.Warn().Str("et_date", g.currentETDate).Msg("executing EOD liquidation")

	if err := g.broker.CancelAllOrders(ctx); err != nil {
		return &domain.BrokerError{Op: "cancel_all_orders", Err: err}
	}
	if err := g.broker.CloseAllPositions(ctx); err != nil {
		return &domain.BrokerError{Op: "close_all_positions", Err: err}
	}

	if err := g.waitForFlatness(ctx); err != nil {
		return err
	}

	if err := g.verifyFlatness(); err != nil {
		return err
	}

	g.currentState.Status = domain.EODDone
	g.currentState.PositionsHash = g.book.PositionsHash()
	if err := g.store.SaveEODState(g.currentState); err != nil {
		return &domain.PersistenceError{Op: "save_eod_done_state", Err: err}
	}

	g.log.Info().Str("et_date", g.currentETDate).Str("positions_hash", g.currentState.PositionsHash).Msg("EOD liquidation complete")
	return nil
}

// waitForFlatness polls the Position Book for up to config.FlatnessWait,
// on a FlatnessPoll cadence.
func (g *Guardian) waitForFlatness(ctx context.Context) error {
	deadline := time.Now().Add(g.config.FlatnessWait)
	for {
		if g.book.IsFlat() {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // verifyFlatness below raises the fatal error
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.config.FlatnessPoll):
		}
	}
}

// verifyFlatness enforces the fail-loud rule: a still-non-flat book after
// the wait is fatal -- the guardian must not mark DONE.
func (g *Guardian) verifyFlatness() error {
	if !g.book.IsFlat() {
		return &domain.InvariantError{Reason: "EOD liquidation failed to reach flatness within wait window"}
	}
	return nil
}

func (g *Guardian) logDecision(d Decision) {
	g.log.Debug().Bool("in_window", d.InWindow).Bool("has_positions", d.HasPositions).
		Bool("should_liquidate", d.ShouldLiquidate).Str("reason", d.Reason).Msg("EOD decision")
}

// State returns the Guardian's current per-date record.
func (g *Guardian) State() domain.EODState {
	return g.currentState
}

// ForceLiquidate triggers liquidation regardless of window, for manual
// override or test scenarios.
func (g *Guardian) ForceLiquidate(ctx context.Context) error {
	return g.executeLiquidation(ctx)
}

// IsComplete reports whether today's EOD is DONE and the book is flat.
func (g *Guardian) IsComplete() bool {
	return g.currentState.Status == domain.EODDone && g.book.IsFlat()
}
