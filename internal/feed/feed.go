// Package feed defines the bar-delivery contract used by the trading
// engine, independent of any specific market-data vendor, plus a
// drift-free historical replay implementation and a live websocket feed.
package feed

import (
	"context"

	"github.com/aristath/apex-trader/internal/domain"
)

// BarCallback receives each bar as it becomes available.
type BarCallback func(domain.Bar)

// Feed is the bar-delivery contract every market-data source implements.
type Feed interface {
	Connect(ctx context.Context) error
	Subscribe(symbols []string) error
	Start(ctx context.Context, callback BarCallback) error
	Stop() error
	GetRecentBars(symbol string, count int) []domain.Bar
	IsConnectionHealthy() bool
	SecondsSinceLastMessage() float64
}

// MaxBarsHistory bounds the in-memory recent-bars cache per symbol.
const MaxBarsHistory = 1000

// healthyMessageWindowSeconds is the staleness threshold past which a feed
// reports itself unhealthy
const healthyMessageWindowSeconds = 300.0
