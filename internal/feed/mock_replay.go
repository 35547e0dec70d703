package feed

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/domain"
)

// MockReplay replays a fixed, pre-loaded sequence of bars with drift-free
// time synchronization: each bar fires at real_start + (bar_time -
// market_start) / speed, computed from an absolute anchor rather than by
// accumulating per-bar sleeps, so scheduling error never compounds.
type MockReplay struct {
	mu sync.RWMutex

	bars              []domain.Bar
	subscribedSymbols map[string]bool
	history           map[string][]domain.Bar

	speedMultiplier float64
	log             zerolog.Logger

	running      bool
	stopCh       chan struct{}
	lastMsgTime  time.Time
}

// NewMockReplay creates a replay feed over bars, which must already be
// sorted ascending by TimestampMS.
func NewMockReplay(bars []domain.Bar, speedMultiplier float64, log zerolog.Logger) *MockReplay {
	if speedMultiplier <= 0 {
		speedMultiplier = 1.0
	}
	sorted := make([]domain.Bar, len(bars))
	copy(sorted, bars)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TimestampMS < sorted[j].TimestampMS })

	return &MockReplay{
		bars:              sorted,
		subscribedSymbols: make(map[string]bool),
		history:           make(map[string][]domain.Bar),
		speedMultiplier:   speedMultiplier,
		log:               log.With().Str("component", "mock_replay_feed").Logger(),
	}
}

func (m *MockReplay) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsgTime = time.Now()
	return nil
}

func (m *MockReplay) Subscribe(symbols []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range symbols {
		m.subscribedSymbols[s] = true
	}
	return nil
}

// Start replays every subscribed bar in timestamp order, blocking the
// calling goroutine until the sequence completes, ctx is cancelled, or
// Stop is called.
func (m *MockReplay) Start(ctx context.Context, callback BarCallback) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	speed := m.speedMultiplier
	m.mu.Unlock()
	bars := m.filterSubscribed()

	if len(bars) == 0 {
		return nil
	}

	realStart := time.Now()
	marketStartMS := bars[0].TimestampMS

	for _, bar := range bars {
		offsetMS := float64(bar.TimestampMS - marketStartMS)
		target := realStart.Add(time.Duration(offsetMS/speed) * time.Millisecond)

		if err := m.waitUntil(ctx, target); err != nil {
			m.mu.Lock()
			m.running = false
			m.mu.Unlock()
			return err
		}
		select {
		case <-stopCh:
			return nil
		default:
		}

		m.storeBar(bar)
		callback(bar)
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return nil
}

func (m *MockReplay) waitUntil(ctx context.Context, target time.Time) error {
	delay := time.Until(target)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-m.stopCh:
		return nil
	}
}

func (m *MockReplay) filterSubscribed() []domain.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.subscribedSymbols) == 0 {
		return m.bars
	}
	out := make([]domain.Bar, 0, len(m.bars))
	for _, b := range m.bars {
		if m.subscribedSymbols[b.Symbol] {
			out = append(out, b)
		}
	}
	return out
}

func (m *MockReplay) storeBar(bar domain.Bar) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastMsgTime = time.Now()
	hist := append(m.history[bar.Symbol], bar)
	if len(hist) > MaxBarsHistory {
		hist = hist[len(hist)-MaxBarsHistory:]
	}
	m.history[bar.Symbol] = hist
}

func (m *MockReplay) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	close(m.stopCh)
	m.running = false
	return nil
}

func (m *MockReplay) GetRecentBars(symbol string, count int) []domain.Bar {
	m.mu.RLock()
	defer m.mu.RUnlock()
	hist := m.history[symbol]
	if count <= 0 || count >= len(hist) {
		out := make([]domain.Bar, len(hist))
		copy(out, hist)
		return out
	}
	out := make([]domain.Bar, count)
	copy(out, hist[len(hist)-count:])
	return out
}

func (m *MockReplay) IsConnectionHealthy() bool {
	return m.SecondsSinceLastMessage() < healthyMessageWindowSeconds
}

func (m *MockReplay) SecondsSinceLastMessage() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastMsgTime.IsZero() {
		return healthyMessageWindowSeconds
	}
	return time.Since(m.lastMsgTime).Seconds()
}

var _ Feed = (*MockReplay)(nil)
