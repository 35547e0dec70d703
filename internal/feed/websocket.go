package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/apex-trader/internal/domain"
)

const (
	wsWriteWait          = 10 * time.Second
	wsDialTimeout        = 30 * time.Second
	wsBaseReconnectDelay = 5 * time.Second
	wsMaxReconnectDelay  = 5 * time.Minute
)

// wireBar is the JSON shape a live bar message arrives in.
type wireBar struct {
	Symbol      string  `json:"symbol"`
	BarID       uint64  `json:"bar_id"`
	TimestampMS int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      int64   `json:"volume"`
}

// WebSocketFeed streams bars from a venue's real-time websocket endpoint,
// reconnecting with exponential backoff on disconnect. It uses a
// nhooyr.io/websocket dial/read loop behind a connection-scoped
// cancellable context.
type WebSocketFeed struct {
	url string

	mu         sync.RWMutex
	conn       *websocket.Conn
	connCtx    context.Context
	cancelConn context.CancelFunc
	connected  bool
	stopped    bool

	subscribedSymbols []string
	history           map[string][]domain.Bar
	lastMsgTime       time.Time

	log zerolog.Logger
}

// NewWebSocketFeed creates a feed dialing url on Connect.
func NewWebSocketFeed(url string, log zerolog.Logger) *WebSocketFeed {
	return &WebSocketFeed{
		url:     url,
		history: make(map[string][]domain.Bar),
		log:     log.With().Str("component", "websocket_feed").Logger(),
	}
}

func (f *WebSocketFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectLocked(ctx)
}

func (f *WebSocketFeed) connectLocked(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial bar feed websocket: %w", err)
	}

	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelConn = connCancel
	f.connected = true
	f.lastMsgTime = time.Now()

	if len(f.subscribedSymbols) > 0 {
		if err := f.sendSubscription(connCtx, conn, f.subscribedSymbols); err != nil {
			connCancel()
			conn.Close(websocket.StatusNormalClosure, "subscribe failed")
			f.conn, f.connCtx, f.cancelConn, f.connected = nil, nil, nil, false
			return err
		}
	}

	f.log.Info().Str("url", f.url).Msg("connected to bar feed websocket")
	return nil
}

func (f *WebSocketFeed) Subscribe(symbols []string) error {
	f.mu.Lock()
	f.subscribedSymbols = append([]string{}, symbols...)
	conn, ctx := f.conn, f.connCtx
	f.mu.Unlock()

	if conn == nil {
		return nil
	}
	return f.sendSubscription(ctx, conn, symbols)
}

// sendSubscription writes a subscribe message on conn. It takes no lock, so
// connectLocked can call it while holding f.mu.
func (f *WebSocketFeed) sendSubscription(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	data, err := json.Marshal(map[string]interface{}{"action": "subscribe", "symbols": symbols})
	if err != nil {
		return fmt.Errorf("marshal subscription: %w", err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteWait)
	defer cancel()

	if conn == nil {
		return fmt.Errorf("subscribe: not connected")
	}
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// Start reads bars until ctx is cancelled or Stop is called, reconnecting
// with backoff on unexpected disconnects.
func (f *WebSocketFeed) Start(ctx context.Context, callback BarCallback) error {
	attempt := 0
	backoff := func() bool {
		if attempt < 10 {
			attempt++
		}
		return f.waitBackoff(ctx, attempt)
	}
	for {
		f.mu.RLock()
		conn, connCtx := f.conn, f.connCtx
		f.mu.RUnlock()

		if conn == nil {
			if err := f.Connect(ctx); err != nil {
				if !backoff() {
					return ctx.Err()
				}
				continue
			}
			attempt = 0
			continue
		}

		err := f.readLoop(ctx, connCtx, conn, callback)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return nil
		}
		f.log.Warn().Err(err).Msg("bar feed websocket disconnected, reconnecting")
		f.mu.Lock()
		f.conn, f.connCtx, f.cancelConn, f.connected = nil, nil, nil, false
		f.mu.Unlock()
		if !backoff() {
			return ctx.Err()
		}
	}
}

func (f *WebSocketFeed) waitBackoff(ctx context.Context, attempt int) bool {
	delay := time.Duration(float64(wsBaseReconnectDelay) * math.Pow(2, float64(attempt-1)))
	if delay > wsMaxReconnectDelay {
		delay = wsMaxReconnectDelay
	}
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

func (f *WebSocketFeed) readLoop(ctx, connCtx context.Context, conn *websocket.Conn, callback BarCallback) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-connCtx.Done():
			return connCtx.Err()
		default:
		}

		msgType, message, err := conn.Read(connCtx)
		if err != nil {
			return err
		}
		if msgType != websocket.MessageText {
			continue
		}

		var wb wireBar
		if err := json.Unmarshal(message, &wb); err != nil {
			f.log.Warn().Err(err).Msg("failed to parse bar message")
			continue
		}

		bar := domain.Bar{
			Symbol: wb.Symbol, BarID: wb.BarID, TimestampMS: wb.TimestampMS,
			Open: wb.Open, High: wb.High, Low: wb.Low, Close: wb.Close, Volume: wb.Volume,
		}
		if err := bar.Validate(); err != nil {
			f.log.Warn().Err(err).Msg("rejected invalid bar from feed")
			continue
		}

		f.storeBar(bar)
		callback(bar)
	}
}

func (f *WebSocketFeed) storeBar(bar domain.Bar) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastMsgTime = time.Now()
	hist := append(f.history[bar.Symbol], bar)
	if len(hist) > MaxBarsHistory {
		hist = hist[len(hist)-MaxBarsHistory:]
	}
	f.history[bar.Symbol] = hist
}

func (f *WebSocketFeed) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	if f.cancelConn != nil {
		f.cancelConn()
	}
	if f.conn != nil {
		err := f.conn.Close(websocket.StatusNormalClosure, "")
		f.conn, f.connCtx, f.cancelConn, f.connected = nil, nil, nil, false
		return err
	}
	return nil
}

func (f *WebSocketFeed) GetRecentBars(symbol string, count int) []domain.Bar {
	f.mu.RLock()
	defer f.mu.RUnlock()
	hist := f.history[symbol]
	if count <= 0 || count >= len(hist) {
		out := make([]domain.Bar, len(hist))
		copy(out, hist)
		return out
	}
	out := make([]domain.Bar, count)
	copy(out, hist[len(hist)-count:])
	return out
}

func (f *WebSocketFeed) IsConnectionHealthy() bool {
	return f.SecondsSinceLastMessage() < healthyMessageWindowSeconds
}

func (f *WebSocketFeed) SecondsSinceLastMessage() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.lastMsgTime.IsZero() {
		return healthyMessageWindowSeconds
	}
	return time.Since(f.lastMsgTime).Seconds()
}

var _ Feed = (*WebSocketFeed)(nil)
