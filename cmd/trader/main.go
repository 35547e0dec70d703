// Command trader wires the engine's components into a runnable process:
// load configuration, construct the CORE (position book, hysteresis
// manager, allocation manager, position state machine, enhanced backend,
// EOD guardian), drive it from a mock replay of synthetic bars, and expose
// the status/control HTTP surface. No live feed or live broker is wired
// here: bars always come from the mock replay and orders go to the mock
// broker. One logger is built up front and threaded everywhere, and
// shutdown on SIGINT/SIGTERM is graceful.
package main

import (
	"context"
	"flag"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/apex-trader/internal/allocation"
	"github.com/aristath/apex-trader/internal/archive"
	"github.com/aristath/apex-trader/internal/backend"
	"github.com/aristath/apex-trader/internal/broker"
	"github.com/aristath/apex-trader/internal/config"
	"github.com/aristath/apex-trader/internal/domain"
	"github.com/aristath/apex-trader/internal/eod"
	"github.com/aristath/apex-trader/internal/feed"
	"github.com/aristath/apex-trader/internal/hysteresis"
	"github.com/aristath/apex-trader/internal/persistence"
	"github.com/aristath/apex-trader/internal/positionbook"
	"github.com/aristath/apex-trader/internal/psm"
	"github.com/aristath/apex-trader/internal/scheduler"
	"github.com/aristath/apex-trader/internal/server"
	"github.com/aristath/apex-trader/internal/tradelog"
	"github.com/aristath/apex-trader/pkg/logger"
)

func main() {
	httpPort := flag.Int("port", 8080, "status/control server port")
	startingCapital := flag.Float64("capital", 100000.0, "starting cash for replay/live trading")
	replaySpeed := flag.Float64("replay-speed", 60.0, "mock replay speed multiplier (1.0 = real time)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: os.Getenv("LOG_PRETTY") == "true"})
	runID := uuid.New().String()
	log = log.With().Str("run_id", runID).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutdown signal received")
		cancel()
	}()

	if err := run(ctx, cfg, log, runID, *httpPort, *startingCapital, *replaySpeed); err != nil {
		log.Error().Err(err).Msg("trader exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, runID string, httpPort int, startingCapital, replaySpeed float64) error {
	store, err := persistence.New(cfg.DataDir, log)
	if err != nil {
		return err
	}
	eodStore, err := persistence.NewEODStateStore(cfg.DataDir)
	if err != nil {
		return err
	}

	book := positionbook.New(log)
	hm := hysteresis.New(cfg.HysteresisConfig(), log)
	am := allocation.New(cfg.AllocationConfig(), log)
	pm := psm.New(cfg.PSMConfig(), log)
	engine := backend.New(cfg.BackendConfig(), hm, am, pm, book, log)

	mockBroker := broker.NewMock(startingCapital, log)
	mockBroker.SetExecutionCallback(book.OnExecution)
	guardian := eod.New(cfg.EODConfig(), mockBroker, book, eodStore, log)

	if state, ok, err := store.LoadState(); err != nil {
		log.Warn().Err(err).Msg("failed to load prior trading state, starting fresh")
	} else if ok {
		restorePositions(book, state)
		log.Info().Str("psm_state", string(state.PSMState)).Int("save_count", state.SaveCount).Msg("restored prior trading state")
	}

	logFile, err := os.OpenFile(cfg.DataDir+"/trade_log.jsonl", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer logFile.Close()
	tlWriter := tradelog.NewWriter(logFile)
	defer tlWriter.Flush()

	archiveWriter, err := archive.Open(cfg.DataDir+"/archive.msgpack", log)
	if err != nil {
		return err
	}
	defer archiveWriter.Close()

	s3Archiver, s3Enabled, err := archive.NewS3Archiver(ctx, cfg.ArchiveS3Bucket, cfg.ArchiveS3Prefix, log)
	if err != nil {
		log.Warn().Err(err).Msg("s3 archiver unavailable, continuing without off-site archival")
	}

	sched := scheduler.New(log)
	archiveJob := &archiveJob{
		store: store, writer: archiveWriter,
		archivePath: cfg.DataDir + "/archive.msgpack", s3: s3Archiver, s3Enabled: s3Enabled,
	}
	if err := sched.AddJob("@every 5m", archiveJob); err != nil {
		return err
	}
	eodJob := &eodTickJob{guardian: guardian}
	if err := sched.AddJob("*/5 * * * * *", eodJob); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	httpServer := server.New(server.Config{Port: httpPort, Log: log, Book: book, Engine: engine, Guardian: guardian})
	go func() {
		if err := httpServer.Start(); err != nil {
			log.Error().Err(err).Msg("status server stopped")
		}
	}()
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	bars := syntheticBars(cfg.StrategySymbols[0])
	replayFeed := feed.NewMockReplay(bars, replaySpeed, log)
	if err := replayFeed.Connect(ctx); err != nil {
		return err
	}
	if err := replayFeed.Subscribe(cfg.StrategySymbols); err != nil {
		return err
	}

	barIndex := 0
	return replayFeed.Start(ctx, func(bar domain.Bar) {
		barIndex++
		signal, err := syntheticSignal(bar)
		if err != nil {
			log.Warn().Err(err).Msg("rejected synthetic signal")
			return
		}

		book.UpdateMarketPrice(bar.Symbol, bar.Close)

		account, err := mockBroker.GetAccount(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("failed to read mock account")
			return
		}

		orders, err := engine.Process(bar, signal, account.Cash, map[string]float64{bar.Symbol: bar.Close})
		if err != nil {
			log.Warn().Err(err).Msg("engine reported an error for this bar")
		}

		for _, order := range orders {
			if order.RejectionReason != "" {
				continue
			}
			if order.Action != domain.OrderActionHold {
				signedQty := order.Quantity
				if order.Action == domain.OrderActionSell {
					signedQty = -signedQty
				}
				// mockBroker's execution callback is wired to book.OnExecution,
				// so placing the order alone keeps the book in sync.
				_, err = mockBroker.PlaceMarketOrder(ctx, order.Symbol, signedQty, "day")
				if err != nil {
					log.Warn().Err(err).Str("symbol", order.Symbol).Msg("mock order placement failed")
					continue
				}
			}

			if err := tlWriter.Write(tradelog.Record{
				RunID: runID, BarID: bar.BarID, TimestampMS: bar.TimestampMS, BarIndex: barIndex,
				Symbol: order.Symbol, Action: order.Action, Quantity: order.Quantity, Price: order.Price,
				TradeValue: order.TradeValue, Fees: order.Fees, PositionsSummary: tradelog.PositionsSummary(book.GetAllPositions()),
			}); err != nil {
				log.Warn().Err(err).Msg("failed to append trade log record")
			}
		}

		if err := guardian.Tick(ctx, time.UnixMilli(bar.TimestampMS)); err != nil {
			log.Error().Err(err).Msg("eod guardian tick failed")
		}

		if err := persistCurrentState(store, book, runID); err != nil {
			log.Warn().Err(err).Msg("failed to persist trading state")
		}
	})
}

// restorePositions seeds the position book from a warm-restart snapshot.
// The book has no bulk-load method, so each position is replayed as a
// synthetic opening execution at its recorded average entry price.
func restorePositions(book *positionbook.Book, state persistence.TradingState) {
	for _, p := range state.Positions {
		side := domain.TradeSideBuy
		qty := p.Quantity
		if qty < 0 {
			side = domain.TradeSideSell
			qty = -qty
		}
		book.OnExecution(domain.Execution{
			Symbol: p.Symbol, Side: side, FilledQty: qty, AvgFillPrice: p.AvgEntryPrice,
			TimestampMS: p.EntryTimestamp, Status: "filled",
		})
	}
}

func persistCurrentState(store *persistence.Store, book *positionbook.Book, sessionID string) error {
	var details []persistence.PositionDetail
	for symbol, pos := range book.GetAllPositions() {
		if pos.IsFlat() {
			continue
		}
		details = append(details, persistence.PositionDetail{
			Symbol: symbol, Quantity: pos.Quantity, AvgEntryPrice: pos.AvgEntryPrice,
		})
	}
	return store.SaveState(persistence.TradingState{
		PSMState:  psm.DetermineState(book.GetAllPositions()),
		Positions: details,
		SessionID: sessionID,
	})
}

// archiveJob periodically snapshots the persisted trading state into the
// compact binary archival trail, best-effort-forwarding it to S3 when
// configured. Snapshots carry no trade-log records.
type archiveJob struct {
	store       *persistence.Store
	writer      *archive.Writer
	archivePath string
	s3          *archive.S3Archiver
	s3Enabled   bool
}

func (j *archiveJob) Name() string { return "archive_snapshot" }

func (j *archiveJob) Run() error {
	state, ok, err := j.store.LoadState()
	if err != nil || !ok {
		return err
	}
	archiveID, err := j.writer.Append(state, nil, time.Now())
	if err != nil {
		return err
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if j.s3Enabled {
		j.s3.UploadSnapshotFile(j.archivePath, archiveID)
	}
	return nil
}

// eodTickJob drives the EOD Guardian's heartbeat independent of bar
// arrival, so liquidation still fires even if the feed has gone quiet
// near the close.
type eodTickJob struct {
	guardian *eod.Guardian
}

func (j *eodTickJob) Name() string { return "eod_tick" }

func (j *eodTickJob) Run() error {
	return j.guardian.Tick(context.Background(), time.Now())
}

// syntheticBars generates a deterministic random-walk minute-bar sequence
// for symbol, used when no CSV or live feed is configured. A real
// deployment supplies historical or live bars through the Feed contract;
// this keeps the binary runnable standalone for demonstration.
func syntheticBars(symbol string) []domain.Bar {
	rng := rand.New(rand.NewSource(42))
	const count = 120
	price := 400.0
	start := time.Now().Add(-time.Duration(count) * time.Minute).UnixMilli()

	bars := make([]domain.Bar, 0, count)
	for i := 0; i < count; i++ {
		open := price
		move := (rng.Float64() - 0.5) * 0.6
		close := open + move
		high := open + rng.Float64()*0.3
		low := open - rng.Float64()*0.3
		if close > high {
			high = close
		}
		if close < low {
			low = close
		}
		if low <= 0 {
			low = 0.01
		}
		bars = append(bars, domain.Bar{
			Symbol: symbol, BarID: uint64(i + 1), TimestampMS: start + int64(i)*60_000,
			Open: open, High: high, Low: low, Close: close, Volume: 1000 + rng.Int63n(500),
		})
		price = close
	}
	return bars
}

// syntheticSignal derives a toy momentum signal from a single bar, purely
// to exercise the pipeline end to end when no upstream signal producer is
// wired in.
func syntheticSignal(bar domain.Bar) (domain.Signal, error) {
	probability := 0.5 + (bar.Close-bar.Open)/bar.Open
	if probability > 1 {
		probability = 1
	}
	if probability < 0 {
		probability = 0
	}
	signalType := domain.RawSignalNeutral
	switch {
	case probability > 0.55:
		signalType = domain.RawSignalLong
	case probability < 0.45:
		signalType = domain.RawSignalShort
	}
	return domain.NewSignal(bar.BarID, bar.TimestampMS, bar.Symbol, probability, signalType, 5)
}
