// Package server exposes a minimal read-only status/control HTTP surface
// over the running engine: health (with host CPU/RAM usage), current
// trading state, and a manual EOD liquidation trigger. It uses a chi.Mux
// router, go-chi/cors with permissive defaults, a recovering/request-ID/
// logging middleware stack, and a typed Config struct passed into New
// rather than built internally.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/apex-trader/internal/backend"
	"github.com/aristath/apex-trader/internal/eod"
	"github.com/aristath/apex-trader/internal/positionbook"
)

// Config holds the server's dependencies.
type Config struct {
	Port     int
	Log      zerolog.Logger
	Book     *positionbook.Book
	Engine   *backend.Engine
	Guardian *eod.Guardian
}

// Server is the chi-routed status/control HTTP surface.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	book     *positionbook.Book
	engine   *backend.Engine
	guardian *eod.Guardian
	started  time.Time
}

// New builds a Server bound to cfg's dependencies; call Start to listen.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		book:     cfg.Book,
		engine:   cfg.Engine,
		guardian: cfg.Guardian,
		started:  time.Now(),
	}

	s.setupMiddleware()
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/state", s.handleState)
	s.router.Post("/eod/force", s.handleForceEOD)
}

// Start begins serving; blocks until the listener stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting status server")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).Msg("http request")
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	cpuPct, memPct := s.systemStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"uptime_sec":  time.Since(s.started).Seconds(),
		"cpu_percent": cpuPct,
		"mem_percent": memPct,
	})
}

// systemStats reports process-host CPU and RAM usage percentages, using a
// short sampling interval so the health check stays responsive.
func (s *Server) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sample cpu percent")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to sample memory stats")
		return cpuAvg(cpuPercent), 0
	}

	return cpuAvg(cpuPercent), memStat.UsedPercent
}

func cpuAvg(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	return samples[0]
}

type stateResponse struct {
	IsFlat        bool               `json:"is_flat"`
	PositionsHash string             `json:"positions_hash"`
	Positions     map[string]float64 `json:"positions"`
	DailyPnL      float64            `json:"daily_pnl"`
	EODComplete   bool               `json:"eod_complete"`
	HorizonStats  map[int]interface{} `json:"horizon_stats,omitempty"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	positions := make(map[string]float64)
	for symbol, pos := range s.book.GetAllPositions() {
		if pos.IsFlat() {
			continue
		}
		positions[symbol] = pos.Quantity
	}

	horizonStats := make(map[int]interface{})
	for horizon, stats := range s.engine.HorizonStatsSnapshot() {
		horizonStats[horizon] = stats
	}

	resp := stateResponse{
		IsFlat:        s.book.IsFlat(),
		PositionsHash: s.book.PositionsHash(),
		Positions:     positions,
		DailyPnL:      s.engine.DailyPnL(),
		EODComplete:   s.guardian.IsComplete(),
		HorizonStats:  horizonStats,
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleForceEOD(w http.ResponseWriter, r *http.Request) {
	if err := s.guardian.ForceLiquidate(r.Context()); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "liquidated"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
