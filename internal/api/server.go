// Package api serves the operator HTTP surface: health, status, metrics and
// the manual risk reset.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"evo-trader/internal/heartbeat"
	"evo-trader/internal/logging"
	"evo-trader/internal/metrics"
	"evo-trader/internal/models"
	"evo-trader/internal/risk"
)

// RiskControl is the governor as seen by operators.
type RiskControl interface {
	Snapshot() models.RiskState
	Reset(ctx context.Context, operator, reason string) (models.RiskState, error)
}

// HeartbeatView exposes the scheduler state and out-of-band cycles.
type HeartbeatView interface {
	State() models.HeartbeatState
	Trigger(ctx context.Context) error
}

// Config holds server configuration.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration. The server binds
// to loopback unless told otherwise.
func DefaultConfig() Config {
	return Config{
		Addr:         "127.0.0.1:8089",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is the ops HTTP server.
type Server struct {
	cfg       Config
	router    *mux.Router
	risk      RiskControl
	heartbeat HeartbeatView
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	started   time.Time
}

// NewServer creates the server and its routes. heartbeat may be nil.
func NewServer(cfg Config, rc RiskControl, hb HeartbeatView, m *metrics.Metrics, logger zerolog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultConfig().ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		risk:      rc,
		heartbeat: hb,
		metrics:   m,
		logger:    logging.WithComponent(logger, "api"),
		started:   time.Now(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestID)
	s.router.Use(s.requestLogging)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/risk/reset", s.handleReset).Methods(http.MethodPost)
	s.router.HandleFunc("/cycle", s.handleCycle).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is canceled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Addr).Msg("Ops server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("Ops server stopped")
	return nil
}

type errorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	State           string    `json:"state"`
	Equity          float64   `json:"equity"`
	PeakEquity      float64   `json:"peak_equity"`
	Drawdown        float64   `json:"drawdown"`
	HaltReason      string    `json:"halt_reason,omitempty"`
	HaltedAt        time.Time `json:"halted_at,omitempty"`
	FailedOrders    int       `json:"failed_orders"`
	IntervalSeconds float64   `json:"interval_seconds,omitempty"`
	LastVolatility  float64   `json:"last_volatility,omitempty"`
	Cycles          int64     `json:"cycles"`
	LastCycleAt     time.Time `json:"last_cycle_at,omitempty"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
}

type resetRequest struct {
	Operator string `json:"operator"`
	Reason   string `json:"reason"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *Server) status() StatusResponse {
	state := s.risk.Snapshot()
	resp := StatusResponse{
		State:         string(state.State()),
		Equity:        state.CurrentEquity,
		PeakEquity:    state.PeakEquity,
		Drawdown:      state.Drawdown,
		HaltReason:    state.HaltReason,
		HaltedAt:      state.HaltedAt,
		FailedOrders:  state.FailedOrders,
		UptimeSeconds: time.Since(s.started).Seconds(),
	}
	if s.heartbeat != nil {
		hb := s.heartbeat.State()
		resp.IntervalSeconds = hb.Interval.Seconds()
		resp.LastVolatility = hb.LastVolatility
		resp.Cycles = hb.Cycles
		resp.LastCycleAt = hb.LastCycleAt
	}
	return resp
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.Operator = strings.TrimSpace(req.Operator)
	if req.Operator == "" || strings.TrimSpace(req.Reason) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "operator and reason are required"})
		return
	}

	state, err := s.risk.Reset(r.Context(), req.Operator, req.Reason)
	switch {
	case errors.Is(err, risk.ErrNotHalted):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Warn().
		Str("operator", req.Operator).
		Str("remote", r.RemoteAddr).
		Msg("Risk reset via ops API")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":  string(state.State()),
		"equity": state.CurrentEquity,
	})
}

// handleCycle runs one evaluation cycle now. The cycle outlives a dropped
// client connection so submissions are not cut short.
func (s *Server) handleCycle(w http.ResponseWriter, r *http.Request) {
	if s.heartbeat == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "heartbeat not running"})
		return
	}
	err := s.heartbeat.Trigger(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, heartbeat.ErrCycleInFlight):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	hb := s.heartbeat.State()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"interval_seconds": hb.Interval.Seconds(),
		"last_volatility":  hb.LastVolatility,
		"cycles":           hb.Cycles,
	})
}

type ctxKey struct{}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func (s *Server) requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		id, _ := r.Context().Value(ctxKey{}).(string)
		s.logger.Debug().
			Str("request_id", id).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.status).
			Dur("duration", time.Since(start)).
			Msg("Request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
