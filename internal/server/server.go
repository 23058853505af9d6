// Package server exposes the engine over HTTP: the alert webhook, operator
// admin actions and status/health/metrics endpoints.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trade_guard/internal/domain"
	"trade_guard/internal/engine"
	"trade_guard/internal/infra"
	"trade_guard/pkg/quant"
)

// Server wires HTTP handlers to the engine and the store.
type Server struct {
	eng   *engine.Engine
	store domain.Store
	reg   *prometheus.Registry
}

// New creates the server and registers the engine metrics.
func New(eng *engine.Engine, store domain.Store) *Server {
	reg := prometheus.NewRegistry()
	infra.RegisterMetrics(reg)
	return &Server{eng: eng, store: store, reg: reg}
}

// Routes builds the handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/alert", s.handleAlert)
	mux.HandleFunc("/api/admin/enable", s.handleEnable)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/positions", s.handlePositions)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{}))
	return mux
}

// flexNum accepts a JSON number or a numeric string; alert webhooks send
// both depending on who authored the signal template.
type flexNum string

func (f *flexNum) UnmarshalJSON(data []byte) error {
	*f = flexNum(strings.Trim(string(data), `"`))
	return nil
}

type alertRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Tier     string  `json:"tier"`
	Entry    flexNum `json:"entry_price"`
	StopLoss flexNum `json:"stop_loss"`
	TP1      flexNum `json:"tp1"`
	TP2      flexNum `json:"tp2"`
	TP3      flexNum `json:"tp3"`
	Strength int     `json:"strength"`
}

// handleAlert is the signal webhook: POST /api/alert.
func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req alertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	alert := &domain.Alert{
		Symbol:           strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:             strings.ToUpper(strings.TrimSpace(req.Side)),
		Tier:             req.Tier,
		EntryPriceMicros: quant.ToPriceMicrosStr(string(req.Entry)),
		StopLossMicros:   quant.ToPriceMicrosStr(string(req.StopLoss)),
		TP1Micros:        quant.ToPriceMicrosStr(string(req.TP1)),
		TP2Micros:        quant.ToPriceMicrosStr(string(req.TP2)),
		TP3Micros:        quant.ToPriceMicrosStr(string(req.TP3)),
		Strength:         req.Strength,
	}

	res, err := s.eng.ProcessAlert(r.Context(), alert)
	if err != nil {
		slog.Error("Alert processing failed", slog.Any("error", err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	code := http.StatusOK
	if res.Status == domain.AlertErrorRejected {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

// handleEnable is the operator re-arm action: POST /api/admin/enable.
func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.eng.Enable(r.Context()); err != nil {
		slog.Error("Enable failed", slog.Any("error", err))
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "engine enabled"})
}

type statusResponse struct {
	Enabled       bool                  `json:"enabled"`
	Breaker       *domain.BreakerLock   `json:"breaker"`
	OpenPositions int                   `json:"open_positions"`
	RecentActions []*domain.GuardAction `json:"recent_actions"`
}

// handleStatus is GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()

	breaker, err := s.store.BreakerLock(ctx)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	open, err := s.store.OpenPositions(ctx, "")
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	actions, err := s.store.RecentGuardActions(ctx, 20)
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Enabled:       s.eng.Enabled(),
		Breaker:       breaker,
		OpenPositions: len(open),
		RecentActions: actions,
	})
}

// handlePositions is GET /api/positions.
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	open, err := s.store.OpenPositions(r.Context(), r.URL.Query().Get("symbol"))
	if err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if open == nil {
		open = []*domain.Position{}
	}
	writeJSON(w, http.StatusOK, open)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to write response", slog.Any("error", err))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
