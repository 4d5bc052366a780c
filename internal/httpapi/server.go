package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"stable-ledger/internal/config"
	"stable-ledger/internal/engine"
	"stable-ledger/internal/fixedpoint"
	"stable-ledger/internal/oracle"
	"stable-ledger/internal/storage"
)

// LedgerEngine is the slice of the engine the API exposes.
type LedgerEngine interface {
	Mint(ctx context.Context, caller common.Address, reserveAmount fixedpoint.Value) (fixedpoint.Value, error)
	Redeem(ctx context.Context, caller common.Address, stableAmount fixedpoint.Value) (engine.RedeemResult, error)
	RedeemBond(ctx context.Context, caller common.Address, bondAmount fixedpoint.Value) (fixedpoint.Value, error)
	CollateralRatio(ctx context.Context) (fixedpoint.Value, error)
	Paused() bool
}

// Readiness reports whether the oracle window is populated.
type Readiness interface {
	Pairs() []string
	IsReady(ctx context.Context, pair string) (bool, error)
}

// BalanceSource reports vault custody balances.
type BalanceSource interface {
	Balances(ctx context.Context) (engine.VaultBalances, error)
}

// Server exposes the ledger over HTTP.
type Server struct {
	engine   LedgerEngine
	ready    Readiness
	balances BalanceSource
	samples  storage.SampleStore
	registry *prometheus.Registry
	limiter  *rate.Limiter
	logger   zerolog.Logger

	// mutating requests queue here so they commit whole and in
	// arrival order.
	mutate sync.Mutex
}

// NewServer constructs the API server.
func NewServer(eng LedgerEngine, ready Readiness, balances BalanceSource, samples storage.SampleStore, registry *prometheus.Registry, logger zerolog.Logger) *Server {
	return &Server{
		engine:   eng,
		ready:    ready,
		balances: balances,
		samples:  samples,
		registry: registry,
		limiter:  rate.NewLimiter(rate.Limit(20), 40),
		logger:   logger.With().Str("component", "httpapi").Logger(),
	}
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/mint", s.handleMint)
		r.Post("/redeem", s.handleRedeem)
		r.Post("/redeem-bond", s.handleRedeemBond)
	})
	return r
}

// Listen serves the router until ctx is cancelled.
func (s *Server) Listen(ctx context.Context, cfg config.ServerConfig) error {
	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	type pairState struct {
		Pair  string `json:"pair"`
		Ready bool   `json:"ready"`
	}
	states := make([]pairState, 0)
	allReady := true
	if s.ready != nil {
		for _, pair := range s.ready.Pairs() {
			ready, err := s.ready.IsReady(r.Context(), pair)
			if err != nil {
				ready = false
			}
			if !ready {
				allReady = false
			}
			states = append(states, pairState{Pair: pair, Ready: ready})
		}
	}

	status := http.StatusOK
	if !allReady {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"ready": allReady, "pairs": states})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"paused": s.engine.Paused()}

	if ratio, err := s.engine.CollateralRatio(r.Context()); err == nil {
		resp["collateral_ratio"] = ratio.String()
	} else {
		resp["collateral_ratio_error"] = err.Error()
	}

	if s.balances != nil {
		if balances, err := s.balances.Balances(r.Context()); err == nil {
			resp["vault"] = map[string]string{
				"reserve":     balances.Reserve.String(),
				"backstop":    balances.Backstop.String(),
				"stable_held": balances.StableHeld.String(),
			}
		}
	}

	if s.samples != nil {
		if recent, err := s.samples.ListRecentSamples(r.Context(), 1); err == nil && len(recent) > 0 {
			resp["last_sample"] = map[string]any{
				"bucket":        recent[0].Bucket,
				"reserve_price": recent[0].ReservePrice.String(),
				"unit_price":    recent[0].UnitPrice.String(),
				"ratio":         recent[0].Ratio.String(),
				"status":        recent[0].Status,
			}
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

type mintRequest struct {
	Caller        string `json:"caller"`
	ReserveAmount string `json:"reserve_amount"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	caller, amount, ok := s.parseCallArgs(w, req.Caller, req.ReserveAmount)
	if !ok {
		return
	}

	s.mutate.Lock()
	minted, err := s.engine.Mint(r.Context(), caller, amount)
	s.mutate.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"minted": minted.String()})
}

type redeemRequest struct {
	Caller       string `json:"caller"`
	StableAmount string `json:"stable_amount"`
}

func (s *Server) handleRedeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	caller, amount, ok := s.parseCallArgs(w, req.Caller, req.StableAmount)
	if !ok {
		return
	}

	s.mutate.Lock()
	result, err := s.engine.Redeem(r.Context(), caller, amount)
	s.mutate.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"reserve_out":  result.ReserveOut.String(),
		"bond_out":     result.BondOut.String(),
		"backstop_out": result.BackstopOut.String(),
		"fee":          result.Fee.String(),
	})
}

type redeemBondRequest struct {
	Caller     string `json:"caller"`
	BondAmount string `json:"bond_amount"`
}

func (s *Server) handleRedeemBond(w http.ResponseWriter, r *http.Request) {
	var req redeemBondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	caller, amount, ok := s.parseCallArgs(w, req.Caller, req.BondAmount)
	if !ok {
		return
	}

	s.mutate.Lock()
	stableOut, err := s.engine.RedeemBond(r.Context(), caller, amount)
	s.mutate.Unlock()
	if err != nil {
		s.writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"stable_out": stableOut.String()})
}

func (s *Server) parseCallArgs(w http.ResponseWriter, callerHex, amountStr string) (common.Address, fixedpoint.Value, bool) {
	if !common.IsHexAddress(callerHex) {
		writeError(w, http.StatusBadRequest, "caller must be a hex address")
		return common.Address{}, fixedpoint.Value{}, false
	}
	amount, err := fixedpoint.Parse(amountStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "amount must be a decimal number")
		return common.Address{}, fixedpoint.Value{}, false
	}
	return common.HexToAddress(callerHex), amount, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrZeroAmount),
		errors.Is(err, engine.ErrInsufficientAllowance):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientFunds),
		errors.Is(err, engine.ErrRedemptionCapExceeded):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrPaused):
		status = http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrReentrantCall):
		status = http.StatusServiceUnavailable
	case errors.Is(err, oracle.ErrObservationNotReady),
		errors.Is(err, oracle.ErrPriceDeviation),
		errors.Is(err, oracle.ErrStaleFeed),
		errors.Is(err, oracle.ErrNoPriceSource):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("engine call failed")
	}
	writeError(w, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
