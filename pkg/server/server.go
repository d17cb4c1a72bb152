// Package server exposes the HTTP API: price resolution, meter series,
// cost and billing roll-ups, fee history management, and cache status.
package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/levenlabs/go-lflag"

	"github.com/spotdesk/spotdesk/pkg/billing"
	"github.com/spotdesk/spotdesk/pkg/common"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

const dayFormat = "2006-01-02"

// PriceService resolves and refreshes day prices.
type PriceService interface {
	PricesForDate(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q pricing.Query) ([]types.PriceEntry, error)
	Refresh(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, dates []string) (types.RefreshReport, error)
	CacheStatus() common.CacheDirStatus
}

// MeterService resolves meter series and reports on their caches.
type MeterService interface {
	ConsumptionSeries(ctx context.Context, cfg config.App, q meter.RangeQuery) (*meter.Series, error)
	ConsumptionCacheStatus() common.CacheDirStatus
	ExportCacheStatus() common.CacheDirStatus
}

// BillingService computes cost reports and billing roll-ups.
type BillingService interface {
	Costs(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q meter.RangeQuery) (*billing.CostsReport, error)
	Export(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, q meter.RangeQuery) (*billing.ExportReport, error)
	MonthlyBilling(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, month string, requireData *bool) (*types.MonthlyBilling, error)
	YearlyBilling(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, year int) (*types.YearlyBilling, error)
	DailySummary(ctx context.Context, cfg config.App, feeSource pricing.FeeSource, month string) (*types.DailySummary, error)
}

// Server handles the HTTP API for the dashboard backend.
type Server struct {
	store   *config.Store
	prices  PriceService
	meters  MeterService
	billing BillingService
	history *fees.History
	now     func() time.Time

	listenAddr string
	serverName string
	httpServer *http.Server
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(store *config.Store, prices PriceService, meters MeterService, b BillingService, history *fees.History) *Server {
	srv := NewServer(store, prices, meters, b, history)

	listenAddr := lflag.String("http-listen", ":8000", "HTTP server listen address")
	lflag.Do(func() {
		srv.listenAddr = *listenAddr
	})
	return srv
}

// NewServer returns a server with an explicit listen address left unset,
// for embedding in tests via setupHandler.
func NewServer(store *config.Store, prices PriceService, meters MeterService, b BillingService, history *fees.History) *Server {
	return &Server{
		store:      store,
		prices:     prices,
		meters:     meters,
		billing:    b,
		history:    history,
		now:        time.Now,
		serverName: "spotdesk",
	}
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/prices", s.handleGetPrices)
	apiMux.HandleFunc("POST /api/prices/refresh", s.handleRefreshPrices)
	apiMux.HandleFunc("GET /api/consumption", s.handleConsumption)
	apiMux.HandleFunc("GET /api/costs", s.handleCosts)
	apiMux.HandleFunc("GET /api/export", s.handleExport)
	apiMux.HandleFunc("GET /api/billing/month", s.handleBillingMonth)
	apiMux.HandleFunc("GET /api/billing/year", s.handleBillingYear)
	apiMux.HandleFunc("GET /api/summary/daily", s.handleDailySummary)
	apiMux.HandleFunc("GET /api/fees/history", s.handleGetFeeHistory)
	apiMux.HandleFunc("POST /api/fees/history", s.handleReplaceFeeHistory)
	apiMux.HandleFunc("GET /api/cache/status", s.handleCacheStatus)
	apiMux.HandleFunc("GET /api/version", s.handleVersion)

	mux := http.NewServeMux()
	mux.Handle("/api/", apiMux)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverNameMiddleware(gziphandler.GzipHandler(s.requestIDMiddleware(s.recoveryMiddleware(mux))))
}

// loadConfig re-reads the layered configuration and reconciles the fee
// history against it so every handler sees a history covering today.
func (s *Server) loadConfig(ctx context.Context) (config.App, error) {
	cfg, err := s.store.Load()
	if err != nil {
		return config.App{}, err
	}
	today := s.now().In(cfg.Location())
	if err := s.history.ReconcileToday(fees.BuildSnapshot(cfg), today); err != nil {
		log.Ctx(ctx).Warn("failed to reconcile fee history", slog.Any("error", err))
	}
	return cfg, nil
}

// Run starts the HTTP server and blocks until the context is canceled or an error occurs.
// It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err == nil {
			ctx := log.WithRequestID(r.Context(), hex.EncodeToString(buf[:]))
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

// recoveryMiddleware turns handler panics into a generic JSON 500. It sits
// inside the request-ID middleware so the logged panic carries the request ID.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				if v == http.ErrAbortHandler {
					panic(v)
				}
				log.Ctx(r.Context()).ErrorContext(r.Context(), "handler panicked", slog.Any("panic", v))
				writeJSONError(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

// writeError maps domain errors onto HTTP statuses: validation failures to
// 400, upstream SOAP faults to 502, and everything else to 500.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var upstream *pricing.UpstreamError
	switch {
	case types.IsValidation(err):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &upstream) && upstream.Fault:
		writeJSONError(w, "upstream price service fault", http.StatusBadGateway)
	case errors.Is(err, types.ErrDataUnavailable):
		writeJSONError(w, "no data available for the requested period", http.StatusInternalServerError)
	default:
		log.Ctx(ctx).ErrorContext(ctx, "request failed", slog.Any("error", err))
		writeJSONError(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Version string `json:"version"`
	}{Version: common.Version()})
}

func (s *Server) handleCacheStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, struct {
		Prices      common.CacheDirStatus `json:"prices"`
		Consumption common.CacheDirStatus `json:"consumption"`
		Export      common.CacheDirStatus `json:"export"`
	}{
		Prices:      s.prices.CacheStatus(),
		Consumption: s.meters.ConsumptionCacheStatus(),
		Export:      s.meters.ExportCacheStatus(),
	})
}
