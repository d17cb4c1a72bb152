package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/types"
)

type pricesResponse struct {
	Prices []types.PriceEntry `json:"prices"`
}

// handleGetPrices serves final prices for one day, or the full live window
// (today plus tomorrow) when no date is given.
func (s *Server) handleGetPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	if date := r.URL.Query().Get("date"); date != "" {
		entries, err := s.prices.PricesForDate(ctx, cfg, s.history, pricing.Query{Date: date})
		if err != nil {
			writeError(ctx, w, err)
			return
		}
		writeJSON(w, pricesResponse{Prices: entries})
		return
	}

	loc := cfg.Location()
	today := s.now().In(loc).Format(dayFormat)
	tomorrow := s.now().In(loc).AddDate(0, 0, 1).Format(dayFormat)

	todayEntries, err := s.prices.PricesForDate(ctx, cfg, s.history, pricing.Query{Date: today, IncludeNeighborLive: true})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	tomorrowEntries, err := s.prices.PricesForDate(ctx, cfg, s.history, pricing.Query{Date: tomorrow})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, pricesResponse{Prices: append(todayEntries, tomorrowEntries...)})
}

type refreshRequest struct {
	Date string `json:"date"`
}

// handleRefreshPrices clears and force-refetches the given date, or the
// whole live window when the body names none.
func (s *Server) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var dates []string
	if req.Date != "" {
		if _, err := time.Parse(dayFormat, req.Date); err != nil {
			writeJSONError(w, "invalid date format, use YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		dates = []string{req.Date}
	} else {
		loc := cfg.Location()
		dates = []string{
			s.now().In(loc).Format(dayFormat),
			s.now().In(loc).AddDate(0, 0, 1).Format(dayFormat),
		}
	}

	report, err := s.prices.Refresh(ctx, cfg, s.history, dates)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, report)
}
