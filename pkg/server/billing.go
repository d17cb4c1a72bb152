package server

import (
	"net/http"
	"strconv"
)

// handleBillingMonth serves one month's billing roll-up. The optional
// require_data parameter overrides the default current-month-only rule.
func (s *Server) handleBillingMonth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		writeJSONError(w, "missing month parameter", http.StatusBadRequest)
		return
	}
	var requireData *bool
	if raw := r.URL.Query().Get("require_data"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONError(w, "invalid require_data parameter", http.StatusBadRequest)
			return
		}
		requireData = &v
	}

	result, err := s.billing.MonthlyBilling(ctx, cfg, s.history, month, requireData)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, result)
}

// handleBillingYear serves a year's billing roll-up.
func (s *Server) handleBillingYear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil || year < 2000 || year > 2100 {
		writeJSONError(w, "invalid year parameter", http.StatusBadRequest)
		return
	}

	result, err := s.billing.YearlyBilling(ctx, cfg, s.history, year)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, result)
}

// handleDailySummary serves per-day totals for every elapsed day of a
// month.
func (s *Server) handleDailySummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	month := r.URL.Query().Get("month")
	if month == "" {
		writeJSONError(w, "missing month parameter", http.StatusBadRequest)
		return
	}

	result, err := s.billing.DailySummary(ctx, cfg, s.history, month)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, result)
}
