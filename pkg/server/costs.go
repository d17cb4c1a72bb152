package server

import (
	"net/http"

	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/types"
)

func rangeQueryFrom(r *http.Request) meter.RangeQuery {
	q := r.URL.Query()
	return meter.RangeQuery{
		Date:  q.Get("date"),
		Start: q.Get("start"),
		End:   q.Get("end"),
	}
}

type seriesResponse struct {
	types.SeriesData
	FromCache     bool `json:"from_cache"`
	CacheFallback bool `json:"cache_fallback"`
}

// handleConsumption serves the raw consumption delta series without any
// price join.
func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	series, err := s.meters.ConsumptionSeries(ctx, cfg, rangeQueryFrom(r))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, seriesResponse{
		SeriesData:    series.SeriesData,
		FromCache:     series.FromCache,
		CacheFallback: series.CacheFallback,
	})
}

// handleCosts serves the consumption series joined with final prices.
func (s *Server) handleCosts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	report, err := s.billing.Costs(ctx, cfg, s.history, rangeQueryFrom(r))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, report)
}

// handleExport serves the export series joined with sell prices.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	report, err := s.billing.Export(ctx, cfg, s.history, rangeQueryFrom(r))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, report)
}
