package server

import (
	"encoding/json"
	"net/http"

	"github.com/spotdesk/spotdesk/pkg/types"
)

type feeHistoryResponse struct {
	History []types.FeeHistoryRecord `json:"history"`
}

func (s *Server) handleGetFeeHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.loadConfig(ctx); err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, feeHistoryResponse{History: s.history.Records()})
}

// handleReplaceFeeHistory validates and atomically replaces the whole fee
// history.
func (s *Server) handleReplaceFeeHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	var req feeHistoryResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	today := s.now().In(cfg.Location())
	records, err := s.history.Replace(req.History, today)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	writeJSON(w, struct {
		Status  string                   `json:"status"`
		History []types.FeeHistoryRecord `json:"history"`
	}{Status: "ok", History: records})
}
