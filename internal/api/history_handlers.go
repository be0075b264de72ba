package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krishvios/signvios/internal/database/models"
)

// defaultHistoryLimit bounds unpaginated history queries.
const defaultHistoryLimit = 100

// callRecordResponse is the JSON shape of one history entry.
type callRecordResponse struct {
	ID         int64     `json:"id"`
	Direction  string    `json:"direction"`
	DialString string    `json:"dial_string"`
	RemoteName string    `json:"remote_name,omitempty"`
	Method     string    `json:"method"`
	Result     string    `json:"result"`
	DialSource string    `json:"dial_source,omitempty"`
	Missed     bool      `json:"missed"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

func recordToResponse(rec models.CallRecord) callRecordResponse {
	return callRecordResponse{
		ID:         rec.ID,
		Direction:  rec.Direction,
		DialString: rec.DialString,
		RemoteName: rec.RemoteName,
		Method:     rec.Method,
		Result:     rec.Result,
		DialSource: rec.DialSource,
		Missed:     rec.Missed,
		StartedAt:  rec.StartedAt,
		EndedAt:    rec.EndedAt,
	}
}

// historyLimit reads the ?limit= query parameter, clamped to sane bounds.
func historyLimit(r *http.Request) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultHistoryLimit
	}
	if n > 1000 {
		return 1000
	}
	return n
}

func (s *Server) handleHistoryList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.history.List(r.Context(), historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing call history failed")
		return
	}
	out := make([]callRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistoryMissed(w http.ResponseWriter, r *http.Request) {
	recs, err := s.history.ListMissed(r.Context(), historyLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing missed calls failed")
		return
	}
	out := make([]callRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleHistoryStats returns per-direction totals and the missed count.
func (s *Server) handleHistoryStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	byDirection, err := s.history.CountByDirection(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting calls failed")
		return
	}
	missed, err := s.history.CountMissed(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "counting missed calls failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"by_direction": byDirection,
		"missed":       missed,
	})
}

func (s *Server) handleHistoryDelete(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return
	}
	if err := s.history.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting record failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
