package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/krishvios/signvios/internal/database/models"
)

// ringGroupMemberResponse is the JSON shape of one shared-endpoint member.
type ringGroupMemberResponse struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Number      string `json:"number"`
	Position    int    `json:"position"`
}

// ringGroupMemberRequest is the shape accepted by POST /ring-group.
type ringGroupMemberRequest struct {
	Description string `json:"description"`
	Number      string `json:"number"`
	Position    int    `json:"position"`
}

func (s *Server) handleRingGroupList(w http.ResponseWriter, r *http.Request) {
	members, err := s.ringGroups.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing ring group failed")
		return
	}
	out := make([]ringGroupMemberResponse, 0, len(members))
	for _, m := range members {
		out = append(out, ringGroupMemberResponse{
			ID:          m.ID,
			Description: m.Description,
			Number:      m.Number,
			Position:    m.Position,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleRingGroupAdd registers a number that shares this endpoint, with
// the human description it can be dialed by.
func (s *Server) handleRingGroupAdd(w http.ResponseWriter, r *http.Request) {
	var req ringGroupMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateRequiredStringLen("description", req.Description, maxNameLen); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := validatePhoneNumber("number", req.Number); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	m := &models.RingGroupMember{
		Description: req.Description,
		Number:      req.Number,
		Position:    req.Position,
	}
	if err := s.ringGroups.Add(r.Context(), m); err != nil {
		writeError(w, http.StatusInternalServerError, "adding ring group member failed")
		return
	}
	writeJSON(w, http.StatusCreated, ringGroupMemberResponse{
		ID:          m.ID,
		Description: m.Description,
		Number:      m.Number,
		Position:    m.Position,
	})
}

func (s *Server) handleRingGroupDelete(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid member id")
		return
	}
	if err := s.ringGroups.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "deleting ring group member failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
