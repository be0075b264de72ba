package api

import (
	"encoding/json"
	"net/http"

	"github.com/krishvios/signvios/internal/core"
	"github.com/krishvios/signvios/internal/database/models"
)

// propertyResponse is the JSON shape of one persisted property.
type propertyResponse struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
	Scope string `json:"scope"`
}

// propertyWriteRequest is one entry in the PUT /properties batch.
type propertyWriteRequest struct {
	Key   string `json:"key"`
	Type  string `json:"type"`
	Value string `json:"value"`
	Scope string `json:"scope"`
}

func (s *Server) handlePropertiesList(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = models.ScopeSystem
	}
	props, err := s.properties.List(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing properties failed")
		return
	}
	out := make([]propertyResponse, 0, len(props))
	for _, p := range props {
		out = append(out, propertyResponse{Key: p.Key, Type: p.Type, Value: p.Value, Scope: p.Scope})
	}
	writeJSON(w, http.StatusOK, out)
}

// handlePropertiesApply persists a batch of property writes and runs the
// bound reconfiguration handlers once per changed key.
func (s *Server) handlePropertiesApply(w http.ResponseWriter, r *http.Request) {
	var reqs []propertyWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&reqs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(reqs) == 0 {
		writeError(w, http.StatusBadRequest, "empty property batch")
		return
	}

	writes := make([]core.PropertyWrite, 0, len(reqs))
	for _, pr := range reqs {
		if msg := validatePropertyKey(pr.Key); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		writes = append(writes, core.PropertyWrite{
			Key:   pr.Key,
			Type:  pr.Type,
			Value: pr.Value,
			Scope: pr.Scope,
		})
	}

	if err := s.ctrl.ApplyProperties(writes); err != nil {
		writeError(w, http.StatusInternalServerError, "applying properties failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(writes)})
}
