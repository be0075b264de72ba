package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/krishvios/signvios/internal/api/middleware"
	"github.com/krishvios/signvios/internal/database"
)

// loginRequest is the shape accepted by POST /auth/login.
type loginRequest struct {
	PhoneNumber string `json:"phone_number"`
	PIN         string `json:"pin"`
}

// loginResponse carries the bearer token the client uses from then on.
type loginResponse struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expires_at"`
	PhoneNumber string    `json:"phone_number"`
	DisplayName string    `json:"display_name"`
}

// handleLogin authenticates the local account with its PIN and issues a
// JWT. Failures are indistinguishable to the caller so the endpoint does
// not leak which part was wrong.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validatePIN(req.PIN); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	acct, err := s.accounts.GetByPhoneNumber(r.Context(), req.PhoneNumber)
	if err != nil || acct == nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	ok, err := database.CheckPIN(req.PIN, acct.PINHash)
	if err != nil || !ok {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, acct.ID, acct.PhoneNumber)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "issuing token failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:       token,
		ExpiresAt:   expiresAt,
		PhoneNumber: acct.PhoneNumber,
		DisplayName: acct.DisplayName,
	})
}

// handleMe returns the authenticated account.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	acct, err := s.accounts.Get(r.Context())
	if err != nil || acct == nil {
		writeError(w, http.StatusNotFound, "no account provisioned")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           acct.ID,
		"phone_number": acct.PhoneNumber,
		"display_name": acct.DisplayName,
		"ported":       acct.Ported,
	})
}

// portBackRequest is the shape accepted by POST /auth/port-back.
type portBackRequest struct {
	PIN string `json:"pin"`
}

// handlePortBack reclaims a number that was ported to another endpoint.
// The backend confirms the PIN before the local account is restored.
func (s *Server) handlePortBack(w http.ResponseWriter, r *http.Request) {
	var req portBackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validatePIN(req.PIN); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.ctrl.PortBackLogin(r.Context(), req.PIN); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "port-back requested"})
}
