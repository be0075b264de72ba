package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/krishvios/signvios/internal/call"
	"github.com/krishvios/signvios/internal/core"
)

// dialRequest is the shape accepted by POST /calls/dial.
type dialRequest struct {
	DialString    string `json:"dial_string"`
	Method        string `json:"method"`
	CallListName  string `json:"call_list_name"`
	FromName      string `json:"from_name"`
	RelayLanguage string `json:"relay_language"`
	DialSource    string `json:"dial_source"`
	Encryption    bool   `json:"encryption"`
	// ReportMethod requests a dial-method-determined event before the
	// call proceeds, so the client can confirm or abandon it.
	ReportMethod bool `json:"report_method"`
}

// sessionResponse is the JSON shape of one call session.
type sessionResponse struct {
	ID             uint64    `json:"id"`
	Direction      string    `json:"direction"`
	State          string    `json:"state"`
	Method         string    `json:"method"`
	DialString     string    `json:"dial_string"`
	TransferTarget string    `json:"transfer_target,omitempty"`
	CallListName   string    `json:"call_list_name,omitempty"`
	FromName       string    `json:"from_name,omitempty"`
	RelayLanguage  string    `json:"relay_language,omitempty"`
	Result         string    `json:"result"`
	Encryption     bool      `json:"encryption"`
	SignMailOk     bool      `json:"signmail_available"`
	StartedAt      time.Time `json:"started_at"`
}

func sessionToResponse(s *call.Session) sessionResponse {
	return sessionResponse{
		ID:             s.ID,
		Direction:      s.Direction.String(),
		State:          s.State.String(),
		Method:         s.Method.String(),
		DialString:     s.DialString,
		TransferTarget: s.TransferDialString,
		CallListName:   s.CallListName,
		FromName:       s.FromName,
		RelayLanguage:  s.RelayLanguage,
		Result:         s.Result.String(),
		Encryption:     s.Encryption,
		SignMailOk:     s.SignMail.MaxRings > 0 && !s.SignMail.MailboxFull,
		StartedAt:      s.StartedAt,
	}
}

// handleDial starts an outgoing call. Classification failures map to 4xx;
// resolution failures arrive later as events.
func (s *Server) handleDial(w http.ResponseWriter, r *http.Request) {
	var req dialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateDialString(req.DialString); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	method, err := call.ParseDialMethod(req.Method)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.ctrl.Dial(core.DialOptions{
		DialString:       req.DialString,
		Method:           method,
		CallListName:     req.CallListName,
		FromNameOverride: req.FromName,
		RelayLanguage:    req.RelayLanguage,
		DialSource:       req.DialSource,
		Encryption:       req.Encryption,
		ReportDialMethod: req.ReportMethod,
	})
	if err != nil {
		writeError(w, dialStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]uint64{"call_id": id})
}

// dialStatus maps call-control errors to HTTP status codes.
func dialStatus(err error) int {
	switch core.KindOf(err) {
	case core.KindNone:
		return http.StatusInternalServerError
	case core.KindAlreadyActive:
		return http.StatusConflict
	case core.KindRequestTimedOut:
		return http.StatusGatewayTimeout
	case core.KindRemoteSystemUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusUnprocessableEntity
	}
}

// handleActiveCalls lists every session the conference layer tracks.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.ctrl.Calls()
	out := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionToResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleLastDialed(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"dial_string": s.ctrl.LastDialed()})
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id, ok := callIDParam(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.HangUp(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "hanging up"})
}

// handleContinueDial resumes a call parked on a dial-method or redirect
// decision.
func (s *Server) handleContinueDial(w http.ResponseWriter, r *http.Request) {
	id, ok := callIDParam(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.ContinueDial(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "dialing"})
}

// callIDParam parses the {id} route parameter, writing a 400 on failure.
func callIDParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid call id")
		return 0, false
	}
	return id, true
}

// errStatus maps a call-control error to an HTTP status, defaulting to 409
// for workflow-state conflicts.
func errStatus(err error) int {
	var cerr *core.Error
	if !errors.As(err, &cerr) {
		return http.StatusInternalServerError
	}
	switch cerr.Kind {
	case core.KindMailboxFull, core.KindDirectSignMailUnavailable:
		return http.StatusUnprocessableEntity
	case core.KindDirectoryFindFailed:
		return http.StatusNotFound
	default:
		return http.StatusConflict
	}
}
