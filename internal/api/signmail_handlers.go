package api

import (
	"encoding/json"
	"net/http"
)

// handleLeaveMessage starts the leave-message workflow on a call: the
// callee's greeting plays, then recording begins once the backend hands
// out an upload target.
func (s *Server) handleLeaveMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := callIDParam(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.LeaveMessage(id); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "leaving message"})
}

// captionRequest is the shape accepted by POST /signmail/captions.
type captionRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleAddCaption(w http.ResponseWriter, r *http.Request) {
	var req captionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if msg := validateCaption(req.Text); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.ctrl.AddCaption(req.Text); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "caption added"})
}

// handleSkipGreeting cuts the greeting short and moves straight to the
// upload-target handshake.
func (s *Server) handleSkipGreeting(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SkipGreeting(); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "greeting skipped"})
}

func (s *Server) handleFinishRecording(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.FinishRecording(); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleSendMessage delivers the recorded message to the callee's mailbox.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.SendRecordedMessage(); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

// handleDeleteMessage discards the recorded message instead of sending it.
func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.DeleteRecordedMessage(); err != nil {
		writeError(w, errStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
