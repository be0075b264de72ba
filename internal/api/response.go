package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope wraps every JSON response the daemon serves:
// { "data": ..., "error": ... }. Call and history payloads ride in data;
// error carries the diagnostic text on failures.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("encoding response envelope", "error", err)
	}
}

// writeJSON responds with a success envelope around the payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Data: data})
}

// writeError responds with an error envelope. The message is what the
// videophone application shows, so handlers pass user-readable text.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeEnvelope(w, status, envelope{Error: msg})
}
