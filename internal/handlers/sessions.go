package handlers

import (
	"net/http"

	"github.com/gluk-w/sshbridge/internal/bridge"
	"github.com/go-chi/chi/v5"
)

// Sessions is set from main.go during init.
var Sessions *bridge.Tracker

type sessionDetail struct {
	bridge.Status
	Transitions []bridge.StateTransition `json:"transitions"`
}

// ListSessions returns live sessions followed by recently closed ones.
// GET /api/v1/sessions
func ListSessions(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session tracker not initialized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   Sessions.ActiveCount(),
		"sessions": Sessions.List(),
	})
}

// GetSession returns one session and its state transitions.
// GET /api/v1/sessions/{sessionId}
func GetSession(w http.ResponseWriter, r *http.Request) {
	if Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "Session tracker not initialized")
		return
	}
	st, transitions, ok := Sessions.Get(chi.URLParam(r, "sessionId"))
	if !ok {
		writeError(w, http.StatusNotFound, "Session not found")
		return
	}
	if transitions == nil {
		transitions = []bridge.StateTransition{}
	}
	writeJSON(w, http.StatusOK, sessionDetail{Status: st, Transitions: transitions})
}
