package web

import (
	"encoding/json"
	"net/http"
	"strconv"
)

func writeJSON(w http.ResponseWriter, controller AppController, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		controller.Logger().LogError("Web: failed to encode response: %v", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// healthHandler answers liveness checks.
func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}
}

// statusHandler reports the state of every registered account.
func statusHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, controller, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		writeJSON(w, controller, http.StatusOK, controller.StatusReport())
	}
}

// stopHandler asks every strategy to stop opening new positions. Positions
// already being monitored run to completion.
func stopHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(w, controller, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		summary := controller.StopTrading()
		controller.Logger().LogWarn("Web: stop requested. %d strategies stopped, %d mid-trade.", summary.Total, summary.MidTrade)
		writeJSON(w, controller, http.StatusOK, summary)
	}
}

// sessionsHandler lists the most recent finished sessions.
func sessionsHandler(controller AppController) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeJSON(w, controller, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
			return
		}
		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 500 {
				writeJSON(w, controller, http.StatusBadRequest, errorResponse{Error: "limit must be an integer between 1 and 500"})
				return
			}
			limit = parsed
		}
		sessions, err := controller.RecentSessions(limit)
		if err != nil {
			writeJSON(w, controller, http.StatusInternalServerError, errorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, controller, http.StatusOK, sessions)
	}
}
