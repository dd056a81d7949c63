package router

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// Routes registers the gateway endpoints.
func (rt *Router) Routes(r *mux.Router) {
	r.HandleFunc("/god", rt.handleGod).Methods(http.MethodPost)
	r.HandleFunc("/health", rt.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (rt *Router) handleGod(w http.ResponseWriter, r *http.Request) {
	var req envelope.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, Response{
			OK:    false,
			State: StateDenied,
			Error: "request body is not valid JSON: " + err.Error(),
			Kind:  string(fault.BadRequest),
		})
		return
	}

	resp := rt.Dispatch(r.Context(), &req)
	status := http.StatusOK
	if !resp.OK {
		status = fault.HTTPStatus(fault.Kind(resp.Kind))
	}
	writeJSON(w, status, resp)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"vault_url":   rt.vault.URL(),
		"rate_limits": rt.limiter.Stats(),
		"dedupe_hot":  rt.dedupe.Len(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
