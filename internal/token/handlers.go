package token

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/fault"
)

// Service wires the issuer and the plane probe into HTTP handlers.
type Service struct {
	issuer *Issuer
	probe  *PlaneProbe
}

// NewService builds the token service.
func NewService(issuer *Issuer, probe *PlaneProbe) *Service {
	return &Service{issuer: issuer, probe: probe}
}

// Routes registers /token and /health.
func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Identity string `json:"identity"`
		Room     string `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fault.Wrap(fault.BadRequest, err, "decode token request"))
		return
	}
	tok, expires, err := s.issuer.Issue(req.Identity, req.Room)
	if err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{"component": "token", "identity": req.Identity, "room": req.Room}).
		Debug("token issued")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":         tok,
		"expires_at_ms": expires.UnixMilli(),
		"room":          req.Room,
		"identity":      req.Identity,
	})
}

// handleHealth fails closed: a token issuer in front of a dead messaging
// plane answers 503 so clients do not dial a room nobody serves.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	reachable := s.probe.Reachable(r.Context())
	status := http.StatusOK
	if !reachable {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ok":              reachable,
		"plane_reachable": reachable,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := fault.KindOf(err)
	writeJSON(w, fault.HTTPStatus(kind), map[string]interface{}{
		"ok":    false,
		"kind":  string(kind),
		"code":  fault.CodeOf(err),
		"error": err.Error(),
	})
}
