// Package ingest is the vault sink: it validates envelopes, appends them to
// the event store, and derives BLE identity events from observations. The
// original event is the contract — derivation is best-effort and its failure
// never rolls an accepted envelope back.
package ingest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/bleid"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/eventstore"
	"github.com/fieldlab/labplane/internal/fault"
)

// Service is the vault ingest surface.
type Service struct {
	store    *eventstore.Store
	registry *bleid.Registry // nil when BLE identity is inactive
	bleErr   string          // init failure, reported on /health
	src      string
	metrics  *Metrics
	logger   *log.Entry
}

// NewService builds the service. A nil registry deactivates BLE derivation;
// bleErr carries the reason for the health surface.
func NewService(store *eventstore.Store, registry *bleid.Registry, bleErr, src string) *Service {
	return &Service{
		store:    store,
		registry: registry,
		bleErr:   bleErr,
		src:      src,
		metrics:  NewMetrics(),
		logger:   log.WithField("component", "ingest"),
	}
}

// Routes registers the ingest endpoints.
func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/v1/ingest", s.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Service) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev envelope.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		s.reject(w, fault.Coded(fault.BadRequest, "bad_json", "envelope is not valid JSON: %v", err))
		return
	}
	if err := ev.Validate(); err != nil {
		s.reject(w, err)
		return
	}

	path, err := s.store.Append(ev)
	if err != nil {
		s.metrics.AppendErr.Inc()
		s.logger.WithError(err).Error("append failed")
		s.reject(w, err)
		return
	}
	s.metrics.Accepted.WithLabelValues(typePrefix(ev.Type)).Inc()

	derived := 0
	if s.registry != nil && isObservation(ev.Type) {
		derived = s.derive(ev)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"stored":  true,
		"path":    path,
		"derived": derived,
	})
}

// derive runs the observation through the BLE registry and appends whatever
// identity events come out. Failures are logged, counted, and swallowed: the
// original event is already durable.
func (s *Service) derive(ev envelope.Event) int {
	obs, err := bleid.ParseObservation(ev.Data)
	if err != nil {
		s.logger.WithError(err).Debug("observation unparseable, skipping derivation")
		return 0
	}
	if obs.TsMs == 0 {
		obs.TsMs = ev.TsMs
	}
	outcome, err := s.registry.Process(obs)
	if err != nil {
		s.logger.WithError(err).Warn("ble derivation failed")
		return 0
	}

	derived := 0
	seen := envelope.New(envelope.TypeDeviceSeen, s.src, map[string]interface{}{
		"device_id":  outcome.Seen.DeviceID,
		"confidence": outcome.Seen.Confidence,
		"candidate":  outcome.Seen.Candidate,
		"fp_stable":  outcome.Seen.FpStable,
		"fp_addr":    outcome.Seen.FpAddr,
		"scanner_id": obs.ScannerID,
	})
	if _, err := s.store.Append(seen); err != nil {
		s.logger.WithError(err).Warn("append ble.device.seen failed")
	} else {
		derived++
	}

	if outcome.Merged != nil {
		merged := envelope.New(envelope.TypeDeviceMerged, s.src, map[string]interface{}{
			"from":   outcome.Merged.From,
			"to":     outcome.Merged.To,
			"reason": outcome.Merged.Reason,
		})
		if _, err := s.store.Append(merged); err != nil {
			s.logger.WithError(err).Warn("append ble.device.merged failed")
		} else {
			derived++
		}
	}
	s.metrics.Derived.Add(float64(derived))
	return derived
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"ok":           true,
		"store_root":   s.store.Root(),
		"ble_registry": s.registry != nil,
	}
	if s.bleErr != "" {
		body["ble_init_error"] = s.bleErr
	}
	if s.registry != nil {
		if devices, fps, err := s.registry.Stats(); err == nil {
			body["ble_devices"] = devices
			body["ble_fingerprints"] = fps
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Service) reject(w http.ResponseWriter, err error) {
	code := fault.CodeOf(err)
	if code == "" {
		code = string(fault.KindOf(err))
	}
	s.metrics.Rejected.WithLabelValues(code).Inc()
	writeJSON(w, fault.HTTPStatus(fault.KindOf(err)), map[string]interface{}{
		"ok":     false,
		"stored": false,
		"kind":   string(fault.KindOf(err)),
		"code":   fault.CodeOf(err),
		"error":  err.Error(),
	})
}

// isObservation matches ble.observation and any ble.observation.* subtype.
func isObservation(eventType string) bool {
	return eventType == envelope.TypeBLEObservation ||
		strings.HasPrefix(eventType, envelope.TypeBLEObservation+".")
}

func typePrefix(eventType string) string {
	if i := strings.IndexByte(eventType, '.'); i > 0 {
		return eventType[:i]
	}
	return eventType
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
