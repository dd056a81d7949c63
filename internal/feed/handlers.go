package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/alias"
	"github.com/fieldlab/labplane/internal/fault"
)

const readinessInterval = 30 * time.Second

// Service wires the engine into the HTTP surface with cached readiness.
type Service struct {
	engine  *Engine
	aliases *alias.Maps

	mu           sync.RWMutex
	ready        bool
	lastListing  time.Time
	lastDayCount int
	lastErr      string

	metrics *serviceMetrics
	logger  *log.Entry
}

type serviceMetrics struct {
	queries   *prometheus.CounterVec
	malformed prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *serviceMetrics
)

// feedMetrics registers on the default registry once per process; the
// registry rejects duplicates.
func feedMetrics() *serviceMetrics {
	metricsOnce.Do(func() {
		metrics = &serviceMetrics{
			queries: promauto.NewCounterVec(prometheus.CounterOpts{
				Namespace: "labplane", Subsystem: "feed", Name: "queries_total",
				Help: "Feed queries by endpoint and outcome.",
			}, []string{"endpoint", "outcome"}),
			malformed: promauto.NewCounter(prometheus.CounterOpts{
				Namespace: "labplane", Subsystem: "feed", Name: "malformed_lines_skipped_total",
				Help: "NDJSON lines skipped because they failed to parse.",
			}),
		}
	})
	return metrics
}

// NewService builds the feed service and starts the readiness refresher.
func NewService(ctx context.Context, engine *Engine, aliases *alias.Maps) *Service {
	s := &Service{
		engine:  engine,
		aliases: aliases,
		metrics: feedMetrics(),
		logger:  log.WithField("component", "feed"),
	}
	s.refreshReadiness(ctx)
	go s.readinessLoop(ctx)
	return s
}

// Routes registers the feed endpoints.
func (s *Service) Routes(r *mux.Router) {
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/trace", s.handleTrace).Methods(http.MethodGet)
	r.HandleFunc("/nodes", s.handleNodes).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := EventsQuery{
		Limit:      intParam(r, "limit", 0),
		SinceMs:    int64Param(r, "since_ms", 0),
		TypePrefix: r.URL.Query().Get("typePrefix"),
		Src:        r.URL.Query().Get("src"),
	}
	res, err := s.engine.Events(r.Context(), q)
	if err != nil {
		s.metrics.queries.WithLabelValues("events", "error").Inc()
		writeError(w, err)
		return
	}
	s.metrics.queries.WithLabelValues("events", "ok").Inc()
	s.metrics.malformed.Add(float64(res.Malformed))
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleTrace(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("request_id")
	if requestID == "" {
		writeError(w, fault.Coded(fault.BadRequest, "missing_request_id", "request_id is required"))
		return
	}
	res, err := s.engine.Trace(r.Context(), requestID,
		int64Param(r, "since_ms", 0), intParam(r, "limit", 0), intParam(r, "scan_limit", 0))
	if err != nil {
		s.metrics.queries.WithLabelValues("trace", "error").Inc()
		writeError(w, err)
		return
	}
	s.metrics.queries.WithLabelValues("trace", "ok").Inc()
	s.metrics.malformed.Add(float64(res.Malformed))
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) handleNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.engine.Nodes(r.Context(), intParam(r, "window_s", 0))
	if err != nil {
		s.metrics.queries.WithLabelValues("nodes", "error").Inc()
		writeError(w, err)
		return
	}
	if s.aliases != nil {
		for i := range nodes {
			nodes[i].Alias = s.aliases.Resolve(nodes[i].Src)
		}
	}
	s.metrics.queries.WithLabelValues("nodes", "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "count": len(nodes)})
}

// ============================================================================
// READINESS
// ============================================================================

// readinessLoop refreshes the cached day-dir listing so /ready answers
// instantly without touching the (possibly remote) store per probe.
func (s *Service) readinessLoop(ctx context.Context) {
	ticker := time.NewTicker(readinessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.refreshReadiness(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) refreshReadiness(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	days, err := s.engine.Reader().Days(listCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.ready = false
		s.lastErr = err.Error()
		s.logger.WithError(err).Warn("readiness listing failed")
		return
	}
	s.ready = true
	s.lastErr = ""
	s.lastListing = time.Now()
	s.lastDayCount = len(days)
}

func (s *Service) handleReady(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status := http.StatusOK
	if !s.ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":           s.ready,
		"last_listing_ms": s.lastListing.UnixMilli(),
		"days":            s.lastDayCount,
		"error":           s.lastErr,
	})
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":              true,
		"mode":            s.engine.Reader().Mode(),
		"ready":           s.ready,
		"last_listing_ms": s.lastListing.UnixMilli(),
	})
}

// ============================================================================
// SMALL HELPERS
// ============================================================================

func intParam(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func int64Param(r *http.Request, key string, def int64) int64 {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
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
		"error": err.Error(),
	})
}
