// Package router is the God Gateway: one operator gesture in, one audited
// dispatch out. The pipeline order is load-bearing — normalize, dedupe,
// allowlist, rate limit, vault-first intent, publish, result — and nothing
// is ever published before its intent is durable.
package router

import (
	"context"
	"encoding/json"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/bus"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
	"github.com/fieldlab/labplane/internal/guard"
	"github.com/fieldlab/labplane/internal/vault"
)

// Outcome states, mirrored into audit records.
const (
	StateAccepted  = "accepted"
	StateDenied    = "denied"
	StatePublished = "published"
	StateFailed    = "failed"
)

// Response is the router's answer to one request.
type Response struct {
	OK          bool                   `json:"ok"`
	RequestID   string                 `json:"request_id,omitempty"`
	State       string                 `json:"state"`
	Result      map[string]interface{} `json:"result,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Kind        string                 `json:"kind,omitempty"`
	RoutedTopic string                 `json:"routed_topic,omitempty"`
}

// Router runs the dispatch pipeline.
type Router struct {
	src     string
	vault   *vault.Client
	pub     bus.Publisher
	dedupe  *guard.Deduper
	limiter *guard.RateLimiter
	metrics *Metrics
	logger  *log.Entry
}

// New builds a router with the fixed per-class limits.
func New(src string, vaultClient *vault.Client, pub bus.Publisher) *Router {
	return &Router{
		src:     src,
		vault:   vaultClient,
		pub:     pub,
		dedupe:  guard.NewDeduper(guard.DedupeWindow),
		limiter: guard.NewRateLimiter(guard.DefaultClassLimits(), guard.DefaultPerMinute),
		metrics: NewMetrics(),
		logger:  log.WithField("component", "router"),
	}
}

// Dispatch runs the full pipeline for one request.
func (rt *Router) Dispatch(ctx context.Context, req *envelope.Request) Response {
	// 1. Normalize. Structural failures never reach the audit log: there is
	// no trustworthy request_id to hang a denial on yet.
	if err := req.Normalize(); err != nil {
		rt.metrics.Denied.WithLabelValues("bad_request").Inc()
		return errorResponse(req.RequestID, StateDenied, err)
	}
	reqLog := rt.logger.WithFields(log.Fields{"request_id": req.RequestID, "action": req.Action})

	// 2. Dedupe.
	if rt.dedupe.Seen(req.RequestID) {
		err := fault.New(fault.Duplicate, "duplicate request_id")
		rt.deny(ctx, req, "duplicate request_id")
		rt.metrics.Denied.WithLabelValues("duplicate").Inc()
		reqLog.Warn("duplicate request_id")
		return errorResponse(req.RequestID, StateDenied, err)
	}

	// 3. Allowlist.
	if !actions.IsAllowed(req.Action) {
		err := fault.New(fault.NotAllowlisted, "action not allowlisted: %s", req.Action)
		rt.deny(ctx, req, "action not allowlisted")
		rt.metrics.Denied.WithLabelValues("not_allowlisted").Inc()
		reqLog.Warn("action not allowlisted")
		return errorResponse(req.RequestID, StateDenied, err)
	}
	def, _ := actions.Lookup(req.Action)

	// 4. Rate limit.
	if !rt.limiter.Allow(def.Class) {
		err := fault.New(fault.RateLimited, "rate limit exceeded for %s", def.Class)
		rt.deny(ctx, req, "rate limit exceeded for "+def.Class)
		rt.metrics.Denied.WithLabelValues("rate_limited").Inc()
		return errorResponse(req.RequestID, StateDenied, err)
	}

	// 5. Vault-first intent. Failure here stops everything: no publication
	// may precede a durable intent.
	if _, err := rt.vault.Emit(ctx, envelope.TypeGodIntent, rt.src, map[string]interface{}{
		"request_id": req.RequestID,
		"request":    req.Map(),
	}); err != nil {
		rt.metrics.Failed.Inc()
		reqLog.WithError(err).Error("vault-first intent failed, nothing published")
		return errorResponse(req.RequestID, StateFailed, err)
	}

	// Dry-run: audited like the real thing, published like nothing.
	if req.DryRun() {
		rt.audit(ctx, req, map[string]interface{}{
			"ok":             true,
			"dry_run":        true,
			"result_summary": "dry-run accepted, not published",
		})
		rt.metrics.Dispatched.WithLabelValues(def.Class, "dry_run").Inc()
		reqLog.Info("dry-run accepted")
		return Response{
			OK:        true,
			RequestID: req.RequestID,
			State:     StateAccepted,
			Result:    map[string]interface{}{"dry_run": true, "ok": true},
		}
	}

	// 6. Publish to the mirror topic and the class topic.
	payload, err := json.Marshal(req)
	if err != nil {
		rt.metrics.Failed.Inc()
		return errorResponse(req.RequestID, StateFailed, fault.Wrap(fault.Internal, err, "marshal request"))
	}
	if err := rt.publish(ctx, def.Topic, payload); err != nil {
		rt.audit(ctx, req, map[string]interface{}{
			"ok":             false,
			"result_summary": "publish failed: " + err.Error(),
			"routed_topic":   def.Topic,
		})
		rt.metrics.Failed.Inc()
		reqLog.WithError(err).Error("publish failed")
		return errorResponse(req.RequestID, StateFailed, err)
	}

	// 7. Result audit.
	rt.audit(ctx, req, map[string]interface{}{
		"ok":             true,
		"result_summary": "published",
		"routed_topic":   def.Topic,
	})
	rt.metrics.Dispatched.WithLabelValues(def.Class, "published").Inc()
	reqLog.WithField("topic", def.Topic).Info("dispatched")
	return Response{
		OK:          true,
		RequestID:   req.RequestID,
		State:       StatePublished,
		RoutedTopic: def.Topic,
	}
}

// publish sends to god.button and the class topic, retrying transient
// publish errors a few times before giving up.
func (rt *Router) publish(ctx context.Context, topic string, payload []byte) error {
	var err error
	for _, t := range []string{actions.TopicGodButton, topic} {
		if err = retryPublish(ctx, rt.pub, t, payload); err != nil {
			return err
		}
	}
	return nil
}

const publishRetries = 3

func retryPublish(ctx context.Context, pub bus.Publisher, topic string, payload []byte) error {
	var err error
	for attempt := 1; attempt <= publishRetries; attempt++ {
		if err = pub.Publish(topic, payload); err == nil {
			return nil
		}
		if !fault.Retryable(err) || attempt == publishRetries {
			return err
		}
		if !guard.Backoff(ctx, attempt) {
			return fault.Wrap(fault.TransientIO, ctx.Err(), "publish canceled")
		}
	}
	return err
}

// deny writes the control.god_button.denied audit record. Denial events are
// best-effort: a vault outage must not mask the denial response itself.
func (rt *Router) deny(ctx context.Context, req *envelope.Request, reason string) {
	if _, err := rt.vault.Emit(ctx, envelope.TypeGodDenied, rt.src, map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"reason":     reason,
	}); err != nil {
		rt.logger.WithError(err).Warn("denied event not stored")
	}
}

func (rt *Router) audit(ctx context.Context, req *envelope.Request, data map[string]interface{}) {
	data["request_id"] = req.RequestID
	data["action"] = req.Action
	if _, err := rt.vault.Emit(ctx, envelope.TypeGodResult, rt.src, data); err != nil {
		rt.logger.WithError(err).Warn("result event not stored")
	}
}

func errorResponse(requestID, state string, err error) Response {
	return Response{
		OK:        false,
		RequestID: requestID,
		State:     state,
		Error:     err.Error(),
		Kind:      string(fault.KindOf(err)),
	}
}
