// Package agent is the host-side executor: it subscribes to the action
// topics, walks every request through the guard chain, and runs what
// survives under the command allowlist. Every action — allowed, denied, or
// failed — leaves a paired intent/result in the vault.
package agent

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/capability"
	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/guard"
	"github.com/fieldlab/labplane/internal/vault"
)

// Agent is one host's executor, identified by (node_id, device_id, role).
type Agent struct {
	identity config.Identity
	platform string

	caps      *capability.Holder
	allowlist cmdpolicy.Allowlist
	vault     *vault.Client
	dedupe    *guard.Deduper
	limiter   *guard.RateLimiter

	frozen atomic.Bool // panic.freeze.agents
	quiet  atomic.Bool // ritual.quiet.mode

	claimPath string
	timeout   time.Duration
	logger    *log.Entry
}

// New builds an agent. The allowlist may be nil (no command actions run);
// the capability holder must not be.
func New(identity config.Identity, caps *capability.Holder, allowlist cmdpolicy.Allowlist,
	vaultClient *vault.Client, claimPath string, timeout time.Duration) *Agent {
	return &Agent{
		identity:  identity,
		platform:  DetectPlatform(),
		caps:      caps,
		allowlist: allowlist,
		vault:     vaultClient,
		dedupe:    guard.NewDeduper(guard.DedupeWindow),
		limiter:   guard.NewRateLimiter(guard.DefaultClassLimits(), guard.DefaultPerMinute),
		claimPath: claimPath,
		timeout:   timeout,
		logger: log.WithFields(log.Fields{
			"component": "agent",
			"node_id":   identity.NodeID,
			"role":      identity.Role,
		}),
	}
}

// DetectPlatform maps the build target to the scope platform names. The
// PLATFORM variable overrides detection for odd hosts.
func DetectPlatform() string {
	if p := strings.ToLower(config.Env("PLATFORM", "")); p != "" {
		return p
	}
	switch {
	case runtime.GOOS == "darwin":
		return actions.PlatformMac
	case runtime.GOOS == "linux" && (runtime.GOARCH == "arm" || runtime.GOARCH == "arm64"):
		return actions.PlatformPi
	default:
		return actions.PlatformLinux
	}
}

// Platform reports the detected platform.
func (a *Agent) Platform() string { return a.platform }

// Frozen reports the panic freeze flag.
func (a *Agent) Frozen() bool { return a.frozen.Load() }

// Quiet reports the scan-suppression flag.
func (a *Agent) Quiet() bool { return a.quiet.Load() }

// ReloadCapabilities swaps in a fresh capability descriptor (SIGHUP path).
func (a *Agent) ReloadCapabilities() { a.caps.Reload() }

// ============================================================================
// MESSAGE PIPELINE
// ============================================================================

// HandleMessage consumes one bus delivery. Requests arrive on both the
// god.button mirror and their class topic; the dedupe guard swallows the
// second copy silently — only genuinely replayed ids earn a denial event.
func (a *Agent) HandleMessage(ctx context.Context, topic string, data []byte) {
	var req envelope.Request
	if err := json.Unmarshal(data, &req); err != nil {
		a.logger.WithField("topic", topic).WithError(err).Debug("unreadable request, ignoring")
		return
	}
	if req.RequestID == "" || req.Action == "" {
		a.logger.WithField("topic", topic).Debug("request missing id or action, ignoring")
		return
	}

	if !a.shouldHandle(req.Scope, req.Target) {
		return
	}
	if a.dedupe.Seen(req.RequestID) {
		a.logger.WithField("request_id", req.RequestID).Debug("duplicate delivery, already handled")
		return
	}

	a.process(ctx, &req)
}

// shouldHandle implements the scope matrix.
func (a *Agent) shouldHandle(scope envelope.Scope, target string) bool {
	switch scope {
	case envelope.ScopeAll, "":
		return true
	case envelope.ScopeNode:
		return target == a.identity.NodeID
	case envelope.ScopeTier1:
		return a.identity.Role == "tier1"
	case envelope.ScopeMac:
		return a.platform == actions.PlatformMac
	case envelope.ScopePi:
		return a.platform == actions.PlatformPi
	default:
		return false
	}
}

// process walks one request through the remaining guards and executes it.
func (a *Agent) process(ctx context.Context, req *envelope.Request) {
	reqLog := a.logger.WithFields(log.Fields{"request_id": req.RequestID, "action": req.Action})

	def, ok := actions.Lookup(req.Action)
	if !ok {
		reqLog.Warn("action not allowlisted")
		a.denyResult(ctx, req, actions.Class(req.Action), "action not allowlisted: "+req.Action)
		return
	}

	if !a.limiter.Allow(def.Class) {
		reqLog.Warn("rate limit exceeded")
		a.denyResult(ctx, req, def.Family, "rate limit exceeded for "+def.Class)
		return
	}

	// Capability matrix: class, scope, and — for command actions — the tool.
	tool := ""
	if def.Kind == actions.KindCommand {
		if plan, err := actions.PlanFor(req, a.platform); err == nil {
			tool = actions.ToolAlias(plan)
		}
	}
	if err := a.caps.Current().Check(def.Class, req.Scope, tool); err != nil {
		reqLog.WithError(err).Warn("capability denied")
		a.capabilityDenied(ctx, req, def.Family, err.Error())
		return
	}

	// Mode gates.
	if a.frozen.Load() && def.Class != "panic" && req.Action != "ritual.wake.mode" {
		reqLog.Warn("agent frozen, action blocked")
		a.denyResult(ctx, req, def.Family, "agent frozen")
		return
	}
	if a.quiet.Load() && def.Class == "scan" {
		reqLog.Warn("quiet mode, scan blocked")
		a.denyResult(ctx, req, def.Family, "quiet mode active")
		return
	}

	a.execute(ctx, req, def)
}

// ============================================================================
// AUDIT HELPERS
// ============================================================================

// emit writes one event through the vault, logging (never masking) failures.
func (a *Agent) emit(ctx context.Context, eventType string, data map[string]interface{}) {
	data["node_id"] = a.identity.NodeID
	data["device_id"] = a.identity.DeviceID
	data["role"] = a.identity.Role
	if _, err := a.vault.Emit(ctx, eventType, a.identity.NodeID, data); err != nil {
		a.logger.WithField("type", eventType).WithError(err).Warn("audit event not stored")
	}
}

// intentResult writes the paired family intent before fn runs and the family
// result after, mirrored by the action-agnostic agent.exec pair.
func (a *Agent) intentResult(ctx context.Context, req *envelope.Request, family string,
	fn func() map[string]interface{}) {
	intent := map[string]interface{}{"request_id": req.RequestID, "action": req.Action}
	a.emit(ctx, envelope.NodeIntent(family), copyMap(intent))
	a.emit(ctx, envelope.TypeExecIntent, copyMap(intent))

	result := fn()
	result["request_id"] = req.RequestID
	result["action"] = req.Action
	a.emit(ctx, envelope.NodeResult(family), copyMap(result))
	a.emit(ctx, envelope.TypeExecResult, result)
}

// denyResult records a guard refusal as a failed family result.
func (a *Agent) denyResult(ctx context.Context, req *envelope.Request, family, reason string) {
	a.intentResult(ctx, req, family, func() map[string]interface{} {
		return map[string]interface{}{"ok": false, "denied_reason": reason}
	})
}

// capabilityDenied emits the dedicated denial event plus the failed result.
func (a *Agent) capabilityDenied(ctx context.Context, req *envelope.Request, family, reason string) {
	a.emit(ctx, envelope.TypeCapabilityDenied, map[string]interface{}{
		"request_id":    req.RequestID,
		"action":        req.Action,
		"denied_reason": reason,
	})
	a.emit(ctx, envelope.NodeResult(family), map[string]interface{}{
		"request_id":    req.RequestID,
		"action":        req.Action,
		"ok":            false,
		"denied_reason": reason,
	})
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
