package envelope

import (
	"strings"

	"github.com/google/uuid"

	"github.com/fieldlab/labplane/internal/fault"
)

// ============================================================================
// SCOPES
// ============================================================================

// Scope names the intended recipient set for a request.
type Scope string

const (
	ScopeAll   Scope = "all"
	ScopeNode  Scope = "node"
	ScopeTier1 Scope = "tier1"
	ScopeMac   Scope = "mac"
	ScopePi    Scope = "pi"
)

// ValidScope reports membership in the closed scope set.
func ValidScope(s Scope) bool {
	switch s {
	case ScopeAll, ScopeNode, ScopeTier1, ScopeMac, ScopePi:
		return true
	}
	return false
}

// ============================================================================
// OPERATOR REQUEST
// ============================================================================

// Request is one operator gesture as accepted by the router and propagated
// unchanged to every agent. Args carries action-specific parameters; the one
// universal flag is dry_run.
type Request struct {
	RequestID string                 `json:"request_id"`
	Action    string                 `json:"action"`
	Scope     Scope                  `json:"scope,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	TsMs      int64                  `json:"ts_ms,omitempty"`

	// Op is the legacy operator shortcut field, translated by Normalize.
	Op string `json:"op,omitempty"`
}

// Legacy operator shortcuts kept for old station builds.
var legacyOps = map[string]string{
	"whoami": "ritual.rollcall",
	"panic":  "panic.freeze.agents",
}

// Normalize fills defaults and translates legacy shortcuts in place, then
// checks the structural rules that do not need the allowlist: a request id
// is generated when absent, scope defaults to all, and scope=node demands a
// target. Allowlist membership is the router's next stage, not ours.
func (r *Request) Normalize() error {
	if r.Op != "" && r.Action == "" {
		if action, ok := legacyOps[r.Op]; ok {
			r.Action = action
		}
		r.Op = ""
	}
	if strings.TrimSpace(r.Action) == "" {
		return fault.Coded(fault.BadRequest, "missing_action", "request field 'action' is required")
	}
	if r.RequestID == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Scope == "" {
		r.Scope = ScopeAll
	}
	if !ValidScope(r.Scope) {
		return fault.Coded(fault.BadRequest, "bad_scope", "unknown scope %q", r.Scope)
	}
	if r.Scope == ScopeNode && strings.TrimSpace(r.Target) == "" {
		return fault.Coded(fault.BadRequest, "missing_target", "scope=node requires a target")
	}
	if r.TsMs == 0 {
		r.TsMs = NowMs()
	}
	return nil
}

// Class returns the capability class: the first dotted segment of the action.
func (r *Request) Class() string {
	if i := strings.IndexByte(r.Action, '.'); i > 0 {
		return r.Action[:i]
	}
	return r.Action
}

// DryRun reports the universal args.dry_run flag.
func (r *Request) DryRun() bool {
	if r.Args == nil {
		return false
	}
	v, ok := r.Args["dry_run"].(bool)
	return ok && v
}

// Map renders the request as loose envelope data.
func (r *Request) Map() map[string]interface{} {
	m := map[string]interface{}{
		"request_id": r.RequestID,
		"action":     r.Action,
		"scope":      string(r.Scope),
		"ts_ms":      r.TsMs,
	}
	if r.Target != "" {
		m["target"] = r.Target
	}
	if r.Reason != "" {
		m["reason"] = r.Reason
	}
	if len(r.Args) > 0 {
		m["args"] = r.Args
	}
	return m
}
