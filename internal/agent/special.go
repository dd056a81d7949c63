package agent

import (
	"context"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/snapshot"
)

// runSpecial realizes the actions that never shell out.
func (a *Agent) runSpecial(ctx context.Context, req *envelope.Request, def actions.Def) {
	switch req.Action {
	case "snapshot.now", "ritual.heartbeat.burst", "node.health.request":
		a.healthSnapshot(ctx, req)

	case "snapshot.vault.verify":
		a.vaultVerify(ctx, req, def)

	case "ritual.rollcall":
		a.rollcall(ctx, req)

	case "ritual.quiet.mode":
		a.quiet.Store(true)
		a.modeResult(ctx, req, def, map[string]interface{}{"ok": true, "quiet_mode": true})

	case "ritual.wake.mode":
		a.quiet.Store(false)
		a.frozen.Store(false)
		a.modeResult(ctx, req, def, map[string]interface{}{"ok": true, "quiet_mode": false, "frozen": false})

	case "panic.freeze.agents":
		a.frozen.Store(true)
		a.modeResult(ctx, req, def, map[string]interface{}{"ok": true, "frozen": true})

	case "node.claim":
		a.claim(ctx, req, def)

	default:
		a.denyResult(ctx, req, def.Family, "special action without handler: "+req.Action)
	}
}

// healthSnapshot assembles the host picture and emits node.health.snapshot.
// The snapshot rides the unified exec pair too so trace consumers see it.
func (a *Agent) healthSnapshot(ctx context.Context, req *envelope.Request) {
	intent := map[string]interface{}{"request_id": req.RequestID, "action": req.Action}
	a.emit(ctx, envelope.TypeExecIntent, copyMap(intent))

	host := snapshot.Collect()
	data := host.Map()
	data["request_id"] = req.RequestID
	data["action"] = req.Action
	data["ok"] = true
	a.emit(ctx, envelope.TypeHealthSnapshot, copyMap(data))
	a.emit(ctx, envelope.TypeExecResult, map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"ok":         true,
	})
}

// Heartbeat emits one unsolicited health snapshot (the periodic timer path).
func (a *Agent) Heartbeat(ctx context.Context) {
	data := snapshot.Collect().Map()
	data["ok"] = true
	a.emit(ctx, envelope.TypeHealthSnapshot, data)
}

// vaultVerify writes a probe event through the vault and reports whether the
// round trip stored it.
func (a *Agent) vaultVerify(ctx context.Context, req *envelope.Request, def actions.Def) {
	a.intentResult(ctx, req, def.Family, func() map[string]interface{} {
		resp, err := a.vault.Emit(ctx, envelope.TypeVaultProbe, a.identity.NodeID, map[string]interface{}{
			"request_id": req.RequestID,
			"probe":      "vault-verify",
		})
		if err != nil {
			return map[string]interface{}{"ok": false, "stored": false, "error": err.Error()}
		}
		return map[string]interface{}{"ok": true, "stored": resp.Stored, "path": resp.Path}
	})
}

// rollcall answers with this agent's identity as a node.claim.result.
func (a *Agent) rollcall(ctx context.Context, req *envelope.Request) {
	a.emit(ctx, envelope.TypeExecIntent, map[string]interface{}{
		"request_id": req.RequestID, "action": req.Action,
	})
	a.emit(ctx, envelope.NodeResult("claim"), map[string]interface{}{
		"request_id": req.RequestID,
		"action":     req.Action,
		"ok":         true,
		"platform":   a.platform,
		"frozen":     a.frozen.Load(),
		"quiet":      a.quiet.Load(),
	})
	a.emit(ctx, envelope.TypeExecResult, map[string]interface{}{
		"request_id": req.RequestID, "action": req.Action, "ok": true,
	})
}

// modeResult audits a mode-flag toggle.
func (a *Agent) modeResult(ctx context.Context, req *envelope.Request, def actions.Def,
	result map[string]interface{}) {
	a.intentResult(ctx, req, def.Family, func() map[string]interface{} { return result })
}
