package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// claimRecord is what node.claim persists locally.
type claimRecord struct {
	NodeID    string                 `json:"node_id"`
	DeviceID  string                 `json:"device_id"`
	Role      string                 `json:"role"`
	Platform  string                 `json:"platform"`
	ClaimedBy string                 `json:"claimed_by,omitempty"`
	Reason    string                 `json:"reason,omitempty"`
	Args      map[string]interface{} `json:"args,omitempty"`
	TsMs      int64                  `json:"ts_ms"`
}

// claim persists the claim record via temp-file-plus-rename so a crash never
// leaves a torn database behind.
func (a *Agent) claim(ctx context.Context, req *envelope.Request, def actions.Def) {
	a.intentResult(ctx, req, def.Family, func() map[string]interface{} {
		rec := claimRecord{
			NodeID:   a.identity.NodeID,
			DeviceID: a.identity.DeviceID,
			Role:     a.identity.Role,
			Platform: a.platform,
			Reason:   req.Reason,
			Args:     req.Args,
			TsMs:     envelope.NowMs(),
		}
		if by, ok := req.Args["claimed_by"].(string); ok {
			rec.ClaimedBy = by
		}

		if err := writeAtomic(a.claimPath, rec); err != nil {
			return failureMap(err)
		}
		return map[string]interface{}{"ok": true, "claim_path": a.claimPath}
	})
}

// writeAtomic marshals v and renames it into place.
func writeAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal claim record")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.TransientIO, err, "create claim dir %s", dir)
	}
	tmp, err := os.CreateTemp(dir, ".claim-*")
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "create claim temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.TransientIO, err, "write claim temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.TransientIO, err, "close claim temp file")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.TransientIO, err, "rename claim into place")
	}
	return nil
}
