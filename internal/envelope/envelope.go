// Package envelope defines the event envelope every component reads or
// writes, the operator request shape, and the dotted type namespace.
package envelope

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fieldlab/labplane/internal/fault"
)

// ============================================================================
// EVENT TYPES
// ============================================================================

const (
	// Router audit trail.
	TypeGodIntent = "control.god_button.intent"
	TypeGodResult = "control.god_button.result"
	TypeGodDenied = "control.god_button.denied"

	// Unified agent execution trail, action-agnostic.
	TypeExecIntent = "agent.exec.intent"
	TypeExecResult = "agent.exec.result"

	// Agent denial and guard events.
	TypeCapabilityDenied = "agent.capability.denied"

	// SSH guard trail.
	TypeSSHIntent = "agent.ssh.intent"
	TypeSSHResult = "agent.ssh.result"
	TypeSSHDenied = "agent.ssh.denied"

	// BLE identity stream.
	TypeBLEObservation = "ble.observation"
	TypeDeviceSeen     = "ble.device.seen"
	TypeDeviceMerged   = "ble.device.merged"

	// Host health and vault probing.
	TypeHealthSnapshot = "node.health.snapshot"
	TypeVaultProbe     = "vault.verify.probe"
)

// NodeIntent returns the per-family intent type, e.g. node.maintenance.intent.
func NodeIntent(family string) string { return "node." + family + ".intent" }

// NodeResult returns the per-family result type, e.g. node.maintenance.result.
func NodeResult(family string) string { return "node." + family + ".result" }

// ============================================================================
// EVENT ENVELOPE
// ============================================================================

// Event is one immutable audit record. The four fixed fields are required;
// the producer clock in TsMs is never rewritten by any downstream component.
type Event struct {
	Type string                 `json:"type"`
	Src  string                 `json:"src"`
	TsMs int64                  `json:"ts_ms"`
	Data map[string]interface{} `json:"data"`

	// RootRequestID is the optional top-level request_id some producers put
	// beside the fixed fields instead of inside data. It round-trips through
	// the wire form so trace correlation still sees it.
	RootRequestID string `json:"request_id,omitempty"`
}

// New builds an envelope stamped with the producer clock.
func New(eventType, src string, data map[string]interface{}) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{Type: eventType, Src: src, TsMs: NowMs(), Data: data}
}

// Validate checks the required fields and returns a distinct code per miss.
func (e *Event) Validate() error {
	switch {
	case strings.TrimSpace(e.Type) == "":
		return fault.Coded(fault.BadRequest, "missing_type", "envelope field 'type' is required")
	case strings.TrimSpace(e.Src) == "":
		return fault.Coded(fault.BadRequest, "missing_src", "envelope field 'src' is required")
	case e.TsMs <= 0:
		return fault.Coded(fault.BadRequest, "missing_ts_ms", "envelope field 'ts_ms' is required")
	case e.Data == nil:
		return fault.Coded(fault.BadRequest, "missing_data", "envelope field 'data' is required")
	}
	return nil
}

// RequestID digs the correlation id out of the envelope. Producers are not
// uniform, so all four locations are honored: data.request_id,
// data.requestId, data.request.request_id, and the top-level request_id
// next to the fixed fields.
func (e *Event) RequestID() string {
	if e.Data != nil {
		if id, ok := e.Data["request_id"].(string); ok && id != "" {
			return id
		}
		if id, ok := e.Data["requestId"].(string); ok && id != "" {
			return id
		}
		if req, ok := e.Data["request"].(map[string]interface{}); ok {
			if id, ok := req["request_id"].(string); ok && id != "" {
				return id
			}
		}
	}
	return e.RootRequestID
}

// Marshal renders the single NDJSON line for this event (no trailing newline).
func (e *Event) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fault.Wrap(fault.Internal, err, "marshal envelope")
	}
	return b, nil
}

// NowMs is the producer clock: integer milliseconds since the epoch.
func NowMs() int64 { return time.Now().UnixMilli() }

// Day renders the UTC day partition (YYYY-MM-DD) for a producer timestamp.
func Day(tsMs int64) string {
	return time.UnixMilli(tsMs).UTC().Format("2006-01-02")
}
