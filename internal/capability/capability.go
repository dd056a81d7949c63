// Package capability loads and enforces the per-node capability matrix.
// The live descriptor sits behind an atomic pointer: guards read it without
// locks, a reload swaps in a freshly parsed immutable copy. A missing or
// malformed file always resolves to the fail-closed default.
package capability

import (
	"encoding/json"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// Classes is the closed set of capability classes.
var Classes = []string{"panic", "snapshot", "maint", "scan", "build", "ritual"}

// Class describes what one capability class may do on this node.
type Class struct {
	Enabled bool     `json:"enabled"`
	Scopes  []string `json:"scopes,omitempty"`
	Tools   []string `json:"tools,omitempty"`
}

// Descriptor is the full matrix for one node. Instances are immutable after
// load; reload builds a new one.
type Descriptor struct {
	NodeID       string           `json:"node_id"`
	Roles        []string         `json:"roles,omitempty"`
	Capabilities map[string]Class `json:"capabilities"`
}

// FailClosedDefault disables everything except snapshot, which stays enabled
// so a misconfigured node can still be inspected.
func FailClosedDefault() *Descriptor {
	caps := make(map[string]Class, len(Classes))
	for _, c := range Classes {
		caps[c] = Class{Enabled: c == "snapshot"}
	}
	return &Descriptor{Capabilities: caps}
}

// ============================================================================
// CHECKS
// ============================================================================

// Check verifies class, scope, and tool against the descriptor. Node-scoped
// actions (class "node") are identity operations and bypass the matrix.
func (d *Descriptor) Check(class string, scope envelope.Scope, tool string) error {
	if class == "node" {
		return nil
	}
	c, ok := d.Capabilities[class]
	if !ok || !c.Enabled {
		return fault.New(fault.CapabilityDenied, "capability disabled: %s", class)
	}
	if len(c.Scopes) > 0 && !member(c.Scopes, string(scope)) {
		return fault.New(fault.CapabilityDenied, "scope %s not permitted for %s", scope, class)
	}
	if tool != "" && len(c.Tools) > 0 && !member(c.Tools, tool) {
		return fault.New(fault.CapabilityDenied, "tool %s not permitted for %s", tool, class)
	}
	return nil
}

func member(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ============================================================================
// LOAD AND RELOAD
// ============================================================================

// Load parses a descriptor file. Errors leave policy to the caller; use a
// Holder when fail-closed fallback is wanted.
func Load(path string) (*Descriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.CapabilityDenied, err, "read capabilities %s", path)
	}
	var d Descriptor
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fault.Wrap(fault.CapabilityDenied, err, "parse capabilities %s", path)
	}
	if d.Capabilities == nil {
		return nil, fault.New(fault.CapabilityDenied, "capabilities map missing in %s", path)
	}
	return &d, nil
}

// Holder owns the live descriptor pointer and its reload policy.
type Holder struct {
	path    string
	current atomic.Pointer[Descriptor]
	valid   atomic.Bool // whether current came from a successful parse
	logger  *log.Entry
}

// NewHolder loads the initial descriptor. A load failure starts the holder
// on the fail-closed default rather than failing the process.
func NewHolder(path string) *Holder {
	h := &Holder{path: path, logger: log.WithField("component", "capability")}
	d, err := Load(path)
	if err != nil {
		h.logger.WithError(err).Warn("capabilities unavailable, starting fail-closed")
		h.current.Store(FailClosedDefault())
		return h
	}
	h.current.Store(d)
	h.valid.Store(true)
	h.logger.WithFields(log.Fields{"node_id": d.NodeID, "classes": len(d.Capabilities)}).
		Info("capabilities loaded")
	return h
}

// Current returns the live descriptor. Never nil.
func (h *Holder) Current() *Descriptor { return h.current.Load() }

// Reload re-reads the file. On parse failure the prior descriptor survives
// only if it was itself valid; a holder that started fail-closed stays
// fail-closed.
func (h *Holder) Reload() {
	d, err := Load(h.path)
	if err != nil {
		if h.valid.Load() {
			h.logger.WithError(err).Warn("reload failed, keeping prior valid descriptor")
			return
		}
		h.logger.WithError(err).Warn("reload failed, reverting to fail-closed default")
		h.current.Store(FailClosedDefault())
		return
	}
	h.current.Store(d)
	h.valid.Store(true)
	h.logger.WithFields(log.Fields{"node_id": d.NodeID, "classes": len(d.Capabilities)}).
		Info("capabilities reloaded")
}
