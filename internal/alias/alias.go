// Package alias maps node identifiers to operator-facing display names.
// Two JSON maps layer: the official map ships with the deployment, the user
// overlay is writable and wins on conflict.
package alias

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/fault"
)

// Maps resolves aliases from the official map plus the user overlay.
type Maps struct {
	mu          sync.RWMutex
	official    map[string]string
	overlay     map[string]string
	overlayPath string
}

// Load reads both maps. A missing file is an empty map, not an error; a
// malformed file is logged and treated as empty so one bad overlay cannot
// take the feed down.
func Load(officialPath, overlayPath string) *Maps {
	return &Maps{
		official:    readMap(officialPath),
		overlay:     readMap(overlayPath),
		overlayPath: overlayPath,
	}
}

func readMap(path string) map[string]string {
	if path == "" {
		return map[string]string{}
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		log.WithFields(log.Fields{"component": "alias", "path": path}).
			WithError(err).Warn("alias map unreadable, ignoring")
		return map[string]string{}
	}
	return m
}

// Resolve returns the display name for a node id; overlay wins, then
// official, then empty.
func (m *Maps) Resolve(nodeID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name, ok := m.overlay[nodeID]; ok {
		return name
	}
	return m.official[nodeID]
}

// Set updates the overlay and persists it atomically.
func (m *Maps) Set(nodeID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if name == "" {
		delete(m.overlay, nodeID)
	} else {
		m.overlay[nodeID] = name
	}
	return m.saveLocked()
}

func (m *Maps) saveLocked() error {
	if m.overlayPath == "" {
		return nil
	}
	raw, err := json.MarshalIndent(m.overlay, "", "  ")
	if err != nil {
		return fault.Wrap(fault.Internal, err, "marshal alias overlay")
	}
	dir := filepath.Dir(m.overlayPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fault.Wrap(fault.TransientIO, err, "create alias dir")
	}
	tmp, err := os.CreateTemp(dir, ".alias-*")
	if err != nil {
		return fault.Wrap(fault.TransientIO, err, "create alias temp file")
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return fault.Wrap(fault.TransientIO, err, "write alias overlay")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fault.Wrap(fault.TransientIO, err, "close alias overlay")
	}
	if err := os.Rename(name, m.overlayPath); err != nil {
		os.Remove(name)
		return fault.Wrap(fault.TransientIO, err, "rename alias overlay")
	}
	return nil
}
