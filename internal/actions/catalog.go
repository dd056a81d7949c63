// Package actions is the static catalog of operator actions: the closed
// allowlist, the class taxonomy, topic routing, and the event family each
// action audits under. The catalog never changes at runtime; anything not
// registered here is not an action.
package actions

import (
	"sort"
	"strings"
)

// Kind says how an agent realizes an action.
type Kind int

const (
	KindCommand Kind = iota // translates to one allowlisted command
	KindSpecial             // handled in-process, never shells out
	KindSteps               // caller-supplied step list (flash/rollback)
)

// Def is one catalog entry.
type Def struct {
	Name   string
	Class  string // capability class = first dotted segment
	Family string // node.<family>.intent/result event family
	Topic  string // class topic the router publishes to
	Kind   Kind
}

// TopicGodButton mirrors every dispatched request regardless of class.
const TopicGodButton = "god.button"

var registry = map[string]Def{}

func register(defs ...Def) {
	for _, d := range defs {
		registry[d.Name] = d
	}
}

func init() {
	register(
		Def{Name: "panic.freeze.agents", Class: "panic", Family: "panic", Topic: "ops.panic", Kind: KindSpecial},
		Def{Name: "panic.lockdown.egress", Class: "panic", Family: "panic", Topic: "ops.panic", Kind: KindCommand},
		Def{Name: "panic.isolate.node", Class: "panic", Family: "panic", Topic: "ops.panic", Kind: KindCommand},
		Def{Name: "panic.kill.switch", Class: "panic", Family: "panic", Topic: "ops.panic", Kind: KindCommand},

		Def{Name: "snapshot.now", Class: "snapshot", Family: "snapshot", Topic: "ops.snapshot", Kind: KindSpecial},
		Def{Name: "snapshot.services", Class: "snapshot", Family: "snapshot", Topic: "ops.snapshot", Kind: KindCommand},
		Def{Name: "snapshot.net.routes", Class: "snapshot", Family: "snapshot", Topic: "ops.snapshot", Kind: KindCommand},
		Def{Name: "snapshot.vault.verify", Class: "snapshot", Family: "snapshot", Topic: "ops.snapshot", Kind: KindSpecial},

		Def{Name: "maint.restart.service", Class: "maint", Family: "maintenance", Topic: "ops.maint", Kind: KindCommand},
		Def{Name: "maint.status.service", Class: "maint", Family: "maintenance", Topic: "ops.maint", Kind: KindCommand},
		Def{Name: "maint.logs.tail", Class: "maint", Family: "maintenance", Topic: "ops.maint", Kind: KindCommand},
		Def{Name: "maint.disk.df", Class: "maint", Family: "maintenance", Topic: "ops.maint", Kind: KindCommand},
		Def{Name: "maint.net.ping", Class: "maint", Family: "maintenance", Topic: "ops.maint", Kind: KindCommand},

		Def{Name: "scan.lan.fast", Class: "scan", Family: "scan", Topic: "ops.scan", Kind: KindCommand},
		Def{Name: "scan.lan.ports.top", Class: "scan", Family: "scan", Topic: "ops.scan", Kind: KindCommand},
		Def{Name: "scan.ble.sweep", Class: "scan", Family: "scan", Topic: "ops.scan", Kind: KindCommand},
		Def{Name: "scan.wifi.snapshot", Class: "scan", Family: "scan", Topic: "ops.scan", Kind: KindCommand},

		Def{Name: "build.version.report", Class: "build", Family: "build", Topic: "ops.build", Kind: KindCommand},
		Def{Name: "build.flash.target", Class: "build", Family: "flash", Topic: "ops.build", Kind: KindSteps},
		Def{Name: "build.rollback.target", Class: "build", Family: "flash", Topic: "ops.build", Kind: KindSteps},
		Def{Name: "build.deploy.config", Class: "build", Family: "build", Topic: "ops.build", Kind: KindCommand},

		Def{Name: "ritual.rollcall", Class: "ritual", Family: "claim", Topic: "ops.ritual", Kind: KindSpecial},
		Def{Name: "ritual.heartbeat.burst", Class: "ritual", Family: "health", Topic: "ops.ritual", Kind: KindSpecial},
		Def{Name: "ritual.quiet.mode", Class: "ritual", Family: "ritual", Topic: "ops.ritual", Kind: KindSpecial},
		Def{Name: "ritual.wake.mode", Class: "ritual", Family: "ritual", Topic: "ops.ritual", Kind: KindSpecial},

		// Node-scoped actions ride their own topics.
		Def{Name: "node.claim", Class: "node", Family: "claim", Topic: "ops.claim", Kind: KindSpecial},
		Def{Name: "node.flash", Class: "node", Family: "flash", Topic: "ops.flash", Kind: KindSteps},
		Def{Name: "node.health.request", Class: "node", Family: "health", Topic: "ops.health.request", Kind: KindSpecial},
	)
}

// Lookup returns the catalog entry for an action.
func Lookup(action string) (Def, bool) {
	d, ok := registry[action]
	return d, ok
}

// IsAllowed reports allowlist membership.
func IsAllowed(action string) bool {
	_, ok := registry[action]
	return ok
}

// Class returns the capability class of an action name without requiring
// catalog membership (denial events want the class of unknown actions too).
func Class(action string) string {
	if i := strings.IndexByte(action, '.'); i > 0 {
		return action[:i]
	}
	return action
}

// All returns every allowlisted action name, sorted.
func All() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Topics returns the full subscription set for an agent: the god.button
// mirror plus every class topic, sorted and deduplicated.
func Topics() []string {
	set := map[string]struct{}{TopicGodButton: {}}
	for _, d := range registry {
		set[d.Topic] = struct{}{}
	}
	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}
