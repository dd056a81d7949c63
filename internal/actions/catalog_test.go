package actions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

func TestCatalogMembership(t *testing.T) {
	// The closed set: exactly these, nothing else.
	expected := []string{
		"panic.freeze.agents", "panic.lockdown.egress", "panic.isolate.node", "panic.kill.switch",
		"snapshot.now", "snapshot.services", "snapshot.net.routes", "snapshot.vault.verify",
		"maint.restart.service", "maint.status.service", "maint.logs.tail", "maint.disk.df", "maint.net.ping",
		"scan.lan.fast", "scan.lan.ports.top", "scan.ble.sweep", "scan.wifi.snapshot",
		"build.version.report", "build.flash.target", "build.rollback.target", "build.deploy.config",
		"ritual.rollcall", "ritual.heartbeat.burst", "ritual.quiet.mode", "ritual.wake.mode",
		"node.claim", "node.flash", "node.health.request",
	}
	assert.Len(t, All(), len(expected))
	for _, name := range expected {
		assert.True(t, IsAllowed(name), name)
	}
	assert.False(t, IsAllowed("maint.rm.rf"))
	assert.False(t, IsAllowed(""))
}

func TestCatalogFamilies(t *testing.T) {
	cases := map[string]string{
		"maint.disk.df":         "maintenance",
		"build.flash.target":    "flash",
		"build.rollback.target": "flash",
		"build.version.report":  "build",
		"node.flash":            "flash",
		"node.claim":            "claim",
		"node.health.request":   "health",
		"ritual.rollcall":       "claim",
		"ritual.heartbeat.burst": "health",
		"panic.freeze.agents":   "panic",
	}
	for action, family := range cases {
		d, ok := Lookup(action)
		require.True(t, ok, action)
		assert.Equal(t, family, d.Family, action)
	}
}

func TestCatalogTopics(t *testing.T) {
	cases := map[string]string{
		"panic.kill.switch":   "ops.panic",
		"snapshot.now":        "ops.snapshot",
		"maint.net.ping":      "ops.maint",
		"scan.ble.sweep":      "ops.scan",
		"build.deploy.config": "ops.build",
		"ritual.quiet.mode":   "ops.ritual",
		"node.claim":          "ops.claim",
		"node.flash":          "ops.flash",
		"node.health.request": "ops.health.request",
	}
	for action, topic := range cases {
		d, _ := Lookup(action)
		assert.Equal(t, topic, d.Topic, action)
	}

	topics := Topics()
	assert.Contains(t, topics, TopicGodButton)
	assert.Contains(t, topics, "ops.health.request")
	assert.Contains(t, topics, "ops.claim")
	assert.Contains(t, topics, "ops.flash")
	// god.button + 6 class topics + 3 node topics
	assert.Len(t, topics, 10)
}

func TestPlanForSystemctl(t *testing.T) {
	req := &envelope.Request{Action: "maint.restart.service",
		Args: map[string]interface{}{"unit": "vaultd"}}
	plan, err := PlanFor(req, PlatformLinux)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/systemctl", plan.Cmd)
	assert.Equal(t, []string{"restart", "vaultd"}, plan.Args)
	assert.Equal(t, "systemctl", ToolAlias(plan))
}

func TestPlanForMissingArg(t *testing.T) {
	req := &envelope.Request{Action: "maint.restart.service"}
	_, err := PlanFor(req, PlatformLinux)
	require.Error(t, err)
	assert.Equal(t, fault.BadRequest, fault.KindOf(err))
	assert.Equal(t, "missing_arg", fault.CodeOf(err))
}

func TestPlanForPlatformPaths(t *testing.T) {
	req := &envelope.Request{Action: "maint.disk.df"}
	plan, err := PlanFor(req, PlatformMac)
	require.NoError(t, err)
	assert.Equal(t, "/bin/df", plan.Cmd)

	plan, err = PlanFor(req, PlatformPi)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/df", plan.Cmd)

	wifi := &envelope.Request{Action: "scan.wifi.snapshot"}
	plan, err = PlanFor(wifi, PlatformLinux)
	require.NoError(t, err)
	assert.Equal(t, "/usr/sbin/iw", plan.Cmd)
	assert.Equal(t, []string{"dev", "wlan0", "station", "dump"}, plan.Args)

	plan, err = PlanFor(wifi, PlatformMac)
	require.NoError(t, err)
	assert.Contains(t, plan.Cmd, "airport")
}

func TestPlanForLogsTailDefaults(t *testing.T) {
	req := &envelope.Request{Action: "maint.logs.tail",
		Args: map[string]interface{}{"unit": "feedd", "lines": float64(50)}}
	plan, err := PlanFor(req, PlatformLinux)
	require.NoError(t, err)
	assert.Equal(t, []string{"-u", "feedd", "-n", "50", "--no-pager"}, plan.Args)

	req.Args = map[string]interface{}{"unit": "feedd"}
	plan, err = PlanFor(req, PlatformLinux)
	require.NoError(t, err)
	assert.Contains(t, plan.Args, "200")
}

func TestStepsParsing(t *testing.T) {
	req := &envelope.Request{Action: "node.flash", Args: map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"cmd": "/usr/local/sbin/flash-node",
				"args": []interface{}{"/opt/lab/artifacts/fw.bin"}, "cwd": "/opt/lab"},
			map[string]interface{}{"cmd": "/usr/bin/systemctl",
				"args": []interface{}{"restart", "sensor"}},
		},
		"artifacts": []interface{}{"/opt/lab/artifacts/fw.bin"},
	}}
	steps, artifacts, err := Steps(req)
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, "/usr/local/sbin/flash-node", steps[0].Cmd)
	assert.Equal(t, "/opt/lab", steps[0].Cwd)
	assert.Equal(t, []string{"restart", "sensor"}, steps[1].Args)
	assert.Equal(t, []string{"/opt/lab/artifacts/fw.bin"}, artifacts)
}

func TestStepsRejectsGarbage(t *testing.T) {
	cases := []map[string]interface{}{
		{},
		{"steps": []interface{}{}},
		{"steps": []interface{}{"not an object"}},
		{"steps": []interface{}{map[string]interface{}{"args": []interface{}{"x"}}}},
		{"steps": []interface{}{map[string]interface{}{"cmd": "/bin/x", "args": []interface{}{42}}}},
	}
	for i, args := range cases {
		req := &envelope.Request{Action: "node.flash", Args: args}
		_, _, err := Steps(req)
		assert.Error(t, err, "case %d", i)
		assert.Equal(t, fault.BadRequest, fault.KindOf(err), "case %d", i)
	}
}
