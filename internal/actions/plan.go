package actions

import (
	"fmt"
	"strconv"

	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/envelope"
	"github.com/fieldlab/labplane/internal/fault"
)

// Platform names the host flavor an agent runs on.
const (
	PlatformMac   = "mac"
	PlatformPi    = "pi"
	PlatformLinux = "linux"
)

// ============================================================================
// COMMAND PLANS
// ============================================================================

// PlanFor translates a command-kind action into its typed descriptor. The
// result still has to pass the command allowlist; this function only shapes
// arguments and picks platform paths, it grants nothing.
func PlanFor(req *envelope.Request, platform string) (cmdpolicy.Plan, error) {
	args := req.Args
	switch req.Action {
	case "panic.lockdown.egress":
		return cmdpolicy.Plan{Cmd: "/usr/local/sbin/egress-lockdown"}, nil
	case "panic.isolate.node":
		return cmdpolicy.Plan{Cmd: "/usr/local/sbin/net-isolate"}, nil
	case "panic.kill.switch":
		return cmdpolicy.Plan{Cmd: "/usr/local/sbin/kill-switch"}, nil

	case "snapshot.services":
		return cmdpolicy.Plan{
			Cmd:  "/usr/bin/systemctl",
			Args: []string{"list-units", "--type=service", "--state=running", "--no-pager"},
		}, nil
	case "snapshot.net.routes":
		if platform == PlatformMac {
			return cmdpolicy.Plan{Cmd: "/usr/sbin/netstat", Args: []string{"-rn"}}, nil
		}
		return cmdpolicy.Plan{Cmd: ipPath(platform), Args: []string{"route", "show"}}, nil

	case "maint.restart.service":
		unit, err := requiredString(args, "unit")
		if err != nil {
			return cmdpolicy.Plan{}, err
		}
		return cmdpolicy.Plan{Cmd: "/usr/bin/systemctl", Args: []string{"restart", unit}}, nil
	case "maint.status.service":
		unit, err := requiredString(args, "unit")
		if err != nil {
			return cmdpolicy.Plan{}, err
		}
		return cmdpolicy.Plan{Cmd: "/usr/bin/systemctl", Args: []string{"status", unit, "--no-pager"}}, nil
	case "maint.logs.tail":
		unit, err := requiredString(args, "unit")
		if err != nil {
			return cmdpolicy.Plan{}, err
		}
		lines := optionalInt(args, "lines", 200)
		return cmdpolicy.Plan{
			Cmd:  "/usr/bin/journalctl",
			Args: []string{"-u", unit, "-n", strconv.Itoa(lines), "--no-pager"},
		}, nil
	case "maint.disk.df":
		return cmdpolicy.Plan{Cmd: dfPath(platform), Args: []string{"-h"}}, nil
	case "maint.net.ping":
		target, err := requiredString(args, "target")
		if err != nil {
			return cmdpolicy.Plan{}, err
		}
		return cmdpolicy.Plan{Cmd: pingPath(platform), Args: []string{"-c", "3", target}}, nil

	case "scan.lan.fast":
		cidr := optionalString(args, "cidr", "192.168.1.0/24")
		return cmdpolicy.Plan{Cmd: "/usr/bin/nmap", Args: []string{"-sn", cidr}}, nil
	case "scan.lan.ports.top":
		cidr := optionalString(args, "cidr", "192.168.1.0/24")
		return cmdpolicy.Plan{Cmd: "/usr/bin/nmap", Args: []string{"--top-ports", "100", cidr}}, nil
	case "scan.ble.sweep":
		secs := optionalInt(args, "seconds", 10)
		return cmdpolicy.Plan{Cmd: "/usr/local/sbin/ble-sweep", Args: []string{strconv.Itoa(secs)}}, nil
	case "scan.wifi.snapshot":
		if platform == PlatformMac {
			return cmdpolicy.Plan{
				Cmd:  "/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport",
				Args: []string{"-s"},
			}, nil
		}
		iface := optionalString(args, "iface", "wlan0")
		return cmdpolicy.Plan{Cmd: "/usr/sbin/iw", Args: []string{"dev", iface, "station", "dump"}}, nil

	case "build.version.report":
		repo := optionalString(args, "repo", "/opt/lab")
		return cmdpolicy.Plan{
			Cmd:  "/usr/bin/git",
			Args: []string{"describe", "--tags", "--always", "--dirty"},
			Cwd:  repo,
		}, nil
	case "build.deploy.config":
		config, err := requiredString(args, "config")
		if err != nil {
			return cmdpolicy.Plan{}, err
		}
		return cmdpolicy.Plan{Cmd: "/usr/local/sbin/deploy-config", Args: []string{config}}, nil
	}
	return cmdpolicy.Plan{}, fault.New(fault.Internal, "action %q has no command plan", req.Action)
}

// ============================================================================
// STEP LISTS
// ============================================================================

// Steps extracts the caller-supplied step list for flash/rollback actions,
// plus the artifact paths that must exist before the first step runs.
func Steps(req *envelope.Request) ([]cmdpolicy.Plan, []string, error) {
	rawSteps, ok := req.Args["steps"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return nil, nil, fault.Coded(fault.BadRequest, "missing_steps", "%s requires args.steps", req.Action)
	}
	steps := make([]cmdpolicy.Plan, 0, len(rawSteps))
	for i, raw := range rawSteps {
		m, ok := raw.(map[string]interface{})
		if !ok {
			return nil, nil, fault.Coded(fault.BadRequest, "bad_step", "step %d is not an object", i)
		}
		cmd, _ := m["cmd"].(string)
		if cmd == "" {
			return nil, nil, fault.Coded(fault.BadRequest, "bad_step", "step %d has no cmd", i)
		}
		step := cmdpolicy.Plan{Cmd: cmd}
		if cwd, ok := m["cwd"].(string); ok {
			step.Cwd = cwd
		}
		if rawArgs, ok := m["args"].([]interface{}); ok {
			for _, ra := range rawArgs {
				s, ok := ra.(string)
				if !ok {
					return nil, nil, fault.Coded(fault.BadRequest, "bad_step", "step %d has a non-string arg", i)
				}
				step.Args = append(step.Args, s)
			}
		}
		steps = append(steps, step)
	}

	var artifacts []string
	if rawArtifacts, ok := req.Args["artifacts"].([]interface{}); ok {
		for _, ra := range rawArtifacts {
			if s, ok := ra.(string); ok && s != "" {
				artifacts = append(artifacts, s)
			}
		}
	}
	return steps, artifacts, nil
}

// ============================================================================
// ARG HELPERS
// ============================================================================

func requiredString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fault.Coded(fault.BadRequest, "missing_arg", "args.%s is required", key)
	}
	return v, nil
}

func optionalString(args map[string]interface{}, key, def string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return def
}

// optionalInt tolerates the float64 that JSON decoding produces.
func optionalInt(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func dfPath(platform string) string {
	if platform == PlatformMac {
		return "/bin/df"
	}
	return "/usr/bin/df"
}

func pingPath(platform string) string {
	if platform == PlatformMac {
		return "/sbin/ping"
	}
	return "/usr/bin/ping"
}

func ipPath(platform string) string {
	if platform == PlatformPi {
		return "/sbin/ip"
	}
	return "/usr/sbin/ip"
}

// ToolAlias is the short name capability matrices refer to, derived from the
// planned command path (systemctl, journalctl, nmap, ...).
func ToolAlias(plan cmdpolicy.Plan) string {
	for i := len(plan.Cmd) - 1; i >= 0; i-- {
		if plan.Cmd[i] == '/' {
			return plan.Cmd[i+1:]
		}
	}
	return plan.Cmd
}

// Describe renders a one-line summary for result events.
func Describe(plan cmdpolicy.Plan) string {
	if len(plan.Args) == 0 {
		return plan.Cmd
	}
	return fmt.Sprintf("%s %v", plan.Cmd, plan.Args)
}
