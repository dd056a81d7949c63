// Package cmdpolicy enforces the command allowlist shared by execution
// agents and the ssh guard. A Plan is validated against a Rule before any
// process is spawned; every refusal carries one of the typed denial codes.
package cmdpolicy

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/fieldlab/labplane/internal/fault"
)

// Typed denial codes. These appear verbatim in agent.ssh.denied events and
// in capability denial summaries, so they never change spelling.
const (
	CodeNotAllowed       = "NOT_ALLOWED"
	CodeArgsLimit        = "ARGS_LIMIT"
	CodeCwdDenied        = "CWD_DENIED"
	CodeSubcommandDenied = "SUBCOMMAND_DENIED"
	CodeFlagDenied       = "FLAG_DENIED"
	CodeFlagNotAllowed   = "FLAG_NOT_ALLOWED"
	CodeUnitDenied       = "UNIT_DENIED"
	CodeTargetDenied     = "TARGET_DENIED"
	CodePathDenied       = "PATH_DENIED"
	CodeVaultDown        = "VAULT_DOWN_FAIL_CLOSED"
)

// ============================================================================
// PLAN AND RULES
// ============================================================================

// Plan is the strictly-typed command descriptor an action translates to.
// Cmd must be an absolute path; args are passed verbatim, never through a
// shell.
type Plan struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args,omitempty"`
	Cwd  string   `json:"cwd,omitempty"`
}

// Rule is the allowlist entry for one command path.
type Rule struct {
	MaxArgs      int      `json:"max_args"`
	CwdRoots     []string `json:"cwd_roots,omitempty"`
	Subcommands  []string `json:"subcommands,omitempty"`
	FlagsAllowed []string `json:"flags_allowed,omitempty"`
	FlagsDenied  []string `json:"flags_denied,omitempty"`
	Units        []string `json:"units,omitempty"`
	Targets      []string `json:"targets,omitempty"`
	PathPrefixes []string `json:"path_prefixes,omitempty"`
}

// Allowlist maps absolute command paths to their rules.
type Allowlist map[string]Rule

// Load reads an allowlist file. Any failure here is a fail-closed condition
// for the caller: no allowlist, no execution.
func Load(path string) (Allowlist, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "allowlist unavailable: %v", err)
	}
	var al Allowlist
	if err := json.Unmarshal(raw, &al); err != nil {
		return nil, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "allowlist unreadable: %v", err)
	}
	for cmd, rule := range al {
		if !filepath.IsAbs(cmd) {
			return nil, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "allowlist key %q is not absolute", cmd)
		}
		if rule.MaxArgs < 0 {
			return nil, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "allowlist entry %q has negative max_args", cmd)
		}
	}
	return al, nil
}

// ============================================================================
// VALIDATION
// ============================================================================

// Validate checks a plan against the allowlist and returns the plan with its
// cwd resolved. Checks run in a fixed order so the first violated rule names
// the denial.
func (al Allowlist) Validate(plan Plan) (Plan, error) {
	if !filepath.IsAbs(plan.Cmd) {
		return plan, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "command %q is not an absolute path", plan.Cmd)
	}
	rule, ok := al[plan.Cmd]
	if !ok {
		return plan, fault.Coded(fault.NotAllowlisted, CodeNotAllowed, "command %q is not allowlisted", plan.Cmd)
	}

	if len(plan.Args) > rule.MaxArgs {
		return plan, fault.Coded(fault.PolicyDenied, CodeArgsLimit,
			"%d args exceed limit %d for %s", len(plan.Args), rule.MaxArgs, plan.Cmd)
	}

	cwd, err := resolveCwd(plan.Cwd, rule.CwdRoots)
	if err != nil {
		return plan, err
	}
	plan.Cwd = cwd

	if err := checkSubcommand(plan.Args, rule); err != nil {
		return plan, err
	}
	if err := checkFlags(plan.Args, rule); err != nil {
		return plan, err
	}
	if err := checkUnits(plan.Args, rule); err != nil {
		return plan, err
	}
	if err := checkTargets(plan.Args, rule); err != nil {
		return plan, err
	}
	if err := checkPaths(plan.Args, rule); err != nil {
		return plan, err
	}
	return plan, nil
}

// resolveCwd realpaths the working directory and confirms containment. An
// empty cwd means the first allowed root, or stays empty when the rule has
// no roots at all.
func resolveCwd(cwd string, roots []string) (string, error) {
	if cwd == "" {
		if len(roots) == 0 {
			return "", nil
		}
		cwd = roots[0]
	}
	resolved, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		return "", fault.Coded(fault.PolicyDenied, CodeCwdDenied, "cwd %q does not resolve: %v", cwd, err)
	}
	resolved, err = filepath.Abs(resolved)
	if err != nil {
		return "", fault.Coded(fault.PolicyDenied, CodeCwdDenied, "cwd %q: %v", cwd, err)
	}
	if len(roots) == 0 {
		return resolved, nil
	}
	for _, root := range roots {
		r, err := filepath.EvalSymlinks(root)
		if err != nil {
			continue // a configured root that does not exist cannot contain anything
		}
		if resolved == r || strings.HasPrefix(resolved+string(filepath.Separator), r+string(filepath.Separator)) {
			return resolved, nil
		}
	}
	return "", fault.Coded(fault.PolicyDenied, CodeCwdDenied, "cwd %q outside allowed roots", resolved)
}

// checkSubcommand requires the first non-flag argument to be a member of the
// configured subcommand set.
func checkSubcommand(args []string, rule Rule) error {
	if len(rule.Subcommands) == 0 {
		return nil
	}
	sub := firstNonFlag(args)
	if sub == "" {
		return fault.Coded(fault.PolicyDenied, CodeSubcommandDenied, "subcommand required, none given")
	}
	for _, s := range rule.Subcommands {
		if s == sub {
			return nil
		}
	}
	return fault.Coded(fault.PolicyDenied, CodeSubcommandDenied, "subcommand %q not allowed", sub)
}

func checkFlags(args []string, rule Rule) error {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			continue
		}
		name := flagName(a)
		for _, denied := range rule.FlagsDenied {
			if name == denied {
				return fault.Coded(fault.PolicyDenied, CodeFlagDenied, "flag %q is denied", name)
			}
		}
		if len(rule.FlagsAllowed) == 0 {
			continue
		}
		allowed := false
		for _, ok := range rule.FlagsAllowed {
			if name == ok {
				allowed = true
				break
			}
		}
		if !allowed {
			return fault.Coded(fault.PolicyDenied, CodeFlagNotAllowed, "flag %q not in allowed set", name)
		}
	}
	return nil
}

// checkUnits applies the systemd unit allowlist: with units configured,
// every non-flag argument after the subcommand must match an entry, either
// exactly or via a trailing-* prefix pattern.
func checkUnits(args []string, rule Rule) error {
	if len(rule.Units) == 0 {
		return nil
	}
	seenSub := false
	for _, a := range args {
		if strings.HasPrefix(a, "-") {
			continue
		}
		if !seenSub {
			seenSub = true // subcommand position, already vetted
			continue
		}
		if !unitAllowed(a, rule.Units) {
			return fault.Coded(fault.PolicyDenied, CodeUnitDenied, "unit %q not allowed", a)
		}
	}
	return nil
}

func unitAllowed(unit string, allowed []string) bool {
	norm := strings.TrimSuffix(unit, ".service")
	for _, u := range allowed {
		if strings.HasSuffix(u, "*") {
			if strings.HasPrefix(norm, strings.TrimSuffix(u, "*")) {
				return true
			}
			continue
		}
		if norm == strings.TrimSuffix(u, ".service") {
			return true
		}
	}
	return false
}

// checkTargets applies the CIDR-aware target allowlist. Every argument that
// parses as an address or network must fall inside an allowed range; bare
// hostnames must be listed literally. Numeric values and flags pass through
// (they are port counts and options, not targets).
func checkTargets(args []string, rule Rule) error {
	if len(rule.Targets) == 0 {
		return nil
	}
	for _, a := range args {
		if strings.HasPrefix(a, "-") || a == "" {
			continue
		}
		switch {
		case looksLikeCIDR(a):
			if !cidrContained(a, rule.Targets) {
				return fault.Coded(fault.PolicyDenied, CodeTargetDenied, "network %q outside allowed ranges", a)
			}
		case net.ParseIP(a) != nil:
			if !ipContained(net.ParseIP(a), rule.Targets) {
				return fault.Coded(fault.PolicyDenied, CodeTargetDenied, "address %q outside allowed ranges", a)
			}
		case looksLikeHostname(a):
			if !literalMember(a, rule.Targets) {
				return fault.Coded(fault.PolicyDenied, CodeTargetDenied, "host %q not in allowed targets", a)
			}
		}
	}
	return nil
}

// checkPaths applies the path-prefix allowlist to absolute path arguments.
func checkPaths(args []string, rule Rule) error {
	if len(rule.PathPrefixes) == 0 {
		return nil
	}
	for _, a := range args {
		if !strings.HasPrefix(a, "/") {
			continue
		}
		clean := filepath.Clean(a)
		ok := false
		for _, prefix := range rule.PathPrefixes {
			p := filepath.Clean(prefix)
			if clean == p || strings.HasPrefix(clean+string(filepath.Separator), p+string(filepath.Separator)) {
				ok = true
				break
			}
		}
		if !ok {
			return fault.Coded(fault.PolicyDenied, CodePathDenied, "path %q outside allowed prefixes", a)
		}
	}
	return nil
}

// ============================================================================
// SMALL HELPERS
// ============================================================================

func firstNonFlag(args []string) string {
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return a
		}
	}
	return ""
}

// flagName strips an =value suffix so --since=yesterday matches --since.
func flagName(flag string) string {
	if i := strings.IndexByte(flag, '='); i > 0 {
		return flag[:i]
	}
	return flag
}

func looksLikeCIDR(s string) bool {
	if !strings.Contains(s, "/") {
		return false
	}
	_, _, err := net.ParseCIDR(s)
	return err == nil
}

func cidrContained(s string, targets []string) bool {
	_, network, err := net.ParseCIDR(s)
	if err != nil {
		return false
	}
	ones, _ := network.Mask.Size()
	for _, t := range targets {
		_, allowed, err := net.ParseCIDR(t)
		if err != nil {
			continue
		}
		allowedOnes, _ := allowed.Mask.Size()
		if allowed.Contains(network.IP) && ones >= allowedOnes {
			return true
		}
	}
	return false
}

func ipContained(ip net.IP, targets []string) bool {
	for _, t := range targets {
		if _, network, err := net.ParseCIDR(t); err == nil {
			if network.Contains(ip) {
				return true
			}
			continue
		}
		if other := net.ParseIP(t); other != nil && other.Equal(ip) {
			return true
		}
	}
	return false
}

// looksLikeHostname filters out numbers and paths; what remains is treated
// as a target hostname and must be allowlisted literally.
func looksLikeHostname(s string) bool {
	if strings.ContainsAny(s, "/\\") {
		return false
	}
	hasAlpha := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			hasAlpha = true
		case r >= '0' && r <= '9', r == '.', r == '-':
		default:
			return false
		}
	}
	return hasAlpha
}

func literalMember(s string, targets []string) bool {
	for _, t := range targets {
		if strings.EqualFold(s, t) {
			return true
		}
	}
	return false
}
