package cmdpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldlab/labplane/internal/fault"
)

func denialCode(t *testing.T, err error) string {
	t.Helper()
	require.Error(t, err)
	return fault.CodeOf(err)
}

func TestValidateUnknownCommand(t *testing.T) {
	al := Default()

	_, err := al.Validate(Plan{Cmd: "/usr/bin/curl", Args: []string{"example.com"}})
	assert.Equal(t, CodeNotAllowed, denialCode(t, err))
	assert.Equal(t, fault.NotAllowlisted, fault.KindOf(err))

	_, err = al.Validate(Plan{Cmd: "systemctl", Args: []string{"status"}})
	assert.Equal(t, CodeNotAllowed, denialCode(t, err), "relative paths are never allowlisted")
}

func TestValidateArgsLimit(t *testing.T) {
	al := Allowlist{"/bin/echo": {MaxArgs: 2}}

	_, err := al.Validate(Plan{Cmd: "/bin/echo", Args: []string{"a", "b", "c"}})
	assert.Equal(t, CodeArgsLimit, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/bin/echo", Args: []string{"a", "b"}})
	assert.NoError(t, err)
}

func TestValidateSubcommands(t *testing.T) {
	al := Default()

	_, err := al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"mask", "sshd"}})
	assert.Equal(t, CodeSubcommandDenied, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"restart", "vaultd"}})
	assert.NoError(t, err)

	// No subcommand at all when one is required.
	_, err = al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"--no-pager"}})
	assert.Equal(t, CodeSubcommandDenied, denialCode(t, err))
}

func TestValidateFlags(t *testing.T) {
	al := Allowlist{"/usr/bin/journalctl": {
		MaxArgs:      6,
		FlagsAllowed: []string{"-u", "-n", "--no-pager", "--since"},
		FlagsDenied:  []string{"--flush"},
	}}

	_, err := al.Validate(Plan{Cmd: "/usr/bin/journalctl", Args: []string{"-u", "vaultd", "--flush"}})
	assert.Equal(t, CodeFlagDenied, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/usr/bin/journalctl", Args: []string{"-D", "/var/log"}})
	assert.Equal(t, CodeFlagNotAllowed, denialCode(t, err))

	// =value forms match on the flag name.
	_, err = al.Validate(Plan{Cmd: "/usr/bin/journalctl", Args: []string{"--since=yesterday", "-u", "vaultd"}})
	assert.NoError(t, err)
}

func TestValidateUnits(t *testing.T) {
	al := Allowlist{"/usr/bin/systemctl": {
		MaxArgs:     3,
		Subcommands: []string{"status", "restart"},
		Units:       []string{"vaultd", "feedd", "lab-*"},
	}}

	_, err := al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"restart", "sshd"}})
	assert.Equal(t, CodeUnitDenied, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"restart", "vaultd"}})
	assert.NoError(t, err)

	// .service suffix is normalized, prefix patterns match.
	_, err = al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"status", "feedd.service"}})
	assert.NoError(t, err)
	_, err = al.Validate(Plan{Cmd: "/usr/bin/systemctl", Args: []string{"status", "lab-scanner"}})
	assert.NoError(t, err)
}

func TestValidateTargets(t *testing.T) {
	al := Default()

	// Private space passes, public space is refused.
	_, err := al.Validate(Plan{Cmd: "/usr/bin/ping", Args: []string{"-c", "3", "192.168.1.40"}})
	assert.NoError(t, err)

	_, err = al.Validate(Plan{Cmd: "/usr/bin/ping", Args: []string{"-c", "3", "8.8.8.8"}})
	assert.Equal(t, CodeTargetDenied, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/usr/bin/nmap", Args: []string{"-sn", "10.20.0.0/16"}})
	assert.NoError(t, err)

	_, err = al.Validate(Plan{Cmd: "/usr/bin/nmap", Args: []string{"-sn", "0.0.0.0/0"}})
	assert.Equal(t, CodeTargetDenied, denialCode(t, err), "a wider network than any allowed range")

	// Hostnames must be literal members; port counts are not targets.
	_, err = al.Validate(Plan{Cmd: "/usr/bin/nmap", Args: []string{"--top-ports", "100", "192.168.1.0/24"}})
	assert.NoError(t, err)

	_, err = al.Validate(Plan{Cmd: "/usr/bin/ping", Args: []string{"-c", "3", "evil.example.com"}})
	assert.Equal(t, CodeTargetDenied, denialCode(t, err))

	hosts := Allowlist{"/usr/bin/ping": {MaxArgs: 4, Targets: []string{"gateway.lab", "10.0.0.0/8"}}}
	_, err = hosts.Validate(Plan{Cmd: "/usr/bin/ping", Args: []string{"gateway.lab"}})
	assert.NoError(t, err)
}

func TestValidatePathPrefixes(t *testing.T) {
	al := Default()

	_, err := al.Validate(Plan{Cmd: "/usr/local/sbin/deploy-config", Args: []string{"/etc/lab/site.yml"}})
	assert.NoError(t, err)

	_, err = al.Validate(Plan{Cmd: "/usr/local/sbin/deploy-config", Args: []string{"/etc/passwd"}})
	assert.Equal(t, CodePathDenied, denialCode(t, err))

	// Traversal does not escape the prefix check.
	_, err = al.Validate(Plan{Cmd: "/usr/local/sbin/deploy-config", Args: []string{"/etc/lab/../shadow"}})
	assert.Equal(t, CodePathDenied, denialCode(t, err))
}

func TestValidateCwd(t *testing.T) {
	root := t.TempDir()
	inside := filepath.Join(root, "work")
	require.NoError(t, os.MkdirAll(inside, 0o755))

	al := Allowlist{"/bin/true": {MaxArgs: 0, CwdRoots: []string{root}}}

	plan, err := al.Validate(Plan{Cmd: "/bin/true", Cwd: inside})
	require.NoError(t, err)
	assert.NotEmpty(t, plan.Cwd)

	_, err = al.Validate(Plan{Cmd: "/bin/true", Cwd: t.TempDir()})
	assert.Equal(t, CodeCwdDenied, denialCode(t, err))

	_, err = al.Validate(Plan{Cmd: "/bin/true", Cwd: filepath.Join(root, "missing")})
	assert.Equal(t, CodeCwdDenied, denialCode(t, err), "nonexistent cwd cannot be realpathed")

	// Empty cwd resolves to the first root.
	plan, err = al.Validate(Plan{Cmd: "/bin/true"})
	require.NoError(t, err)
	resolvedRoot, _ := filepath.EvalSymlinks(root)
	assert.Equal(t, resolvedRoot, plan.Cwd)
}

func TestValidateCwdSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()
	link := filepath.Join(root, "exit")
	require.NoError(t, os.Symlink(outside, link))

	al := Allowlist{"/bin/true": {MaxArgs: 0, CwdRoots: []string{root}}}
	_, err := al.Validate(Plan{Cmd: "/bin/true", Cwd: link})
	assert.Equal(t, CodeCwdDenied, denialCode(t, err), "symlinks must not escape the root")
}

func TestLoadAllowlist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "allowlist.json")
	content := `{"/usr/bin/df": {"max_args": 2, "flags_allowed": ["-h"]}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	al, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, al, "/usr/bin/df")

	_, err = Load(filepath.Join(dir, "absent.json"))
	require.Error(t, err)
	assert.Equal(t, CodeNotAllowed, fault.CodeOf(err))

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))
	_, err = Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"relative/cmd": {"max_args": 1}}`), 0o644))
	_, err = Load(path)
	require.Error(t, err, "non-absolute keys are schema violations")
}

func TestDefaultAllowlistCoversCatalogCommands(t *testing.T) {
	al := Default()
	for _, cmd := range []string{
		"/usr/bin/systemctl", "/usr/bin/journalctl", "/usr/bin/df", "/bin/df",
		"/usr/bin/ping", "/sbin/ping", "/usr/bin/nmap", "/usr/sbin/ip",
		"/usr/sbin/iw", "/usr/sbin/netstat", "/usr/bin/git",
		"/usr/local/sbin/ble-sweep", "/usr/local/sbin/egress-lockdown",
		"/usr/local/sbin/net-isolate", "/usr/local/sbin/kill-switch",
		"/usr/local/sbin/deploy-config", "/usr/local/sbin/flash-node",
	} {
		assert.Contains(t, al, cmd)
	}
}
