package cmdpolicy

// privateRanges is the default target set for probing tools: lab gear lives
// on RFC1918 space and loopback, never the open internet.
var privateRanges = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16", "127.0.0.0/8"}

// Default returns the built-in allowlist covering every command the action
// catalog plans. Sites override it with ALLOWLIST_PATH; the built-in set is
// what a stock node ships with.
func Default() Allowlist {
	return Allowlist{
		"/usr/bin/systemctl": {
			MaxArgs:     4,
			Subcommands: []string{"status", "restart", "is-active", "list-units"},
			FlagsAllowed: []string{
				"--no-pager", "--type", "--state", "--plain", "-n",
			},
		},
		"/usr/bin/journalctl": {
			MaxArgs:      6,
			FlagsAllowed: []string{"-u", "-n", "--no-pager", "--since", "-o"},
		},
		"/usr/bin/df": {MaxArgs: 2, FlagsAllowed: []string{"-h", "-k"}},
		"/bin/df":     {MaxArgs: 2, FlagsAllowed: []string{"-h", "-k"}},
		"/usr/bin/ping": {
			MaxArgs:      4,
			FlagsAllowed: []string{"-c", "-W", "-t", "-i"},
			Targets:      privateRanges,
		},
		"/sbin/ping": {
			MaxArgs:      4,
			FlagsAllowed: []string{"-c", "-W", "-t", "-i"},
			Targets:      privateRanges,
		},
		"/usr/bin/nmap": {
			MaxArgs:      6,
			FlagsAllowed: []string{"-sn", "--top-ports", "-T4", "-oG", "-n"},
			Targets:      privateRanges,
		},
		"/usr/sbin/ip": {MaxArgs: 3, Subcommands: []string{"route", "addr", "link"}},
		"/sbin/ip":     {MaxArgs: 3, Subcommands: []string{"route", "addr", "link"}},
		"/usr/sbin/netstat": {
			MaxArgs:      2,
			FlagsAllowed: []string{"-rn", "-in"},
		},
		"/usr/sbin/iw": {MaxArgs: 5, Subcommands: []string{"dev"}},
		"/System/Library/PrivateFrameworks/Apple80211.framework/Versions/Current/Resources/airport": {
			MaxArgs:      2,
			FlagsAllowed: []string{"-s", "-I"},
		},
		"/usr/bin/git": {
			MaxArgs:      5,
			Subcommands:  []string{"describe", "rev-parse"},
			FlagsAllowed: []string{"--tags", "--always", "--dirty", "--short"},
			CwdRoots:     []string{"/opt/lab", "/srv"},
		},

		// Site helper scripts. Installed by provisioning, absent on stock
		// hosts, which the runner reports as execution_failed rather than a
		// policy denial.
		"/usr/local/sbin/ble-sweep":       {MaxArgs: 3},
		"/usr/local/sbin/egress-lockdown": {MaxArgs: 2},
		"/usr/local/sbin/net-isolate":     {MaxArgs: 2},
		"/usr/local/sbin/kill-switch":     {MaxArgs: 1},
		"/usr/local/sbin/deploy-config": {
			MaxArgs:      3,
			PathPrefixes: []string{"/etc/lab", "/opt/lab"},
		},
		"/usr/local/sbin/flash-node": {
			MaxArgs:      6,
			PathPrefixes: []string{"/opt/lab/artifacts"},
			CwdRoots:     []string{"/opt/lab"},
		},
	}
}
