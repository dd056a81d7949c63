// sshguard is the one-shot constrained executor for SSH-reachable hosts:
// JSON request on stdin, JSON response on stdout, exit code per outcome.
// It is meant to be the forced command of a dedicated SSH key.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/sshguard"
	"github.com/fieldlab/labplane/internal/vault"
)

type options struct {
	Allowlist string `long:"allowlist" env:"ALLOWLIST_PATH" description:"command allowlist path"`
	TimeoutMs int    `long:"timeout-ms" env:"DEFAULT_TIMEOUT_MS" description:"execution timeout in milliseconds"`
	Quiet     bool   `short:"q" long:"quiet" description:"suppress log output (stdout stays pure JSON)"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(sshguard.ExitBadRequest)
	}
	if opts.Quiet {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.ErrorLevel)
	} else {
		// Logs must never mix into the stdout protocol.
		log.SetOutput(os.Stderr)
	}
	config.Bootstrap("sshguard")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Error("config file unreadable")
		os.Exit(sshguard.ExitBadRequest)
	}
	if opts.Allowlist == "" {
		opts.Allowlist = config.Env("ALLOWLIST_PATH", config.DefaultAllowlist)
	}

	timeout := config.EnvDurationMs("DEFAULT_TIMEOUT_MS", config.DefaultTimeoutMs)
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}

	identity := config.LoadIdentity()
	guard := sshguard.New(
		opts.Allowlist,
		vault.New(config.VaultIngestURL()),
		"sshguard@"+identity.NodeID,
		timeout,
	)

	resp, exitCode := guard.Execute(context.Background(), os.Stdin)
	enc := json.NewEncoder(os.Stdout)
	if err := enc.Encode(resp); err != nil {
		os.Exit(sshguard.ExitBadRequest)
	}
	os.Exit(exitCode)
}
