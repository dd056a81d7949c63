// agentd is the per-node execution agent. It subscribes to the action
// topics, enforces the capability matrix and command allowlist, executes
// under the vault-first discipline, and heartbeats a health snapshot.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/actions"
	"github.com/fieldlab/labplane/internal/agent"
	"github.com/fieldlab/labplane/internal/bus"
	"github.com/fieldlab/labplane/internal/capability"
	"github.com/fieldlab/labplane/internal/cmdpolicy"
	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/vault"
)

type options struct {
	Capabilities string `long:"capabilities" env:"CAPABILITIES_PATH" description:"capability descriptor path"`
	Allowlist    string `long:"allowlist" env:"ALLOWLIST_PATH" description:"command allowlist path"`
	ClaimDB      string `long:"claim-db" env:"CLAIM_DB_PATH" description:"claim record path"`
	TokenURL     string `long:"token-url" env:"TOKEN_URL" default:"http://127.0.0.1:8083" description:"token issuer base URL"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("agentd")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}
	if opts.Capabilities == "" {
		opts.Capabilities = config.Env("CAPABILITIES_PATH", config.DefaultCapabilities)
	}
	if opts.Allowlist == "" {
		opts.Allowlist = config.Env("ALLOWLIST_PATH", config.DefaultAllowlist)
	}
	if opts.ClaimDB == "" {
		opts.ClaimDB = config.Env("CLAIM_DB_PATH", config.DefaultClaimDB)
	}

	identity := config.LoadIdentity()
	caps := capability.NewHolder(opts.Capabilities)

	// A missing allowlist means no command actions run on this node; special
	// actions (snapshots, rollcall, mode toggles) still work.
	allowlist, err := cmdpolicy.Load(opts.Allowlist)
	if err != nil {
		log.WithError(err).Warn("allowlist unavailable, command actions disabled")
		allowlist = nil
	}

	vaultClient := vault.New(config.VaultIngestURL())
	timeout := config.EnvDurationMs("DEFAULT_TIMEOUT_MS", config.DefaultTimeoutMs)

	a := agent.New(identity, caps, allowlist, vaultClient, opts.ClaimDB, timeout)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bus.NewClient(config.AuxHost(), opts.TokenURL+"/token", identity.NodeID)
	client.OnMessage(func(topic string, data []byte) {
		a.HandleMessage(ctx, topic, data)
	})
	client.Subscribe(actions.Topics()...)
	go client.Run(ctx)

	// SIGHUP re-reads the capability descriptor without a restart.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			log.Info("reloading capabilities")
			a.ReloadCapabilities()
		}
	}()

	go heartbeatLoop(ctx, a)

	log.WithFields(log.Fields{
		"node_id":  identity.NodeID,
		"platform": a.Platform(),
		"aux":      config.AuxHost(),
	}).Info("agentd running")

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	sig := <-done
	log.WithField("signal", sig.String()).Info("shutting down")
	cancel()
	time.Sleep(200 * time.Millisecond) // let in-flight audits drain
}

func heartbeatLoop(ctx context.Context, a *agent.Agent) {
	interval := config.EnvDurationMs("HEALTH_INTERVAL_MS", config.DefaultHealthIntvMs)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	a.Heartbeat(ctx)
	for {
		select {
		case <-ticker.C:
			a.Heartbeat(ctx)
		case <-ctx.Done():
			return
		}
	}
}
