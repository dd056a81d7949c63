// feedd is the read-only event feed. It tails the vault's day files —
// locally when co-located, over SSH or the guarded executor when the store
// lives on another host — and serves the query, trace, and node surfaces.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/fieldlab/labplane/internal/alias"
	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/feed"
)

type options struct {
	Listen     string `long:"listen" env:"FEED_LISTEN" default:"127.0.0.1:8084" description:"feed listen address"`
	Mode       string `long:"mode" env:"READ_MODE" default:"auto" choice:"auto" choice:"local" choice:"ssh" choice:"ssh_guard" description:"store read mode"`
	StoreRoot  string `long:"store-root" env:"EVENT_STORE_ROOT" description:"event store root"`
	LoggerHost string `long:"logger-host" env:"LOGGER_HOST" description:"remote store host for ssh modes"`
	SSHUser    string `long:"ssh-user" env:"SSH_USER" default:"labops" description:"remote user for ssh modes"`
	SSHKeyPath string `long:"ssh-key" env:"SSH_KEY_PATH" description:"private key for ssh modes"`
	GuardPath  string `long:"guard-path" env:"SSH_GUARD_PATH" description:"remote guard binary for ssh_guard mode"`
	Aliases    string `long:"aliases" env:"ALIAS_PATH" description:"official alias map path"`
	Overlay    string `long:"alias-overlay" env:"ALIAS_OVERLAY_PATH" description:"writable alias overlay path"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("feedd")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}
	if opts.StoreRoot == "" {
		opts.StoreRoot = config.Env("EVENT_STORE_ROOT", config.DefaultEventStoreRoot)
	}
	if opts.LoggerHost == "" {
		opts.LoggerHost = os.Getenv("LOGGER_HOST")
	}

	reader, err := buildReader(opts)
	if err != nil {
		log.WithError(err).Fatal("reader unavailable")
	}
	log.WithField("mode", reader.Mode()).Info("store reader selected")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine := feed.NewEngine(reader)
	aliases := alias.Load(opts.Aliases, opts.Overlay)
	svc := feed.NewService(ctx, engine, aliases)

	r := mux.NewRouter()
	svc.Routes(r)

	srv := &http.Server{
		Addr:         opts.Listen,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("listen", opts.Listen).Info("feedd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("serve failed")
		}
	}()

	sig := <-done
	log.WithField("signal", sig.String()).Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)
}

// buildReader picks the store access path. Auto prefers local when the store
// root exists on this host, then falls back to the remote modes.
func buildReader(opts options) (feed.Reader, error) {
	mode := opts.Mode
	if mode == feed.ModeAuto {
		if _, err := os.Stat(opts.StoreRoot); err == nil {
			mode = feed.ModeLocal
		} else if opts.LoggerHost != "" && opts.SSHKeyPath != "" {
			mode = feed.ModeSSH
		} else {
			mode = feed.ModeLocal
		}
	}

	switch mode {
	case feed.ModeLocal:
		return feed.NewLocalReader(opts.StoreRoot), nil
	case feed.ModeSSH:
		return feed.NewSSHReader(opts.LoggerHost, opts.SSHUser, opts.SSHKeyPath, opts.StoreRoot)
	case feed.ModeSSHGuard:
		sshReader, err := feed.NewSSHReader(opts.LoggerHost, opts.SSHUser, opts.SSHKeyPath, opts.StoreRoot)
		if err != nil {
			return nil, err
		}
		return feed.NewGuardReader(sshReader, opts.GuardPath), nil
	default:
		return feed.NewLocalReader(opts.StoreRoot), nil
	}
}
