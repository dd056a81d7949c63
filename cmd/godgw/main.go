// godgw is the God Gateway: the single write surface for operator action
// requests. Every request is normalized, deduplicated, rate limited,
// vault-audited, and only then published onto the messaging plane.
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

	"github.com/fieldlab/labplane/internal/bus"
	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/router"
	"github.com/fieldlab/labplane/internal/vault"
)

type options struct {
	Listen   string `long:"listen" env:"GOD_LISTEN" default:"127.0.0.1:8082" description:"gateway listen address"`
	TokenURL string `long:"token-url" env:"TOKEN_URL" default:"http://127.0.0.1:8083" description:"token issuer base URL"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("godgw")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}

	identity := config.LoadIdentity()
	src := "godgw@" + identity.NodeID

	vaultClient := vault.New(config.VaultIngestURL())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The gateway publishes but never handles; it still runs the full client
	// so publishes survive broker restarts.
	busClient := bus.NewClient(config.AuxHost(), opts.TokenURL+"/token", src)
	go busClient.Run(ctx)

	rt := router.New(src, vaultClient, busClient)

	r := mux.NewRouter()
	rt.Routes(r)

	srv := &http.Server{
		Addr:         opts.Listen,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithFields(log.Fields{"listen": opts.Listen, "vault": vaultClient.URL()}).
			Info("godgw listening")
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
