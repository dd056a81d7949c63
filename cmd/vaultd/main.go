// vaultd is the audit vault: the append-only ingest endpoint every other
// component writes through. It owns the event store and the BLE identity
// registry that derives stable device events from raw observations.
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

	"github.com/fieldlab/labplane/internal/bleid"
	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/eventstore"
	"github.com/fieldlab/labplane/internal/ingest"
)

type options struct {
	Listen    string `long:"listen" env:"VAULT_LISTEN" default:"127.0.0.1:8081" description:"ingest listen address"`
	StoreRoot string `long:"store-root" env:"EVENT_STORE_ROOT" description:"event store root"`
	BLEDB     string `long:"ble-db" env:"BLE_REGISTRY_DB" description:"BLE registry sqlite path"`
	NoBLE     bool   `long:"no-ble" env:"BLE_DISABLED" description:"disable BLE identity derivation"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("vaultd")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}

	if opts.StoreRoot == "" {
		opts.StoreRoot = config.Env("EVENT_STORE_ROOT", config.DefaultEventStoreRoot)
	}
	store, err := eventstore.Open(opts.StoreRoot)
	if err != nil {
		log.WithError(err).Fatal("event store unavailable")
	}
	defer store.Close()

	// The registry is optional hardware support: an init failure is reported
	// on /health, not fatal. Raw observations still land in the store.
	var registry *bleid.Registry
	var bleErr error
	if !opts.NoBLE {
		path := opts.BLEDB
		if path == "" {
			path = config.Env("BLE_REGISTRY_DB", config.DefaultBLERegistryDB)
		}
		registry, bleErr = bleid.Open(path)
		if bleErr != nil {
			log.WithError(bleErr).Warn("ble registry unavailable, derivation disabled")
		} else {
			defer registry.Close()
		}
	}

	bleErrMsg := ""
	if bleErr != nil {
		bleErrMsg = bleErr.Error()
	}
	identity := config.LoadIdentity()
	svc := ingest.NewService(store, registry, bleErrMsg, identity.NodeID)

	r := mux.NewRouter()
	svc.Routes(r)

	serve(r, opts.Listen, store)
}

func serve(handler http.Handler, listen string, store *eventstore.Store) {
	srv := &http.Server{
		Addr:         listen,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("listen", listen).Info("vaultd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("serve failed")
		}
	}()

	sig := <-done
	log.WithField("signal", sig.String()).Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	if err := store.Close(); err != nil {
		log.WithError(err).Warn("store close failed")
	}
	log.WithField("appended", store.Appended()).Info("vaultd stopped")
}
