// busd is the messaging plane broker: websocket spokes, topic fan-out, and
// the optional Redis mirror that links brokers across hosts.
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
	"github.com/fieldlab/labplane/internal/token"
)

type options struct {
	Listen   string `long:"listen" env:"BUS_LISTEN" default:"127.0.0.1:8090" description:"broker listen address"`
	RedisURL string `long:"redis-url" env:"REDIS_URL" description:"optional redis URL for cross-broker fan-out"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("busd")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}

	// The broker verifies with the same key tokend signs with. An empty key
	// makes both sides ephemeral, which only works single-host.
	issuer := token.NewIssuer(os.Getenv("TOKEN_SIGNING_KEY"))
	broker := bus.NewBroker(issuer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if opts.RedisURL != "" {
		fanout, err := bus.NewRedisFanout(ctx, opts.RedisURL, broker.InstanceID())
		if err != nil {
			log.WithError(err).Fatal("redis fan-out unavailable")
		}
		defer fanout.Close()
		broker.SetFanout(fanout)
		log.Info("redis fan-out enabled")
	}

	r := mux.NewRouter()
	broker.Routes(r)

	srv := &http.Server{
		Addr:        opts.Listen,
		Handler:     r,
		ReadTimeout: 0, // websocket connections are long-lived
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithFields(log.Fields{"listen": opts.Listen, "instance": broker.InstanceID()}).
			Info("busd listening")
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
