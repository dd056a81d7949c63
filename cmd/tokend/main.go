// tokend issues the short-lived room tokens the messaging plane requires.
// Its health answer is tied to the plane itself: if the broker is down the
// issuer reports unavailable rather than hand out tokens nobody can use.
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

	"github.com/fieldlab/labplane/internal/config"
	"github.com/fieldlab/labplane/internal/token"
)

type options struct {
	Listen string `long:"listen" env:"TOKEN_LISTEN" default:"127.0.0.1:8083" description:"issuer listen address"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(1)
	}
	config.Bootstrap("tokend")
	if _, err := config.LoadFile(); err != nil {
		log.WithError(err).Fatal("config file unreadable")
	}

	issuer := token.NewIssuer(os.Getenv("TOKEN_SIGNING_KEY"))
	probe := token.NewPlaneProbe(config.AuxHost())
	svc := token.NewService(issuer, probe)

	r := mux.NewRouter()
	svc.Routes(r)

	srv := &http.Server{
		Addr:         opts.Listen,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.WithField("listen", opts.Listen).Info("tokend listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("serve failed")
		}
	}()

	sig := <-done
	log.WithField("signal", sig.String()).Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}
