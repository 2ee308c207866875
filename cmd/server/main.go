package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/padloom/padloom/internal/config"
	"github.com/padloom/padloom/pkg/connhub"
	"github.com/padloom/padloom/pkg/eventbus"
	"github.com/padloom/padloom/pkg/httpapi"
	"github.com/padloom/padloom/pkg/logging"
	"github.com/padloom/padloom/pkg/padcache"
	"github.com/padloom/padloom/pkg/padstore"
	"github.com/padloom/padloom/pkg/reconciler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to load configuration")
	}
	logging.Init()

	logging.Log.WithField("port", cfg.Port).Info("starting padloom core")

	bus, err := eventbus.New(cfg.RedisURL, eventbus.Config{
		StreamExpiry:   cfg.StreamExpiry,
		StreamMaxLen:   cfg.StreamMaxLen,
		PresenceExpiry: cfg.PresenceExpiry,
	})
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to connect to redis")
	}
	defer bus.Close()

	rdbOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to parse redis url")
	}
	cache, err := padcache.New(redis.NewClient(rdbOpts), cfg.CacheExpiry)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to construct pad cache")
	}

	store, err := padstore.New(cfg.SQLiteURI)
	if err != nil {
		logging.Log.WithError(err).Fatal("failed to open pad store")
	}
	defer store.Close()

	rec := reconciler.New(bus, cache, store, reconciler.Config{
		SaveInterval:  cfg.SaveInterval,
		SaveJitter:    30 * time.Second,
		WorkerTTL:     cfg.WorkerClaimTTL,
		ShutdownGrace: cfg.ShutdownGrace,
	})

	hub := connhub.New(bus, cache, store, rec, connhub.Config{
		AccessRecheckInterval: cfg.AccessRecheckInterval,
		PointerRatePerSec:     cfg.PointerRatePerSec,
		PointerRateBurst:      cfg.PointerRateBurst,
		MaxMessageSize:        int64(cfg.MaxDocumentSize),
	})

	router := httpapi.Router(hub, httpapi.CookieIdentitySessionResolver{})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Log.WithField("addr", srv.Addr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Log.WithError(err).Fatal("server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logging.Log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Log.WithError(err).Warn("http server shutdown did not complete cleanly")
	}

	rec.Shutdown()
	logging.Log.Info("shutdown complete")
}
