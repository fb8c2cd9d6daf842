// Package main runs the local sync daemon. It owns the offline store,
// drains the outbox whenever the server is reachable, and serves a small
// localhost HTTP API for the scoresheet UI.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Cryborg/scoresheets-sync/configs"
	"github.com/Cryborg/scoresheets-sync/internal/api"
	"github.com/Cryborg/scoresheets-sync/internal/continuity"
	"github.com/Cryborg/scoresheets-sync/internal/db"
	"github.com/Cryborg/scoresheets-sync/internal/logging"
	"github.com/Cryborg/scoresheets-sync/internal/netstatus"
	syncengine "github.com/Cryborg/scoresheets-sync/internal/sync"
	"github.com/Cryborg/scoresheets-sync/migrations"
)

func main() {
	cfg := configs.Load()
	logging.Init(os.Stdout, cfg.LogrusLevel())

	database, err := db.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer database.Close()

	migrator := db.NewMigrator(database.DB, migrations.Files)
	if err := migrator.Initialize(); err != nil {
		logging.Error("failed to initialize migrations", err)
		os.Exit(1)
	}
	if err := migrator.Up(); err != nil {
		logging.Error("failed to apply migrations", err)
		os.Exit(1)
	}

	repo := db.NewRepository(database.DB)
	defer repo.Close()

	client := api.NewClient(cfg.APIBaseURL, cfg.APIToken)
	engine := syncengine.NewEngine(repo, client)
	manager := continuity.NewManager(repo, client)

	// The engine runs only while the server is reachable.
	monitor := netstatus.NewMonitor(cfg.ProbeURL, cfg.ProbeInterval)
	monitor.Subscribe(func(online bool) {
		if online {
			engine.Start()
		} else {
			engine.Stop()
		}
	})
	monitor.Start()
	defer monitor.Stop()
	defer engine.Stop()

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      newServer(repo, client, engine, manager, monitor).routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logging.Info("daemon listening", map[string]interface{}{
			"addr": cfg.ListenAddr,
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("http server failed", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logging.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logging.Error("shutdown failed", err)
	}
}
