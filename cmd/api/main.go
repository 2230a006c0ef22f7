package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PratikDhanave/etrike-passenger-counter/internal/aggregate"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/config"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/eventlog"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/httpserver"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/ingest"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/logger"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/store"
	"github.com/PratikDhanave/etrike-passenger-counter/internal/telemetry"
)

// main boots the central service: config → DB → schema → telemetry → HTTP server.
func main() {
	cfg, err := config.LoadServer()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to durable storage (Postgres) using a connection pool.
	db, err := store.NewPostgresStore(ctx, cfg.DBURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect database")
	}
	defer db.Close()

	// Ensure required tables/indexes exist so `docker compose up --build` is enough.
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to apply schema")
	}

	gdb, err := db.Gorm()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open gorm")
	}

	// Uploaded snapshots are merged into a partition archive on local disk.
	archive, err := eventlog.Open(cfg.ArchiveDir, log)
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ArchiveDir).Msg("failed to open archive")
	}

	positions := telemetry.NewService(
		telemetry.NewPositionRepository(gdb),
		telemetry.Thresholds{OfflineAfter: cfg.Telemetry.OfflineAfter, ParkedAfter: cfg.Telemetry.ParkedAfter},
		nil,
	)
	hub := telemetry.NewHub(
		telemetry.NewHeartbeats(cfg.Telemetry.LiveWindow, nil),
		positions,
		telemetry.NewBroadcaster(positions, cfg.Telemetry.BroadcastInterval, log),
		log,
	)

	var observers []*telemetry.MQTTObserver
	if cfg.MQTT.Broker != "" {
		client, err := telemetry.ConnectMQTT(cfg.MQTT.Broker, cfg.MQTT.ClientID, log)
		if err != nil {
			// The map still works without MQTT; ingestion never depends on it.
			log.Error().Err(err).Msg("mqtt disabled")
		} else {
			defer client.Disconnect(250)
			observers = append(observers, telemetry.NewMQTTObserver(client, cfg.MQTT.Topic, log))
		}
	}
	if err := hub.Start(ctx, observers...); err != nil {
		log.Fatal().Err(err).Msg("failed to start telemetry")
	}
	defer hub.Stop()

	reports := aggregate.New([]aggregate.NamedSource{
		{Name: "postgres", Source: db},
		{Name: "archive", Source: archive},
	}, log, aggregate.WithCacheTTL(cfg.AggregateCacheTTL))

	router := httpserver.NewRouter(cfg, httpserver.Deps{
		Store:     db,
		Ingest:    ingest.New(db, log, ingest.WithStaleAfter(cfg.StaleDeviceAfter)),
		Archive:   archive,
		Reports:   reports,
		Telemetry: hub,
		Log:       log,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
}
