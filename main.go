package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mirror-core/internal/api"
	"mirror-core/internal/decision"
	"mirror-core/internal/events"
	"mirror-core/internal/execution"
	"mirror-core/internal/ingest"
	"mirror-core/internal/possync"
	"mirror-core/internal/reconcile"
	"mirror-core/internal/registry"
	"mirror-core/pkg/config"
	"mirror-core/pkg/db"
	"mirror-core/pkg/signer"
	"mirror-core/pkg/venue"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	log.Printf("mirror-core starting on port %s", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Core services
	bus := events.NewBus()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("database init failed: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("database migrations failed: %v", err)
	}
	if err := database.InitSystemStatus(ctx, time.Now()); err != nil {
		log.Fatalf("system status init failed: %v", err)
	}

	// Account pairs
	reg := registry.New(database)
	if err := reg.LoadPairs(ctx, cfg.PairsPath); err != nil {
		log.Fatalf("pairs load failed: %v", err)
	}

	// Venue and signing gateway clients
	venueClient := venue.NewClient(venue.Config{
		BaseURL:   cfg.VenueBaseURL,
		Timeout:   cfg.VenueTimeout,
		RateRPS:   cfg.VenueRateRPS,
		RateBurst: cfg.VenueRateBurst,
	})
	signerClient := signer.NewClient(signer.Config{
		BaseURL: cfg.SignerBaseURL,
		Timeout: cfg.SignerTimeout,
	})

	// The instrument index is fixed per session; refusing to start without
	// it beats mirroring with a stale mapping.
	assets, err := venueClient.Meta(ctx)
	if err != nil {
		log.Fatalf("venue meta load failed: %v", err)
	}
	log.Printf("venue meta loaded, %d instruments", len(assets))

	// Decision and execution pipeline
	cache := decision.NewConfigCache(database, cfg.RiskConfigTTL)
	exec := execution.New(database, reg, cache, bus, venueClient, signerClient)
	engine := decision.NewEngine(database, reg, cache, bus, exec, assets)

	queue := ingest.NewQueue(100)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.Drain(ctx, func(ev db.TradeEvent) {
			// Panic recovery so one bad event cannot kill the pipeline.
			defer func() {
				if r := recover(); r != nil {
					log.Printf("decision: panic handling event %s: %v", ev.ID, r)
				}
			}()
			engine.Handle(ctx, ev)
		})
	}()

	// Startup catch-up runs to completion before live polling begins so the
	// mirrors converge on the book the sources already hold.
	syncer := possync.New(database, reg, venueClient, engine, cfg.PositionDelay)
	if err := syncer.Run(ctx); err != nil {
		log.Printf("possync: startup sync failed: %v", err)
	}

	// Live ingestion
	poller := ingest.NewPoller(venueClient, database, reg, bus, queue, ingest.Config{
		SweepInterval: cfg.SweepInterval,
		Window:        cfg.SweepWindow,
		AccountDelay:  cfg.AccountDelay,
	})
	poller.Start(ctx, &wg)

	// Reconciliation
	recon := reconcile.New(database, reg, venueClient, bus, reconcile.Config{
		Interval:      cfg.ReconcileInterval,
		DriftWarnPct:  cfg.DriftWarnPct,
		DriftErrorPct: cfg.DriftErrorPct,
	})
	recon.Start(ctx, &wg)

	// Ops API
	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	server := api.NewServer(bus, database, reg, cache, recon, api.SystemMeta{
		Venue:   cfg.VenueBaseURL,
		Version: version,
	}, cfg.JWTSecret)
	go func() {
		if err := server.Start(":" + cfg.Port); err != nil {
			log.Fatalf("api server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("shutting down")
	cancel()
	wg.Wait()
}
