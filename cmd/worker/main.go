// Package main is the entry point for the shipment sync worker: it replicates
// tenant shipment tables into the warehouse, stages CDC events and keeps the
// aggregate index current.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"shipsync/internal/config"
	"shipsync/internal/core/tenant"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/cache"
	"shipsync/internal/infrastructure/http/ops"
	"shipsync/internal/infrastructure/storage/postgres"
	"shipsync/internal/infrastructure/storage/postgres/cursor_repo"
	"shipsync/internal/infrastructure/storage/postgres/event_repo"
	"shipsync/internal/infrastructure/storage/postgres/index_repo"
	"shipsync/internal/infrastructure/storage/postgres/replica_repo"
	"shipsync/internal/infrastructure/storage/postgres/source_repo"
	"shipsync/internal/worker"
	"shipsync/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.IsDevelopment(),
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	log.Infow("starting shipsync worker", "env", cfg.AppEnv)

	metaPool, err := pgxpool.New(ctx, cfg.Meta.DSN)
	if err != nil {
		return fmt.Errorf("connect meta database: %w", err)
	}
	defer metaPool.Close()

	registry := tenant.NewPostgresRegistry(metaPool, cfg.Meta.RegistryKey)
	if err := registry.Refresh(ctx); err != nil {
		// Passes retry the registry; an empty directory only yields empty passes.
		log.Warnw("tenant registry not loaded at startup", "error", err)
	}

	manager := tenant.NewManager(cfg.TenantManager(), registry, log)
	defer manager.Close()
	if err := manager.PrewarmPools(ctx, cfg.Tenants.Concurrency); err != nil {
		log.Warnw("prewarm skipped", "error", err)
	}

	replPool, err := postgres.NewPool(ctx, cfg.ReplicationPool())
	if err != nil {
		return err
	}
	defer replPool.Close()

	aggPool, err := postgres.NewPool(ctx, cfg.AggregationPool())
	if err != nil {
		return err
	}
	defer aggPool.Close()

	replTx := postgres.NewTxManager(replPool).WithOptions(cfg.TxOptions())
	aggTx := postgres.NewTxManager(aggPool).WithOptions(cfg.TxOptions())

	columns := cache.NewColumnCache(replPool)
	replicas := replica_repo.NewReplicaRepo(replTx)

	replicator := replication.NewReplicator(replication.Deps{
		Directory: registry,
		Connector: manager,
		Source:    source_repo.NewSourceRepo(),
		Cursors:   cursor_repo.NewCursorRepo(replTx),
		Replicas:  replicas,
		Schema:    columns,
		TxManager: replTx,
	}, cfg.ReplicationService(), replication.DefaultDeletionStream(cfg.Replication.DeletionMarker))

	stager := staging.NewStager(registry, replicas, event_repo.NewEventRepo(replTx), replTx, cfg.StagingService())

	engine := aggregation.NewEngine(
		event_repo.NewEventRepo(aggTx),
		index_repo.NewIndexRepo(aggTx),
		replica_repo.NewReplicaRepo(aggTx),
		aggTx,
		cfg.AggregationService(),
	)

	metrics := worker.NewMetrics(prometheus.DefaultRegisterer)
	prometheus.MustRegister(postgres.NewPoolCollector(replPool, aggPool))
	scheduler := worker.NewPipeline(cfg.Schedule(), replicator, stager, engine, metrics, log)

	router := ops.NewRouter(ops.RouterConfig{
		Databases: map[string]ops.Pinger{
			"meta":      metaPool,
			"warehouse": replPool,
		},
		Jobs:     scheduler,
		Tenants:  manager,
		Schema:   columns,
		Gatherer: prometheus.DefaultGatherer,
		Logger:   log,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		log.Infow("ops server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("ops server failed", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		scheduler.Run(ctx)
	}()

	<-ctx.Done()
	log.Info("shutting down worker...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("ops server shutdown", "error", err)
	}

	wg.Wait()
	log.Info("worker stopped")
	return nil
}
