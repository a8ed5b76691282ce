package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"shipsync/internal/config"
	"shipsync/internal/core/tenant"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/cache"
	"shipsync/internal/infrastructure/storage/postgres"
	"shipsync/internal/infrastructure/storage/postgres/cursor_repo"
	"shipsync/internal/infrastructure/storage/postgres/event_repo"
	"shipsync/internal/infrastructure/storage/postgres/index_repo"
	"shipsync/internal/infrastructure/storage/postgres/replica_repo"
	"shipsync/internal/infrastructure/storage/postgres/source_repo"
	"shipsync/pkg/logger"
)

// app holds the connections of one CLI invocation. Commands open only what
// they use; close releases everything opened.
type app struct {
	cfg config.Config
	log *logger.Logger

	meta      *pgxpool.Pool
	registry  *tenant.PostgresRegistry
	manager   *tenant.Manager
	warehouse *postgres.Pool
	txm       *postgres.TxManager
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Development: true})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return &app{cfg: cfg, log: log}, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Close()
	}
	if a.meta != nil {
		a.meta.Close()
	}
	if a.warehouse != nil {
		a.warehouse.Close()
	}
	_ = a.log.Sync()
}

func (a *app) directory(ctx context.Context) (*tenant.PostgresRegistry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	pool, err := pgxpool.New(ctx, a.cfg.Meta.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect meta database: %w", err)
	}
	a.meta = pool
	a.registry = tenant.NewPostgresRegistry(pool, a.cfg.Meta.RegistryKey)
	if err := a.registry.Refresh(ctx); err != nil {
		return nil, err
	}
	return a.registry, nil
}

func (a *app) tenants(ctx context.Context) (*tenant.Manager, error) {
	if a.manager != nil {
		return a.manager, nil
	}
	dir, err := a.directory(ctx)
	if err != nil {
		return nil, err
	}
	a.manager = tenant.NewManager(a.cfg.TenantManager(), dir, a.log)
	return a.manager, nil
}

func (a *app) tx(ctx context.Context) (*postgres.TxManager, error) {
	if a.txm != nil {
		return a.txm, nil
	}
	pool, err := postgres.NewPool(ctx, a.cfg.ReplicationPool())
	if err != nil {
		return nil, err
	}
	a.warehouse = pool
	a.txm = postgres.NewTxManager(pool).WithOptions(a.cfg.TxOptions())
	return a.txm, nil
}

func (a *app) replicator(ctx context.Context) (*replication.Replicator, error) {
	manager, err := a.tenants(ctx)
	if err != nil {
		return nil, err
	}
	txm, err := a.tx(ctx)
	if err != nil {
		return nil, err
	}
	return replication.NewReplicator(replication.Deps{
		Directory: a.registry,
		Connector: manager,
		Source:    source_repo.NewSourceRepo(),
		Cursors:   cursor_repo.NewCursorRepo(txm),
		Replicas:  replica_repo.NewReplicaRepo(txm),
		Schema:    cache.NewColumnCache(a.warehouse),
		TxManager: txm,
	}, a.cfg.ReplicationService(), replication.DefaultDeletionStream(a.cfg.Replication.DeletionMarker)), nil
}

func (a *app) stager(ctx context.Context) (*staging.Stager, error) {
	dir, err := a.directory(ctx)
	if err != nil {
		return nil, err
	}
	txm, err := a.tx(ctx)
	if err != nil {
		return nil, err
	}
	return staging.NewStager(dir, replica_repo.NewReplicaRepo(txm), event_repo.NewEventRepo(txm), txm, a.cfg.StagingService()), nil
}

func (a *app) engine(ctx context.Context) (*aggregation.Engine, error) {
	txm, err := a.tx(ctx)
	if err != nil {
		return nil, err
	}
	return aggregation.NewEngine(
		event_repo.NewEventRepo(txm),
		index_repo.NewIndexRepo(txm),
		replica_repo.NewReplicaRepo(txm),
		txm,
		a.cfg.AggregationService(),
	), nil
}
