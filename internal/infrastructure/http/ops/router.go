// Package ops serves health, job state, and Prometheus metrics for the worker.
package ops

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shipsync/internal/core/tenant"
	"shipsync/internal/domain/replication"
	"shipsync/internal/infrastructure/http/middleware"
	"shipsync/internal/worker"
	"shipsync/pkg/logger"
)

// Pinger is satisfied by pgxpool.Pool and postgres.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// JobSource exposes scheduler state.
type JobSource interface {
	Snapshots() []worker.Snapshot
}

// TenantStats exposes per-tenant pool statistics.
type TenantStats interface {
	Stats() tenant.ManagerStats
}

// SchemaSource exposes the last introspected warehouse schema.
type SchemaSource interface {
	Snapshot() (replication.Schema, time.Time)
}

// RouterConfig wires the ops endpoints. Nil sources disable their endpoint.
type RouterConfig struct {
	// Databases are pinged by /health/ready, keyed by a display name.
	Databases map[string]Pinger

	Jobs    JobSource
	Tenants TenantStats
	Schema  SchemaSource

	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	Logger *logger.Logger

	// ReadyTimeout bounds each readiness ping.
	ReadyTimeout time.Duration
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	if cfg.Logger == nil {
		cfg.Logger = logger.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Second
	}

	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.Logger(cfg.Logger))

	h := &handler{cfg: cfg}
	health := router.Group("/health")
	{
		health.GET("/live", h.live)
		health.GET("/ready", h.ready)
		if cfg.Jobs != nil {
			health.GET("/jobs", h.jobs)
		}
		if cfg.Tenants != nil {
			health.GET("/tenants", h.tenants)
		}
		if cfg.Schema != nil {
			health.GET("/schema", h.schema)
		}
	}
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))

	return router
}
