// Package config loads worker configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"shipsync/internal/core/entity"
	"shipsync/internal/core/tenant"
	"shipsync/internal/domain/aggregation"
	"shipsync/internal/domain/replication"
	"shipsync/internal/domain/staging"
	"shipsync/internal/infrastructure/storage/postgres"
	"shipsync/internal/worker"
)

// Config is the full worker configuration.
type Config struct {
	AppEnv   string `env:"APP_ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	Warehouse   WarehouseConfig   `envPrefix:"WAREHOUSE_"`
	Meta        MetaConfig        `envPrefix:"META_"`
	Tenants     TenantConfig      `envPrefix:"TENANT_"`
	Replication ReplicationConfig `envPrefix:"REPLICATION_"`
	Staging     StagingConfig     `envPrefix:"STAGING_"`
	Aggregation AggregationConfig `envPrefix:"AGGREGATION_"`
}

type WarehouseConfig struct {
	DSN string `env:"DSN,required,notEmpty"`

	// Separate pools keep a slow replication pass from starving aggregation.
	ReplicationConns int32         `env:"REPLICATION_CONNS" envDefault:"10"`
	AggregationConns int32         `env:"AGGREGATION_CONNS" envDefault:"2"`
	StatementTimeout time.Duration `env:"STATEMENT_TIMEOUT" envDefault:"30s"`
}

type MetaConfig struct {
	DSN         string `env:"DSN,required,notEmpty"`
	RegistryKey string `env:"REGISTRY_KEY" envDefault:"tenants"`
}

type TenantConfig struct {
	DefaultHost     string        `env:"DB_HOST"`
	DefaultPort     int           `env:"DB_PORT" envDefault:"5432"`
	DefaultUser     string        `env:"DB_USER"`
	DefaultPassword string        `env:"DB_PASSWORD"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"2"`
	MaxPools        int           `env:"MAX_POOLS" envDefault:"200"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"10m"`
	Concurrency     int           `env:"CONCURRENCY" envDefault:"10"`
}

type ReplicationConfig struct {
	Every          time.Duration `env:"EVERY" envDefault:"120s"`
	Timeout        time.Duration `env:"TIMEOUT" envDefault:"100s"`
	TenantTimeout  time.Duration `env:"TENANT_TIMEOUT" envDefault:"60s"`
	BatchSize      int           `env:"BATCH_SIZE" envDefault:"100"`
	Since          time.Time     `env:"SINCE" envDefault:"2025-01-28T00:00:00Z"`
	DeletionMarker string        `env:"DELETION_MARKER" envDefault:"shipment_removed"`
	MaxBacklog     int           `env:"MAX_BACKLOG_PASSES" envDefault:"5"`
}

type StagingConfig struct {
	Every           time.Duration `env:"EVERY" envDefault:"120s"`
	Timeout         time.Duration `env:"TIMEOUT" envDefault:"100s"`
	StatusBatch     int           `env:"STATUS_BATCH" envDefault:"50"`
	AssignmentBatch int           `env:"ASSIGNMENT_BATCH" envDefault:"500"`
}

type AggregationConfig struct {
	Every      time.Duration `env:"EVERY" envDefault:"30s"`
	Timeout    time.Duration `env:"TIMEOUT" envDefault:"25s"`
	FetchLimit int           `env:"FETCH_LIMIT" envDefault:"1000"`
	KeyChunk   int           `env:"KEY_CHUNK" envDefault:"300"`
	MarkChunk  int           `env:"MARK_CHUNK" envDefault:"1000"`
	TimeZone   string        `env:"TIME_ZONE" envDefault:"America/Argentina/Buenos_Aires"`
	InProcess  []int         `env:"IN_PROCESS_STATUSES" envSeparator:"," envDefault:"0,1,2,3,4,6,7,10,11,12,13"`
	Closed     []int         `env:"CLOSED_STATUSES" envSeparator:"," envDefault:"5,8,9,14"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	check := func(name string, timeout, every time.Duration) {
		if timeout <= 0 || every <= 0 {
			errs = append(errs, fmt.Errorf("%s: interval and timeout must be positive", name))
			return
		}
		if timeout >= every {
			errs = append(errs, fmt.Errorf("%s: timeout %s must be shorter than interval %s", name, timeout, every))
		}
	}
	check("replication", c.Replication.Timeout, c.Replication.Every)
	check("staging", c.Staging.Timeout, c.Staging.Every)
	check("aggregation", c.Aggregation.Timeout, c.Aggregation.Every)

	if c.Replication.BatchSize <= 0 {
		errs = append(errs, errors.New("replication: batch size must be positive"))
	}
	if c.Aggregation.KeyChunk <= 0 || c.Aggregation.MarkChunk <= 0 || c.Aggregation.FetchLimit <= 0 {
		errs = append(errs, errors.New("aggregation: fetch limit and chunk sizes must be positive"))
	}
	if _, err := time.LoadLocation(c.Aggregation.TimeZone); err != nil {
		errs = append(errs, fmt.Errorf("aggregation: time zone: %w", err))
	}
	for _, s := range c.Aggregation.InProcess {
		for _, t := range c.Aggregation.Closed {
			if s == t {
				errs = append(errs, fmt.Errorf("aggregation: status %d is both in-process and closed", s))
			}
		}
	}
	return errors.Join(errs...)
}

func (c Config) IsDevelopment() bool { return c.AppEnv == "development" }

// Location returns the reporting time zone, UTC if it cannot be loaded.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Aggregation.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c Config) ReplicationPool() postgres.PoolConfig {
	p := postgres.DefaultPoolConfig("replication", c.Warehouse.DSN)
	p.MaxConns = c.Warehouse.ReplicationConns
	return p
}

func (c Config) AggregationPool() postgres.PoolConfig {
	p := postgres.DefaultPoolConfig("aggregation", c.Warehouse.DSN)
	p.MaxConns = c.Warehouse.AggregationConns
	return p
}

func (c Config) TxOptions() postgres.TxOptions {
	o := postgres.DefaultTxOptions()
	o.StatementTimeout = c.Warehouse.StatementTimeout
	return o
}

func (c Config) TenantManager() tenant.ManagerConfig {
	m := tenant.DefaultManagerConfig()
	m.Defaults = tenant.ConnDefaults{
		Host:     c.Tenants.DefaultHost,
		Port:     c.Tenants.DefaultPort,
		User:     c.Tenants.DefaultUser,
		Password: c.Tenants.DefaultPassword,
		SSLMode:  c.Tenants.SSLMode,
	}
	m.MaxConnsPerTenant = c.Tenants.MaxConns
	m.MaxTotalPools = c.Tenants.MaxPools
	m.ConnectTimeout = c.Tenants.ConnectTimeout
	m.PoolIdleTimeout = c.Tenants.IdleTimeout
	return m
}

func (c Config) ReplicationService() replication.Config {
	return replication.Config{
		BatchSize:     c.Replication.BatchSize,
		Since:         c.Replication.Since,
		TenantTimeout: c.Replication.TenantTimeout,
		Concurrency:   c.Tenants.Concurrency,
	}
}

func (c Config) StagingService() staging.Config {
	s := staging.DefaultConfig()
	s.StatusBatch = c.Staging.StatusBatch
	s.AssignmentBatch = c.Staging.AssignmentBatch
	s.Since = c.Replication.Since
	s.Concurrency = c.Tenants.Concurrency
	return s
}

func (c Config) AggregationService() aggregation.Config {
	return aggregation.Config{
		FetchLimit: c.Aggregation.FetchLimit,
		KeyChunk:   c.Aggregation.KeyChunk,
		MarkChunk:  c.Aggregation.MarkChunk,
		Location:   c.Location(),
		Categories: entity.NewCategories(c.Aggregation.InProcess, c.Aggregation.Closed),
	}
}

func (c Config) Schedule() worker.Schedule {
	return worker.Schedule{
		ReplicateEvery:   c.Replication.Every,
		ReplicateTimeout: c.Replication.Timeout,
		StageEvery:       c.Staging.Every,
		StageTimeout:     c.Staging.Timeout,
		AggregateEvery:   c.Aggregation.Every,
		AggregateTimeout: c.Aggregation.Timeout,
		MaxBacklogPasses: c.Replication.MaxBacklog,
	}
}
