package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"shipsync/pkg/logger"
)

// ManagerConfig configures Manager behavior.
type ManagerConfig struct {
	// Fallbacks for registry entries without their own coordinates.
	Defaults ConnDefaults

	// Pool settings (per tenant). Each tenant gets its own small pool;
	// connections are never shared between tenants.
	MaxConnsPerTenant int32
	MinConnsPerTenant int32

	ConnectTimeout time.Duration

	MaxTotalPools     int           // Max simultaneous pools (0 = unlimited)
	PoolIdleTimeout   time.Duration // Close pool after inactivity (0 = never)
	HealthCheckPeriod time.Duration // How often to ping pools (0 = never)
}

// DefaultManagerConfig returns defaults sized for a replication worker.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		Defaults:          ConnDefaults{Port: 5432, SSLMode: "disable"},
		MaxConnsPerTenant: 2,
		MinConnsPerTenant: 0,
		ConnectTimeout:    10 * time.Second,
		MaxTotalPools:     200,
		PoolIdleTimeout:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// ManagedPool wraps pgxpool.Pool with lifecycle tracking.
type ManagedPool struct {
	pool     *pgxpool.Pool
	tenant   *Tenant
	lastUsed atomic.Int64 // Unix timestamp
	refCount atomic.Int32 // Runs currently using this pool
	// unhealthySince is set when health check fails (unix timestamp). 0 means healthy/unknown.
	unhealthySince atomic.Int64
}

func (mp *ManagedPool) Touch() {
	mp.lastUsed.Store(time.Now().Unix())
}

func (mp *ManagedPool) Pool() *pgxpool.Pool {
	return mp.pool
}

func (mp *ManagedPool) Tenant() *Tenant {
	return mp.tenant
}

func (mp *ManagedPool) AcquireRef() {
	mp.refCount.Add(1)
}

func (mp *ManagedPool) ReleaseRef() {
	mp.refCount.Add(-1)
}

// Manager keeps one connection pool per tenant database.
// Thread-safe for concurrent access.
type Manager struct {
	config    ManagerConfig
	directory Directory

	pools     sync.Map // map[int64]*ManagedPool
	poolCount atomic.Int32
	destroyed atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *logger.Logger
}

// NewManager creates a tenant connection manager and starts its background loops.
func NewManager(cfg ManagerConfig, directory Directory, log *logger.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:    cfg,
		directory: directory,
		ctx:       ctx,
		cancel:    cancel,
		log:       log.WithComponent("tenant-manager"),
	}

	if cfg.PoolIdleTimeout > 0 {
		m.wg.Add(1)
		go m.evictionLoop()
	}

	if cfg.HealthCheckPeriod > 0 {
		m.wg.Add(1)
		go m.healthCheckLoop()
	}

	m.log.Infow("tenant manager started",
		"max_pools", cfg.MaxTotalPools,
		"conns_per_tenant", cfg.MaxConnsPerTenant,
		"idle_timeout", cfg.PoolIdleTimeout,
	)

	return m
}

// GetPool returns the pool for tenant, creating it if needed.
func (m *Manager) GetPool(ctx context.Context, tenantID int64) (*ManagedPool, error) {
	if val, ok := m.pools.Load(tenantID); ok {
		mp := val.(*ManagedPool)
		mp.Touch()
		return mp, nil
	}
	return m.createPool(ctx, tenantID)
}

// Bind attaches the tenant pool to ctx for the duration of one tenant run.
// The returned release must be called exactly once; release(true) destroys
// the pool so the next run reconnects from scratch.
func (m *Manager) Bind(ctx context.Context, tenantID int64) (context.Context, func(destroy bool), error) {
	mp, err := m.GetPool(ctx, tenantID)
	if err != nil {
		return ctx, func(bool) {}, err
	}
	mp.AcquireRef()

	var once sync.Once
	release := func(destroy bool) {
		once.Do(func() {
			mp.ReleaseRef()
			if destroy {
				m.Destroy(tenantID, "connection lost")
			}
		})
	}

	ctx = withBinding(ctx, mp.Pool(), mp.Tenant())
	return ctx, release, nil
}

// Destroy discards the tenant pool. In-flight queries on it fail; the next
// GetPool builds a fresh one.
func (m *Manager) Destroy(tenantID int64, reason string) {
	val, ok := m.pools.Load(tenantID)
	if !ok {
		return
	}
	m.destroyed.Add(1)
	m.closePool(tenantID, val.(*ManagedPool), reason)
}

func (m *Manager) createPool(ctx context.Context, tenantID int64) (*ManagedPool, error) {
	if m.config.MaxTotalPools > 0 && int(m.poolCount.Load()) >= m.config.MaxTotalPools {
		return nil, fmt.Errorf("%w (%d)", ErrMaxPoolLimit, m.config.MaxTotalPools)
	}

	tenant, err := m.directory.Resolve(ctx, tenantID)
	if err != nil {
		if errors.Is(err, ErrTenantNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("tenant lookup failed: %w", err)
	}

	if !tenant.IsActive() {
		return nil, fmt.Errorf("%w: status=%s", ErrTenantNotActive, tenant.Status)
	}

	poolCfg, err := pgxpool.ParseConfig(tenant.DSN(m.config.Defaults))
	if err != nil {
		return nil, fmt.Errorf("parse dsn for tenant %d: %w", tenantID, err)
	}

	poolCfg.MaxConns = m.config.MaxConnsPerTenant
	poolCfg.MinConns = m.config.MinConnsPerTenant
	poolCfg.ConnConfig.ConnectTimeout = m.config.ConnectTimeout
	poolCfg.ConnConfig.RuntimeParams["application_name"] = "shipsync-replicator"

	createCtx, cancel := context.WithTimeout(ctx, m.config.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(createCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool for tenant %d: %w", tenantID, err)
	}

	if err := pool.Ping(createCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping tenant %d: %w", tenantID, err)
	}

	mp := &ManagedPool{
		pool:   pool,
		tenant: tenant,
	}
	mp.Touch()

	actual, loaded := m.pools.LoadOrStore(tenantID, mp)
	if loaded {
		pool.Close()
		return actual.(*ManagedPool), nil
	}

	m.poolCount.Add(1)
	m.log.Infow("created pool for tenant",
		"tenant_id", tenantID,
		"db_name", tenant.DBName,
		"total_pools", m.poolCount.Load(),
	)

	return mp, nil
}

func (m *Manager) evictionLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PoolIdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictIdlePools()
		}
	}
}

func (m *Manager) evictIdlePools() {
	threshold := time.Now().Add(-m.config.PoolIdleTimeout).Unix()

	m.pools.Range(func(key, value any) bool {
		tenantID := key.(int64)
		mp := value.(*ManagedPool)

		if mp.refCount.Load() > 0 {
			return true
		}

		if mp.unhealthySince.Load() > 0 {
			m.closePool(tenantID, mp, "unhealthy pool (no active refs)")
			return true
		}

		if mp.lastUsed.Load() < threshold {
			m.closePool(tenantID, mp, "idle timeout")
		}

		return true
	})
}

func (m *Manager) healthCheckLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.HealthCheckPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.checkPoolsHealth()
		}
	}
}

func (m *Manager) checkPoolsHealth() {
	ctx, cancel := context.WithTimeout(m.ctx, 5*time.Second)
	defer cancel()

	m.pools.Range(func(key, value any) bool {
		tenantID := key.(int64)
		mp := value.(*ManagedPool)

		if err := mp.pool.Ping(ctx); err != nil {
			if mp.unhealthySince.Load() == 0 {
				mp.unhealthySince.Store(time.Now().Unix())
			}
			m.log.Warnw("pool health check failed",
				"tenant_id", tenantID,
				"error", err,
			)
			// Pools in use are closed by the eviction loop once released.
			if mp.refCount.Load() == 0 {
				m.closePool(tenantID, mp, "health check failed")
			}
			return true
		}

		if mp.unhealthySince.Load() != 0 {
			mp.unhealthySince.Store(0)
		}
		return true
	})
}

func (m *Manager) closePool(tenantID int64, mp *ManagedPool, reason string) {
	if !m.pools.CompareAndDelete(tenantID, mp) {
		return
	}
	mp.pool.Close()
	m.poolCount.Add(-1)

	m.log.Infow("closed pool",
		"tenant_id", tenantID,
		"reason", reason,
		"total_pools", m.poolCount.Load(),
	)
}

// Close shuts down manager and all pools.
func (m *Manager) Close() {
	m.log.Info("shutting down tenant manager...")

	m.cancel()
	m.wg.Wait()

	var poolsClosed int
	m.pools.Range(func(key, value any) bool {
		m.pools.Delete(key)
		value.(*ManagedPool).pool.Close()
		poolsClosed++
		return true
	})
	m.poolCount.Store(0)

	m.log.Infow("tenant manager closed", "pools_closed", poolsClosed)
}

// Stats returns current manager statistics.
func (m *Manager) Stats() ManagerStats {
	var stats ManagerStats
	stats.TotalPools = int(m.poolCount.Load())
	stats.Destroyed = m.destroyed.Load()

	m.pools.Range(func(key, value any) bool {
		mp := value.(*ManagedPool)
		poolStats := mp.pool.Stat()

		stats.TotalConns += int(poolStats.TotalConns())
		stats.IdleConns += int(poolStats.IdleConns())
		stats.AcquiredConns += int(poolStats.AcquiredConns())

		stats.Tenants = append(stats.Tenants, TenantPoolStats{
			TenantID:      key.(int64),
			DBName:        mp.tenant.DBName,
			TotalConns:    int(poolStats.TotalConns()),
			IdleConns:     int(poolStats.IdleConns()),
			AcquiredConns: int(poolStats.AcquiredConns()),
			ActiveRefs:    int(mp.refCount.Load()),
			LastUsed:      time.Unix(mp.lastUsed.Load(), 0),
		})
		return true
	})

	sort.Slice(stats.Tenants, func(i, j int) bool {
		return stats.Tenants[i].TenantID < stats.Tenants[j].TenantID
	})
	return stats
}

// ManagerStats contains manager runtime statistics.
type ManagerStats struct {
	TotalPools    int               `json:"total_pools"`
	TotalConns    int               `json:"total_conns"`
	IdleConns     int               `json:"idle_conns"`
	AcquiredConns int               `json:"acquired_conns"`
	Destroyed     int64             `json:"destroyed"`
	Tenants       []TenantPoolStats `json:"tenants"`
}

// TenantPoolStats contains per-tenant pool statistics.
type TenantPoolStats struct {
	TenantID      int64     `json:"tenant_id"`
	DBName        string    `json:"db_name"`
	TotalConns    int       `json:"total_conns"`
	IdleConns     int       `json:"idle_conns"`
	AcquiredConns int       `json:"acquired_conns"`
	ActiveRefs    int       `json:"active_refs"`
	LastUsed      time.Time `json:"last_used"`
}

// PrewarmPools opens pools for all active tenants. Failures are logged and
// left to the first replication pass to retry.
func (m *Manager) PrewarmPools(ctx context.Context, concurrency int) error {
	ids, err := m.directory.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list active tenants: %w", err)
	}

	m.log.Infow("prewarming pools", "tenant_count", len(ids))

	var failed atomic.Int32
	FanOut(ctx, ids, concurrency, func(ctx context.Context, tenantID int64) {
		if _, err := m.GetPool(ctx, tenantID); err != nil {
			failed.Add(1)
			m.log.Warnw("prewarm failed", "tenant_id", tenantID, "error", err)
		}
	})

	if n := failed.Load(); n > 0 {
		m.log.Warnw("some pools failed to prewarm", "error_count", n)
	}
	return nil
}
