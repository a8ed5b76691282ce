package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Directory resolves tenant ids to connection coordinates.
type Directory interface {
	// Resolve returns the registry entry for tenantID.
	// A cache miss triggers one registry reload before ErrTenantNotFound.
	Resolve(ctx context.Context, tenantID int64) (*Tenant, error)

	// ListIDs returns the ids of all active tenants in ascending order.
	// A missing or unparseable registry yields ErrRegistryUnavailable.
	ListIDs(ctx context.Context) ([]int64, error)
}

// PostgresRegistry reads the tenant directory from a JSON document stored in
// the meta-database key/value table.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	key  string

	mu       sync.RWMutex
	tenants  map[int64]*Tenant
	loadedAt time.Time
}

func NewPostgresRegistry(pool *pgxpool.Pool, key string) *PostgresRegistry {
	return &PostgresRegistry{pool: pool, key: key}
}

// Refresh reloads the registry document.
func (r *PostgresRegistry) Refresh(ctx context.Context) error {
	var payload []byte
	err := pgxscan.Get(ctx, r.pool, &payload, `
		SELECT value
		FROM sys_registry
		WHERE key = $1
	`, r.key)
	if err != nil {
		if pgxscan.NotFound(err) {
			return fmt.Errorf("%w: key %q not found", ErrRegistryUnavailable, r.key)
		}
		return fmt.Errorf("load tenant registry: %w", err)
	}

	tenants, err := ParseRegistry(payload)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tenants = tenants
	r.loadedAt = time.Now()
	r.mu.Unlock()
	return nil
}

func (r *PostgresRegistry) Resolve(ctx context.Context, tenantID int64) (*Tenant, error) {
	if t, ok := r.cached(tenantID); ok {
		return t, nil
	}
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}
	if t, ok := r.cached(tenantID); ok {
		return t, nil
	}
	return nil, fmt.Errorf("%w: %d", ErrTenantNotFound, tenantID)
}

func (r *PostgresRegistry) ListIDs(ctx context.Context) ([]int64, error) {
	if err := r.Refresh(ctx); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return ActiveIDs(r.tenants), nil
}

// LoadedAt reports when the registry was last read successfully.
func (r *PostgresRegistry) LoadedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadedAt
}

func (r *PostgresRegistry) cached(tenantID int64) (*Tenant, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tenants[tenantID]
	return t, ok
}

// ParseRegistry decodes the registry document: an object keyed by numeric
// tenant id. Non-numeric keys are ignored.
func ParseRegistry(payload []byte) (map[int64]*Tenant, error) {
	if len(strings.TrimSpace(string(payload))) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrRegistryUnavailable)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRegistryUnavailable, err)
	}

	tenants := make(map[int64]*Tenant, len(raw))
	for key, entry := range raw {
		id, err := strconv.ParseInt(strings.TrimSpace(key), 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		var t Tenant
		if err := json.Unmarshal(entry, &t); err != nil {
			return nil, fmt.Errorf("%w: tenant %d: %v", ErrRegistryUnavailable, id, err)
		}
		t.ID = id
		tenants[id] = &t
	}
	return tenants, nil
}

// ActiveIDs returns sorted ids of active tenants.
func ActiveIDs(tenants map[int64]*Tenant) []int64 {
	ids := make([]int64, 0, len(tenants))
	for id, t := range tenants {
		if t.IsActive() {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

var _ Directory = (*PostgresRegistry)(nil)
