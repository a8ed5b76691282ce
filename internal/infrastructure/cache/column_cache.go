// Package cache holds warehouse metadata shared by every tenant of a pass.
package cache

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"

	"shipsync/internal/domain/replication"
	"shipsync/internal/infrastructure/storage/postgres"
	"shipsync/pkg/logger"
)

var _ replication.SchemaLoader = (*ColumnCache)(nil)

// Querier is satisfied by pgxpool.Pool and postgres.Querier.
type Querier = postgres.Querier

// ColumnCache introspects destination tables from information_schema.
// Load is called once per replication pass; the last snapshot is kept for
// the ops endpoints.
type ColumnCache struct {
	q Querier

	mu       sync.RWMutex
	schema   replication.Schema
	loadedAt time.Time
}

func NewColumnCache(q Querier) *ColumnCache {
	return &ColumnCache{q: q}
}

type columnRow struct {
	Table    string `db:"table_name"`
	Column   string `db:"column_name"`
	Nullable string `db:"is_nullable"`
}

func (c *ColumnCache) Load(ctx context.Context, tables []string) (replication.Schema, error) {
	var rows []columnRow
	err := pgxscan.Select(ctx, c.q, &rows, `
		SELECT table_name, column_name, is_nullable
		FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = ANY($1)
		ORDER BY table_name, ordinal_position`, tables)
	if err != nil {
		return nil, postgres.WrapError("load warehouse columns", err)
	}

	schema := buildSchema(rows)
	for _, t := range tables {
		if len(schema[t]) == 0 {
			return nil, fmt.Errorf("warehouse table %q has no columns; is the migration applied?", t)
		}
	}

	c.mu.Lock()
	c.schema = schema
	c.loadedAt = time.Now()
	c.mu.Unlock()

	logger.Debug(ctx, "warehouse columns loaded", "tables", len(schema))
	return schema, nil
}

func buildSchema(rows []columnRow) replication.Schema {
	schema := make(replication.Schema)
	for _, r := range rows {
		cols, ok := schema[r.Table]
		if !ok {
			cols = make(replication.TableColumns)
			schema[r.Table] = cols
		}
		cols[r.Column] = replication.Column{Name: r.Column, Nullable: r.Nullable == "YES"}
	}
	return schema
}

// Snapshot returns a copy of the last loaded schema and its load time.
func (c *ColumnCache) Snapshot() (replication.Schema, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(replication.Schema, len(c.schema))
	for t, cols := range c.schema {
		out[t] = maps.Clone(cols)
	}
	return out, c.loadedAt
}
