package ops

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipsync/internal/core/tenant"
	"shipsync/internal/domain/replication"
	"shipsync/internal/worker"
	"shipsync/pkg/logger"
)

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type staticJobs []worker.Snapshot

func (s staticJobs) Snapshots() []worker.Snapshot { return s }

type staticTenants tenant.ManagerStats

func (s staticTenants) Stats() tenant.ManagerStats { return tenant.ManagerStats(s) }

type staticSchema struct {
	schema replication.Schema
	at     time.Time
}

func (s staticSchema) Snapshot() (replication.Schema, time.Time) { return s.schema, s.at }

func get(t *testing.T, cfg RouterConfig, path string) *httptest.ResponseRecorder {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}
	w := httptest.NewRecorder()
	NewRouter(cfg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestLive(t *testing.T) {
	w := get(t, RouterConfig{}, "/health/live")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode(t, w)["status"])
}

func TestReady(t *testing.T) {
	ok := pingerFunc(func(context.Context) error { return nil })
	down := pingerFunc(func(context.Context) error { return errors.New("connection refused") })

	t.Run("all healthy", func(t *testing.T) {
		w := get(t, RouterConfig{Databases: map[string]Pinger{"meta": ok, "warehouse": ok}}, "/health/ready")
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("one database down", func(t *testing.T) {
		w := get(t, RouterConfig{Databases: map[string]Pinger{"meta": ok, "warehouse": down}}, "/health/ready")
		require.Equal(t, http.StatusServiceUnavailable, w.Code)

		checks := decode(t, w)["checks"].(map[string]any)
		assert.Equal(t, "healthy", checks["meta"])
		assert.Contains(t, checks["warehouse"], "connection refused")
	})

	t.Run("ping is bounded", func(t *testing.T) {
		slow := pingerFunc(func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		})
		w := get(t, RouterConfig{
			Databases:    map[string]Pinger{"warehouse": slow},
			ReadyTimeout: 10 * time.Millisecond,
		}, "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestJobs(t *testing.T) {
	jobs := staticJobs{
		{Name: worker.JobReplicate, Running: true, Runs: 3},
		{Name: worker.JobAggregate, Failures: 1, LastError: "boom"},
	}
	w := get(t, RouterConfig{Jobs: jobs}, "/health/jobs")
	require.Equal(t, http.StatusOK, w.Code)

	list := decode(t, w)["jobs"].([]any)
	require.Len(t, list, 2)
	first := list[0].(map[string]any)
	assert.Equal(t, worker.JobReplicate, first["name"])
	assert.Equal(t, true, first["running"])
	assert.Equal(t, "boom", list[1].(map[string]any)["last_error"])
}

func TestTenants(t *testing.T) {
	stats := staticTenants{TotalPools: 1, Tenants: []tenant.TenantPoolStats{{TenantID: 164, DBName: "t164"}}}
	w := get(t, RouterConfig{Tenants: stats}, "/health/tenants")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	assert.EqualValues(t, 1, body["total_pools"])
	assert.EqualValues(t, 164, body["tenants"].([]any)[0].(map[string]any)["tenant_id"])
}

func TestSchema_SortedColumns(t *testing.T) {
	src := staticSchema{schema: replication.Schema{
		"shipments": {"zone": {Name: "zone"}, "city": {Name: "city"}},
	}}
	w := get(t, RouterConfig{Schema: src}, "/health/schema")
	require.Equal(t, http.StatusOK, w.Code)

	tables := decode(t, w)["tables"].(map[string]any)
	assert.Equal(t, []any{"city", "zone"}, tables["shipments"])
}

func TestOptionalEndpointsDisabled(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, RouterConfig{}, "/health/jobs").Code)
	assert.Equal(t, http.StatusNotFound, get(t, RouterConfig{}, "/health/tenants").Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := worker.NewMetrics(reg)
	m.PassFinished(worker.JobStage, time.Second, nil)

	w := get(t, RouterConfig{Gatherer: reg}, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "shipsync_job_passes_total")
}
