package ops

import (
	"context"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
)

type handler struct {
	cfg RouterConfig
}

// GET /health/live
func (h *handler) live(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ready pings every configured database; one failure fails readiness.
// GET /health/ready
func (h *handler) ready(c *gin.Context) {
	checks := make(map[string]string, len(h.cfg.Databases))
	healthy := true
	for name, db := range h.cfg.Databases {
		ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.ReadyTimeout)
		err := db.Ping(ctx)
		cancel()
		if err != nil {
			healthy = false
			checks[name] = "unhealthy: " + err.Error()
			continue
		}
		checks[name] = "healthy"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": checks})
}

// GET /health/jobs
func (h *handler) jobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.cfg.Jobs.Snapshots()})
}

// GET /health/tenants
func (h *handler) tenants(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg.Tenants.Stats())
}

// schema lists the columns replication currently maps per table.
// GET /health/schema
func (h *handler) schema(c *gin.Context) {
	schema, loadedAt := h.cfg.Schema.Snapshot()

	tables := make(map[string][]string, len(schema))
	for table, cols := range schema {
		names := make([]string, 0, len(cols))
		for name := range cols {
			names = append(names, name)
		}
		sort.Strings(names)
		tables[table] = names
	}
	c.JSON(http.StatusOK, gin.H{"loaded_at": loadedAt, "tables": tables})
}
