package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"shipsync/internal/domain/replication"
)

func TestBuildSchema(t *testing.T) {
	schema := buildSchema([]columnRow{
		{Table: "shipments", Column: "tenant_id", Nullable: "NO"},
		{Table: "shipments", Column: "client_id", Nullable: "YES"},
		{Table: "assignments", Column: "driver_id", Nullable: "YES"},
	})

	assert.Equal(t, replication.Schema{
		"shipments": {
			"tenant_id": {Name: "tenant_id", Nullable: false},
			"client_id": {Name: "client_id", Nullable: true},
		},
		"assignments": {
			"driver_id": {Name: "driver_id", Nullable: true},
		},
	}, schema)
}

func TestSnapshot_IsACopy(t *testing.T) {
	c := NewColumnCache(nil)
	c.schema = buildSchema([]columnRow{{Table: "shipments", Column: "city", Nullable: "YES"}})

	snap, _ := c.Snapshot()
	delete(snap["shipments"], "city")

	again, _ := c.Snapshot()
	assert.Contains(t, again["shipments"], "city")
}
