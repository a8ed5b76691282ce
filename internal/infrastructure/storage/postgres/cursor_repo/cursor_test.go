package cursor_repo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipsync/internal/core/entity"
)

func TestEnsureQuery_SQL(t *testing.T) {
	sql, args, err := ensureQuery(
		[]int64{1, 2},
		[]entity.EntityKind{entity.EntityShipment, entity.EntityDeletionLog},
	).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		"INSERT INTO tenant_cursor (tenant_id,entity_kind,last_source_id) "+
			"VALUES ($1,$2,$3),($4,$5,$6),($7,$8,$9),($10,$11,$12) "+
			"ON CONFLICT (tenant_id, entity_kind) DO NOTHING",
		sql)
	assert.Equal(t, []any{
		int64(1), "shipment", 0,
		int64(1), "deletion_log", 0,
		int64(2), "shipment", 0,
		int64(2), "deletion_log", 0,
	}, args)
}
