package source_repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipsync/internal/domain/replication"
)

func TestRowsQuery_SQL(t *testing.T) {
	since := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC)
	s := replication.DefaultStreams()[1]

	sql, args, err := rowsQuery(s, 42, since, 100).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT * FROM "shipment_assignments" WHERE id > $1 AND "updated_at" > $2 ORDER BY id ASC LIMIT 100`,
		sql)
	assert.Equal(t, []any{int64(42), since}, args)
}

func TestDeletionsQuery_SQL(t *testing.T) {
	since := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC)
	s := replication.DefaultDeletionStream("shipment_removed")

	sql, args, err := deletionsQuery(s, 7, since, 50).ToSql()
	require.NoError(t, err)

	assert.Equal(t,
		`SELECT id, data FROM "activity_log" WHERE module = $1 AND id > $2 AND "created_at" > $3 ORDER BY id ASC LIMIT 50`,
		sql)
	assert.Equal(t, []any{"shipment_removed", int64(7), since}, args)
}

func TestParseShipmentID(t *testing.T) {
	s := func(v string) *string { return &v }

	assert.Equal(t, int64(9001), parseShipmentID(s(" 9001 ")))
	assert.Zero(t, parseShipmentID(s("abc")))
	assert.Zero(t, parseShipmentID(s("-3")))
	assert.Zero(t, parseShipmentID(nil))
}
