package index_repo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipsync/internal/core/entity"
	"shipsync/internal/domain/aggregation"
)

var cell = entity.AggregateKey{TenantID: 164, ClientID: 7, DriverID: 33, StatusCode: 5, Day: "2025-01-28"}

func TestApplyQueries_SplitsAddsAndRemovals(t *testing.T) {
	qs := applyQueries(cell, []entity.Membership{
		{PackageID: 1, Historical: true, Live: true},
		{PackageID: 2, Historical: true, Live: false},
		{PackageID: 3},
	})
	require.Len(t, qs, 2)

	day := time.Date(2025, 1, 28, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, upsertMembersSQL, qs[0].SQL)
	assert.Equal(t, []any{int64(164), int64(7), int64(33), 5, day, []int64{1, 2}, []bool{true, false}}, qs[0].Args)

	assert.Equal(t, clearLiveSQL, qs[1].SQL)
	assert.Equal(t, []any{int64(164), int64(7), int64(33), 5, day, []int64{3}}, qs[1].Args)
}

func TestApplyQueries_RemovalOnly(t *testing.T) {
	qs := applyQueries(cell, []entity.Membership{{PackageID: 3}})
	require.Len(t, qs, 1)
	assert.Equal(t, clearLiveSQL, qs[0].SQL)

	assert.Empty(t, applyQueries(cell, nil))
}

func TestMergeQuery_OrMergesDuplicates(t *testing.T) {
	sql, args, err := mergeQuery([]aggregation.MergeEntry{
		{Key: cell, PackageID: 1, Live: true},
		{Key: cell, PackageID: 1},
		{Key: cell, PackageID: 2},
	}).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, "VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now()),($9,$10,$11,$12,$13,$14,$15,$16,now())")
	assert.Contains(t, sql, "in_live = aggregate_index.in_live OR EXCLUDED.in_live")
	require.Len(t, args, 16)
	assert.Equal(t, true, args[7], "live survives a later historical-only duplicate")
	assert.Equal(t, false, args[15])
}

func TestLegacyQuery_SQL(t *testing.T) {
	sql, args, err := legacyQuery("home_app", 10, "2026-01-01", 1500).ToSql()
	require.NoError(t, err)

	assert.Contains(t, sql, `FROM "home_app" WHERE id > $1 AND day >= $2 ORDER BY id ASC LIMIT 1500`)
	assert.Equal(t, []any{int64(10), time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}, args)
}
