package aggregation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"shipsync/internal/core/entity"
	"shipsync/pkg/logger"
)

// LegacyRow is one row of the comma-joined legacy aggregate table.
type LegacyRow struct {
	ID         int64  `db:"id"`
	OwnerID    int64  `db:"owner_id"`
	ClientID   int64  `db:"client_id"`
	DriverID   int64  `db:"driver_id"`
	StatusCode int    `db:"status_code"`
	Day        string `db:"day"`
	Packages   string `db:"packages"`
	LivePkgs   string `db:"live_packages"`
}

// LegacyReader pages through the legacy table by id.
type LegacyReader interface {
	FetchLegacy(ctx context.Context, afterID int64, fromDay entity.Day, limit int) ([]LegacyRow, error)
}

// MergeEntry is one (cell, package) pair to merge into the index.
type MergeEntry struct {
	Key       entity.AggregateKey
	PackageID int64
	Live      bool
}

// IndexMerger writes entries without ever clearing live membership.
type IndexMerger interface {
	Merge(ctx context.Context, entries []MergeEntry) error
}

// BackfillConfig tunes the legacy import.
type BackfillConfig struct {
	PageSize  int
	ChunkSize int
	// FromDay skips legacy rows before this day when set.
	FromDay  entity.Day
	LogEvery int
}

func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{PageSize: 1500, ChunkSize: 1000, LogEvery: 10}
}

// BackfillResult reports a finished import.
type BackfillResult struct {
	Pages   int           `json:"pages"`
	Rows    int           `json:"rows"`
	Skipped int           `json:"skipped"`
	Entries int           `json:"entries"`
	LastID  int64         `json:"last_id"`
	Elapsed time.Duration `json:"elapsed"`
}

// Backfill imports the legacy aggregate table into the index. It is safe to
// re-run: every entry is merged, historical is set and live only ever rises.
func Backfill(ctx context.Context, reader LegacyReader, merger IndexMerger, cfg BackfillConfig) (BackfillResult, error) {
	start := time.Now()
	var res BackfillResult
	pageSize := max(cfg.PageSize, 1)
	chunk := max(cfg.ChunkSize, 1)

	var buf []MergeEntry
	flush := func(all bool) error {
		for len(buf) >= chunk || (all && len(buf) > 0) {
			n := min(chunk, len(buf))
			if err := merger.Merge(ctx, buf[:n]); err != nil {
				return fmt.Errorf("merge after legacy id %d: %w", res.LastID, err)
			}
			res.Entries += n
			buf = buf[n:]
		}
		return nil
	}

	for {
		rows, err := reader.FetchLegacy(ctx, res.LastID, cfg.FromDay, pageSize)
		if err != nil {
			return res, fmt.Errorf("read legacy page after id %d: %w", res.LastID, err)
		}
		if len(rows) == 0 {
			break
		}
		res.Pages++
		res.Rows += len(rows)
		res.LastID = rows[len(rows)-1].ID

		for _, r := range rows {
			entries, ok := expandLegacy(r)
			if !ok {
				res.Skipped++
				continue
			}
			buf = append(buf, entries...)
			if err := flush(false); err != nil {
				return res, err
			}
		}

		if cfg.LogEvery > 0 && res.Pages%cfg.LogEvery == 0 {
			logger.Info(ctx, "backfill progress",
				"page", res.Pages,
				"last_id", res.LastID,
				"rows", res.Rows,
				"entries", res.Entries+len(buf),
			)
		}
		if len(rows) < pageSize {
			break
		}
	}

	if err := flush(true); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)
	logger.Info(ctx, "backfill finished",
		"pages", res.Pages,
		"rows", res.Rows,
		"skipped", res.Skipped,
		"entries", res.Entries,
		"elapsed", res.Elapsed,
	)
	return res, nil
}

// expandLegacy turns one legacy row into index entries. Live packages come
// first so the historical-only copy of the same package cannot lower them.
func expandLegacy(r LegacyRow) ([]MergeEntry, bool) {
	day := entity.Day(strings.TrimSpace(r.Day))
	if r.OwnerID == 0 || !day.Valid() {
		return nil, false
	}
	k := entity.AggregateKey{
		TenantID:   r.OwnerID,
		ClientID:   r.ClientID,
		DriverID:   r.DriverID,
		StatusCode: r.StatusCode,
		Day:        day,
	}

	seen := make(map[int64]struct{})
	var out []MergeEntry
	for _, id := range splitPackageList(r.LivePkgs) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, MergeEntry{Key: k, PackageID: id, Live: true})
	}
	for _, id := range splitPackageList(r.Packages) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, MergeEntry{Key: k, PackageID: id})
	}
	return out, true
}

// splitPackageList parses "1, 2,,3" into ids, dropping blanks and junk.
func splitPackageList(s string) []int64 {
	if s == "" {
		return nil
	}
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil || id <= 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}
