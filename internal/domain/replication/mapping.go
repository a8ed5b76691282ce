package replication

import (
	"fmt"
	"math"
	"strconv"
)

// Warehouse-owned columns never overwritten from a tenant row.
var reservedColumns = map[string]struct{}{
	"tenant_id": {},
	"staged":    {},
	"deleted":   {},
}

// MapRow projects a tenant row onto the destination columns:
//   - the source surrogate id is dropped and "did" lands in naturalKey;
//   - columns missing from the destination are dropped;
//   - NULLs aimed at NOT NULL columns are omitted so the column default
//     (on insert) or the stored value (on update) is kept.
//
// The boolean is false when the row has no usable natural key.
func MapRow(row SourceRow, tenantID int64, naturalKey string, cols TableColumns) (map[string]any, bool) {
	key, ok := row[SourceNaturalColumn]
	if !ok || key == nil {
		return nil, false
	}

	out := make(map[string]any, len(row))
	for name, value := range row {
		if name == SourceIDColumn || name == SourceNaturalColumn || name == naturalKey {
			continue
		}
		if _, reserved := reservedColumns[name]; reserved {
			continue
		}
		col, ok := cols[name]
		if !ok {
			continue
		}
		if value == nil && !col.Nullable {
			continue
		}
		out[name] = value
	}

	out["tenant_id"] = tenantID
	out[naturalKey] = key
	return out, true
}

// RowID extracts the source surrogate id of a row.
func RowID(row SourceRow) (int64, error) {
	return toInt64(row[SourceIDColumn])
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("non-integer id %v", n)
		}
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case []byte:
		return strconv.ParseInt(string(n), 10, 64)
	case nil:
		return 0, fmt.Errorf("missing id")
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}
