package postgres

import (
	"reflect"
	"slices"
)

// ExtractDBColumns extracts all column names from struct "db" tags.
// It handles embedded structs recursively.
//
// Usage:
//
//	columns := ExtractDBColumns[entity.StagedEvent]()
//	// Returns: ["id", "tenant_id", "source_id", ...]
func ExtractDBColumns[T any]() []string {
	var zero T
	t := reflect.TypeOf(zero)
	return extractColumnsFromType(t)
}

func extractColumnsFromType(t reflect.Type) []string {
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	if t.Kind() != reflect.Struct {
		return nil
	}

	var cols []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Anonymous {
			cols = append(cols, extractColumnsFromType(field.Type)...)
			continue
		}

		tag := field.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}

		cols = append(cols, tag)
	}

	return cols
}

// ExceptColumns returns cols without the excluded names, preserving order.
func ExceptColumns(cols []string, excluded ...string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(excluded, c) {
			out = append(out, c)
		}
	}
	return out
}

// SortedKeys returns the column names of a row map in a stable order.
func SortedKeys(row map[string]any) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
