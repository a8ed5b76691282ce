// Package id generates identifiers for job runs and ops requests.
package id

import (
	"github.com/google/uuid"
)

// New returns a UUIDv7 string. v7 ids sort by creation time, so run ids in
// logs and snapshots order the same way the runs happened.
func New() string {
	v, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return v.String()
}

// Valid reports whether s parses as a UUID of any version.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
