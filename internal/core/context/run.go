// Package context carries job-run scoped values used for log enrichment.
package context

import (
	"context"

	"shipsync/internal/core/id"
)

// RunInfo identifies one execution of a scheduled job.
type RunInfo struct {
	Job   string
	RunID string
}

type runKey struct{}
type tenantIDKey struct{}

// WithRun adds RunInfo to context.
func WithRun(ctx context.Context, run *RunInfo) context.Context {
	return context.WithValue(ctx, runKey{}, run)
}

// GetRun returns RunInfo from context.
func GetRun(ctx context.Context) *RunInfo {
	if v, ok := ctx.Value(runKey{}).(*RunInfo); ok {
		return v
	}
	return nil
}

// NewRun creates RunInfo with a time-ordered run id.
func NewRun(job string) *RunInfo {
	return &RunInfo{
		Job:   job,
		RunID: id.New(),
	}
}

// WithTenantID scopes ctx to one tenant.
func WithTenantID(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// GetTenantID returns the tenant id or 0.
func GetTenantID(ctx context.Context) int64 {
	id, _ := ctx.Value(tenantIDKey{}).(int64)
	return id
}
