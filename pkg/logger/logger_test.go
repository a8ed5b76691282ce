package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	appctx "shipsync/internal/core/context"
)

func TestFromContext_EnrichesRunAndTenant(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	base := &Logger{zap.New(core).Sugar()}

	ctx := WithLogger(context.Background(), base)
	ctx = appctx.WithRun(ctx, &appctx.RunInfo{Job: "replicate", RunID: "r-1"})
	ctx = appctx.WithTenantID(ctx, 42)

	Info(ctx, "stream replicated", "rows", 3)

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "replicate", fields["job"])
	assert.Equal(t, "r-1", fields["run_id"])
	assert.Equal(t, int64(42), fields["tenant_id"])
	assert.Equal(t, int64(3), fields["rows"])
}

func TestFromContext_NoRun(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ctx := WithLogger(context.Background(), &Logger{zap.New(core).Sugar()})

	Debug(ctx, "dropped")
	Warn(ctx, "kept")

	require.Equal(t, 1, logs.Len())
	assert.NotContains(t, logs.All()[0].ContextMap(), "job")
}
