package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"connection lost", NewConnectionLost("fetch rows", errors.New("reset")), true},
		{"wrapped connection lost", fmt.Errorf("stream shipments: %w", NewConnectionLost("fetch", nil)), true},
		{"timeout", NewTimeout("tenant 4", time.Minute), true},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"database", NewDatabase("upsert", errors.New("null value")), false},
		{"data", NewDataError("missing did"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("pass: %w", NewRegistryUnavailable(errors.New("missing key")))

	assert.True(t, HasCode(err, CodeRegistryUnavailable))
	assert.False(t, HasCode(err, CodeTimeout))
	assert.True(t, IsDataError(NewDataError("bad row")))
	assert.True(t, IsNotFound(NewNotFound("tenant", 3)))
}

func TestAppError_Message(t *testing.T) {
	cause := errors.New("duplicate column")
	err := NewWriteFailed("shipments", cause).WithDetail("tenant_id", int64(9))

	assert.Equal(t, "WRITE_FAILED: write to shipments failed (caused by: duplicate column)", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, int64(9), err.Details["tenant_id"])
}
