package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"shipsync/internal/core/apperror"
)

func TestIsConnectionLoss(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), true},
		{"eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"reset", fmt.Errorf("write: %w", syscall.ECONNRESET), true},
		{"class 08", &pgconn.PgError{Code: "08006"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"statement timeout", &pgconn.PgError{Code: "57014"}, true},
		{"not null violation", &pgconn.PgError{Code: "23502"}, false},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"message", errors.New("conn closed"), true},
		{"plain", errors.New("syntax"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionLoss(tt.err))
		})
	}
}

func TestWrapError(t *testing.T) {
	assert.NoError(t, WrapError("noop", nil))

	lost := WrapError("fetch rows", syscall.ECONNRESET)
	assert.True(t, apperror.IsTransient(lost))
	assert.True(t, apperror.HasCode(lost, apperror.CodeConnectionLost))

	constraint := WrapError("upsert", &pgconn.PgError{Code: "23502", TableName: "shipments"})
	assert.False(t, apperror.IsTransient(constraint))
	appErr, ok := apperror.AsAppError(constraint)
	assert.True(t, ok)
	assert.Equal(t, "23502", appErr.Details["sqlstate"])

	already := apperror.NewDataError("bad row")
	assert.Same(t, already, WrapError("again", already))
}
