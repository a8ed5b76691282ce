package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"shipsync/internal/core/apperror"
)

// SQLSTATE codes that mean the server side of the session is gone.
var connectionLossCodes = map[string]struct{}{
	"57P01": {}, // admin_shutdown
	"57P02": {}, // crash_shutdown
	"57P03": {}, // cannot_connect_now
	"57014": {}, // query_canceled (statement_timeout)
}

// IsConnectionLoss reports whether err leaves the connection unusable:
// resets, timeouts, EOF mid-protocol, class 08 SQLSTATEs and server shutdowns.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		_, ok := connectionLossCodes[pgErr.Code]
		return ok
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "timeout")
}

// WrapError classifies a driver error for domain code.
func WrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperror.IsAppError(err) {
		return err
	}
	if IsConnectionLoss(err) {
		return apperror.NewConnectionLost(op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return apperror.NewDatabase(op, err).
			WithDetail("sqlstate", pgErr.Code).
			WithDetail("table", pgErr.TableName)
	}
	return fmt.Errorf("%s: %w", op, err)
}
