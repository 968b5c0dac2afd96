package db

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/archon-kb/archon/common"
)

// Postgres error codes the storage layer distinguishes.
const (
	codeUniqueViolation      = "23505"
	codeForeignKeyViolation  = "23503"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MapError converts a low-level database error into the shared error
// taxonomy. Unique violations become conflicts, foreign-key violations become
// validation failures, and connection-level failures become the retryable
// storage_unavailable kind. pgx.ErrNoRows maps to not_found.
func MapError(err error, context string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return common.Wrap(common.KindNotFound, err, "%s: not found", context)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation:
			return common.Wrap(common.KindConflict, err, "%s: duplicate (%s)", context, pgErr.ConstraintName)
		case codeForeignKeyViolation:
			return common.Wrap(common.KindValidation, err, "%s: referenced entity does not exist (%s)", context, pgErr.ConstraintName)
		}
	}

	if isConnectionError(err) {
		return common.Wrap(common.KindStorageUnavailable, err, "%s: storage unavailable", context)
	}

	return common.Wrap(common.KindInternal, err, "%s failed", context)
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation
}

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected
}

func isConnectionError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}
