package cockroach

import (
	"errors"
	"net/http"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "callsession-backend/pkg/errors"
)

// mapPostgresError maps pgx errors onto app errors.
// Retryable conditions become TRANSIENT so API callers can back off and retry.
func mapPostgresError(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return apperrors.CallNotFoundError()
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to "+op, err)
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return apperrors.WrapWithStatus(apperrors.ErrCodeConflict, "Unique constraint violation: "+pgErr.ConstraintName, http.StatusConflict, err)

	case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
		return apperrors.TransientError("Transaction conflict", err)

	case pgerrcode.ConnectionException,
		pgerrcode.ConnectionDoesNotExist,
		pgerrcode.ConnectionFailure,
		pgerrcode.CannotConnectNow,
		pgerrcode.SQLClientUnableToEstablishSQLConnection,
		pgerrcode.AdminShutdown,
		pgerrcode.CrashShutdown:
		return apperrors.TransientError("Database unavailable", err)

	case pgerrcode.QueryCanceled:
		return apperrors.TransientError("Query canceled", err)

	case pgerrcode.InsufficientResources,
		pgerrcode.DiskFull,
		pgerrcode.OutOfMemory,
		pgerrcode.TooManyConnections:
		return apperrors.TransientError("Database resource limit", err)

	default:
		return apperrors.Wrap(apperrors.ErrCodeDatabase, "Failed to "+op+" ["+pgErr.Code+"]", err)
	}
}
