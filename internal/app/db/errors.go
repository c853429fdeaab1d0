package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// IsUniqueViolation checks if the error is a PostgreSQL unique constraint violation (code 23505).
func IsUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

// IsForeignKeyViolation checks if the error is a foreign key violation (code 23503),
// e.g. a message for a room that was deleted concurrently.
func IsForeignKeyViolation(err error) bool {
	return hasCode(err, "23503")
}

// IsInvalidTextRepresentation checks for code 22P02, raised when a malformed
// identifier is cast to uuid. Callers treat it as "not found".
func IsInvalidTextRepresentation(err error) bool {
	return hasCode(err, "22P02")
}

func hasCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
