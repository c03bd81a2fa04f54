package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Severity classifies a database failure. Constraint violations and
// missing rows are expected in normal operation and log at warn; losing
// the connection is not.
type Severity int

const (
	SeverityWarn Severity = iota
	SeverityCritical
)

// Classify maps a pgx error onto the severity used for logging and for
// deciding whether an execution failure is transient.
func Classify(err error) Severity {
	if err == nil {
		return SeverityWarn
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return SeverityWarn
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "23503", "23502", "23514": // constraint violations
			return SeverityWarn
		}
		// Class 08 is connection exceptions.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return SeverityCritical
		}
		return SeverityWarn
	}

	// Unwrappable errors from the driver (dial failures, pool exhaustion)
	// are treated as connection problems.
	return SeverityCritical
}

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsUniqueViolation reports whether err is a unique-constraint violation.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// IsForeignKeyViolation reports whether err is a foreign-key violation.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
