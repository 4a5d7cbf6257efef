package store

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
)

// sqlNoRowsSentinel lets isNoRows live next to the rest of store.go without
// importing database/sql there directly.
var sqlNoRowsSentinel = sql.ErrNoRows

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the error CreateRun maps to ErrAlreadyActive.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// sqlxIn expands a `?`-placeholder query with slice arguments (sqlx.In)
// without forcing every call site to import sqlx directly.
func sqlxIn(query string, args ...any) (string, []any, error) {
	return sqlx.In(query, args...)
}
