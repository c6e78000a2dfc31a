package engine

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/snowflakedb/gosnowflake"
)

// SQLStateSerializationFailure is the deadlock / serialization failure class
const SQLStateSerializationFailure = "40001"

// CauseOf extracts a structured cause from a driver error
func CauseOf(err error) Cause {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return Cause{Message: pgErr.Message, SQLState: pgErr.Code}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		state := string(myErr.SQLState[:])
		if myErr.SQLState == [5]byte{} {
			state = ""
		}
		return Cause{Message: myErr.Message, SQLState: state, Code: int(myErr.Number)}
	}

	var sfErr *gosnowflake.SnowflakeError
	if errors.As(err, &sfErr) {
		return Cause{Message: sfErr.Message, SQLState: sfErr.SQLState, Code: sfErr.Number}
	}

	var chErr *clickhouse.Exception
	if errors.As(err, &chErr) {
		return Cause{Message: chErr.Message, Code: int(chErr.Code)}
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		c := Cause{Message: liteErr.Error(), Code: int(liteErr.ExtendedCode)}
		// SQLite has no SQLSTATE; lock contention is the retryable class.
		if liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked {
			c.SQLState = SQLStateSerializationFailure
		}
		return c
	}

	return Cause{Message: err.Error()}
}

// Causes flattens joined errors into an ordered cause list
func Causes(err error) []Cause {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []Cause
		for _, e := range joined.Unwrap() {
			out = append(out, Causes(e)...)
		}
		return out
	}
	return []Cause{CauseOf(err)}
}

// IsConnectivityError reports errors that leave the batch outcome unknown
func IsConnectivityError(err error) bool {
	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, sql.ErrTxDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
