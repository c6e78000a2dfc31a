// Package database opens the database/sql handles used by the row writer
// engines and the bulk load collaborators.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	_ "github.com/snowflakedb/gosnowflake"
)

// DB wraps a *sql.DB with query logging
// *sql.DB maintains its own connection pool, so no mutex is needed here.
type DB struct {
	db     *sql.DB
	driver string
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Driver         string
	DSN            string
	MaxConnections int

	// DuckDB settings, applied with SET after connecting
	MemoryLimit string
	ThreadCount int
}

// DriverName maps a configured driver to its registered database/sql name
func DriverName(driver string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pgx":
		return "pgx", nil
	case "mysql":
		return "mysql", nil
	case "sqlite", "sqlite3":
		return "sqlite3", nil
	case "duckdb":
		return "duckdb", nil
	case "snowflake":
		return "snowflake", nil
	case "clickhouse":
		return "clickhouse", nil
	default:
		return "", fmt.Errorf("unsupported database driver: %q", driver)
	}
}

// Open opens and pings the configured database
func Open(ctx context.Context, cfg *Config, logger zerolog.Logger) (*DB, error) {
	name, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	logger = logger.With().Str("component", "database").Str("driver", name).Logger()

	db, err := sql.Open(name, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	if cfg.MaxConnections > 0 {
		db.SetMaxOpenConns(cfg.MaxConnections)
		db.SetMaxIdleConns(max(cfg.MaxConnections/2, 1))
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", name, err)
	}

	if name == "duckdb" {
		if err := configureDuckDB(ctx, db, cfg); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to configure duckdb: %w", err)
		}
	}

	logger.Info().
		Int("max_connections", cfg.MaxConnections).
		Msg("Database opened")

	return &DB{db: db, driver: name, logger: logger}, nil
}

func configureDuckDB(ctx context.Context, db *sql.DB, cfg *Config) error {
	if cfg.MemoryLimit != "" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET memory_limit='%s'", escapeSQLString(cfg.MemoryLimit))); err != nil {
			return fmt.Errorf("failed to set memory_limit: %w", err)
		}
	}
	if cfg.ThreadCount > 0 {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET threads=%d", cfg.ThreadCount)); err != nil {
			return fmt.Errorf("failed to set threads: %w", err)
		}
	}
	return nil
}

// escapeSQLString doubles single quotes for use inside a SQL string literal
func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// execer is the query surface shared by *sql.DB and *sql.Conn
type execer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func queryLogged(ctx context.Context, q execer, logger zerolog.Logger, query string, args []any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := q.QueryContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error().
			Err(err).
			Str("query", query).
			Dur("elapsed", elapsed).
			Msg("Query failed")
		return nil, err
	}

	logger.Debug().
		Str("query", query).
		Dur("elapsed", elapsed).
		Msg("Query executed")
	return rows, nil
}

func execLogged(ctx context.Context, q execer, logger zerolog.Logger, query string, args []any) (sql.Result, error) {
	start := time.Now()
	result, err := q.ExecContext(ctx, query, args...)
	elapsed := time.Since(start)

	if err != nil {
		logger.Error().
			Err(err).
			Str("query", query).
			Dur("elapsed", elapsed).
			Msg("Exec failed")
		return nil, err
	}

	logger.Debug().
		Str("query", query).
		Dur("elapsed", elapsed).
		Msg("Exec completed")
	return result, nil
}

// QueryContext executes a query and returns rows
func (d *DB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return queryLogged(ctx, d.db, d.logger, query, args)
}

// ExecContext executes a statement without returning rows
func (d *DB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return execLogged(ctx, d.db, d.logger, query, args)
}

// Close closes the connection pool
func (d *DB) Close() error {
	if err := d.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	d.logger.Debug().Msg("Database closed")
	return nil
}

// DB returns the underlying *sql.DB for engines that manage their own
// connections and transactions
func (d *DB) DB() *sql.DB {
	return d.db
}

// Conn is one connection held out of the pool. Session state such as
// temporary tables lives as long as the Conn.
type Conn struct {
	conn   *sql.Conn
	logger zerolog.Logger
}

// Conn reserves a dedicated connection. The caller must Close it to
// return it to the pool.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}
	return &Conn{conn: c, logger: d.logger.With().Bool("dedicated", true).Logger()}, nil
}

// QueryContext executes a query on the dedicated connection
func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return queryLogged(ctx, c.conn, c.logger, query, args)
}

// ExecContext executes a statement on the dedicated connection
func (c *Conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return execLogged(ctx, c.conn, c.logger, query, args)
}

// Close returns the connection to the pool
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("failed to release connection: %w", err)
	}
	return nil
}
