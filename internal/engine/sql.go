package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// SQLConn runs batches over a single database/sql connection. Each
// prepared statement executes its queued parameter sets one by one inside
// the connection's current transaction.
type SQLConn struct {
	conn   *sql.Conn
	tx     *sql.Tx
	logger zerolog.Logger

	// continueOnError keeps executing after a failed parameter set and
	// marks it ExecuteFailed. Only meaningful for engines whose
	// transactions survive a statement error (MySQL, SQLite).
	continueOnError bool
}

// SQLConnOptions configures a SQLConn
type SQLConnOptions struct {
	ContinueOnError bool
}

// NewSQLConn takes ownership of a dedicated connection from db
func NewSQLConn(ctx context.Context, db *sql.DB, opts SQLConnOptions, logger zerolog.Logger) (*SQLConn, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return &SQLConn{
		conn:            conn,
		logger:          logger.With().Str("component", "sql-engine").Logger(),
		continueOnError: opts.ContinueOnError,
	}, nil
}

func (c *SQLConn) Prepare(ctx context.Context, query string) (Statement, error) {
	if c.tx == nil {
		tx, err := c.conn.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		c.tx = tx
	}
	stmt, err := c.tx.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	return &sqlStatement{
		stmt:            stmt,
		continueOnError: c.continueOnError,
		logger:          c.logger,
	}, nil
}

func (c *SQLConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (c *SQLConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func (c *SQLConn) Close(ctx context.Context) error {
	if err := c.Rollback(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Rollback on close failed")
	}
	return c.conn.Close()
}

type sqlStatement struct {
	stmt            *sql.Stmt
	queued          [][]any
	continueOnError bool
	logger          zerolog.Logger
}

func (s *sqlStatement) AddBatch(args ...any) {
	s.queued = append(s.queued, args)
}

func (s *sqlStatement) ExecuteBatch(ctx context.Context) ([]int64, error) {
	queued := s.queued
	s.queued = nil

	counts := make([]int64, 0, len(queued))
	var causes []Cause
	for i, args := range queued {
		res, err := s.stmt.ExecContext(ctx, args...)
		if err != nil {
			if IsConnectivityError(err) {
				return counts, err
			}
			if !s.continueOnError {
				s.logger.Debug().Int("index", i).Int("queued", len(queued)).Msg("Batch stopped at failing statement")
				return counts, &BatchError{UpdateCounts: counts, Causes: Causes(err)}
			}
			counts = append(counts, ExecuteFailed)
			causes = append(causes, Causes(err)...)
			continue
		}
		n, err := res.RowsAffected()
		if err != nil {
			n = SuccessNoInfo
		}
		counts = append(counts, n)
	}

	if len(causes) > 0 {
		return counts, &BatchError{UpdateCounts: counts, Causes: causes}
	}
	return counts, nil
}

func (s *sqlStatement) Close() error {
	s.queued = nil
	return s.stmt.Close()
}
