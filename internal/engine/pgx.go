package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// pgxConnector is the subset of *pgx.Conn used here
type pgxConnector interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close(ctx context.Context) error
}

// PgxConn runs batches over a native pgx connection. Queued parameter sets
// are sent as one pgx.Batch inside a transaction; PostgreSQL aborts the
// transaction at the first failing statement, so a failure always yields
// a short update-count array.
type PgxConn struct {
	conn   pgxConnector
	tx     pgx.Tx
	logger zerolog.Logger
}

// NewPgxConn wraps a pgx connection. The PgxConn owns it from here on.
func NewPgxConn(conn *pgx.Conn, logger zerolog.Logger) *PgxConn {
	return newPgxConn(conn, logger)
}

func newPgxConn(conn pgxConnector, logger zerolog.Logger) *PgxConn {
	return &PgxConn{
		conn:   conn,
		logger: logger.With().Str("component", "pgx-engine").Logger(),
	}
}

// Connect opens a native PostgreSQL connection
func Connect(ctx context.Context, dsn string, logger zerolog.Logger) (*PgxConn, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPgxConn(conn, logger), nil
}

func (c *PgxConn) Prepare(ctx context.Context, query string) (Statement, error) {
	if c.tx == nil {
		tx, err := c.conn.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		c.tx = tx
	}
	return &pgxStatement{tx: c.tx, query: query, logger: c.logger}, nil
}

func (c *PgxConn) Commit(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit failed: %w", err)
	}
	return nil
}

func (c *PgxConn) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	tx := c.tx
	c.tx = nil
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback failed: %w", err)
	}
	return nil
}

func (c *PgxConn) Close(ctx context.Context) error {
	if err := c.Rollback(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("Rollback on close failed")
	}
	return c.conn.Close(ctx)
}

type pgxStatement struct {
	tx     pgx.Tx
	query  string
	batch  pgx.Batch
	logger zerolog.Logger
}

func (s *pgxStatement) AddBatch(args ...any) {
	s.batch.Queue(s.query, args...)
}

func (s *pgxStatement) ExecuteBatch(ctx context.Context) ([]int64, error) {
	queued := s.batch.Len()
	if queued == 0 {
		return nil, nil
	}
	defer func() { s.batch = pgx.Batch{} }()

	results := s.tx.SendBatch(ctx, &s.batch)
	counts := make([]int64, 0, queued)
	for i := 0; i < queued; i++ {
		tag, err := results.Exec()
		if err != nil {
			if closeErr := results.Close(); closeErr != nil {
				s.logger.Debug().Err(closeErr).Msg("Closing batch results after failure")
			}
			var pgErr *pgconn.PgError
			if !errors.As(err, &pgErr) {
				return counts, err
			}
			s.logger.Debug().
				Int("index", i).
				Int("queued", queued).
				Str("sqlstate", pgErr.Code).
				Msg("Batch stopped at failing statement")
			return counts, &BatchError{UpdateCounts: counts, Causes: []Cause{CauseOf(err)}}
		}
		counts = append(counts, tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return counts, err
	}
	return counts, nil
}

func (s *pgxStatement) Close() error {
	s.batch = pgx.Batch{}
	return nil
}
