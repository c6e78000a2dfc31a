// Package batch executes ordered record lists as statement batches against
// one engine connection. Serialization failures are retried with
// exponential backoff; other batch failures are decomposed into
// per-record rejects.
package batch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/basekick-labs/arcload/internal/encode"
	"github.com/basekick-labs/arcload/internal/engine"
	"github.com/basekick-labs/arcload/internal/metrics"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/internal/rowwriter"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultMaxRetries    = 10
	DefaultRetryUnit     = 2 * time.Second
	DefaultMaxRetryDelay = 5 * time.Minute
)

// Config holds batch manager configuration
type Config struct {
	Action  platform.Action
	Table   string
	Columns []rowwriter.Column

	// MaxRetries bounds serialization-failure retries over a session
	MaxRetries int
	// RetryUnit is multiplied by ceil(e^n) for the n-th retry
	RetryUnit time.Duration
	// MaxRetryDelay caps a single backoff sleep
	MaxRetryDelay time.Duration

	// ManagedTx leaves commits to the caller's transaction
	ManagedTx bool
}

// Sleeper blocks the calling goroutine for d
type Sleeper func(d time.Duration)

// WriteSession holds the counters of one writer lifetime. The retry count
// is never reset between Execute calls, so the retry budget is shared by
// every batch of the session.
type WriteSession struct {
	Batches int
	Commits int
	Retries int
}

// Manager executes record batches for one write action
type Manager struct {
	config  Config
	sql     string
	writer  *rowwriter.Writer
	keys    []rowwriter.Column
	sleep   Sleeper
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// Option customizes a Manager
type Option func(*Manager)

// WithSleeper replaces the blocking backoff sleep
func WithSleeper(s Sleeper) Option {
	return func(m *Manager) { m.sleep = s }
}

// WithMetrics replaces the process-wide metrics collector
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager builds the statement text for the configured action once
func NewManager(cfg Config, p platform.Platform, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryUnit <= 0 {
		cfg.RetryUnit = DefaultRetryUnit
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxRetryDelay
	}

	sql, err := p.Statement(cfg.Action, cfg.Table, rowwriter.SQLColumns(cfg.Columns))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s statement: %w", cfg.Action, err)
	}

	m := &Manager{
		config:  cfg,
		sql:     sql,
		writer:  rowwriter.New(cfg.Action, sql, cfg.Columns),
		keys:    rowwriter.Keys(cfg.Action, cfg.Columns),
		sleep:   time.Sleep,
		metrics: metrics.Get(),
		logger: logger.With().
			Str("component", "batch-manager").
			Str("table", cfg.Table).
			Str("action", cfg.Action.String()).
			Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// SQL returns the statement text executed for every record
func (m *Manager) SQL() string { return m.sql }

// Execute writes records in order and returns one reject per record that
// did not apply. Only failures that leave the batch outcome unknown are
// returned as errors, unmodified.
func (m *Manager) Execute(ctx context.Context, records []models.Record, conn engine.Conn, session *WriteSession) ([]models.Reject, error) {
	rejects := []models.Reject{}
	if len(records) == 0 {
		return rejects, nil
	}

	valid := make([]models.Record, 0, len(records))
	for _, rec := range records {
		if err := m.validate(rec); err != nil {
			rejects = append(rejects, models.Reject{Message: err.Error(), Record: rec})
			continue
		}
		valid = append(valid, rec)
	}
	if len(valid) == 0 {
		m.metrics.IncRejects(int64(len(rejects)))
		return rejects, nil
	}

	for {
		err := m.submit(ctx, conn, valid, session)
		if err == nil {
			if !m.config.ManagedTx {
				if err := conn.Commit(ctx); err != nil {
					return rejects, err
				}
				session.Commits++
				m.metrics.IncCommits()
			}
			m.metrics.IncRecordsWritten(int64(len(valid)))
			m.metrics.IncRejects(int64(len(rejects)))
			return rejects, nil
		}

		if rbErr := conn.Rollback(ctx); rbErr != nil {
			m.logger.Warn().Err(rbErr).Msg("Rollback after failed batch failed")
		}

		var batchErr *engine.BatchError
		if !errors.As(err, &batchErr) {
			return rejects, err
		}

		if batchErr.SQLState() == engine.SQLStateSerializationFailure && session.Retries < m.config.MaxRetries {
			session.Retries++
			m.metrics.IncRetries()
			delay := m.backoff(session.Retries)
			m.logger.Warn().
				Err(batchErr).
				Int("retry", session.Retries).
				Int("max_retries", m.config.MaxRetries).
				Int("records", len(valid)).
				Dur("delay", delay).
				Msg("Serialization failure, resubmitting batch")
			m.sleep(delay)
			continue
		}

		failed := decompose(valid, batchErr)
		m.logger.Info().
			Err(batchErr).
			Int("submitted", len(valid)).
			Int("rejected", len(failed)).
			Int("reported", len(batchErr.UpdateCounts)).
			Msg("Batch failed, rejecting affected records")
		rejects = append(rejects, failed...)
		m.metrics.IncRejects(int64(len(rejects)))
		return rejects, nil
	}
}

// submit prepares a fresh statement, binds every record and executes it
func (m *Manager) submit(ctx context.Context, conn engine.Conn, records []models.Record, session *WriteSession) error {
	stmt, err := conn.Prepare(ctx, m.sql)
	if err != nil {
		return err
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			m.logger.Debug().Err(err).Msg("Closing statement failed")
		}
	}()

	for _, rec := range records {
		bound, err := m.writer.Bind(stmt, rec)
		if err != nil {
			return err
		}
		if e := m.logger.Trace(); e.Enabled() {
			e.Str("sql", bound.Rendered()).Msg("Bound record")
		}
	}

	session.Batches++
	m.metrics.IncBatches()
	start := time.Now()
	_, err = stmt.ExecuteBatch(ctx)
	m.logger.Debug().
		Int("records", len(records)).
		Dur("duration", time.Since(start)).
		Bool("ok", err == nil).
		Msg("Batch executed")
	return err
}

// validate rejects records whose key values are missing or whose bound
// values cannot be encoded
func (m *Manager) validate(rec models.Record) error {
	for _, k := range m.keys {
		v, ok := rec.Get(k.Entry.Name)
		if !ok || v == nil {
			return fmt.Errorf("key column %s has no value for %s", k.Name, m.config.Action)
		}
	}
	for _, c := range m.writer.Columns() {
		v, _ := rec.Get(c.Entry.Name)
		if _, err := encode.Encode(v, c.Entry, encode.Bind); err != nil {
			return err
		}
	}
	return nil
}

// backoff returns ceil(e^n) * RetryUnit, capped at MaxRetryDelay
func (m *Manager) backoff(n int) time.Duration {
	factor := math.Ceil(math.Exp(float64(n)))
	if factor*float64(m.config.RetryUnit) > float64(m.config.MaxRetryDelay) {
		return m.config.MaxRetryDelay
	}
	return time.Duration(factor) * m.config.RetryUnit
}

// decompose maps a batch failure back to the submitted records. Positions
// reported as failed take the next cause in order. Records past the end of
// a short count array have an unknown outcome and are rejected with the
// terminal cause.
func decompose(submitted []models.Record, batchErr *engine.BatchError) []models.Reject {
	var out []models.Reject
	causes := batchErr.Causes
	next := 0
	causeAt := func(i int) engine.Cause {
		if len(causes) == 0 {
			return batchErr.Primary()
		}
		if i < len(causes) {
			return causes[i]
		}
		return causes[len(causes)-1]
	}

	reported := len(batchErr.UpdateCounts)
	if reported > len(submitted) {
		reported = len(submitted)
	}
	for i := 0; i < reported; i++ {
		if batchErr.UpdateCounts[i] != engine.ExecuteFailed {
			continue
		}
		out = append(out, reject(causeAt(next), submitted[i]))
		next++
	}

	if reported < len(submitted) {
		terminal := causeAt(next)
		for i := reported; i < len(submitted); i++ {
			out = append(out, reject(terminal, submitted[i]))
		}
	}
	return out
}

func reject(c engine.Cause, rec models.Record) models.Reject {
	return models.Reject{Message: c.Message, SQLState: c.SQLState, Code: c.Code, Record: rec}
}
