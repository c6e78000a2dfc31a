package writer

import (
	"context"
	"fmt"

	"github.com/basekick-labs/arcload/internal/batch"
	"github.com/basekick-labs/arcload/internal/engine"
	"github.com/basekick-labs/arcload/internal/rowwriter"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/rs/zerolog"
)

// rowWriter applies records through the batch manager, one batch per
// BatchSize records
type rowWriter struct {
	config  Config
	connect Connector
	manager *batch.Manager
	logger  zerolog.Logger

	conn    engine.Conn
	session *batch.WriteSession
	buffer  []models.Record
}

func newRowWriter(cfg Config, schema *models.Schema, deps Deps, logger zerolog.Logger) (*rowWriter, error) {
	if deps.Connect == nil {
		return nil, fmt.Errorf("row writer needs an engine connector")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}

	manager, err := batch.NewManager(batch.Config{
		Action:        cfg.Action,
		Table:         cfg.Table,
		Columns:       rowwriter.Columns(schema, cfg.Keys, cfg.UseOriginNames),
		MaxRetries:    cfg.MaxRetries,
		RetryUnit:     cfg.RetryUnit,
		MaxRetryDelay: cfg.MaxRetryDelay,
		ManagedTx:     cfg.ManagedTx,
	}, deps.Platform, logger)
	if err != nil {
		return nil, err
	}

	return &rowWriter{
		config:  cfg,
		connect: deps.Connect,
		manager: manager,
		logger:  logger,
	}, nil
}

func (w *rowWriter) Open(ctx context.Context) error {
	conn, err := w.connect(ctx)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}
	w.conn = conn
	w.session = &batch.WriteSession{}
	w.buffer = make([]models.Record, 0, w.config.BatchSize)

	w.logger.Debug().Str("sql", w.manager.SQL()).Int("batch_size", w.config.BatchSize).Msg("Row writer opened")
	return nil
}

func (w *rowWriter) Write(ctx context.Context, rec models.Record) ([]models.Reject, error) {
	if w.conn == nil {
		return nil, fmt.Errorf("writer is not open")
	}
	w.buffer = append(w.buffer, rec)
	if len(w.buffer) < w.config.BatchSize {
		return nil, nil
	}
	return w.flush(ctx)
}

func (w *rowWriter) flush(ctx context.Context) ([]models.Reject, error) {
	if len(w.buffer) == 0 {
		return nil, nil
	}
	rejects, err := w.manager.Execute(ctx, w.buffer, w.conn, w.session)
	w.buffer = w.buffer[:0]
	return rejects, err
}

func (w *rowWriter) Close(ctx context.Context) ([]models.Reject, error) {
	if w.conn == nil {
		return nil, nil
	}
	rejects, err := w.flush(ctx)

	if closeErr := w.conn.Close(ctx); closeErr != nil && err == nil {
		err = fmt.Errorf("failed to close connection: %w", closeErr)
	}
	w.conn = nil

	w.logger.Info().
		Int("batches", w.session.Batches).
		Int("commits", w.session.Commits).
		Int("retries", w.session.Retries).
		Msg("Row writer closed")
	return rejects, err
}

func (w *rowWriter) Session() batch.WriteSession {
	if w.session == nil {
		return batch.WriteSession{}
	}
	return *w.session
}
