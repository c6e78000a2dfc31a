package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/arcload/internal/batch"
	"github.com/basekick-labs/arcload/internal/bulk"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/internal/rowwriter"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/rs/zerolog"
)

// bulkWriter buffers records and loads each full buffer with one bulk
// load. Upserts load into a temp table and merge it into the target.
type bulkWriter struct {
	config  Config
	loader  BulkLoader
	columns []platform.Column
	now     func() time.Time
	logger  zerolog.Logger

	open    bool
	session *batch.WriteSession
	buffer  []models.Record
}

func newBulkWriter(cfg Config, schema *models.Schema, deps Deps, logger zerolog.Logger) (*bulkWriter, error) {
	if deps.Loader == nil {
		return nil, fmt.Errorf("bulk writer needs a bulk loader")
	}
	if err := bulk.CheckPlatform(deps.Platform); err != nil {
		return nil, err
	}
	switch cfg.Action {
	case platform.ActionInsert, platform.ActionUpsert:
	default:
		return nil, fmt.Errorf("bulk load does not support %s", cfg.Action)
	}
	if cfg.Bulk.Stage == "" {
		return nil, fmt.Errorf("bulk load needs a stage")
	}
	columns := rowwriter.SQLColumns(rowwriter.Columns(schema, cfg.Keys, cfg.UseOriginNames))
	if cfg.Action == platform.ActionUpsert {
		if _, err := deps.Platform.Merge(cfg.Table, cfg.Table, columns); err != nil {
			return nil, fmt.Errorf("bulk upsert: %w", err)
		}
	}
	if cfg.Bulk.MaxRecords <= 0 {
		cfg.Bulk.MaxRecords = DefaultBulkMaxRecords
	}

	return &bulkWriter{
		config:  cfg,
		loader:  deps.Loader,
		columns: columns,
		now:     time.Now,
		logger:  logger,
	}, nil
}

func (w *bulkWriter) Open(ctx context.Context) error {
	w.open = true
	w.session = &batch.WriteSession{}
	w.buffer = nil
	w.logger.Debug().Str("stage", w.config.Bulk.Stage).Int("max_records", w.config.Bulk.MaxRecords).Msg("Bulk writer opened")
	return nil
}

func (w *bulkWriter) Write(ctx context.Context, rec models.Record) ([]models.Reject, error) {
	if !w.open {
		return nil, fmt.Errorf("writer is not open")
	}
	w.buffer = append(w.buffer, rec)
	if len(w.buffer) < w.config.Bulk.MaxRecords {
		return nil, nil
	}
	return w.flush(ctx)
}

func (w *bulkWriter) flush(ctx context.Context) ([]models.Reject, error) {
	if len(w.buffer) == 0 {
		return nil, nil
	}
	records := w.buffer
	w.buffer = nil

	temp := ""
	if w.config.Action == platform.ActionUpsert {
		temp = bulk.TempTableName(w.config.Table, w.now())
	}

	w.session.Batches++
	rejects, err := w.loader.BulkLoad(ctx, records, w.config.Bulk.Stage, w.config.Table, temp)
	if err != nil {
		return nil, err
	}
	if temp != "" {
		if err := w.loader.Merge(ctx, w.config.Table, temp, w.columns); err != nil {
			return rejects, err
		}
	}
	w.session.Commits++
	return rejects, nil
}

func (w *bulkWriter) Close(ctx context.Context) ([]models.Reject, error) {
	if !w.open {
		return nil, nil
	}
	rejects, err := w.flush(ctx)
	w.open = false

	w.logger.Info().
		Int("loads", w.session.Batches).
		Int("completed", w.session.Commits).
		Msg("Bulk writer closed")
	return rejects, err
}

func (w *bulkWriter) Session() batch.WriteSession {
	if w.session == nil {
		return batch.WriteSession{}
	}
	return *w.session
}
