// Package writer exposes the record sinks used by the CLI. A writer is
// either a row writer, which applies one action per record through
// statement batches, or a bulk writer, which stages records and loads them
// with one command per flush. The variant is chosen once, in New.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/basekick-labs/arcload/internal/batch"
	"github.com/basekick-labs/arcload/internal/engine"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/rs/zerolog"
)

// Defaults
const (
	DefaultBatchSize      = 1000
	DefaultBulkMaxRecords = 100000
)

// Writer is the shared open/write/close capability of every variant
type Writer interface {
	// Open acquires the writer's resources and starts a new session
	Open(ctx context.Context) error

	// Write buffers rec and returns the rejects of any flush it triggered
	Write(ctx context.Context, rec models.Record) ([]models.Reject, error)

	// Close flushes buffered records and releases the writer's resources
	Close(ctx context.Context) ([]models.Reject, error)

	// Session returns the counters of the current session
	Session() batch.WriteSession
}

// Config holds writer configuration
type Config struct {
	Table          string
	Action         platform.Action
	Keys           []string
	BatchSize      int
	UseOriginNames bool

	MaxRetries    int
	RetryUnit     time.Duration
	MaxRetryDelay time.Duration
	ManagedTx     bool

	Bulk BulkConfig
}

// BulkConfig selects and configures the bulk variant
type BulkConfig struct {
	Enabled    bool
	Stage      string
	MaxRecords int
}

// BulkLoader is the bulk load orchestration used by the bulk variant
type BulkLoader interface {
	BulkLoad(ctx context.Context, records []models.Record, stage, target, temp string) ([]models.Reject, error)
	Merge(ctx context.Context, target, temp string, columns []platform.Column) error
}

// Connector opens the engine connection a row writer owns
type Connector func(ctx context.Context) (engine.Conn, error)

// Deps are the collaborators a writer is built from
type Deps struct {
	Platform platform.Platform
	Connect  Connector  // row variant
	Loader   BulkLoader // bulk variant
}

// New validates cfg and returns the variant it selects
func New(cfg Config, schema *models.Schema, deps Deps, logger zerolog.Logger) (Writer, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("writer table is required")
	}
	if deps.Platform == nil {
		return nil, fmt.Errorf("writer platform is required")
	}
	for _, k := range cfg.Keys {
		if _, _, ok := schema.Lookup(k); !ok {
			return nil, fmt.Errorf("key column %q is not in the schema", k)
		}
	}
	if cfg.Action != platform.ActionInsert && len(cfg.Keys) == 0 {
		return nil, fmt.Errorf("%s requires at least one key column", cfg.Action)
	}

	logger = logger.With().
		Str("component", "writer").
		Str("table", cfg.Table).
		Str("action", cfg.Action.String()).
		Logger()

	if cfg.Bulk.Enabled {
		w, err := newBulkWriter(cfg, schema, deps, logger)
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	w, err := newRowWriter(cfg, schema, deps, logger)
	if err != nil {
		return nil, err
	}
	return w, nil
}
