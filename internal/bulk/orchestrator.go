package bulk

import (
	"context"
	"fmt"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/basekick-labs/arcload/internal/chunk"
	"github.com/basekick-labs/arcload/internal/metrics"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// CompressedSuffix is appended to chunk file names once staged
const CompressedSuffix = ".gz"

// Config holds orchestrator configuration
type Config struct {
	// MaxChunkSize is the chunk size threshold in bytes
	MaxChunkSize int64
	// UploadConcurrency bounds parallel uploads (default NumCPU)
	UploadConcurrency int
	// WorkDir is the parent of per-operation working directories
	WorkDir string
	// UseOriginNames loads into origin column names
	UseOriginNames bool
	// RestrictTempColumns creates temp tables with only the loaded columns
	RestrictTempColumns bool
	// PurgeStage removes uploaded files once loaded
	PurgeStage bool
}

// Orchestrator runs bulk loads over one loader connection. It must not be
// used by more than one caller at a time.
type Orchestrator struct {
	config   Config
	splitter *chunk.Splitter
	uploader Uploader
	loader   Loader
	platform platform.Platform
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithMetrics replaces the process-wide metrics collector
func WithMetrics(mt *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = mt }
}

// WithSplitter replaces the chunk splitter
func WithSplitter(s *chunk.Splitter) Option {
	return func(o *Orchestrator) { o.splitter = s }
}

// NewOrchestrator creates a bulk load orchestrator
func NewOrchestrator(cfg Config, uploader Uploader, loader Loader, p platform.Platform, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = runtime.NumCPU()
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	o := &Orchestrator{
		config:   cfg,
		splitter: chunk.NewSplitter(cfg.MaxChunkSize),
		uploader: uploader,
		loader:   loader,
		platform: p,
		metrics:  metrics.Get(),
		logger:   logger.With().Str("component", "bulk-loader").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// BulkLoad stages records, loads them into target (or into temp when
// temp is non-empty) and returns one reject per record that did not load.
// Staged chunk files and the working directory are removed on every path.
func (o *Orchestrator) BulkLoad(ctx context.Context, records []models.Record, stage, target, temp string) (rejects []models.Reject, err error) {
	rejects = []models.Reject{}
	if len(records) == 0 {
		return rejects, nil
	}

	opID := uuid.New().String()
	logger := o.logger.With().Str("operation_id", opID).Str("table", target).Logger()
	start := time.Now()

	dir, err := os.MkdirTemp(o.config.WorkDir, "arcload-"+opID+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create working directory: %w", err)
	}

	var chunks []*chunk.Chunk
	defer func() {
		for _, c := range chunks {
			if rmErr := c.Remove(); rmErr != nil {
				logger.Warn().Err(rmErr).Str("file", c.FileName()).Msg("Failed to remove chunk file")
			}
		}
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			logger.Warn().Err(rmErr).Str("dir", dir).Msg("Failed to remove working directory")
		}
	}()

	chunks, err = o.splitter.Split(records, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to split records: %w", err)
	}
	o.metrics.IncChunks(int64(len(chunks)))

	loadTable := target
	if temp != "" {
		var cols []string
		if o.config.RestrictTempColumns {
			cols = records[0].Schema().ColumnNames(o.config.UseOriginNames)
		}
		if err := o.loader.CreateTempTable(ctx, temp, target, cols); err != nil {
			return nil, fmt.Errorf("failed to create temp table %s: %w", temp, err)
		}
		loadTable = temp
	}

	ready, uploadRejects := o.upload(ctx, chunks, stage, logger)
	rejects = append(rejects, uploadRejects...)
	if len(ready) == 0 {
		logger.Warn().Int("chunks", len(chunks)).Msg("No chunk was uploaded, skipping load")
		return rejects, nil
	}

	cmd := LoadCommand{
		Table:   loadTable,
		Columns: ready[0].Records()[0].Schema().ColumnNames(o.config.UseOriginNames),
		Stage:   stage,
		Files:   make([]string, len(ready)),
	}
	for i, c := range ready {
		cmd.Files[i] = c.FileName() + CompressedSuffix
	}

	o.metrics.IncLoadCommands()
	results, err := o.loader.Load(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("bulk load into %s failed: %w", loadTable, err)
	}

	loadRejects := o.mapResults(results, ready, logger)
	rejects = append(rejects, loadRejects...)
	o.metrics.IncLoadRowErrors(int64(len(loadRejects)))

	if o.config.PurgeStage {
		if p, ok := o.uploader.(Purger); ok {
			if err := p.Purge(ctx, stage, cmd.Files); err != nil {
				logger.Warn().Err(err).Str("stage", stage).Msg("Failed to purge stage")
			}
		}
	}

	logger.Info().
		Int("records", len(records)).
		Int("chunks", len(chunks)).
		Int("uploaded", len(ready)).
		Int("rejects", len(rejects)).
		Dur("duration", time.Since(start)).
		Msg("Bulk load completed")
	return rejects, nil
}

// upload runs one upload per chunk with bounded concurrency. Each task
// writes only its own result slot; slots are merged after the join.
func (o *Orchestrator) upload(ctx context.Context, chunks []*chunk.Chunk, stage string, logger zerolog.Logger) ([]*chunk.Chunk, []models.Reject) {
	results := make([]error, len(chunks))
	sem := semaphore.NewWeighted(int64(o.config.UploadConcurrency))
	var wg sync.WaitGroup

	for i, c := range chunks {
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(chunks); j++ {
				results[j] = err
			}
			break
		}

		wg.Add(1)
		go func(i int, c *chunk.Chunk) {
			defer wg.Done()
			defer sem.Release(1)

			start := time.Now()
			results[i] = o.uploader.Upload(ctx, c.Path(), stage)
			o.metrics.RecordUploadLatency(time.Since(start))
		}(i, c)
	}

	wg.Wait()

	var ready []*chunk.Chunk
	var rejects []models.Reject
	for i, c := range chunks {
		if err := results[i]; err != nil {
			o.metrics.IncUploadFailures()
			logger.Warn().
				Err(err).
				Str("file", c.FileName()).
				Int("records", c.Len()).
				Msg("Chunk upload failed, rejecting its records")
			for _, rec := range c.Records() {
				rejects = append(rejects, models.Reject{Message: err.Error(), Record: rec})
			}
			continue
		}
		o.metrics.IncUploads()
		o.metrics.IncBytesStaged(c.Size())
		ready = append(ready, c)
	}
	return ready, rejects
}

// mapResults resolves failed load result rows to the records they name.
// A failure that names no record of a ready chunk still yields a Reject,
// with a zero Record, so it is reported and counted.
func (o *Orchestrator) mapResults(results []LoadResult, ready []*chunk.Chunk, logger zerolog.Logger) []models.Reject {
	var rejects []models.Reject
	for _, r := range results {
		if !r.Failed() {
			continue
		}
		c := findChunk(ready, r.File)
		if c == nil {
			logger.Warn().Str("file", r.File).Str("error", r.FirstError).Msg("Load error for unknown file")
			rejects = append(rejects, models.Reject{
				Message: fmt.Sprintf("%s (file %s)", r.Message(), r.File),
			})
			continue
		}
		if r.ErrorsSeen > 1 {
			logger.Warn().
				Str("file", r.File).
				Int64("errors_seen", r.ErrorsSeen).
				Int64("rows_loaded", r.RowsLoaded).
				Int64("rows_parsed", r.RowsParsed).
				Msg("Only the first load error of a file can be attributed to a record")
		}
		line := r.FirstErrorLine
		if line < 1 || line > int64(c.Len()) {
			logger.Warn().
				Str("file", r.File).
				Int64("line", line).
				Int("records", c.Len()).
				Msg("Load error line outside chunk")
			rejects = append(rejects, models.Reject{
				Message: fmt.Sprintf("%s (file %s, line %d)", r.Message(), r.File, line),
			})
			continue
		}
		rejects = append(rejects, models.Reject{
			Message: r.Message(),
			Record:  c.Records()[line-1],
		})
	}
	return rejects
}

// findChunk returns the chunk whose file name prefixes the reported file.
// The loader may report a stage path and appends a compression suffix.
func findChunk(chunks []*chunk.Chunk, reported string) *chunk.Chunk {
	base := path.Base(reported)
	for _, c := range chunks {
		if strings.HasPrefix(base, c.FileName()) {
			return c
		}
	}
	return nil
}

// Merge upserts every row of temp into target and drops temp
func (o *Orchestrator) Merge(ctx context.Context, target, temp string, columns []platform.Column) error {
	stmt, err := o.platform.Merge(target, temp, columns)
	if err != nil {
		return err
	}
	if err := o.loader.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to merge %s into %s: %w", temp, target, err)
	}
	o.logger.Debug().Str("table", target).Str("temp", temp).Msg("Merged temp table")
	return o.DropTable(ctx, temp)
}

// DropTable drops a table if it exists
func (o *Orchestrator) DropTable(ctx context.Context, table string) error {
	stmt := "DROP TABLE IF EXISTS " + quoteQualified(table, o.platform.Quote)
	if err := o.loader.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return nil
}
