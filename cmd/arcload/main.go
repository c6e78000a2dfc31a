package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/basekick-labs/arcload/internal/api"
	"github.com/basekick-labs/arcload/internal/bulk"
	"github.com/basekick-labs/arcload/internal/config"
	"github.com/basekick-labs/arcload/internal/database"
	"github.com/basekick-labs/arcload/internal/engine"
	"github.com/basekick-labs/arcload/internal/input"
	"github.com/basekick-labs/arcload/internal/logger"
	"github.com/basekick-labs/arcload/internal/metrics"
	"github.com/basekick-labs/arcload/internal/platform"
	"github.com/basekick-labs/arcload/internal/shutdown"
	"github.com/basekick-labs/arcload/internal/storage"
	"github.com/basekick-labs/arcload/internal/writer"
	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/rs/zerolog/log"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "path to the config file (default: search for arcload.toml)")
	inputPath := flag.String("input", "-", "newline-delimited JSON records to load (- for stdin)")
	metricsFile := flag.String("metrics-file", "", "write final counters in Prometheus text format to this file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", Version).Msg("Starting arcload")

	metrics.Init(logger.Get("metrics"))

	if err := run(cfg, *inputPath, *metricsFile); err != nil {
		log.Error().Err(err).Msg("Load failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, inputPath, metricsFile string) (err error) {
	schema, err := cfg.RecordSchema()
	if err != nil {
		return err
	}
	action, err := platform.ParseAction(cfg.Writer.Action)
	if err != nil {
		return err
	}
	p, err := platform.ForDriver(cfg.Database.Driver)
	if err != nil {
		return err
	}

	coord := shutdown.New(cfg.ShutdownTimeout, log.Logger)
	ctx, stop := coord.Watch(context.Background())
	defer stop()
	defer func() {
		if shutdownErr := coord.Shutdown(); err == nil {
			err = shutdownErr
		}
	}()

	var status *api.Server
	if cfg.Status.Enabled {
		status = api.NewServer(&api.ServerConfig{
			Addr:            cfg.Status.Addr,
			ReadTimeout:     api.DefaultServerConfig().ReadTimeout,
			WriteTimeout:    api.DefaultServerConfig().WriteTimeout,
			ShutdownTimeout: api.DefaultServerConfig().ShutdownTimeout,
		}, logger.Get("api"))
		if _, err := status.Start(); err != nil {
			return err
		}
		coord.Register("status", status, shutdown.PriorityStatus)
	}

	in, err := openInput(inputPath)
	if err != nil {
		return err
	}
	coord.Register("input", in, shutdown.PriorityInput)

	deps := writer.Deps{Platform: p}

	// The native pgx engine serves postgres row writes; everything else
	// goes through database/sql.
	nativePgx := p.Name() == "postgres" && !cfg.Bulk.Enabled
	var db *database.DB
	if !nativePgx {
		db, err = database.Open(ctx, &database.Config{
			Driver:         cfg.Database.Driver,
			DSN:            cfg.Database.DSN,
			MaxConnections: cfg.Database.MaxConnections,
			MemoryLimit:    cfg.Database.DuckDBMemoryLimit,
			ThreadCount:    cfg.Database.DuckDBThreads,
		}, logger.Get("database"))
		if err != nil {
			return err
		}
		coord.Register("database", db, shutdown.PriorityDatabase)
	}

	if cfg.Bulk.Enabled {
		orchestrator, err := newOrchestrator(ctx, cfg, db, p, coord)
		if err != nil {
			return err
		}
		deps.Loader = orchestrator
	} else if nativePgx {
		deps.Connect = func(ctx context.Context) (engine.Conn, error) {
			return engine.Connect(ctx, cfg.Database.DSN, logger.Get("engine"))
		}
	} else {
		deps.Connect = func(ctx context.Context) (engine.Conn, error) {
			return engine.NewSQLConn(ctx, db.DB(), engine.SQLConnOptions{
				ContinueOnError: cfg.Database.ContinueOnError,
			}, logger.Get("engine"))
		}
	}

	w, err := writer.New(writer.Config{
		Table:          cfg.Writer.Table,
		Action:         action,
		Keys:           cfg.Writer.Keys,
		BatchSize:      cfg.Writer.BatchSize,
		UseOriginNames: cfg.Writer.UseOriginNames,
		MaxRetries:     cfg.Writer.MaxRetries,
		RetryUnit:      cfg.Writer.RetryUnit,
		MaxRetryDelay:  cfg.Writer.MaxRetryDelay,
		ManagedTx:      cfg.Writer.ManagedTx,
		Bulk: writer.BulkConfig{
			Enabled:    cfg.Bulk.Enabled,
			Stage:      cfg.Bulk.Stage,
			MaxRecords: cfg.Bulk.MaxRecords,
		},
	}, schema, deps, logger.Get("writer"))
	if err != nil {
		return err
	}
	if err := w.Open(ctx); err != nil {
		return err
	}

	var stats loadStats
	coord.RegisterHook("writer", func(ctx context.Context) error {
		rejects, err := w.Close(ctx)
		stats.logRejects(rejects)
		return err
	}, shutdown.PriorityWriter)
	coord.RegisterHook("metrics", func(context.Context) error {
		return reportMetrics(metricsFile, &stats)
	}, shutdown.PriorityMetrics)

	if status != nil {
		status.SetReady(true)
	}

	reader := input.NewReader(in, schema)
	for ctx.Err() == nil {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if input.IsFieldError(err) {
				stats.invalid++
				log.Warn().Err(err).Msg("Skipping invalid input record")
				continue
			}
			return err
		}
		stats.read++

		rejects, err := w.Write(ctx, rec)
		stats.logRejects(rejects)
		if err != nil {
			return err
		}
	}
	if ctx.Err() != nil {
		return fmt.Errorf("load interrupted after %d records: %w", stats.read, ctx.Err())
	}
	return nil
}

// newOrchestrator builds the bulk load pipeline over db
func newOrchestrator(ctx context.Context, cfg *config.Config, db *database.DB, p platform.Platform, coord *shutdown.Coordinator) (*bulk.Orchestrator, error) {
	var uploader bulk.Uploader
	switch cfg.Bulk.UploadMode {
	case "storage":
		backend, err := storage.New(ctx, storageConfig(cfg.Storage), logger.Get("storage"))
		if err != nil {
			return nil, err
		}
		resilient := storage.NewResilientBackend(backend, &storage.ResilientConfig{
			MaxFailures:         cfg.Storage.MaxFailures,
			Timeout:             cfg.Storage.BreakerTimeout,
			HalfOpenMaxRequests: 3,
			MaxRetries:          cfg.Storage.MaxRetries,
			RetryDelay:          cfg.Storage.RetryDelay,
			RetryMaxDelay:       storage.DefaultResilientConfig().RetryMaxDelay,
		}, logger.Get("storage"))
		coord.Register("storage", resilient, shutdown.PriorityStorage)
		uploader = bulk.NewStorageUploader(resilient, cfg.Bulk.CompressionLevel, logger.Get("stage"))
	default:
		uploader = bulk.NewSQLUploader(db, logger.Get("stage"))
	}

	// The temp table, COPY, MERGE and DROP must share one session
	session, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	coord.Register("loader-session", session, shutdown.PrioritySession)
	loader := bulk.NewSQLLoader(session, p, logger.Get("loader"))
	return bulk.NewOrchestrator(bulk.Config{
		MaxChunkSize:        cfg.Bulk.MaxChunkSize,
		UploadConcurrency:   cfg.Bulk.UploadConcurrency,
		WorkDir:             cfg.Bulk.WorkDir,
		UseOriginNames:      cfg.Writer.UseOriginNames,
		RestrictTempColumns: cfg.Bulk.RestrictTempColumns,
		PurgeStage:          cfg.Bulk.PurgeStage,
	}, uploader, loader, p, logger.Get("bulk")), nil
}

func storageConfig(s config.StorageConfig) storage.Config {
	return storage.Config{
		Backend:   s.Backend,
		LocalPath: s.LocalPath,
		S3: storage.S3Config{
			Bucket:    s.S3Bucket,
			Prefix:    s.S3Prefix,
			Region:    s.S3Region,
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
			PathStyle: s.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   s.AzureConnectionString,
			AccountName:        s.AzureAccountName,
			AccountKey:         s.AzureAccountKey,
			SASToken:           s.AzureSASToken,
			UseManagedIdentity: s.AzureUseManagedIdentity,
			ContainerName:      s.AzureContainer,
			Prefix:             s.AzurePrefix,
			Endpoint:           s.AzureEndpoint,
		},
	}
}

func openInput(path string) (io.ReadCloser, error) {
	if path == "" || path == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, nil
}

type loadStats struct {
	read     int
	invalid  int
	rejected int
}

func (s *loadStats) logRejects(rejects []models.Reject) {
	for _, r := range rejects {
		s.rejected++
		ev := log.Warn().Str("record", r.Record.String())
		if r.SQLState != "" {
			ev = ev.Str("sql_state", r.SQLState).Int("code", r.Code)
		}
		ev.Msg("Rejected: " + r.Message)
	}
}

func reportMetrics(path string, stats *loadStats) error {
	m := metrics.Get()
	log.Info().
		Int("read", stats.read).
		Int("invalid", stats.invalid).
		Int("rejected", stats.rejected).
		Fields(m.Snapshot()).
		Msg("Load summary")

	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, []byte(m.PrometheusFormat()), 0644); err != nil {
		return fmt.Errorf("failed to write metrics file: %w", err)
	}
	return nil
}
