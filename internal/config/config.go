package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/basekick-labs/arcload/pkg/models"
	"github.com/spf13/viper"
)

// Config holds all configuration for arcload
type Config struct {
	Log      LogConfig
	Database DatabaseConfig
	Writer   WriterConfig
	Bulk     BulkConfig
	Storage  StorageConfig
	Status   StatusConfig
	Schema   []FieldConfig

	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type DatabaseConfig struct {
	Driver          string // postgres, mysql, sqlite3, duckdb, snowflake, clickhouse
	DSN             string
	MaxConnections  int
	ContinueOnError bool // keep executing a batch past a failing statement (database/sql engines)

	// DuckDB only
	DuckDBMemoryLimit string
	DuckDBThreads     int
}

type WriterConfig struct {
	Table          string
	Action         string // insert, update, delete, upsert
	Keys           []string
	BatchSize      int
	UseOriginNames bool // use original field names for columns
	MaxRetries     int
	RetryUnit      time.Duration
	MaxRetryDelay  time.Duration
	ManagedTx      bool // the caller owns the transaction; batches are not committed
}

type BulkConfig struct {
	Enabled             bool
	Stage               string
	MaxRecords          int   // records per bulk load
	MaxChunkSize        int64 // bytes per chunk file
	UploadConcurrency   int
	UploadMode          string // put (PUT through the database) or storage (stage backend)
	CompressionLevel    int
	WorkDir             string
	RestrictTempColumns bool
	PurgeStage          bool
}

type StorageConfig struct {
	Backend   string
	LocalPath string
	// S3/MinIO configuration
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string // custom endpoint for MinIO (e.g., "http://localhost:9000")
	S3AccessKey string // or AWS_ACCESS_KEY_ID
	S3SecretKey string // or AWS_SECRET_ACCESS_KEY
	S3UseSSL    bool
	S3PathStyle bool // required for MinIO
	// Azure Blob Storage configuration
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzurePrefix             string
	AzureEndpoint           string // custom endpoint (for Azurite testing)
	AzureUseManagedIdentity bool
	// Retry and circuit breaker settings for stage writes
	MaxRetries     int
	RetryDelay     time.Duration
	MaxFailures    int
	BreakerTimeout time.Duration
}

// StatusConfig enables the HTTP status endpoints (/health, /ready, /metrics)
type StatusConfig struct {
	Enabled bool
	Addr    string
}

// FieldConfig declares one entry of the input record schema
type FieldConfig struct {
	Name         string `mapstructure:"name"`
	OriginalName string `mapstructure:"original_name"`
	Type         string `mapstructure:"type"`
	Nullable     bool   `mapstructure:"nullable"`
}

// Load loads configuration from defaults, the config file and environment.
// An empty path searches the default locations for arcload.toml.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ARCLOAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("arcload")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/arcload/")
		v.AddConfigPath("$HOME/.arcload/")

		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	maxChunkSize, err := ParseSize(v.GetString("bulk.max_chunk_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid bulk.max_chunk_size: %w", err)
	}

	var fields []FieldConfig
	if err := v.UnmarshalKey("schema.fields", &fields); err != nil {
		return nil, fmt.Errorf("invalid schema.fields: %w", err)
	}

	cfg := &Config{
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Database: DatabaseConfig{
			Driver:          v.GetString("database.driver"),
			DSN:             v.GetString("database.dsn"),
			MaxConnections:  v.GetInt("database.max_connections"),
			ContinueOnError: v.GetBool("database.continue_on_error"),

			DuckDBMemoryLimit: v.GetString("database.duckdb_memory_limit"),
			DuckDBThreads:     v.GetInt("database.duckdb_threads"),
		},
		Writer: WriterConfig{
			Table:          v.GetString("writer.table"),
			Action:         v.GetString("writer.action"),
			Keys:           v.GetStringSlice("writer.keys"),
			BatchSize:      v.GetInt("writer.batch_size"),
			UseOriginNames: v.GetBool("writer.use_origin_names"),
			MaxRetries:     v.GetInt("writer.max_retries"),
			RetryUnit:      v.GetDuration("writer.retry_unit"),
			MaxRetryDelay:  v.GetDuration("writer.max_retry_delay"),
			ManagedTx:      v.GetBool("writer.managed_tx"),
		},
		Bulk: BulkConfig{
			Enabled:             v.GetBool("bulk.enabled"),
			Stage:               v.GetString("bulk.stage"),
			MaxRecords:          v.GetInt("bulk.max_records"),
			MaxChunkSize:        maxChunkSize,
			UploadConcurrency:   v.GetInt("bulk.upload_concurrency"),
			UploadMode:          strings.ToLower(v.GetString("bulk.upload_mode")),
			CompressionLevel:    v.GetInt("bulk.compression_level"),
			WorkDir:             v.GetString("bulk.work_dir"),
			RestrictTempColumns: v.GetBool("bulk.restrict_temp_columns"),
			PurgeStage:          v.GetBool("bulk.purge_stage"),
		},
		Storage: StorageConfig{
			Backend:                 v.GetString("storage.backend"),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Prefix:                v.GetString("storage.s3_prefix"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzurePrefix:             v.GetString("storage.azure_prefix"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			MaxRetries:              v.GetInt("storage.max_retries"),
			RetryDelay:              v.GetDuration("storage.retry_delay"),
			MaxFailures:             v.GetInt("storage.max_failures"),
			BreakerTimeout:          v.GetDuration("storage.breaker_timeout"),
		},
		Status: StatusConfig{
			Enabled: v.GetBool("status.enabled"),
			Addr:    v.GetString("status.addr"),
		},
		Schema:          fields,
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_connections", getDefaultMaxConnections())
	v.SetDefault("database.continue_on_error", false)
	v.SetDefault("database.duckdb_memory_limit", "")
	v.SetDefault("database.duckdb_threads", 0)

	v.SetDefault("writer.action", "insert")
	v.SetDefault("writer.batch_size", 1000)
	v.SetDefault("writer.use_origin_names", false)
	v.SetDefault("writer.max_retries", 10)
	v.SetDefault("writer.retry_unit", "2s")
	v.SetDefault("writer.max_retry_delay", "5m")
	v.SetDefault("writer.managed_tx", false)

	v.SetDefault("bulk.enabled", false)
	v.SetDefault("bulk.max_records", 100000)
	v.SetDefault("bulk.max_chunk_size", "16MB")
	v.SetDefault("bulk.upload_concurrency", runtime.NumCPU())
	v.SetDefault("bulk.upload_mode", "put")
	v.SetDefault("bulk.compression_level", 0) // gzip default level
	v.SetDefault("bulk.restrict_temp_columns", false)
	v.SetDefault("bulk.purge_stage", false)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/stage")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.max_retries", 3)
	v.SetDefault("storage.retry_delay", "100ms")
	v.SetDefault("storage.max_failures", 5)
	v.SetDefault("storage.breaker_timeout", "30s")

	v.SetDefault("status.enabled", false)
	v.SetDefault("status.addr", ":9180")

	v.SetDefault("shutdown_timeout", "30s")
}

func getDefaultMaxConnections() int {
	// 2x CPU cores, bounded
	maxConns := runtime.NumCPU() * 2
	if maxConns < 4 {
		return 4
	}
	if maxConns > 64 {
		return 64
	}
	return maxConns
}

// Validate checks the settings a load run cannot start without
func (cfg *Config) Validate() error {
	if cfg.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if cfg.Writer.Table == "" {
		return fmt.Errorf("writer.table is required")
	}
	if len(cfg.Schema) == 0 {
		return fmt.Errorf("schema.fields must declare at least one field")
	}
	if cfg.Bulk.Enabled {
		// PUT and COPY INTO with per-file results are Snowflake statements
		if !strings.EqualFold(cfg.Database.Driver, "snowflake") {
			return fmt.Errorf("bulk load requires database.driver snowflake, got %q", cfg.Database.Driver)
		}
		if cfg.Bulk.Stage == "" {
			return fmt.Errorf("bulk enabled but bulk.stage not specified")
		}
		switch cfg.Bulk.UploadMode {
		case "put", "storage":
		default:
			return fmt.Errorf("unknown bulk.upload_mode: %q (use put or storage)", cfg.Bulk.UploadMode)
		}
		if cfg.Bulk.MaxChunkSize <= 0 {
			return fmt.Errorf("bulk.max_chunk_size must be positive")
		}
	}
	return nil
}

// RecordSchema builds the input record schema from the declared fields
func (cfg *Config) RecordSchema() (*models.Schema, error) {
	entries := make([]models.Entry, len(cfg.Schema))
	for i, f := range cfg.Schema {
		t, err := models.ParseType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("schema field %s: %w", f.Name, err)
		}
		entries[i] = models.Entry{
			Name:         f.Name,
			OriginalName: f.OriginalName,
			Type:         t,
			Nullable:     f.Nullable,
		}
	}
	return models.NewSchema(entries...)
}

// ParseSize parses a human-readable size string (e.g., "1GB", "500MB", "100KB") to bytes.
// Supports: B, KB, MB, GB (case-insensitive).
// Returns the size in bytes or an error if the format is invalid.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// longer suffixes first
	type unitInfo struct {
		suffix     string
		multiplier int64
	}
	units := []unitInfo{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, unit := range units {
		if strings.HasSuffix(sizeStr, unit.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))

			var num float64
			var trailing string
			n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
			if n == 0 {
				return 0, fmt.Errorf("invalid size number: %s", numStr)
			}
			if trailing != "" {
				// an unrecognized unit like "T" in "1TB"
				return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
			}
			if num < 0 {
				return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
			}
			return int64(num * float64(unit.multiplier)), nil
		}
	}

	// plain number of bytes
	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
