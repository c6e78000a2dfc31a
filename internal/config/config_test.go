package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/basekick-labs/arcload/pkg/models"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	if err := os.Chdir(tmpDir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Chdir(oldWd) })
	return tmpDir
}

func TestGetDefaultMaxConnections_Bounds(t *testing.T) {
	expected := runtime.NumCPU() * 2
	if expected < 4 {
		expected = 4
	}
	if expected > 64 {
		expected = 64
	}
	if actual := getDefaultMaxConnections(); actual != expected {
		t.Errorf("getDefaultMaxConnections() = %d, want %d", actual, expected)
	}
}

func TestLoad_Defaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Writer.Action != "insert" {
		t.Errorf("Writer.Action = %q, want insert", cfg.Writer.Action)
	}
	if cfg.Writer.BatchSize != 1000 {
		t.Errorf("Writer.BatchSize = %d, want 1000", cfg.Writer.BatchSize)
	}
	if cfg.Writer.MaxRetries != 10 {
		t.Errorf("Writer.MaxRetries = %d, want 10", cfg.Writer.MaxRetries)
	}
	if cfg.Writer.RetryUnit != 2*time.Second {
		t.Errorf("Writer.RetryUnit = %v, want 2s", cfg.Writer.RetryUnit)
	}
	if cfg.Writer.MaxRetryDelay != 5*time.Minute {
		t.Errorf("Writer.MaxRetryDelay = %v, want 5m", cfg.Writer.MaxRetryDelay)
	}
	if cfg.Bulk.MaxChunkSize != 16*1024*1024 {
		t.Errorf("Bulk.MaxChunkSize = %d, want 16MB", cfg.Bulk.MaxChunkSize)
	}
	if cfg.Bulk.UploadConcurrency != runtime.NumCPU() {
		t.Errorf("Bulk.UploadConcurrency = %d, want %d", cfg.Bulk.UploadConcurrency, runtime.NumCPU())
	}
	if cfg.Bulk.UploadMode != "put" {
		t.Errorf("Bulk.UploadMode = %q, want put", cfg.Bulk.UploadMode)
	}
	if cfg.Storage.Backend != "local" {
		t.Errorf("Storage.Backend = %q, want local", cfg.Storage.Backend)
	}
	if cfg.ShutdownTimeout != 30*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 30s", cfg.ShutdownTimeout)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	chdirTemp(t)

	t.Setenv("ARCLOAD_WRITER_BATCH_SIZE", "250")
	t.Setenv("ARCLOAD_BULK_MAX_CHUNK_SIZE", "1MB")
	t.Setenv("ARCLOAD_DATABASE_DSN", "postgres://localhost/app")
	t.Setenv("ARCLOAD_DATABASE_DUCKDB_MEMORY_LIMIT", "2GB")
	t.Setenv("ARCLOAD_DATABASE_DUCKDB_THREADS", "4")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Writer.BatchSize != 250 {
		t.Errorf("Writer.BatchSize = %d, want 250 (from env)", cfg.Writer.BatchSize)
	}
	if cfg.Bulk.MaxChunkSize != 1024*1024 {
		t.Errorf("Bulk.MaxChunkSize = %d, want 1MB (from env)", cfg.Bulk.MaxChunkSize)
	}
	if cfg.Database.DSN != "postgres://localhost/app" {
		t.Errorf("Database.DSN = %q (from env)", cfg.Database.DSN)
	}
	if cfg.Database.DuckDBMemoryLimit != "2GB" || cfg.Database.DuckDBThreads != 4 {
		t.Errorf("DuckDB settings = %q/%d, want 2GB/4 (from env)", cfg.Database.DuckDBMemoryLimit, cfg.Database.DuckDBThreads)
	}
}

func TestLoad_File(t *testing.T) {
	dir := chdirTemp(t)
	content := `
[database]
driver = "snowflake"
dsn = "user:pass@account/db/schema"

[writer]
table = "users"
action = "upsert"
keys = ["id"]

[bulk]
enabled = true
stage = "loads"
upload_mode = "STORAGE"

[[schema.fields]]
name = "id"
type = "int64"

[[schema.fields]]
name = "full_name"
original_name = "Full Name"
type = "string"
nullable = true
`
	path := filepath.Join(dir, "custom.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Database.Driver != "snowflake" || cfg.Writer.Action != "upsert" {
		t.Errorf("unexpected database/writer config: %+v %+v", cfg.Database, cfg.Writer)
	}
	if len(cfg.Writer.Keys) != 1 || cfg.Writer.Keys[0] != "id" {
		t.Errorf("Writer.Keys = %v, want [id]", cfg.Writer.Keys)
	}
	if cfg.Bulk.UploadMode != "storage" {
		t.Errorf("Bulk.UploadMode = %q, want storage", cfg.Bulk.UploadMode)
	}

	schema, err := cfg.RecordSchema()
	if err != nil {
		t.Fatalf("RecordSchema() error = %v", err)
	}
	if schema.Len() != 2 {
		t.Fatalf("schema has %d entries, want 2", schema.Len())
	}
	want := models.Entry{Name: "full_name", OriginalName: "Full Name", Type: models.TypeString, Nullable: true}
	if got := schema.Entry(1); got != want {
		t.Errorf("schema.Entry(1) = %+v, want %+v", got, want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	chdirTemp(t)
	if _, err := Load("does-not-exist.toml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "snowflake", DSN: "dsn"},
			Writer:   WriterConfig{Table: "users"},
			Bulk:     BulkConfig{Stage: "loads", UploadMode: "put", MaxChunkSize: 1},
			Schema:   []FieldConfig{{Name: "id", Type: "int64"}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"valid bulk", func(c *Config) { c.Bulk.Enabled = true }, ""},
		{"no dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn"},
		{"no table", func(c *Config) { c.Writer.Table = "" }, "writer.table"},
		{"no schema", func(c *Config) { c.Schema = nil }, "schema.fields"},
		{"no stage", func(c *Config) { c.Bulk.Enabled = true; c.Bulk.Stage = "" }, "bulk.stage"},
		{"bad mode", func(c *Config) { c.Bulk.Enabled = true; c.Bulk.UploadMode = "ftp" }, "upload_mode"},
		{"bulk on postgres", func(c *Config) { c.Bulk.Enabled = true; c.Database.Driver = "postgres" }, "requires database.driver snowflake"},
		{"bulk on duckdb", func(c *Config) { c.Bulk.Enabled = true; c.Database.Driver = "duckdb" }, "requires database.driver snowflake"},
		{"row writes on postgres", func(c *Config) { c.Database.Driver = "postgres" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestRecordSchema_UnknownType(t *testing.T) {
	cfg := &Config{Schema: []FieldConfig{{Name: "id", Type: "uuid"}}}
	if _, err := cfg.RecordSchema(); err == nil || !strings.Contains(err.Error(), "schema field id") {
		t.Errorf("RecordSchema() error = %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    int64
		wantErr bool
	}{
		{"16MB", 16 * 1024 * 1024, false},
		{"1gb", 1024 * 1024 * 1024, false},
		{"1.5KB", 1536, false},
		{"100B", 100, false},
		{"2048", 2048, false},
		{" 8 MB ", 8 * 1024 * 1024, false},
		{"", 0, true},
		{"1TB", 0, true},
		{"-1MB", 0, true},
		{"abc", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseSize(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}
