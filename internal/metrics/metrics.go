package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Metrics holds process-wide write engine counters
type Metrics struct {
	startTime time.Time

	// Row path
	batchesTotal   atomic.Int64
	commitsTotal   atomic.Int64
	retriesTotal   atomic.Int64
	recordsWritten atomic.Int64
	rejectsTotal   atomic.Int64

	// Bulk path
	chunksTotal         atomic.Int64
	bytesStagedTotal    atomic.Int64
	uploadsTotal        atomic.Int64
	uploadFailuresTotal atomic.Int64
	loadCommandsTotal   atomic.Int64
	loadRowErrorsTotal  atomic.Int64

	// Stage latency (microseconds)
	uploadLatencySum   atomic.Int64
	uploadLatencyCount atomic.Int64

	logger zerolog.Logger
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = &Metrics{
			startTime: time.Now(),
			logger:    zerolog.Nop(),
		}
	})
	return instance
}

// Init initializes the metrics with a logger
func Init(logger zerolog.Logger) *Metrics {
	m := Get()
	m.logger = logger.With().Str("component", "metrics").Logger()
	m.logger.Debug().Msg("Metrics collector initialized")
	return m
}

// Row path
func (m *Metrics) IncBatches()               { m.batchesTotal.Add(1) }
func (m *Metrics) IncCommits()               { m.commitsTotal.Add(1) }
func (m *Metrics) IncRetries()               { m.retriesTotal.Add(1) }
func (m *Metrics) IncRecordsWritten(n int64) { m.recordsWritten.Add(n) }
func (m *Metrics) IncRejects(n int64)        { m.rejectsTotal.Add(n) }

// Bulk path
func (m *Metrics) IncChunks(n int64)        { m.chunksTotal.Add(n) }
func (m *Metrics) IncBytesStaged(n int64)   { m.bytesStagedTotal.Add(n) }
func (m *Metrics) IncUploads()              { m.uploadsTotal.Add(1) }
func (m *Metrics) IncUploadFailures()       { m.uploadFailuresTotal.Add(1) }
func (m *Metrics) IncLoadCommands()         { m.loadCommandsTotal.Add(1) }
func (m *Metrics) IncLoadRowErrors(n int64) { m.loadRowErrorsTotal.Add(n) }

// RecordUploadLatency records one chunk upload duration
func (m *Metrics) RecordUploadLatency(d time.Duration) {
	m.uploadLatencySum.Add(d.Microseconds())
	m.uploadLatencyCount.Add(1)
}

// Snapshot returns the current counter values
func (m *Metrics) Snapshot() map[string]interface{} {
	var avgUploadMs float64
	if n := m.uploadLatencyCount.Load(); n > 0 {
		avgUploadMs = float64(m.uploadLatencySum.Load()) / float64(n) / 1000
	}

	return map[string]interface{}{
		"uptime_seconds":     time.Since(m.startTime).Seconds(),
		"batches_total":      m.batchesTotal.Load(),
		"commits_total":      m.commitsTotal.Load(),
		"retries_total":      m.retriesTotal.Load(),
		"records_written":    m.recordsWritten.Load(),
		"rejects_total":      m.rejectsTotal.Load(),
		"chunks_total":       m.chunksTotal.Load(),
		"bytes_staged_total": m.bytesStagedTotal.Load(),
		"uploads_total":      m.uploadsTotal.Load(),
		"upload_failures":    m.uploadFailuresTotal.Load(),
		"upload_avg_ms":      avgUploadMs,
		"load_commands":      m.loadCommandsTotal.Load(),
		"load_row_errors":    m.loadRowErrorsTotal.Load(),
	}
}

// PrometheusFormat returns the counters in Prometheus text exposition
// format, suitable for a node_exporter textfile collector
func (m *Metrics) PrometheusFormat() string {
	var b []byte
	b = appendCounter(b, "arcload_batches_total", "Statement batches executed", m.batchesTotal.Load())
	b = appendCounter(b, "arcload_commits_total", "Transactions committed", m.commitsTotal.Load())
	b = appendCounter(b, "arcload_retries_total", "Batches retried after a serialization failure", m.retriesTotal.Load())
	b = appendCounter(b, "arcload_records_written_total", "Records submitted without reject", m.recordsWritten.Load())
	b = appendCounter(b, "arcload_rejects_total", "Records rejected", m.rejectsTotal.Load())
	b = appendCounter(b, "arcload_chunks_total", "Bulk chunks created", m.chunksTotal.Load())
	b = appendCounter(b, "arcload_bytes_staged_total", "Bytes written to chunk files", m.bytesStagedTotal.Load())
	b = appendCounter(b, "arcload_uploads_total", "Chunk uploads attempted", m.uploadsTotal.Load())
	b = appendCounter(b, "arcload_upload_failures_total", "Chunk uploads failed", m.uploadFailuresTotal.Load())
	b = appendCounter(b, "arcload_load_commands_total", "Bulk load commands issued", m.loadCommandsTotal.Load())
	b = appendCounter(b, "arcload_load_row_errors_total", "Rows reported as failed by bulk load", m.loadRowErrorsTotal.Load())
	return string(b)
}

func appendCounter(b []byte, name, help string, value int64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, "\n# TYPE "...)
	b = append(b, name...)
	b = append(b, " counter\n"...)
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendInt(b, value, 10)
	return append(b, '\n')
}
