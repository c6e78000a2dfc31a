// Package chunk partitions record lists into contiguous, size-bounded
// groups and stages each group as one delimited text file.
package chunk

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basekick-labs/arcload/internal/encode"
	"github.com/basekick-labs/arcload/pkg/models"
)

// DefaultMaxBytes is the default chunk size threshold (16 MiB)
const DefaultMaxBytes int64 = 16 * 1024 * 1024

// TimestampLayout is the UTC yyyyMMddHHmmss stamp used in staged names
const TimestampLayout = "20060102150405"

// Chunk is a contiguous slice [Start, End) of the split record list and
// the staged file holding its lines. The chunk owns its file until Remove.
type Chunk struct {
	records []models.Record // the full list being split
	Start   int
	End     int

	index int
	stamp string
	dir   string

	file    *os.File
	w       *bufio.Writer
	written int64
}

// Records returns the records of this chunk, in order
func (c *Chunk) Records() []models.Record { return c.records[c.Start:c.End] }

// Len returns the number of records in the chunk
func (c *Chunk) Len() int { return c.End - c.Start }

// Index returns the chunk's position in its split
func (c *Chunk) Index() int { return c.index }

// FileName returns the staged file name, part_<index>_<stamp>.csv
func (c *Chunk) FileName() string {
	return fmt.Sprintf("part_%d_%s.csv", c.index, c.stamp)
}

// Path returns the local path of the staged file
func (c *Chunk) Path() string { return filepath.Join(c.dir, c.FileName()) }

// Size returns the number of bytes written to the staged file
func (c *Chunk) Size() int64 { return c.written }

func (c *Chunk) writeLine(line []byte) error {
	if c.file == nil {
		f, err := os.OpenFile(c.Path(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("failed to create chunk file: %w", err)
		}
		c.file = f
		c.w = bufio.NewWriterSize(f, 64*1024)
	}
	if _, err := c.w.Write(line); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", c.FileName(), err)
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write chunk %s: %w", c.FileName(), err)
	}
	c.written += int64(len(line)) + 1
	return nil
}

// Close flushes and releases the chunk writer. Safe to call repeatedly.
func (c *Chunk) Close() error {
	if c.file == nil {
		return nil
	}
	f, w := c.file, c.w
	c.file, c.w = nil, nil
	if err := w.Flush(); err != nil {
		return errors.Join(fmt.Errorf("failed to flush chunk %s: %w", c.FileName(), err), f.Close())
	}
	return f.Close()
}

// Remove closes the writer and deletes the staged file
func (c *Chunk) Remove() error {
	closeErr := c.Close()
	if err := os.Remove(c.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return closeErr
}

// Splitter serializes record lists into chunk files
type Splitter struct {
	maxBytes int64
	now      func() time.Time
}

// SplitterOption customizes a Splitter
type SplitterOption func(*Splitter)

// WithClock replaces the clock used for file name stamps
func WithClock(now func() time.Time) SplitterOption {
	return func(s *Splitter) { s.now = now }
}

// NewSplitter returns a splitter with the given threshold; non-positive
// values select DefaultMaxBytes.
func NewSplitter(maxBytes int64, opts ...SplitterOption) *Splitter {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	s := &Splitter{maxBytes: maxBytes, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Split encodes every record as one line and groups lines into chunks
// staged under dir. A new chunk starts when the running total already
// exceeds the threshold before the next line is appended; that line opens
// the new chunk. Any error aborts the split. Chunks created so far are
// returned with the error so the caller can clean them up.
func (s *Splitter) Split(records []models.Record, dir string) ([]*Chunk, error) {
	if len(records) == 0 {
		return nil, nil
	}

	stamp := s.now().UTC().Format(TimestampLayout)
	newChunk := func(start int) *Chunk {
		return &Chunk{records: records, Start: start, End: start, index: 0, stamp: stamp, dir: dir}
	}

	current := newChunk(0)
	chunks := []*Chunk{current}
	var total int64
	var line []byte

	for i, rec := range records {
		var err error
		line, err = encode.Line(rec, line[:0])
		if err != nil {
			return chunks, errors.Join(err, current.Close())
		}
		size := int64(len(line)) + 1

		if total > s.maxBytes {
			if err := current.Close(); err != nil {
				return chunks, err
			}
			current = newChunk(i)
			current.index = len(chunks)
			chunks = append(chunks, current)
			total = 0
		}

		if err := current.writeLine(line); err != nil {
			return chunks, errors.Join(err, current.Close())
		}
		current.End = i + 1
		total += size
	}

	if err := current.Close(); err != nil {
		return chunks, err
	}
	return chunks, nil
}
