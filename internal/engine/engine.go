// Package engine adapts database drivers to the batch execution contract
// used by the write path: a connection with explicit commit/rollback and
// statements that accumulate parameter sets and execute them as one batch.
package engine

import (
	"context"
	"fmt"
	"strings"
)

// Update count markers reported by ExecuteBatch
const (
	// SuccessNoInfo marks a statement that succeeded without a row count
	SuccessNoInfo int64 = -2
	// ExecuteFailed marks a statement that failed while the batch continued
	ExecuteFailed int64 = -3
)

// Conn is one engine connection bound to a single writer. Implementations
// run every statement inside a transaction that the owner ends with
// Commit or Rollback.
type Conn interface {
	Prepare(ctx context.Context, query string) (Statement, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close(ctx context.Context) error
}

// Statement accumulates parameter sets for one prepared query
type Statement interface {
	// AddBatch queues one parameter set
	AddBatch(args ...any)

	// ExecuteBatch runs every queued parameter set in submission order and
	// returns one update count per executed set. A statement-level failure
	// is reported as *BatchError; any other error means the outcome of the
	// batch is unknown (connectivity, cancellation).
	ExecuteBatch(ctx context.Context) ([]int64, error)

	Close() error
}

// Cause is one structured error reported by the engine
type Cause struct {
	Message  string
	SQLState string
	Code     int
}

func (c Cause) String() string {
	if c.SQLState == "" {
		return c.Message
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", c.Message, c.SQLState)
}

// BatchError is a statement-level failure of a batch. UpdateCounts has one
// entry per set the engine reports on; it is shorter than the submitted
// batch when the engine stopped early. Causes holds one error per failed
// set in submission order; the first one is the primary error.
type BatchError struct {
	UpdateCounts []int64
	Causes       []Cause
}

func (e *BatchError) Error() string {
	if len(e.Causes) == 0 {
		return "batch execution failed"
	}
	if len(e.Causes) == 1 {
		return "batch execution failed: " + e.Causes[0].String()
	}
	parts := make([]string, len(e.Causes))
	for i, c := range e.Causes {
		parts[i] = c.String()
	}
	return fmt.Sprintf("batch execution failed with %d errors: %s", len(e.Causes), strings.Join(parts, "; "))
}

// Primary returns the first cause, or a generic one when none was recorded
func (e *BatchError) Primary() Cause {
	if len(e.Causes) == 0 {
		return Cause{Message: "batch execution failed"}
	}
	return e.Causes[0]
}

// SQLState returns the first non-empty SQLSTATE in cause order
func (e *BatchError) SQLState() string {
	for _, c := range e.Causes {
		if c.SQLState != "" {
			return c.SQLState
		}
	}
	return ""
}
