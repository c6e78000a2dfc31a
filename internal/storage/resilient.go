package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/basekick-labs/arcload/internal/circuitbreaker"
	"github.com/rs/zerolog"
)

// ResilientBackend wraps a backend with retries and a circuit breaker
type ResilientBackend struct {
	backend Backend
	cb      *circuitbreaker.CircuitBreaker
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// ResilientConfig holds configuration for the resilient backend
type ResilientConfig struct {
	// Circuit breaker settings
	MaxFailures         int
	Timeout             time.Duration
	HalfOpenMaxRequests int

	// Retry settings
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultResilientConfig returns default resilient backend configuration
func DefaultResilientConfig() *ResilientConfig {
	return &ResilientConfig{
		MaxFailures:         5,
		Timeout:             30 * time.Second,
		HalfOpenMaxRequests: 3,
		MaxRetries:          3,
		RetryDelay:          100 * time.Millisecond,
		RetryMaxDelay:       5 * time.Second,
	}
}

// NewResilientBackend wraps backend
func NewResilientBackend(backend Backend, cfg *ResilientConfig, logger zerolog.Logger) *ResilientBackend {
	if cfg == nil {
		cfg = DefaultResilientConfig()
	}
	return &ResilientBackend{
		backend: backend,
		cb: circuitbreaker.New(&circuitbreaker.Config{
			Name:                "stage-" + backend.Type(),
			MaxFailures:         cfg.MaxFailures,
			Timeout:             cfg.Timeout,
			HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
		}, logger),
		logger:        logger.With().Str("component", "resilient-stage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// do runs fn until it succeeds, the retries are spent, the circuit opens or
// ctx is done. Delays double from retryDelay up to retryMaxDelay.
func (r *ResilientBackend) do(ctx context.Context, op, key string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := r.cb.Execute(fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			r.logger.Warn().Str("op", op).Str("key", key).Msg("Stage call rejected, circuit breaker open")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}
		r.logger.Warn().
			Err(err).
			Str("op", op).
			Str("key", key).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Stage call failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("stage %s failed after %d retries: %w", op, r.maxRetries, lastErr)
}

// Write writes data to key with retries
func (r *ResilientBackend) Write(ctx context.Context, key string, data []byte) error {
	return r.do(ctx, "write", key, func() error {
		return r.backend.Write(ctx, key, data)
	})
}

// WriteReader rewinds seekable readers before every attempt. Readers that
// cannot seek get a single attempt.
func (r *ResilientBackend) WriteReader(ctx context.Context, key string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		return r.cb.Execute(func() error {
			return r.backend.WriteReader(ctx, key, reader, size)
		})
	}
	start, err := seeker.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("failed to read position of %s: %w", key, err)
	}
	return r.do(ctx, "write", key, func() error {
		if _, err := seeker.Seek(start, io.SeekStart); err != nil {
			return err
		}
		return r.backend.WriteReader(ctx, key, reader, size)
	})
}

// List lists keys under prefix with retries
func (r *ResilientBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := r.do(ctx, "list", prefix, func() error {
		var err error
		keys, err = r.backend.List(ctx, prefix)
		return err
	})
	return keys, err
}

// Delete deletes key with retries
func (r *ResilientBackend) Delete(ctx context.Context, key string) error {
	return r.do(ctx, "delete", key, func() error {
		return r.backend.Delete(ctx, key)
	})
}

// DeleteBatch deletes keys with retries, batched when the wrapped backend
// supports it
func (r *ResilientBackend) DeleteBatch(ctx context.Context, keys []string) error {
	return r.do(ctx, "delete", fmt.Sprintf("%d keys", len(keys)), func() error {
		return DeleteAll(ctx, r.backend, keys)
	})
}

// Exists checks key with retries
func (r *ResilientBackend) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.do(ctx, "exists", key, func() error {
		var err error
		exists, err = r.backend.Exists(ctx, key)
		return err
	})
	return exists, err
}

func (r *ResilientBackend) URI(key string) string { return r.backend.URI(key) }

func (r *ResilientBackend) Type() string { return r.backend.Type() }

func (r *ResilientBackend) Close() error { return r.backend.Close() }

// CircuitBreakerStats returns circuit breaker statistics
func (r *ResilientBackend) CircuitBreakerStats() map[string]interface{} {
	return r.cb.Stats()
}

// IsCircuitOpen returns true if the circuit breaker is open
func (r *ResilientBackend) IsCircuitOpen() bool {
	return r.cb.IsOpen()
}

var _ Backend = (*ResilientBackend)(nil)
var _ BatchDeleter = (*ResilientBackend)(nil)
