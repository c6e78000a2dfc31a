package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(maxFailures, halfOpen int) (*CircuitBreaker, *clock) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(&Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		Timeout:             time.Minute,
		HalfOpenMaxRequests: halfOpen,
	}, zerolog.Nop())
	cb.now = clk.now
	return cb, clk
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNew_Defaults(t *testing.T) {
	cb := New(nil, zerolog.Nop())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 5, cb.config.MaxFailures)
}

func TestExecute_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, 1)

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(fail), errBoom)
	}
	assert.True(t, cb.IsOpen())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecute_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2, 1)

	_ = cb.Execute(fail)
	require.NoError(t, cb.Execute(succeed))
	_ = cb.Execute(fail)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenRecovers(t *testing.T) {
	cb, clk := newTestBreaker(1, 2)
	_ = cb.Execute(fail)
	require.True(t, cb.IsOpen())

	clk.t = clk.t.Add(59 * time.Second)
	assert.ErrorIs(t, cb.Execute(succeed), ErrCircuitOpen)

	clk.t = clk.t.Add(2 * time.Second)
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Execute(succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	cb, clk := newTestBreaker(1, 2)
	_ = cb.Execute(fail)

	clk.t = clk.t.Add(2 * time.Minute)
	assert.ErrorIs(t, cb.Execute(fail), errBoom)
	assert.True(t, cb.IsOpen())
}

func TestExecute_HalfOpenLimitsTrials(t *testing.T) {
	cb, clk := newTestBreaker(1, 1)
	_ = cb.Execute(fail)
	clk.t = clk.t.Add(2 * time.Minute)

	var inner error
	err := cb.Execute(func() error {
		// a concurrent caller while the single trial is in flight
		inner = cb.Execute(succeed)
		return nil
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, ErrCircuitOpen)
	assert.Equal(t, StateClosed, cb.State())
}

func TestExecute_CancellationIsNotAFailure(t *testing.T) {
	cb, _ := newTestBreaker(1, 1)

	err := cb.Execute(func() error { return context.Canceled })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestOnStateChange(t *testing.T) {
	var transitions []string
	cb, clk := newTestBreaker(1, 1)
	cb.config.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	_ = cb.Execute(fail)
	clk.t = clk.t.Add(2 * time.Minute)
	_ = cb.Execute(succeed)

	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestReset(t *testing.T) {
	cb, _ := newTestBreaker(1, 1)
	_ = cb.Execute(fail)
	require.True(t, cb.IsOpen())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.Stats()["state"])
}
