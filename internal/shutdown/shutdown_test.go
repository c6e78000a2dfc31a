package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type mockCloser struct {
	name       string
	order      *[]string
	mu         *sync.Mutex
	closeErr   error
	closeDelay time.Duration
	closed     bool
}

func (m *mockCloser) Close() error {
	if m.closeDelay > 0 {
		time.Sleep(m.closeDelay)
	}
	m.closed = true
	if m.order != nil {
		m.mu.Lock()
		*m.order = append(*m.order, m.name)
		m.mu.Unlock()
	}
	return m.closeErr
}

func newTestCoordinator() *Coordinator {
	return New(5*time.Second, zerolog.Nop())
}

func TestShutdown(t *testing.T) {
	c := newTestCoordinator()
	comp := &mockCloser{}
	hookCalled := false

	c.Register("database", comp, PriorityDatabase)
	c.RegisterHook("writer", func(ctx context.Context) error {
		hookCalled = true
		return nil
	}, PriorityWriter)

	if err := c.Shutdown(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
	if !comp.closed {
		t.Error("expected component Close() to be called")
	}
	if !hookCalled {
		t.Error("expected hook to be called")
	}
}

func TestShutdownOnce(t *testing.T) {
	c := newTestCoordinator()
	calls := 0
	c.RegisterHook("writer", func(ctx context.Context) error {
		calls++
		return nil
	}, PriorityWriter)

	c.Shutdown()
	c.Shutdown()

	if calls != 1 {
		t.Errorf("expected hook to be called once, got %d times", calls)
	}
}

func TestShutdownPriority(t *testing.T) {
	c := newTestCoordinator()
	var order []string
	var mu sync.Mutex

	c.Register("database", &mockCloser{name: "database", order: &order, mu: &mu}, PriorityDatabase)
	c.Register("input", &mockCloser{name: "input", order: &order, mu: &mu}, PriorityInput)
	c.Register("session", &mockCloser{name: "session", order: &order, mu: &mu}, PrioritySession)
	c.Register("storage", &mockCloser{name: "storage", order: &order, mu: &mu}, PriorityStorage)
	c.RegisterHook("writer", func(ctx context.Context) error {
		mu.Lock()
		order = append(order, "writer")
		mu.Unlock()
		return nil
	}, PriorityWriter)

	c.Shutdown()

	want := []string{"writer", "input", "storage", "session", "database"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("position %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestShutdownReturnsFirstError(t *testing.T) {
	c := newTestCoordinator()
	first := errors.New("flush failed")

	c.RegisterHook("writer", func(ctx context.Context) error { return first }, PriorityWriter)
	c.Register("database", &mockCloser{closeErr: errors.New("close failed")}, PriorityDatabase)

	if err := c.Shutdown(); err != first {
		t.Errorf("expected %v, got %v", first, err)
	}
}

func TestTriggerShutdownConcurrent(t *testing.T) {
	c := newTestCoordinator()

	var wg sync.WaitGroup
	var panics atomic.Int32
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics.Add(1)
				}
			}()
			c.TriggerShutdown()
		}()
	}
	wg.Wait()

	if panics.Load() > 0 {
		t.Errorf("TriggerShutdown panicked %d times", panics.Load())
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done should be closed")
	}

	// Shutdown after a trigger still releases components
	comp := &mockCloser{}
	c.Register("storage", comp, PriorityStorage)
	if err := c.Shutdown(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if !comp.closed {
		t.Error("expected component Close() to be called")
	}
}

func TestShutdownTimeout(t *testing.T) {
	c := New(50*time.Millisecond, zerolog.Nop())

	c.Register("slow", &mockCloser{closeDelay: 200 * time.Millisecond}, PriorityInput)
	second := &mockCloser{}
	c.Register("database", second, PriorityDatabase)

	if err := c.Shutdown(); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
	if second.closed {
		t.Error("expected remaining components to be skipped")
	}
}

func TestWatchCancelledByTrigger(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	defer stop()

	c.TriggerShutdown()

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("Watch context was not cancelled after TriggerShutdown")
	}
}

func TestWatchStop(t *testing.T) {
	c := newTestCoordinator()
	ctx, stop := c.Watch(context.Background())
	stop()

	select {
	case <-ctx.Done():
	default:
		t.Fatal("expected stop to cancel the context")
	}
	select {
	case <-c.Done():
		t.Fatal("stop must not trigger shutdown")
	default:
	}
}
