package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestShutdownOnce(t *testing.T) {
	m := New()

	var calls atomic.Int32
	m.Add("count", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown("test")
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("cleanup ran %d times, want 1", n)
	}
}

func TestShutdownOrderAndFailures(t *testing.T) {
	m := New()

	var order []string
	m.Add("first", func(context.Context) error {
		order = append(order, "first")
		return errors.New("ignored")
	})
	m.Add("second", func(context.Context) error {
		order = append(order, "second")
		return nil
	})

	m.Shutdown("test")

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestShutdownReasonAndDone(t *testing.T) {
	m := New()

	if r := m.Reason(); r != "" {
		t.Errorf("reason before shutdown = %q", r)
	}
	select {
	case <-m.Done():
		t.Fatal("Done closed before shutdown")
	default:
	}

	m.Shutdown("stdio closed")

	if r := m.Reason(); r != "stdio closed" {
		t.Errorf("reason = %q, want %q", r, "stdio closed")
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after shutdown")
	}
}

func TestContextCancelledBeforeSteps(t *testing.T) {
	m := New()

	var sawCancelled atomic.Bool
	m.Add("check", func(context.Context) error {
		sawCancelled.Store(m.Context().Err() != nil)
		return nil
	})

	if m.Context().Err() != nil {
		t.Fatal("context cancelled before shutdown")
	}
	m.Shutdown("test")

	if !sawCancelled.Load() {
		t.Error("manager context should be cancelled when steps run")
	}
}

func TestStepTimeout(t *testing.T) {
	m := New()
	m.StepTimeout = 20 * time.Millisecond

	var stepErr error
	m.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		stepErr = ctx.Err()
		return stepErr
	})

	start := time.Now()
	m.Shutdown("test")

	if !errors.Is(stepErr, context.DeadlineExceeded) {
		t.Errorf("step error = %v, want deadline exceeded", stepErr)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("shutdown took %s", elapsed)
	}
}
