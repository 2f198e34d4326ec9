// Package shutdown coordinates process teardown.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/layerlink/layerlink/internal/logging"
)

// DefaultStepTimeout bounds each cleanup step.
const DefaultStepTimeout = 5 * time.Second

// Func is one cleanup step. Its context expires after the step timeout.
type Func func(ctx context.Context) error

type step struct {
	name string
	fn   Func
}

// Manager runs registered cleanups exactly once, in registration order,
// on SIGINT/SIGTERM or an explicit Shutdown call.
//
// It is safe for concurrent use.
type Manager struct {
	// StepTimeout bounds each step. Zero means DefaultStepTimeout.
	StepTimeout time.Duration

	mu     sync.Mutex
	once   sync.Once
	done   chan struct{}
	reason string
	steps  []step

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a manager. Signals are not handled until Start.
func New() *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a named cleanup step.
func (m *Manager) Add(name string, fn Func) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step{name: name, fn: fn})
}

// Context is cancelled as soon as shutdown begins, before any step runs.
// Long-running loops should use it as their parent.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Start shuts down on the first SIGINT or SIGTERM.
func (m *Manager) Start() {
	logger := logging.Shutdown()
	logger.Debug("Shutdown manager started, listening for signals")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			logger.Info("Signal received, initiating shutdown", "signal", sig.String())
			m.Shutdown("signal:" + sig.String())
		case <-m.done:
		}
	}()
}

// Shutdown runs the cleanup sequence with reason. Only the first call runs
// it; every call blocks until it has finished.
func (m *Manager) Shutdown(reason string) {
	m.once.Do(func() { m.run(reason) })
	<-m.done
}

func (m *Manager) run(reason string) {
	logger := logging.Shutdown()
	logger.Info("Starting shutdown sequence", "reason", reason)

	m.mu.Lock()
	m.reason = reason
	steps := make([]step, len(m.steps))
	copy(steps, m.steps)
	timeout := m.StepTimeout
	m.mu.Unlock()

	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	m.cancel()

	for i, s := range steps {
		logger.Debug("Running cleanup step", "step", s.name, "index", i, "total", len(steps))
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.fn(ctx); err != nil {
			logger.Warn("Cleanup step failed", "step", s.name, "error", err)
		}
		cancel()
	}

	logger.Info("Shutdown sequence complete", "reason", reason)
	close(m.done)
}

// Done is closed when the shutdown sequence has completed.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Reason returns why shutdown was triggered, or "" before it was.
func (m *Manager) Reason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}
