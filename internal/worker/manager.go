package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
)

// ErrShutdownTimeout is returned by Stop when in-flight jobs did not finish
// within the shutdown timeout. Their leases expire and other workers pick
// them up.
var ErrShutdownTimeout = errors.New("worker shutdown timed out")

// Manager owns the fixed set of worker loops for the process lifetime.
type Manager struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	pool    *ants.Pool
	cancel  context.CancelFunc
	wg      *sync.WaitGroup
	workers []*Worker
}

// NewManager creates a stopped Manager.
func NewManager(deps Deps, cfg Config) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IDPrefix == "" {
		cfg.IDPrefix = "doc-worker"
	}
	return &Manager{deps: deps, cfg: cfg, logger: logger}
}

// Start launches n worker loops named "<prefix>-<i>". Calling Start while
// running logs a warning and does nothing.
func (m *Manager) Start(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pool != nil {
		m.logger.Warn("worker manager already running", "workers", len(m.workers))
		return nil
	}
	if n <= 0 {
		m.logger.Info("worker pool disabled", "size", n)
		return nil
	}

	pool, err := ants.NewPool(n)
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}
	workers := make([]*Worker, 0, n)

	for i := 0; i < n; i++ {
		w := New(fmt.Sprintf("%s-%d", m.cfg.IDPrefix, i), m.deps, m.cfg)
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			w.Run(runCtx)
		}); err != nil {
			wg.Done()
			cancel()
			wg.Wait()
			pool.Release()
			return fmt.Errorf("submit worker %s: %w", w.ID(), err)
		}
		workers = append(workers, w)
	}

	m.pool, m.cancel, m.wg, m.workers = pool, cancel, wg, workers
	m.deps.Metrics.setRunning(n)
	m.logger.Info("worker manager started", "workers", n)
	return nil
}

// Stop cancels every loop so no new jobs are claimed, then waits up to the
// shutdown timeout for in-flight jobs to be reported.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.pool == nil {
		m.mu.Unlock()
		return nil
	}
	pool, cancel, wg := m.pool, m.cancel, m.wg
	m.pool, m.cancel, m.wg, m.workers = nil, nil, nil, nil
	m.mu.Unlock()

	m.logger.Info("stopping worker manager")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := m.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	defer pool.Release()
	defer m.deps.Metrics.setRunning(0)

	select {
	case <-done:
		m.logger.Info("worker manager stopped")
		return nil
	case <-time.After(timeout):
		m.logger.Error("worker manager stop timed out", "timeout", timeout)
		return ErrShutdownTimeout
	}
}

// Running reports whether Start has launched workers that are not stopped.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pool != nil
}

// Workers returns the ids of the running workers.
func (m *Manager) Workers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, len(m.workers))
	for i, w := range m.workers {
		ids[i] = w.ID()
	}
	return ids
}
