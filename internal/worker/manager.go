// Package worker tracks named background goroutines so the process can
// observe what is running, log how each task died, and join everything on
// shutdown.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

type namedStop struct {
	name string
	stop func(ctx context.Context) error
}

// Manager launches background tasks and coordinates shutdown. Tasks receive
// a context that is canceled when Shutdown begins.
type Manager struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu     sync.Mutex
	active map[string]time.Time
	stops  []namedStop
}

// NewManager creates a Manager.
func NewManager(logger *slog.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]time.Time),
	}
}

// Launch runs fn on its own goroutine under the given name. The task's exit,
// whether clean, failed, or panicked, is always logged with its cause.
func (m *Manager) Launch(name string, fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.active[name] = time.Now()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				m.logger.Error("background task panicked",
					slog.String("task", name),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())))
			}
			m.finish(name, err)
		}()

		err = fn(m.ctx)
	}()
}

func (m *Manager) finish(name string, err error) {
	m.mu.Lock()
	started := m.active[name]
	delete(m.active, name)
	m.mu.Unlock()

	elapsed := time.Since(started)
	if err != nil {
		m.logger.Error("background task failed",
			slog.String("task", name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("background task finished",
		slog.String("task", name),
		slog.Duration("elapsed", elapsed))
}

// OnStop registers a stop hook. Shutdown runs hooks in reverse registration
// order so dependents stop before their dependencies.
func (m *Manager) OnStop(name string, stop func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, namedStop{name: name, stop: stop})
}

// Active returns the names of tasks currently running, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WaitAll blocks until every launched task has exited, or the timeout
// elapses. Returns false on timeout.
func (m *Manager) WaitAll(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		m.logger.Warn("background tasks still running at deadline",
			slog.Any("tasks", m.Active()))
		return false
	}
}

// Shutdown cancels the task context, runs stop hooks LIFO, and joins the
// remaining tasks within the context's deadline (or a default window).
func (m *Manager) Shutdown(ctx context.Context) {
	m.cancel()

	m.mu.Lock()
	stops := append([]namedStop(nil), m.stops...)
	m.mu.Unlock()

	for i := len(stops) - 1; i >= 0; i-- {
		s := stops[i]
		if err := s.stop(ctx); err != nil {
			m.logger.Error("stop hook failed",
				slog.String("hook", s.name),
				slog.String("error", err.Error()))
		}
	}

	wait := 30 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		wait = max(time.Until(deadline), time.Second)
	}
	m.WaitAll(wait)
}
