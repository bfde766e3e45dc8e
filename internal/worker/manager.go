package worker

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/yasumu/tanxium/internal/log"
)

// Manager owns the live workers by key. A worker that terminates for any
// reason is removed, and the next GetOrCreate for its key spawns a new one.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	workers map[string]*ScriptWorker
}

// NewManager creates a manager that spawns workers with opts. Options.Key is
// set per worker.
func NewManager(opts Options) *Manager {
	return &Manager{
		opts:    opts,
		logger:  log.WithComponent("worker-manager"),
		workers: make(map[string]*ScriptWorker),
	}
}

// GetOrCreate returns the live worker for key, spawning it if needed.
func (m *Manager) GetOrCreate(ctx context.Context, key string) (*ScriptWorker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[key]; ok && w.State() != StateTerminated {
		return w, nil
	}

	opts := m.opts
	opts.Key = key
	userHook := m.opts.OnTerminate
	opts.OnTerminate = func(w *ScriptWorker, cause error) {
		m.remove(key, w)
		if userHook != nil {
			userHook(w, cause)
		}
	}

	w, err := New(ctx, opts)
	if err != nil {
		return nil, err
	}
	m.workers[key] = w
	m.logger.Info("worker created", "worker", key)
	return w, nil
}

func (m *Manager) remove(key string, w *ScriptWorker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[key] == w {
		delete(m.workers, key)
	}
}

// Get returns the live worker for key.
func (m *Manager) Get(key string) (*ScriptWorker, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[key]
	return w, ok
}

// Has reports whether a live worker exists for key.
func (m *Manager) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Keys returns the keys of all live workers, sorted.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.workers))
	for k := range m.workers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Terminate stops the worker for key. It reports false if none existed.
func (m *Manager) Terminate(key string) bool {
	m.mu.Lock()
	w, ok := m.workers[key]
	delete(m.workers, key)
	m.mu.Unlock()
	if !ok {
		return false
	}
	w.Terminate()
	return true
}

// TerminateAll stops every worker.
func (m *Manager) TerminateAll() {
	m.mu.Lock()
	workers := make([]*ScriptWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*ScriptWorker)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *ScriptWorker) {
			defer wg.Done()
			w.Terminate()
		}(w)
	}
	wg.Wait()
}
