package traffic

import (
	"errors"
	"fmt"
	"sync"
)

// Registry owns the workers of every configured source for the lifetime of
// the pipeline. It is injected into the Aggregator and the control surface.
type Registry struct {
	mu    sync.RWMutex
	store Store
	opts  WorkerOptions
}

// NewRegistry constructs a registry with a default in-memory store.
func NewRegistry(opts WorkerOptions) *Registry {
	return NewRegistryWithStore(NewInMemoryStore(), opts)
}

// NewRegistryWithStore constructs a registry that uses the given Store.
func NewRegistryWithStore(store Store, opts WorkerOptions) *Registry {
	return &Registry{store: store, opts: opts}
}

// Add creates a worker for cfg and starts it.
func (r *Registry) Add(cfg SourceConfig) (*Worker, error) {
	w, err := NewWorker(cfg, r.opts)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.store.GetWorker(cfg.ID); exists {
		return nil, fmt.Errorf("%w: %s", ErrSourceExists, cfg.ID)
	}
	if err := w.Start(); err != nil {
		return nil, err
	}
	r.store.SetWorker(w)
	return w, nil
}

// Get returns the worker for id.
func (r *Registry) Get(id string) (*Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.store.GetWorker(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	return w, nil
}

// Workers returns every registered worker ordered by id, stopped ones included.
func (r *Registry) Workers() []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.store.ListIDs()
	out := make([]*Worker, 0, len(ids))
	for _, id := range ids {
		if w, ok := r.store.GetWorker(id); ok {
			out = append(out, w)
		}
	}
	return out
}

// Start starts the source. A stopped source is replaced by a fresh worker
// built from its last configuration; its counting state starts from zero.
// Starting a running source is a no-op.
func (r *Registry) Start(id string) (*Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.store.GetWorker(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	if w.checkOpen() == nil {
		return w, w.Start()
	}

	fresh, err := NewWorker(w.Config(), r.opts)
	if err != nil {
		return nil, err
	}
	if err := fresh.Start(); err != nil {
		return nil, err
	}
	r.store.SetWorker(fresh)
	return fresh, nil
}

// Stop stops the source but keeps it registered so it can be started again.
func (r *Registry) Stop(id string) error {
	w, err := r.Get(id)
	if err != nil {
		return err
	}
	return w.Stop()
}

// Remove stops the source and forgets it.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	w, ok := r.store.GetWorker(id)
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSourceNotFound, id)
	}
	r.store.DeleteWorker(id)
	r.mu.Unlock()

	if err := w.Stop(); err != nil && !errors.Is(err, ErrSourceClosed) {
		return err
	}
	return nil
}

// LiveCount returns the number of running sources. Used for metrics.
func (r *Registry) LiveCount() int {
	n := 0
	for _, w := range r.Workers() {
		if w.Live() {
			n++
		}
	}
	return n
}

// Close stops every source.
func (r *Registry) Close() {
	for _, w := range r.Workers() {
		_ = w.Stop()
	}
}
