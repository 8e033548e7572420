package traffic

import "sort"

// Store is the persistence abstraction for source workers.
// The Registry uses Store for all reads and writes and serialises access to
// it; implementations need not be safe for concurrent use.
type Store interface {
	GetWorker(id string) (*Worker, bool)
	SetWorker(w *Worker)
	DeleteWorker(id string)
	ListIDs() []string
}

// InMemoryStore is an in-memory implementation of Store.
type InMemoryStore struct {
	workers map[string]*Worker
}

// NewInMemoryStore returns a new empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workers: make(map[string]*Worker),
	}
}

// GetWorker implements Store.GetWorker.
func (s *InMemoryStore) GetWorker(id string) (*Worker, bool) {
	w, ok := s.workers[id]
	return w, ok
}

// SetWorker implements Store.SetWorker.
func (s *InMemoryStore) SetWorker(w *Worker) {
	s.workers[w.ID()] = w
}

// DeleteWorker implements Store.DeleteWorker.
func (s *InMemoryStore) DeleteWorker(id string) {
	delete(s.workers, id)
}

// ListIDs implements Store.ListIDs. Ids are returned sorted.
func (s *InMemoryStore) ListIDs() []string {
	ids := make([]string, 0, len(s.workers))
	for id := range s.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
