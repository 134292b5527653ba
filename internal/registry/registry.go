// Package registry tracks the coordinator's worker pool: add/remove
// operations and the read-side snapshot a fan-out round takes at its
// start. It is the direct descendant of the teacher's membership table
// (consistent-hash ring over peer addresses) but carries Worker values
// instead of bare addresses, since this system's "peers" are
// in-process-managed simulated workers rather than independent nodes.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"coordcore/internal/faults"
	"coordcore/internal/worker"

	"github.com/rs/zerolog"
)

// Snapshot is an immutable view of the worker pool at round start. A
// round's required majority is computed from len(Snapshot.Workers) and
// never changes even if membership changes mid-round (spec open
// question: resolved as "snapshot at round start", concurrent removal
// during a round is not specially handled).
type Snapshot struct {
	Workers []*worker.Worker
}

// Registry owns the live worker pool. A single mutex protects membership
// changes; it is never held during worker I/O.
type Registry struct {
	mu      sync.RWMutex
	workers map[int]*worker.Worker
	nextID  int
	log     zerolog.Logger
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		workers: make(map[int]*worker.Worker),
		log:     log,
	}
}

// Add creates and starts a new worker listening at addr, returning its
// assigned id. IDs are monotonic and never reused within the registry's
// lifetime, even across removes.
func (r *Registry) Add(addr string, rates faults.Rates) (*worker.Worker, error) {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	r.mu.Unlock()

	w := worker.New(id, addr, rates, r.log)
	if err := w.Start(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.workers[id] = w
	r.mu.Unlock()

	r.log.Info().Int("worker_id", id).Str("addr", w.Addr).Msg("worker added")
	return w, nil
}

// Remove gracefully stops and removes the worker with the given id. A
// remove that empties the registry is observable via Count() == 0
// immediately after this returns.
func (r *Registry) Remove(id int) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("worker %d not found", id)
	}
	w.Abort()
	err := w.Stop()
	r.log.Info().Int("worker_id", id).Msg("worker removed")
	return err
}

// Get returns the worker with the given id, if present.
func (r *Registry) Get(id int) (*worker.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// Count returns the current number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// Snapshot takes an isolated view of the current worker set, sorted by
// id for deterministic iteration order in logs and tests. The round that
// consumes this snapshot is unaffected by concurrent Add/Remove calls.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*worker.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return Snapshot{Workers: out}
}

// All returns every worker currently registered, for admin listing.
func (r *Registry) All() []*worker.Worker {
	return r.Snapshot().Workers
}

// AbortAll broadcasts an abort signal to every worker in the snapshot.
// Best-effort and non-blocking from the caller's perspective: each
// worker's in-flight handlers notice the close on their own schedule.
func (s Snapshot) AbortAll() {
	for _, w := range s.Workers {
		w.Abort()
	}
}
