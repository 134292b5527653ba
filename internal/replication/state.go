package replication

import (
	"fmt"
	"sync"

	"coordcore/internal/oplog"
)

// LocalApplier applies a committed operation to whatever local state a
// replica maintains. spec §4.6 treats "local state" as an opaque target —
// the replication engine only needs to know an operation committed, not
// what it committed to, so callers supply their own applier.
type LocalApplier interface {
	Apply(opcode oplog.Opcode, target, payload string) error
}

// State is a minimal in-memory key/value applier, standing in for
// whatever business state a real deployment would replicate. WRITE sets
// target to payload; DELETE removes target.
type State struct {
	mu     sync.Mutex
	values map[string]string
}

// NewState creates an empty State.
func NewState() *State {
	return &State{values: make(map[string]string)}
}

// Apply implements LocalApplier.
func (s *State) Apply(opcode oplog.Opcode, target, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch opcode {
	case oplog.OpWrite:
		s.values[target] = payload
	case oplog.OpDelete:
		delete(s.values, target)
	default:
		return fmt.Errorf("unknown opcode %q", opcode)
	}
	return nil
}

// Get returns the current value for target, for operator inspection and
// tests.
func (s *State) Get(target string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[target]
	return v, ok
}

// Len returns the number of keys currently held.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}
