package registry

import (
	"testing"

	"coordcore/internal/faults"

	"github.com/rs/zerolog"
)

func TestAddAssignsMonotonicIDs(t *testing.T) {
	r := New(zerolog.Nop())
	w1, err := r.Add("127.0.0.1:0", faults.Rates{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	w2, err := r.Add("127.0.0.1:0", faults.Rates{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	defer r.Remove(w1.ID)
	defer r.Remove(w2.ID)

	if w2.ID <= w1.ID {
		t.Fatalf("expected monotonically increasing ids, got %d then %d", w1.ID, w2.ID)
	}
	if r.Count() != 2 {
		t.Fatalf("expected count 2, got %d", r.Count())
	}
}

func TestRemoveThenIDNeverReused(t *testing.T) {
	r := New(zerolog.Nop())
	w1, _ := r.Add("127.0.0.1:0", faults.Rates{})
	if err := r.Remove(w1.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if r.Count() != 0 {
		t.Fatalf("expected count 0 after remove")
	}
	w2, err := r.Add("127.0.0.1:0", faults.Rates{})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	defer r.Remove(w2.ID)
	if w2.ID == w1.ID {
		t.Fatalf("expected a fresh id, got the removed worker's old id %d again", w1.ID)
	}
}

func TestRemoveUnknownIDErrors(t *testing.T) {
	r := New(zerolog.Nop())
	if err := r.Remove(999); err == nil {
		t.Fatalf("expected an error removing an unregistered id")
	}
}

func TestSnapshotIsSortedAndIsolated(t *testing.T) {
	r := New(zerolog.Nop())
	w1, _ := r.Add("127.0.0.1:0", faults.Rates{})
	w2, _ := r.Add("127.0.0.1:0", faults.Rates{})
	defer r.Remove(w1.ID)
	defer r.Remove(w2.ID)

	snap := r.Snapshot()
	if len(snap.Workers) != 2 {
		t.Fatalf("expected 2 workers in snapshot, got %d", len(snap.Workers))
	}
	if snap.Workers[0].ID > snap.Workers[1].ID {
		t.Fatalf("expected snapshot sorted by id")
	}

	// Adding a third worker after the snapshot was taken must not affect
	// the already-taken snapshot (spec: majority fixed at round start).
	w3, _ := r.Add("127.0.0.1:0", faults.Rates{})
	defer r.Remove(w3.ID)
	if len(snap.Workers) != 2 {
		t.Fatalf("snapshot mutated after later Add, len=%d", len(snap.Workers))
	}
}

func TestGetReturnsRegisteredWorker(t *testing.T) {
	r := New(zerolog.Nop())
	w1, _ := r.Add("127.0.0.1:0", faults.Rates{})
	defer r.Remove(w1.ID)

	got, ok := r.Get(w1.ID)
	if !ok || got.ID != w1.ID {
		t.Fatalf("expected to find worker %d", w1.ID)
	}
	if _, ok := r.Get(w1.ID + 999); ok {
		t.Fatalf("expected not to find an unregistered id")
	}
}
