package quorum

import (
	"net"
	"testing"
	"time"

	"coordcore/internal/faults"
	"coordcore/internal/metrics"
	"coordcore/internal/registry"
	"coordcore/internal/wire"
	"coordcore/internal/worker"

	"github.com/rs/zerolog"
)

func TestClassOfNormalization(t *testing.T) {
	cases := map[string]string{
		"ACK_SUCCESS":  "ACK_SUCCESS",
		"ACK_W3_REQ_1": "ACK_SUCCESS",
		"ERROR_BOGUS":  "ERROR_RESPONSE",
		"ERROR_":       "ERROR_RESPONSE",
		"SOMETHING":    "SOMETHING",
		"":             "",
	}
	for in, want := range cases {
		if got := ClassOf(in); got != want {
			t.Errorf("ClassOf(%q) = %q, want %q", in, got, want)
		}
	}
}

// stubWorker spins up a bare TCP listener that always replies with a
// fixed line, standing in for registry.Snapshot's real workers without
// pulling in the worker package's fault-injection machinery.
func stubWorker(t *testing.T, reply string) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if _, err := wire.ReadLine(conn, time.Now().Add(time.Second)); err != nil {
					return
				}
				_ = wire.WriteLine(conn, reply)
			}()
		}
	}()
	return ln.(*net.TCPListener)
}

func newTestEngine() *Engine {
	m, _ := metrics.NewUnregistered()
	return &Engine{
		CallTimeout:  time.Second,
		RoundTimeout: time.Second,
		Metrics:      m,
		Log:          zerolog.Nop(),
	}
}

func TestRunMajorityAck(t *testing.T) {
	var listeners []*net.TCPListener
	for i := 0; i < 3; i++ {
		listeners = append(listeners, stubWorker(t, "ACK_OK"))
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	snap := snapshotFromListeners(listeners)
	e := newTestEngine()
	outcome := e.Run(snap, "REQ")
	if outcome.Kind != ConsensusAck {
		t.Fatalf("expected ConsensusAck, got %v", outcome.Kind)
	}
	if outcome.Payload != "ACK_OK" {
		t.Fatalf("expected ACK_OK payload, got %q", outcome.Payload)
	}
}

func TestRunMajorityErrorLiar(t *testing.T) {
	ackA := stubWorker(t, "ACK_OK")
	ackB := stubWorker(t, "ACK_OK")
	liar := stubWorker(t, "ERROR_WRONG")
	defer ackA.Close()
	defer ackB.Close()
	defer liar.Close()

	snap := snapshotFromListeners([]*net.TCPListener{ackA, ackB, liar})
	e := newTestEngine()
	outcome := e.Run(snap, "REQ")
	if outcome.Kind != ConsensusAck {
		t.Fatalf("expected majority ACK to win despite one liar, got %v", outcome.Kind)
	}
}

func TestRunEvenSplitNoConsensus(t *testing.T) {
	a := stubWorker(t, "ACK_OK")
	b := stubWorker(t, "ERROR_X")
	defer a.Close()
	defer b.Close()

	snap := snapshotFromListeners([]*net.TCPListener{a, b})
	e := newTestEngine()
	outcome := e.Run(snap, "REQ")
	if outcome.Kind != NoConsensus {
		t.Fatalf("expected NoConsensus on a 1-1 split, got %v", outcome.Kind)
	}
}

func TestRunAllDropTimesOut(t *testing.T) {
	a := stubWorkerDrop(t)
	b := stubWorkerDrop(t)
	c := stubWorkerDrop(t)
	defer a.Close()
	defer b.Close()
	defer c.Close()

	snap := snapshotFromListeners([]*net.TCPListener{a, b, c})
	e := newTestEngine()
	e.RoundTimeout = 200 * time.Millisecond
	outcome := e.Run(snap, "REQ")
	if outcome.Kind != NoConsensus && outcome.Kind != CoordinatorTimeout {
		t.Fatalf("expected NoConsensus or CoordinatorTimeout when every worker drops, got %v", outcome.Kind)
	}
}

func stubWorkerDrop(t *testing.T) *net.TCPListener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close() // drop without replying
		}
	}()
	return ln.(*net.TCPListener)
}

// snapshotFromListeners builds a registry.Snapshot whose workers point at
// already-running stub listeners, without going through worker.Start
// (which would try to bind a fresh listener of its own). This isolates
// the test to the quorum reduction logic rather than the worker runtime.
func snapshotFromListeners(listeners []*net.TCPListener) registry.Snapshot {
	workers := make([]*worker.Worker, 0, len(listeners))
	for i, ln := range listeners {
		w := worker.New(i+1, ln.Addr().String(), faults.Rates{}, zerolog.Nop())
		workers = append(workers, w)
	}
	return registry.Snapshot{Workers: workers}
}
