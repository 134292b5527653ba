package dispatcher

import (
	"net"
	"strings"
	"testing"
	"time"

	"coordcore/internal/faults"
	"coordcore/internal/metrics"
	"coordcore/internal/oplog"
	"coordcore/internal/quorum"
	"coordcore/internal/registry"
	"coordcore/internal/replication"
	"coordcore/internal/wire"

	"github.com/rs/zerolog"
)

func newTestDispatcher(t *testing.T, workerCount int, healthyRate, liarRate faults.Rates, liarIndex int) (*Dispatcher, *registry.Registry) {
	t.Helper()
	m, _ := metrics.NewUnregistered()
	reg := registry.New(zerolog.Nop())
	for i := 0; i < workerCount; i++ {
		rate := healthyRate
		if i == liarIndex {
			rate = liarRate
		}
		if _, err := reg.Add("127.0.0.1:0", rate); err != nil {
			t.Fatalf("add worker: %v", err)
		}
	}

	qe := quorum.New(m, zerolog.Nop())
	qe.CallTimeout = time.Second
	qe.RoundTimeout = time.Second

	re := replication.NewEngine("node1", replication.NewState(), m, zerolog.Nop())
	re.ProposeTimeout = time.Second
	re.CommitTimeout = time.Second

	d := New(reg, qe, re, m, zerolog.Nop())
	d.ClientTimeout = 2 * time.Second
	if err := d.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start dispatcher: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d, reg
}

func TestDispatcherHealthyAck(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, faults.Rates{}, faults.Rates{}, -1)
	reply, err := wire.Call(d.Addr(), "REQ_1", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(reply, "ACK_W") {
		t.Fatalf("expected an ACK_W reply, got %q", reply)
	}
}

func TestDispatcherMajorityAckWithLiar(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, faults.Rates{}, faults.Rates{WrongPct: 100}, 2)
	reply, err := wire.Call(d.Addr(), "REQ_1", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(reply, "ACK_W") {
		t.Fatalf("expected majority ACK despite one liar, got %q", reply)
	}
}

func TestDispatcherEvenSplitNoConsensus(t *testing.T) {
	// 4 workers: 2 real acks, 2 wrong replies -> no class reaches a
	// majority of 3.
	m, _ := metrics.NewUnregistered()
	reg := registry.New(zerolog.Nop())
	for i := 0; i < 4; i++ {
		rate := faults.Rates{}
		if i >= 2 {
			rate = faults.Rates{WrongPct: 100}
		}
		if _, err := reg.Add("127.0.0.1:0", rate); err != nil {
			t.Fatalf("add worker: %v", err)
		}
	}
	qe := quorum.New(m, zerolog.Nop())
	qe.CallTimeout = time.Second
	qe.RoundTimeout = time.Second
	re := replication.NewEngine("node1", replication.NewState(), m, zerolog.Nop())
	d := New(reg, qe, re, m, zerolog.Nop())
	d.ClientTimeout = 2 * time.Second
	if err := d.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Close()

	reply, err := wire.Call(d.Addr(), "REQ_1", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(reply, "NO_CONSENSUS_") {
		t.Fatalf("expected NO_CONSENSUS_, got %q", reply)
	}
}

func TestDispatcherAllDropTimesOut(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, faults.Rates{DropPct: 100}, faults.Rates{DropPct: 100}, -1)
	reply, err := wire.Call(d.Addr(), "REQ_1", 3*time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != "NO_CONSENSUS_0_OF_3" && reply != "TIMEOUT_COORDINATOR" {
		t.Fatalf("expected NO_CONSENSUS_0_OF_3 or TIMEOUT_COORDINATOR, got %q", reply)
	}
}

func TestDispatcherInsufficientWorkers(t *testing.T) {
	d, _ := newTestDispatcher(t, 2, faults.Rates{}, faults.Rates{}, -1)
	reply, err := wire.Call(d.Addr(), "REQ_1", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != "ERROR_INSUFFICIENT_WORKERS" {
		t.Fatalf("expected ERROR_INSUFFICIENT_WORKERS, got %q", reply)
	}
}

func TestDispatcherZeroWorkersClosesSilently(t *testing.T) {
	d, _ := newTestDispatcher(t, 0, faults.Rates{}, faults.Rates{}, -1)
	_, err := wire.Call(d.Addr(), "REQ_1", time.Second)
	if err == nil {
		t.Fatalf("expected the connection to close without a reply for zero workers")
	}
}

func TestDispatcherReplicationWriteAndDelete(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, faults.Rates{}, faults.Rates{}, -1)

	reply, err := wire.Call(d.Addr(), "WRITE counter 42", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(reply, "ACK_COMMITTED_") {
		t.Fatalf("expected ACK_COMMITTED_, got %q", reply)
	}

	reply, err = wire.Call(d.Addr(), "DELETE counter", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if !strings.HasPrefix(reply, "ACK_COMMITTED_") {
		t.Fatalf("expected ACK_COMMITTED_ for delete, got %q", reply)
	}
}

func TestDispatcherReplicationRejectionReturnsError(t *testing.T) {
	m, _ := metrics.NewUnregistered()
	reg := registry.New(zerolog.Nop())
	qe := quorum.New(m, zerolog.Nop())

	re := replication.NewEngine("node1", replication.NewState(), m, zerolog.Nop())
	re.ProposeTimeout = time.Second
	re.CommitTimeout = time.Second

	rejectLn, rejectAddr := startRejectingPeer(t)
	defer rejectLn.Close()
	re.AddPeer("peerA", rejectAddr, time.Second)

	d := New(reg, qe, re, m, zerolog.Nop())
	d.ClientTimeout = 2 * time.Second
	if err := d.Start("127.0.0.1:0"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer d.Close()

	reply, err := wire.Call(d.Addr(), "WRITE counter 42", time.Second)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if reply != "ERROR_REPLICATION_FAILED" {
		t.Fatalf("expected ERROR_REPLICATION_FAILED, got %q", reply)
	}
}

func TestDispatcherOplogReplay(t *testing.T) {
	d, _ := newTestDispatcher(t, 3, faults.Rates{}, faults.Rates{}, -1)

	if _, err := wire.Call(d.Addr(), "WRITE a 1", time.Second); err != nil {
		t.Fatalf("write a: %v", err)
	}
	if _, err := wire.Call(d.Addr(), "WRITE b 2", time.Second); err != nil {
		t.Fatalf("write b: %v", err)
	}

	recs := d.Replication.Oplog().Since(0)
	if len(recs) != 2 {
		t.Fatalf("expected 2 committed records, got %d", len(recs))
	}
	recs = d.Replication.Oplog().Since(1)
	if len(recs) != 1 || recs[0].Target != "b" {
		t.Fatalf("expected replay since seq 1 to return only the second record, got %+v", recs)
	}
}

func TestParseMutation(t *testing.T) {
	target, op, payload, ok := parseMutation("WRITE counter 42")
	if !ok || target != "counter" || op != oplog.OpWrite || payload != "42" {
		t.Fatalf("unexpected parse result: %q %v %q ok=%v", target, op, payload, ok)
	}

	target, op, _, ok = parseMutation("DELETE counter")
	if !ok || target != "counter" || op != oplog.OpDelete {
		t.Fatalf("unexpected delete parse result: %q %v ok=%v", target, op, ok)
	}

	if _, _, _, ok := parseMutation("WRITE counter"); ok {
		t.Fatalf("expected WRITE with no payload to fail to parse")
	}
	if _, _, _, ok := parseMutation("BOGUS x y"); ok {
		t.Fatalf("expected an unrecognized verb to fail to parse")
	}
}

// startRejectingPeer behaves like a replica that always rejects a
// proposal, forcing the engine's propose phase to fail unanimity.
func startRejectingPeer(t *testing.T) (net.Listener, string) {
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
				for {
					if _, err := wire.ReadLine(conn, time.Now().Add(5*time.Second)); err != nil {
						return
					}
					if err := wire.WriteLine(conn, "OPERATION_REJECTED||forced"); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln, ln.Addr().String()
}
