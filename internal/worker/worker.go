// Package worker implements the worker runtime described in spec §4.2: a
// single listening endpoint that, for each inbound request, simulates
// connection loss, injected delay, or a wrong reply before (usually)
// acknowledging. Workers live inside the coordinator process — the
// coordinator owns their sockets directly, the same way the coursework
// simulator this core descends from kept every worker thread under a
// single supervising object instead of spawning separate processes. The
// coordinator-to-worker trust boundary is the loopback interface; nothing
// here authenticates callers.
package worker

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"coordcore/internal/faults"
	"coordcore/internal/wire"

	"github.com/rs/zerolog"
)

// State is the worker's externally observable lifecycle state.
type State int

const (
	Idle State = iota
	Serving
	Aborted
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Serving:
		return "serving"
	case Aborted:
		return "aborted"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Worker owns one listening endpoint and a fault policy. ID is
// coordinator-assigned, unique and monotonic within a registry.
type Worker struct {
	ID      int
	Addr    string
	Policy  *faults.Policy
	log     zerolog.Logger
	ln      net.Listener
	active  int64 // count of in-flight handlers, via atomic
	stopped atomic.Bool

	mu      sync.Mutex
	cancels map[uint64]chan struct{}
	nextSeq uint64
}

// New creates a Worker bound to addr with the given initial fault rates.
// It does not start listening; call Start for that.
func New(id int, addr string, rates faults.Rates, log zerolog.Logger) *Worker {
	seed := uint64(id)*0x100000001b3 + uint64(time.Now().UnixNano())
	return &Worker{
		ID:      id,
		Addr:    addr,
		Policy:  faults.New(rates, seed),
		log:     log.With().Int("worker_id", id).Logger(),
		cancels: make(map[uint64]chan struct{}),
	}
}

// Start binds the listener and begins the accept loop in a background
// goroutine. Returns once the listener is bound so callers know the
// worker is reachable.
func (w *Worker) Start() error {
	ln, err := net.Listen("tcp", w.Addr)
	if err != nil {
		return fmt.Errorf("worker %d: listen %s: %w", w.ID, w.Addr, err)
	}
	w.ln = ln
	w.Addr = ln.Addr().String()
	go w.acceptLoop()
	return nil
}

func (w *Worker) acceptLoop() {
	for {
		conn, err := w.ln.Accept()
		if err != nil {
			return // listener closed by Stop
		}
		go w.handle(conn)
	}
}

// State reports the worker's current lifecycle state. Order of checks
// matters: Stopped is sticky and takes priority over any other signal.
func (w *Worker) State() State {
	if w.stopped.Load() {
		return Stopped
	}
	if atomic.LoadInt64(&w.active) > 0 {
		return Serving
	}
	return Idle
}

// handle services one connection end to end: read the request line,
// sample the fault dice, and reply (or not) accordingly. At most one of
// drop / wrong / plain-ack happens (an abort ends the handler without a
// reply); a sampled delay precedes a wrong reply or an ack and is
// skipped when the connection is dropped.
func (w *Worker) handle(conn net.Conn) {
	defer conn.Close()
	atomic.AddInt64(&w.active, 1)
	defer atomic.AddInt64(&w.active, -1)

	abort := w.register()
	defer w.unregister(abort.seq)

	req, err := wire.ReadLine(conn, time.Now().Add(10*time.Second))
	if err != nil {
		w.log.Debug().Err(err).Msg("no request line received")
		return
	}

	outcome := w.Policy.Sample()

	if outcome.Drop {
		w.log.Debug().Str("request", req).Msg("dropping connection")
		return
	}

	if outcome.Delay > 0 {
		select {
		case <-time.After(outcome.Delay):
		case <-abort.ch:
			w.log.Debug().Str("request", req).Msg("delay cut short by abort")
			return
		}
	}

	select {
	case <-abort.ch:
		w.log.Debug().Str("request", req).Msg("aborted before reply")
		return
	default:
	}

	if outcome.Wrong {
		reply := "ERROR_" + w.Policy.RandomSuffix()
		_ = wire.WriteLine(conn, reply)
		w.log.Debug().Str("request", req).Str("reply", reply).Msg("wrong reply injected")
		return
	}

	reply := fmt.Sprintf("ACK_W%d_%s", w.ID, req)
	_ = wire.WriteLine(conn, reply)
	w.log.Debug().Str("request", req).Str("reply", reply).Msg("acknowledged")
}

type abortHandle struct {
	seq uint64
	ch  chan struct{}
}

func (w *Worker) register() abortHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSeq++
	seq := w.nextSeq
	ch := make(chan struct{})
	w.cancels[seq] = ch
	return abortHandle{seq: seq, ch: ch}
}

func (w *Worker) unregister(seq uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.cancels, seq)
}

// Abort signals every currently in-flight handler to terminate without
// further output. Idempotent: under the mutex each handler's channel is
// closed once and removed from the map, so calling it with nothing in
// flight, or twice in a row, does nothing further.
func (w *Worker) Abort() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for seq, ch := range w.cancels {
		close(ch)
		delete(w.cancels, seq)
	}
}

// Stop closes the listening socket. In-flight handlers are not forcibly
// killed; they drain on their own (aborting them first is the caller's
// responsibility if a prompt stop is required).
func (w *Worker) Stop() error {
	w.stopped.Store(true)
	if w.ln == nil {
		return nil
	}
	return w.ln.Close()
}

// SetFaults mutates the fault rates without interrupting in-flight
// handlers; they already captured their sample for this request, or will
// read the new rates on their next Sample call (there is at most one
// Sample per handler, so this only affects requests not yet dispatched).
func (w *Worker) SetFaults(r faults.Rates) {
	w.Policy.Set(r)
}
