// Package dispatcher implements the coordinator's client-facing accept
// loop (spec §4.4): read one request line, route it to whichever engine
// applies, write exactly one response line, close. It is also where the
// topology edge cases that quorum.Engine no longer handles live — N == 0
// attached workers closes without a reply, N < 3 returns
// ERROR_INSUFFICIENT_WORKERS before any fan-out is attempted.
package dispatcher

import (
	"fmt"
	"net"
	"strings"
	"time"

	"coordcore/internal/metrics"
	"coordcore/internal/oplog"
	"coordcore/internal/quorum"
	"coordcore/internal/registry"
	"coordcore/internal/replication"
	"coordcore/internal/wire"

	"github.com/rs/zerolog"
)

// minWorkers is the smallest snapshot size the quorum engine is allowed
// to run against (spec §4.5 edge cases).
const minWorkers = 3

// Dispatcher accepts client connections and routes each to the quorum
// engine or the replication engine, never blocking the accept loop on a
// fan-out round.
type Dispatcher struct {
	Registry    *registry.Registry
	Quorum      *quorum.Engine
	Replication *replication.Engine
	Metrics     *metrics.Metrics

	// ClientTimeout bounds reading the request line from the client. The
	// engine call that follows is not bounded here: each engine applies
	// its own deadlines, and the quorum engine reports CoordinatorTimeout
	// (sent as TIMEOUT_COORDINATOR) when its round deadline elapses.
	ClientTimeout time.Duration
	Log           zerolog.Logger

	ln net.Listener
}

// New builds a Dispatcher with the spec's default client timeout.
func New(reg *registry.Registry, q *quorum.Engine, r *replication.Engine, m *metrics.Metrics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Registry:      reg,
		Quorum:        q,
		Replication:   r,
		Metrics:       m,
		ClientTimeout: 40 * time.Second,
		Log:           log.With().Str("component", "dispatcher").Logger(),
	}
}

// Start binds addr and begins accepting client connections in the
// background.
func (d *Dispatcher) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("dispatcher: listen %s: %w", addr, err)
	}
	d.ln = ln
	go d.acceptLoop()
	return nil
}

// Addr returns the bound address.
func (d *Dispatcher) Addr() string { return d.ln.Addr().String() }

// Close stops accepting new client connections.
func (d *Dispatcher) Close() error { return d.ln.Close() }

func (d *Dispatcher) acceptLoop() {
	for {
		conn, err := d.ln.Accept()
		if err != nil {
			return
		}
		go d.serve(conn)
	}
}

func (d *Dispatcher) serve(conn net.Conn) {
	defer conn.Close()

	req, err := wire.ReadLine(conn, time.Now().Add(d.ClientTimeout))
	if err != nil {
		d.Log.Debug().Err(err).Msg("no request line from client")
		return
	}

	reply, closeOnly := d.route(req)
	if closeOnly {
		return
	}
	if err := wire.WriteLine(conn, reply); err != nil {
		d.Log.Debug().Err(err).Msg("failed to write client reply")
	}
}

func (d *Dispatcher) route(req string) (reply string, closeOnly bool) {
	if isMutation(req) {
		return d.routeReplication(req), false
	}
	return d.routeQuorum(req)
}

func isMutation(req string) bool {
	return strings.HasPrefix(req, "WRITE ") || strings.HasPrefix(req, "DELETE ") || req == "DELETE"
}

func (d *Dispatcher) routeQuorum(req string) (reply string, closeOnly bool) {
	n := d.Registry.Count()
	if n == 0 {
		return "", true
	}
	if n < minWorkers {
		d.countRound("insufficient_workers")
		return "ERROR_INSUFFICIENT_WORKERS", false
	}

	outcome := d.Quorum.Run(d.Registry.Snapshot(), req)
	return d.envelope(outcome), false
}

// envelope maps a quorum.Outcome to the client-visible response line,
// per the spec §4.4 table.
func (d *Dispatcher) envelope(o quorum.Outcome) string {
	switch o.Kind {
	case quorum.ConsensusAck:
		d.countRound("consensus_ack")
		return o.Payload
	case quorum.ConsensusError:
		d.countRound("consensus_error")
		return o.Payload
	case quorum.NoConsensus:
		d.countRound("no_consensus")
		return fmt.Sprintf("NO_CONSENSUS_%d_OF_%d", o.Received, o.Total)
	case quorum.CoordinatorTimeout:
		d.countRound("timeout")
		return "TIMEOUT_COORDINATOR"
	default:
		d.countRound("timeout")
		return "TIMEOUT_COORDINATOR"
	}
}

func (d *Dispatcher) countRound(outcome string) {
	if d.Metrics != nil {
		d.Metrics.RoundsTotal.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) routeReplication(req string) string {
	target, opcode, payload, ok := parseMutation(req)
	if !ok || d.Replication == nil {
		return "ERROR_REPLICATION_FAILED"
	}

	result := d.Replication.Propose(target, opcode, payload)
	if !result.Committed {
		d.Log.Warn().Str("key", result.Key).Str("reason", result.Reason).Msg("replication failed")
		return "ERROR_REPLICATION_FAILED"
	}
	return fmt.Sprintf("ACK_COMMITTED_%s", result.Key)
}

// parseMutation splits a client-facing mutation line into target,
// opcode, and payload. The two accepted forms are "WRITE target payload"
// and "DELETE target"; payload may itself contain spaces, since it is
// everything after the second token.
func parseMutation(req string) (target string, opcode oplog.Opcode, payload string, ok bool) {
	fields := strings.SplitN(req, " ", 3)
	if len(fields) < 2 {
		return "", "", "", false
	}
	switch fields[0] {
	case "WRITE":
		if len(fields) != 3 {
			return "", "", "", false
		}
		return fields[1], oplog.OpWrite, fields[2], true
	case "DELETE":
		return fields[1], oplog.OpDelete, "", true
	default:
		return "", "", "", false
	}
}
