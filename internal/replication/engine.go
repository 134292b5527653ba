// Engine is the origin side of the two-phase commit: propose an
// operation to every peer, and only apply/commit it if every peer
// accepts. Where the quorum engine settles for a majority, this protocol
// requires unanimity (spec §4.6 invariant: a single rejection or commit
// failure voids the whole operation) — the fan-out/collect skeleton is
// the same shape as quorum.Engine.Run, but the reduction never
// short-circuits on an early majority; it must hear from every peer.
package replication

import (
	"fmt"
	"sync"
	"time"

	"coordcore/internal/metrics"
	"coordcore/internal/oplog"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine orchestrates propose/commit rounds for one origin.
type Engine struct {
	ProposeTimeout time.Duration
	CommitTimeout  time.Duration
	Metrics        *metrics.Metrics
	Log            zerolog.Logger

	originID string
	applier  LocalApplier
	oplog    *oplog.Log

	mu      sync.Mutex
	peers   map[string]*PeerConn
	counter uint64
}

// NewEngine creates an Engine acting as origin with id originID. Its own
// committed operations are applied locally via applier and appended to
// its own log, just like a follower applies and logs on commit.
func NewEngine(originID string, applier LocalApplier, m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		// 15s per phase, matching the replication engine's shorter
		// per-call deadline relative to the quorum engine's 35s (spec
		// §4.1, §5).
		ProposeTimeout: 15 * time.Second,
		CommitTimeout:  15 * time.Second,
		Metrics:        m,
		Log:            log.With().Str("component", "replication_engine").Str("origin", originID).Logger(),
		originID:       originID,
		applier:        applier,
		oplog:          oplog.New(),
		peers:          make(map[string]*PeerConn),
	}
}

// Oplog returns the origin's own operation log.
func (e *Engine) Oplog() *oplog.Log { return e.oplog }

// AddPeer registers a replica this origin will propose to.
func (e *Engine) AddPeer(id, addr string, dialTimeout time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peers[id] = NewPeerConn(addr, dialTimeout, e.oplog)
}

// RemovePeer drops and closes a previously registered peer connection.
func (e *Engine) RemovePeer(id string) {
	e.mu.Lock()
	pc, ok := e.peers[id]
	delete(e.peers, id)
	e.mu.Unlock()
	if ok {
		pc.Close()
	}
}

func (e *Engine) peerSnapshot() map[string]*PeerConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*PeerConn, len(e.peers))
	for id, pc := range e.peers {
		out[id] = pc
	}
	return out
}

// nextKey builds an operation key unique across origins: the origin's
// own per-origin counter plus a short random nonce, resolving the open
// question of cross-origin key collision (spec §9) without any
// coordination between origins.
func (e *Engine) nextKey() string {
	e.mu.Lock()
	e.counter++
	c := e.counter
	e.mu.Unlock()
	return fmt.Sprintf("%s_%d_%s", e.originID, c, uuid.NewString()[:8])
}

// Result is the outcome of one Propose call.
type Result struct {
	Committed bool
	Key       string
	Reason    string
}

// Propose runs one full two-phase operation: propose to every peer,
// proceed to commit only if every peer accepted, and apply locally only
// if every peer also commits. Each phase waits for a peer's reply for at
// most ProposeTimeout or CommitTimeout; dialing a peer (bounded by the
// dial timeout given to AddPeer) and the reconnect sync handshake come
// on top of that.
func (e *Engine) Propose(target string, opcode oplog.Opcode, payload string) Result {
	key := e.nextKey()
	ts := time.Now()
	rec := oplog.Record{Key: key, Target: target, Opcode: opcode, Payload: payload, Origin: e.originID, Timestamp: ts}
	log := e.Log.With().Str("key", key).Logger()

	peers := e.peerSnapshot()
	if len(peers) == 0 {
		if err := e.applier.Apply(opcode, target, payload); err != nil {
			return Result{Key: key, Reason: err.Error()}
		}
		e.oplog.Append(key, target, opcode, payload, e.originID, ts)
		return Result{Committed: true, Key: key}
	}

	accepted, ok := e.proposePhase(peers, rec, log)
	if !ok {
		e.abortPhase(peers, accepted, key, log)
		e.recordOutcome("aborted")
		return Result{Key: key, Reason: "propose phase rejected"}
	}

	if !e.commitPhase(peers, key, log) {
		// Commit-phase partial failure: peers that already committed have
		// already mutated their state irreversibly, so no abort follows —
		// there is nothing left to undo on their side. The divergence is
		// visible to an operator comparing peer oplogs, not auto-healed.
		e.recordOutcome("failed")
		return Result{Key: key, Reason: "commit phase did not reach unanimity"}
	}

	if err := e.applier.Apply(opcode, target, payload); err != nil {
		e.recordOutcome("failed")
		return Result{Key: key, Reason: err.Error()}
	}
	e.oplog.Append(key, target, opcode, payload, e.originID, ts)
	e.recordOutcome("committed")
	log.Info().Msg("operation committed")
	return Result{Committed: true, Key: key}
}

func (e *Engine) recordOutcome(state string) {
	if e.Metrics != nil {
		e.Metrics.ReplicationTotal.WithLabelValues(state).Inc()
	}
}

type proposeVote struct {
	id       string
	accepted bool
}

// proposePhase sends the proposal to every peer concurrently and waits
// for all replies. It returns the set of peers that accepted and whether
// every peer accepted.
func (e *Engine) proposePhase(peers map[string]*PeerConn, rec oplog.Record, log zerolog.Logger) ([]string, bool) {
	start := time.Now()
	line := encodeRecordMessage(MsgProposal, rec)
	votes := make(chan proposeVote, len(peers))

	for id, pc := range peers {
		go func(id string, pc *PeerConn) {
			reply, err := pc.Call(line, e.ProposeTimeout)
			if err != nil {
				log.Debug().Err(err).Str("peer", id).Msg("proposal round trip failed")
				votes <- proposeVote{id: id}
				return
			}
			opcode, _, _ := parseMessage(reply)
			votes <- proposeVote{id: id, accepted: opcode == MsgAccepted}
		}(id, pc)
	}

	accepted := make([]string, 0, len(peers))
	unanimous := true
	for i := 0; i < len(peers); i++ {
		v := <-votes
		if !v.accepted {
			unanimous = false
			continue
		}
		accepted = append(accepted, v.id)
	}
	if e.Metrics != nil {
		e.Metrics.ReplicationLatency.WithLabelValues("propose").Observe(time.Since(start).Seconds())
	}
	return accepted, unanimous
}

// abortPhase fire-and-forgets an ABORT to every peer that accepted the
// proposal, since they staged a pending record that will never commit.
func (e *Engine) abortPhase(peers map[string]*PeerConn, accepted []string, key string, log zerolog.Logger) {
	line := encodeMessage(MsgAbort, key)
	for _, id := range accepted {
		pc, ok := peers[id]
		if !ok {
			continue
		}
		go func(id string, pc *PeerConn) {
			if err := pc.Send(line); err != nil {
				log.Debug().Err(err).Str("peer", id).Msg("abort send failed")
			}
		}(id, pc)
	}
}

// commitPhase sends COMMIT to every peer concurrently and waits for all
// replies, returning true only if every peer reports COMMITTED.
func (e *Engine) commitPhase(peers map[string]*PeerConn, key string, log zerolog.Logger) bool {
	start := time.Now()
	line := encodeMessage(MsgCommit, key)
	type commitVote struct {
		id        string
		committed bool
	}
	votes := make(chan commitVote, len(peers))

	for id, pc := range peers {
		go func(id string, pc *PeerConn) {
			reply, err := pc.Call(line, e.CommitTimeout)
			if err != nil {
				log.Warn().Err(err).Str("peer", id).Msg("commit round trip failed")
				votes <- commitVote{id: id}
				return
			}
			opcode, _, _ := parseMessage(reply)
			votes <- commitVote{id: id, committed: opcode == MsgCommitted}
		}(id, pc)
	}

	unanimous := true
	for i := 0; i < len(peers); i++ {
		v := <-votes
		if !v.committed {
			unanimous = false
		}
	}
	if e.Metrics != nil {
		e.Metrics.ReplicationLatency.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	}
	return unanimous
}
