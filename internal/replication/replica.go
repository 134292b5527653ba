package replication

import (
	"sync"

	"coordcore/internal/oplog"

	"github.com/rs/zerolog"
)

// Replica is the follower side of the two-phase protocol: it stages
// proposed records, accepts or rejects them, and applies them to its
// local state on commit. The same process also runs an Engine when it is
// acting as an origin — the two roles are independent and a process can
// hold both.
type Replica struct {
	mu      sync.Mutex
	pending map[string]oplog.Record

	applier LocalApplier
	log     *oplog.Log
	logger  zerolog.Logger
}

// NewReplica creates a follower bound to applier, appending committed
// operations to its own log. Every replica keeps an independently
// sequenced log; there is no shared sequence counter across the cluster
// (spec §5, §9: the global order is the origin's commit order, not a
// consensus timestamp).
func NewReplica(applier LocalApplier, log zerolog.Logger) *Replica {
	return &Replica{
		pending: make(map[string]oplog.Record),
		applier: applier,
		log:     oplog.New(),
		logger:  log.With().Str("component", "replica").Logger(),
	}
}

// Log returns this replica's local operation log.
func (r *Replica) Log() *oplog.Log { return r.log }

// HandleLine dispatches one inbound peer-channel line and returns the
// reply line to send back. ABORT has no reply: it is fire-and-forget from
// the origin's side, so there is nothing for the follower to acknowledge.
func (r *Replica) HandleLine(line string) string {
	opcode, rest, _ := parseMessage(line)
	switch opcode {
	case MsgProposal:
		return r.handleProposal(rest)
	case MsgCommit:
		return r.handleCommit(rest)
	case MsgAbort:
		r.handleAbort(rest)
		return ""
	case MsgReplay:
		r.handleReplay(rest)
		return ""
	default:
		r.logger.Warn().Str("opcode", opcode).Msg("unrecognized peer message")
		return ""
	}
}

func (r *Replica) handleProposal(rest string) string {
	rec, err := DecodeRecord(rest)
	if err != nil {
		r.logger.Warn().Err(err).Msg("malformed proposal")
		return encodeMessage(MsgRejected, "", "malformed proposal")
	}
	if !rec.Opcode.Valid() {
		return encodeMessage(MsgRejected, rec.Key, "unknown opcode")
	}
	if rec.Target == "" {
		return encodeMessage(MsgRejected, rec.Key, "empty target")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.log.HasKey(rec.Key) {
		return encodeMessage(MsgRejected, rec.Key, "duplicate key")
	}
	if _, staged := r.pending[rec.Key]; staged {
		return encodeMessage(MsgRejected, rec.Key, "duplicate proposal")
	}
	r.pending[rec.Key] = rec
	return encodeMessage(MsgAccepted, rec.Key)
}

func (r *Replica) handleCommit(rest string) string {
	key := unescapeField(rest)

	r.mu.Lock()
	rec, ok := r.pending[key]
	if ok {
		delete(r.pending, key)
	}
	r.mu.Unlock()

	if !ok {
		return encodeMessage(MsgFailed, key, "no staged proposal")
	}
	if err := r.applier.Apply(rec.Opcode, rec.Target, rec.Payload); err != nil {
		return encodeMessage(MsgFailed, key, err.Error())
	}
	r.log.Append(rec.Key, rec.Target, rec.Opcode, rec.Payload, rec.Origin, rec.Timestamp)
	return encodeMessage(MsgCommitted, key)
}

func (r *Replica) handleAbort(rest string) {
	key := unescapeField(rest)
	r.mu.Lock()
	delete(r.pending, key)
	r.mu.Unlock()
}

// handleReplay applies one record pushed by an origin in response to
// this replica's MsgSync announcement, bypassing the normal propose/
// accept staging since the record is already committed elsewhere.
// Duplicate or already-known keys are silently dropped (spec §4.7: "out
// of order or duplicate records at a follower are dropped based on
// sequence number and operation-key presence"); there is no reply, the
// same as MsgAbort.
func (r *Replica) handleReplay(rest string) {
	rec, err := DecodeRecord(rest)
	if err != nil {
		r.logger.Warn().Err(err).Msg("malformed replay record")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.log.HasKey(rec.Key) {
		return
	}
	if err := r.applier.Apply(rec.Opcode, rec.Target, rec.Payload); err != nil {
		r.logger.Warn().Err(err).Str("key", rec.Key).Msg("replay apply failed")
		return
	}
	r.log.Append(rec.Key, rec.Target, rec.Opcode, rec.Payload, rec.Origin, rec.Timestamp)
}
