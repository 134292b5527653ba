// Package quorum implements the quorum-vote engine of spec §4.5: fan a
// request out to every worker in a round's snapshot, normalize replies
// into response classes, and return as soon as one class crosses the
// required majority. The fan-out/collect shape is the teacher's
// CoordinateRead and executeReadQuorum generalized from "N versions of a
// value, pick the freshest" to "N votes, pick the class with a majority"
// — same concurrent-dial-and-collect skeleton, different reduction.
package quorum

import (
	"errors"
	"time"

	"coordcore/internal/metrics"
	"coordcore/internal/registry"
	"coordcore/internal/wire"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// OutcomeKind enumerates the shapes a round can resolve to (spec §3
// Consensus outcome).
type OutcomeKind int

const (
	ConsensusAck OutcomeKind = iota
	ConsensusError
	NoConsensus
	InsufficientWorkers
	CoordinatorTimeout
)

// Outcome is the reduced result of one fan-out round.
type Outcome struct {
	Kind     OutcomeKind
	Payload  string // first raw reply of the winning class, for Ack/Error
	Received int    // completions observed at decision time
	Total    int    // snapshot size
}

// ClassOf normalizes a raw reply into its vote class (spec §3/§4.5):
// ACK_* collapses to ACK_SUCCESS, ERROR_* collapses to ERROR_RESPONSE,
// anything else is its own class.
func ClassOf(raw string) string {
	switch {
	case len(raw) >= 4 && raw[:4] == "ACK_":
		return "ACK_SUCCESS"
	case len(raw) >= 6 && raw[:6] == "ERROR_":
		return "ERROR_RESPONSE"
	default:
		return raw
	}
}

// Engine runs fan-out rounds against a worker registry.
type Engine struct {
	CallTimeout  time.Duration // per-worker call deadline, default 35s
	RoundTimeout time.Duration // overall round deadline
	Metrics      *metrics.Metrics
	Log          zerolog.Logger
}

// New creates an Engine with the spec's default timeouts.
func New(m *metrics.Metrics, log zerolog.Logger) *Engine {
	return &Engine{
		CallTimeout:  35 * time.Second,
		RoundTimeout: 35 * time.Second,
		Metrics:      m,
		Log:          log,
	}
}

type voteResult struct {
	class string
	raw   string
	err   error
}

// Run executes one fan-out round over snap for request line req. It
// never blocks past e.RoundTimeout. Callers that reach a decision are
// responsible for nothing further — Run already broadcasts abort to the
// snapshot on both early-exit and timeout paths, satisfying spec
// invariant 2.
func (e *Engine) Run(snap registry.Snapshot, req string) Outcome {
	roundID := uuid.NewString()
	n := len(snap.Workers)
	log := e.Log.With().Str("round_id", roundID).Int("n", n).Logger()

	// The dispatcher filters N<3 into ERROR_INSUFFICIENT_WORKERS and N=0
	// into a silent close before ever calling Run (spec §4.5 edge cases);
	// Run itself assumes a non-trivial snapshot.
	required := n/2 + 1
	results := make(chan voteResult, n)

	for _, w := range snap.Workers {
		go func(addr string) {
			raw, err := wire.Call(addr, req, e.CallTimeout)
			if err != nil {
				results <- voteResult{err: err}
				return
			}
			results <- voteResult{class: ClassOf(raw), raw: raw}
		}(w.Addr)
	}

	start := time.Now()
	deadline := time.After(e.RoundTimeout)
	tally := make(map[string]int, n)
	firstRaw := make(map[string]string, n)
	received := 0

	decide := func(kind OutcomeKind, payload string) Outcome {
		snap.AbortAll()
		if e.Metrics != nil {
			e.Metrics.RoundLatency.Observe(time.Since(start).Seconds())
		}
		return Outcome{Kind: kind, Payload: payload, Received: received, Total: n}
	}

	for received < n {
		select {
		case r := <-results:
			received++
			if r.err != nil {
				if e.Metrics != nil {
					e.Metrics.TransportErrors.WithLabelValues(classifyErr(r.err)).Inc()
				}
				log.Debug().Err(r.err).Msg("sub-request produced no vote")
				continue
			}
			if _, seen := firstRaw[r.class]; !seen {
				firstRaw[r.class] = r.raw
			}
			tally[r.class]++
			if e.Metrics != nil {
				e.Metrics.VotesTotal.WithLabelValues(r.class).Inc()
			}
			if tally[r.class] >= required {
				kind, payload := classifyWinner(r.class, firstRaw[r.class])
				log.Info().Str("class", r.class).Int("votes", tally[r.class]).Msg("consensus reached")
				return decide(kind, payload)
			}
		case <-deadline:
			log.Warn().Int("received", received).Msg("round deadline elapsed before consensus")
			return decide(CoordinatorTimeout, "")
		}
	}

	log.Info().Int("received", received).Msg("no class reached majority")
	return decide(NoConsensus, "")
}

// classifyWinner maps a winning vote class to the Consensus outcome kind
// and the payload the client sees, per spec §4.5. ACK_SUCCESS and
// ERROR_RESPONSE map to their named outcomes; any other class that
// reaches majority (an opaque, non-ACK/non-ERROR reply every worker in
// that class agreed on) is emitted as the raw class payload verbatim,
// which the dispatcher forwards the same way it forwards ConsensusAck.
func classifyWinner(class, raw string) (OutcomeKind, string) {
	switch class {
	case "ERROR_RESPONSE":
		return ConsensusError, raw
	default:
		return ConsensusAck, raw
	}
}

// classifyErr maps a wire.CallError to the short label used in metrics
// and logs.
func classifyErr(err error) string {
	var ce *wire.CallError
	if errors.As(err, &ce) {
		return ce.Class.String()
	}
	return "unknown"
}
