// Package replication implements the active-replication broadcast of
// spec §4.6: a two-phase propose/commit protocol requiring unanimity
// among peer replicas, with a per-origin monotonic operation order. The
// fan-out-and-collect shape again descends from the teacher's
// ReplicateWrite, but where the teacher tolerated W-of-N acks, this
// protocol requires unanimity and a distinct abort path, so the
// collection loop cannot early-return on the first quorum — it must
// observe every peer before deciding.
package replication

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"coordcore/internal/oplog"
)

// Peer message opcodes, the leading token of every line on the
// persistent peer channel (spec §6).
const (
	MsgProposal  = "OPERATION_PROPOSAL"
	MsgAccepted  = "OPERATION_ACCEPTED"
	MsgRejected  = "OPERATION_REJECTED"
	MsgCommit    = "OPERATION_COMMIT"
	MsgCommitted = "OPERATION_COMMITTED"
	MsgFailed    = "OPERATION_FAILED"
	MsgAbort     = "OPERATION_ABORT"

	// MsgSync is sent by a follower immediately on connect, carrying its
	// last-known sequence number, so the origin can push anything the
	// follower missed before resuming live traffic (spec §4.7).
	MsgSync = "OPERATION_SYNC"
	// MsgReplay carries one missed committed record, pushed by the origin
	// in ascending sequence order in response to MsgSync.
	MsgReplay = "OPERATION_REPLAY"
)

// escapeField escapes '|' as '\|' so content can embed the field
// separator without corrupting the frame.
func escapeField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "|", `\|`)
}

func unescapeField(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
			b.WriteByte(s[i])
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// splitFields splits s on unescaped '|' into exactly n fields. This is
// the limit-aware splitter design notes §9 calls for: a naive
// strings.Split would break on escaped pipes inside content, and an
// unbounded split could let extra '|' characters smuggle in extra
// fields.
func splitFields(s string, n int) ([]string, error) {
	fields := make([]string, 0, n)
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			cur.WriteByte(c)
			escaped = true
		case c == '|' && len(fields) < n-1:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	fields = append(fields, cur.String())
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d fields, got %d", n, len(fields))
	}
	return fields, nil
}

// EncodeRecord serializes an operation record as
// key|target|opcode|content|origin|timestamp, escaping '|' in content.
func EncodeRecord(rec oplog.Record) string {
	return strings.Join([]string{
		escapeField(rec.Key),
		escapeField(rec.Target),
		string(rec.Opcode),
		escapeField(rec.Payload),
		escapeField(rec.Origin),
		strconv.FormatInt(rec.Timestamp.UnixNano(), 10),
	}, "|")
}

// DecodeRecord parses the wire format produced by EncodeRecord.
func DecodeRecord(line string) (oplog.Record, error) {
	fields, err := splitFields(line, 6)
	if err != nil {
		return oplog.Record{}, fmt.Errorf("decode record: %w", err)
	}
	nanos, err := strconv.ParseInt(fields[5], 10, 64)
	if err != nil {
		return oplog.Record{}, fmt.Errorf("decode record: bad timestamp: %w", err)
	}
	return oplog.Record{
		Key:       unescapeField(fields[0]),
		Target:    unescapeField(fields[1]),
		Opcode:    oplog.Opcode(fields[2]),
		Payload:   unescapeField(fields[3]),
		Origin:    unescapeField(fields[4]),
		Timestamp: time.Unix(0, nanos),
	}, nil
}

// encodeMessage builds a full peer-channel line: opcode followed by
// raw fields, each escaped and joined with '|'.
func encodeMessage(opcode string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, opcode)
	for _, f := range fields {
		parts = append(parts, escapeField(f))
	}
	return strings.Join(parts, "|")
}

// encodeRecordMessage builds a peer-channel line carrying a serialized
// operation record: opcode followed by EncodeRecord's own six
// already-escaped, '|'-joined fields, appended verbatim. Unlike
// encodeMessage, this must not run the record blob through escapeField
// again — EncodeRecord has already escaped each field individually, and
// re-escaping its separating '|' characters would leave nothing for
// splitFields to split the record back apart on.
func encodeRecordMessage(opcode string, rec oplog.Record) string {
	return opcode + "|" + EncodeRecord(rec)
}

// parseMessage splits a peer-channel line into its opcode and the
// remaining raw (still-escaped) fields.
func parseMessage(line string) (opcode string, rest string, ok bool) {
	idx := strings.IndexByte(line, '|')
	if idx < 0 {
		return line, "", true
	}
	return line[:idx], line[idx+1:], true
}
