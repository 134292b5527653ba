package replication

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"coordcore/internal/oplog"
	"coordcore/internal/wire"

	"github.com/rs/zerolog"
)

// syncHandshakeTimeout bounds how long a freshly dialed PeerConn waits
// for the peer's MsgSync announcement before giving up and proceeding to
// ordinary traffic. A peer that doesn't speak the replay handshake (or
// simply has nothing to say) is indistinguishable from one that's slow,
// so this stays short on the loopback links this system runs over.
const syncHandshakeTimeout = 150 * time.Millisecond

// PeerConn is a persistent, mutex-serialized connection to one replica
// peer. Unlike the fresh-per-call worker sub-requests, the replication
// channel stays open across the propose and commit round trips of a
// single operation, and across operations (spec §6: peer connections are
// persistent and bidirectional). A failed round trip drops the
// connection; the next call redials.
type PeerConn struct {
	mu    sync.Mutex
	addr  string
	dial  net.Dialer
	conn  net.Conn
	oplog *oplog.Log // this origin's log, consulted for the replay handshake
}

// NewPeerConn creates a PeerConn that dials lazily on first use. log is
// the origin's own operation log, used to answer a reconnecting
// follower's MsgSync with whatever it missed; it may be nil for callers
// that never need the replay handshake (e.g. tests driving a bare
// request/response stub).
func NewPeerConn(addr string, dialTimeout time.Duration, log *oplog.Log) *PeerConn {
	return &PeerConn{addr: addr, dial: net.Dialer{Timeout: dialTimeout}, oplog: log}
}

func (p *PeerConn) ensure() error {
	if p.conn != nil {
		return nil
	}
	conn, err := p.dial.Dial("tcp", p.addr)
	if err != nil {
		return err
	}
	p.conn = conn
	p.replayMissed(conn)
	return nil
}

// replayMissed implements the origin's half of spec §4.7's reconnect
// replay: immediately after dialing, wait briefly for the peer to
// announce its last-known sequence via MsgSync, and if it does, push
// every record this origin has committed since that sequence, in order,
// over the same connection before any live propose/commit traffic uses
// it. A peer that never announces (including one that doesn't speak the
// handshake at all) just times out here and normal traffic proceeds
// unaffected.
func (p *PeerConn) replayMissed(conn net.Conn) {
	if p.oplog == nil {
		return
	}
	line, err := wire.ReadLine(conn, time.Now().Add(syncHandshakeTimeout))
	if err != nil {
		return
	}
	opcode, rest, _ := parseMessage(line)
	if opcode != MsgSync {
		return
	}
	last, err := strconv.ParseUint(unescapeField(rest), 10, 64)
	if err != nil {
		return
	}
	for _, rec := range p.oplog.Since(last) {
		_ = wire.WriteLine(conn, encodeRecordMessage(MsgReplay, rec))
	}
}

// Call sends one line and waits for exactly one reply line, serialized
// against concurrent callers on this PeerConn.
func (p *PeerConn) Call(line string, timeout time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensure(); err != nil {
		return "", &wire.CallError{Class: wire.ErrUnreachable, Err: err}
	}

	deadline := time.Now().Add(timeout)
	if err := wire.WriteLine(p.conn, line); err != nil {
		p.dropLocked()
		return "", &wire.CallError{Class: wire.ErrDropped, Err: err}
	}
	reply, err := wire.ReadLine(p.conn, deadline)
	if err != nil {
		p.dropLocked()
		return "", err
	}
	return reply, nil
}

// Send writes a line and does not wait for a reply, used for the
// fire-and-forget abort message.
func (p *PeerConn) Send(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensure(); err != nil {
		return err
	}
	if err := wire.WriteLine(p.conn, line); err != nil {
		p.dropLocked()
		return err
	}
	return nil
}

func (p *PeerConn) dropLocked() {
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

// Close drops the underlying connection, if any.
func (p *PeerConn) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropLocked()
}

// PeerListener accepts inbound peer-channel connections and dispatches
// each line to a Replica, writing back whatever reply it produces (a
// silent drop for fire-and-forget messages like ABORT).
type PeerListener struct {
	ln  net.Listener
	rep *Replica
	log zerolog.Logger
}

// ListenPeers binds addr and starts accepting peer connections in the
// background.
func ListenPeers(addr string, rep *Replica, log zerolog.Logger) (*PeerListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("peer listener: listen %s: %w", addr, err)
	}
	pl := &PeerListener{ln: ln, rep: rep, log: log.With().Str("component", "peer_listener").Logger()}
	go pl.acceptLoop()
	return pl, nil
}

// Addr returns the bound address, resolved if addr was ":0".
func (pl *PeerListener) Addr() string { return pl.ln.Addr().String() }

func (pl *PeerListener) acceptLoop() {
	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			return
		}
		go pl.serve(conn)
	}
}

// serve keeps one peer connection open indefinitely, handling one line
// at a time. The 5 minute idle deadline bounds a peer that dials and then
// never sends anything; an active replication channel resets it on every
// message.
//
// The first thing this side ever sends is MsgSync carrying its own
// log's last-known sequence, so whichever origin dialed in can push
// anything committed since then (spec §4.7) before either side treats
// the connection as ready for ordinary propose/commit traffic.
func (pl *PeerListener) serve(conn net.Conn) {
	defer conn.Close()
	sync := encodeMessage(MsgSync, strconv.FormatUint(pl.rep.Log().LastSeq(), 10))
	if err := wire.WriteLine(conn, sync); err != nil {
		return
	}
	for {
		line, err := wire.ReadLine(conn, time.Now().Add(5*time.Minute))
		if err != nil {
			return
		}
		reply := pl.rep.HandleLine(line)
		if reply == "" {
			continue
		}
		if err := wire.WriteLine(conn, reply); err != nil {
			return
		}
	}
}

// Close stops accepting new peer connections.
func (pl *PeerListener) Close() error { return pl.ln.Close() }
